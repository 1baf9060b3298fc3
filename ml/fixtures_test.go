package ml

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

var fixtureKeywords = map[string][]string{
	"Coffee Shops": {"STARBUCKS", "DUNKIN", "PEETS"},
	"Streaming":    {"NETFLIX", "SPOTIFY", "HULU"},
	"Rideshare":    {"UBER", "LYFT"},
	"Groceries":    {"WHOLE FOODS", "KROGER", "SAFEWAY"},
}

var fixtureTemplates = []func(string) string{
	strings.ToUpper,
	strings.ToLower,
	func(k string) string { return fmt.Sprintf("POS %s 1234", k) },
	func(k string) string { return fmt.Sprintf("PAYPAL *%s", k) },
	func(k string) string { return fmt.Sprintf("%s STORE NY", k) },
	func(k string) string { return fmt.Sprintf("%s #12345", k) },
	func(k string) string { return fmt.Sprintf("TST* %s", k) },
	func(k string) string { return fmt.Sprintf("SQ *%s", k) },
	func(k string) string { return fmt.Sprintf("AMZN Mktp %s", k) },
	func(k string) string { return fmt.Sprintf("%s .COM", k) },
	func(k string) string { return fmt.Sprintf("CHECKCARD %s", k) },
	func(k string) string { return k },
}

func fixtureSamples(repeat int) []Sample {
	samples := make([]Sample, 0)
	for r := 0; r < repeat; r++ {
		for _, label := range []string{"Coffee Shops", "Groceries", "Rideshare", "Streaming"} {
			for _, keyword := range fixtureKeywords[label] {
				for _, tmpl := range fixtureTemplates {
					samples = append(samples, Sample{Text: tmpl(keyword), Label: label})
				}
			}
		}
	}
	return samples
}

var (
	fixtureOnce     sync.Once
	fixturePipeline *Pipeline
	fixtureErr      error
)

// trainedFixture trains once per test binary; pipelines are immutable so
// tests can share it.
func trainedFixture(t *testing.T) *Pipeline {
	t.Helper()
	fixtureOnce.Do(func() {
		texts, labels := SplitSamples(fixtureSamples(4))
		fixturePipeline, fixtureErr = Train(texts, labels, TrainOptions{Regression: DefaultRegressionConfig()})
	})
	if fixtureErr != nil {
		t.Fatalf("unexpected error: %v", fixtureErr)
	}
	return fixturePipeline
}
