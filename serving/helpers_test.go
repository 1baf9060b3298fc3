package serving

import (
	"path/filepath"
	"sync"
	"testing"

	"txncat/ml"
)

var trainingTexts = map[string][]string{
	"Coffee Shops":   {"POS STARBUCKS 1234", "starbucks coffee", "DUNKIN #12345", "peets coffee", "SQ *BLUE BOTTLE coffee"},
	"Streaming":      {"NETFLIX.COM", "PAYPAL *SPOTIFY", "hulu subscription", "spotify premium", "netflix monthly"},
	"Transportation": {"UBER TRIP", "LYFT RIDE", "SHELL OIL 5678", "chevron gas", "uber ride home"},
}

func trainTestPipeline(t *testing.T) *ml.Pipeline {
	t.Helper()
	var texts, labels []string
	for i := 0; i < 3; i++ {
		for label, items := range trainingTexts {
			for _, text := range items {
				texts = append(texts, text)
				labels = append(labels, label)
			}
		}
	}
	p, err := ml.Train(texts, labels, ml.TrainOptions{})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	return p
}

// savedPipeline writes a freshly trained pipeline into a temp dir and
// returns its path.
func savedPipeline(t *testing.T) (string, *ml.Pipeline) {
	t.Helper()
	p := trainTestPipeline(t)
	path := filepath.Join(t.TempDir(), "pipeline.json")
	if err := p.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	return path, p
}

type recordingObserver struct {
	mu          sync.Mutex
	predictions []PredictionEvent
	swaps       []ml.Info
}

func (o *recordingObserver) ObservePrediction(e PredictionEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.predictions = append(o.predictions, e)
}

func (o *recordingObserver) ObserveModelSwap(info ml.Info) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.swaps = append(o.swaps, info)
}

func (o *recordingObserver) snapshot() ([]PredictionEvent, []ml.Info) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PredictionEvent(nil), o.predictions...), append([]ml.Info(nil), o.swaps...)
}
