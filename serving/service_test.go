package serving

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"txncat/ml"
	"txncat/pipeline"
)

func newTestService(t *testing.T, cfg Config) (*Service, *recordingObserver) {
	t.Helper()
	path, _ := savedPipeline(t)
	registry := NewRegistry(path, zaptest.NewLogger(t))
	obs := &recordingObserver{}
	svc, err := NewService(registry, cfg, zaptest.NewLogger(t), obs)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := registry.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	return svc, obs
}

func TestClassify(t *testing.T) {
	svc, obs := newTestService(t, Config{ExplainTopN: 1, CacheSize: 16})
	ctx := WithRequestID(context.Background(), "req-1")

	got, err := svc.Classify(ctx, "POS STARBUCKS coffee", decimal.NullDecimal{})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.Category != "Coffee Shops" {
		t.Fatalf("expected Coffee Shops, got %+v", got)
	}
	if len(got.Explanation) != 1 {
		t.Fatalf("expected explanation truncated to 1, got %d", len(got.Explanation))
	}

	again, err := svc.Classify(ctx, "pos starbucks-coffee!", decimal.NullDecimal{})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if again.Confidence != got.Confidence || again.Explanation[0] != got.Explanation[0] {
		t.Fatalf("expected identical cached result, got %+v vs %+v", again, got)
	}

	events, swaps := obs.snapshot()
	if len(swaps) != 1 {
		t.Fatalf("expected one swap event, got %d", len(swaps))
	}
	if len(events) != 2 || events[0].Cached || !events[1].Cached {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].RequestID != "req-1" || events[0].ArtifactID != got.ArtifactID {
		t.Fatalf("unexpected event fields: %+v", events[0])
	}
}

func TestClassifyDefaultTopN(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	if svc.Config().ExplainTopN != 5 {
		t.Fatalf("expected default top 5, got %d", svc.Config().ExplainTopN)
	}
	got, err := svc.Classify(context.Background(), "POS STARBUCKS 1234 coffee uber netflix spotify", decimal.NullDecimal{})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(got.Explanation) != 5 {
		t.Fatalf("expected 5 contributions, got %d", len(got.Explanation))
	}
}

func TestClassifyUnavailable(t *testing.T) {
	registry := NewRegistry(filepath.Join(t.TempDir(), "none.json"), nil)
	svc, err := NewService(registry, Config{}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.Classify(context.Background(), "uber", decimal.NullDecimal{}); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if _, err := svc.ClassifyBatch(context.Background(), []pipeline.Transaction{{Description: "uber"}}); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if _, err := svc.Explain(context.Background(), "uber", 0); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestClassifyBatch(t *testing.T) {
	svc, obs := newTestService(t, Config{Workers: 3, MaxBatch: 10, CacheSize: 16})

	amount := decimal.NewNullDecimal(decimal.RequireFromString("12.34"))
	txns := []pipeline.Transaction{
		{Description: "UBER TRIP", Amount: amount},
		{Description: "NETFLIX.COM"},
		{Description: "starbucks coffee"},
		{Description: "UBER TRIP"},
		{Description: "!!!"},
	}
	results, err := svc.ClassifyBatch(context.Background(), txns)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	want := []string{"Transportation", "Streaming", "Coffee Shops", "Transportation"}
	for i, category := range want {
		if results[i].Category != category || results[i].Description != txns[i].Description {
			t.Fatalf("result %d: expected %s for %q, got %+v", i, category, txns[i].Description, results[i])
		}
	}
	if !results[0].Amount.Valid || !results[0].Amount.Decimal.Equal(amount.Decimal) {
		t.Fatalf("amount not carried through: %+v", results[0])
	}
	if len(results) != 5 || results[4].Confidence <= 0 {
		t.Fatalf("zero-vector input should still get a prior-driven prediction: %+v", results)
	}

	single, err := svc.Predict("UBER TRIP")
	if err != nil || single != (ml.Prediction{Category: results[0].Category, Confidence: results[0].Confidence}) {
		t.Fatalf("batch and single predictions differ: %+v vs %+v (%v)", results[0], single, err)
	}

	events, _ := obs.snapshot()
	if len(events) != 5 || !events[0].Batch {
		t.Fatalf("expected 5 batch events, got %+v", events)
	}

	if _, err := svc.ClassifyBatch(context.Background(), make([]pipeline.Transaction, 11)); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
	empty, err := svc.ClassifyBatch(context.Background(), nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty result, got %v, %v", empty, err)
	}
}

func TestExplain(t *testing.T) {
	svc, obs := newTestService(t, Config{})
	ctx := context.Background()

	all, err := svc.Explain(ctx, "POS STARBUCKS 1234 coffee", 0)
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if len(all) < 3 {
		t.Fatalf("expected the full explanation, got %v", all)
	}
	top, _ := svc.Explain(ctx, "POS STARBUCKS 1234 coffee", 2)
	if len(top) != 2 || top[0] != all[0] || top[1] != all[1] {
		t.Fatalf("expected prefix of the full list, got %v", top)
	}
	empty, err := svc.Explain(ctx, "???", 0)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty explanation, got %v, %v", empty, err)
	}

	if events, _ := obs.snapshot(); len(events) != 0 {
		t.Fatalf("explain should not emit prediction events, got %d", len(events))
	}
}

func TestSwapPurgesCache(t *testing.T) {
	svc, obs := newTestService(t, Config{CacheSize: 16})
	ctx := context.Background()

	if _, err := svc.Classify(ctx, "uber trip", decimal.NullDecimal{}); err != nil {
		t.Fatalf("classify: %v", err)
	}
	if svc.cache.Len() != 1 {
		t.Fatalf("expected one cached entry, got %d", svc.cache.Len())
	}

	replacement := trainTestPipeline(t)
	svc.Registry().Swap(replacement)
	if svc.cache.Len() != 0 {
		t.Fatal("expected swap to purge the cache")
	}
	got, err := svc.Classify(ctx, "uber trip", decimal.NullDecimal{})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.ArtifactID != replacement.ID() {
		t.Fatalf("expected new artifact %s, got %s", replacement.ID(), got.ArtifactID)
	}

	events, swaps := obs.snapshot()
	if len(swaps) != 2 || swaps[1].ID != replacement.ID() {
		t.Fatalf("unexpected swap events: %+v", swaps)
	}
	if events[1].Cached {
		t.Fatal("first prediction after a swap must not be a cache hit")
	}
}
