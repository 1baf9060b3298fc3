package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"txncat/ml"
)

type staticFeedback []ml.Sample

func (f staticFeedback) FeedbackSamples(context.Context) ([]ml.Sample, error) {
	return f, nil
}

func TestTrain(t *testing.T) {
	dir := t.TempDir()
	tax := testTaxonomy(t)
	gen, _ := NewGenerator(tax, DefaultSeed)
	dataPath := filepath.Join(dir, "transactions.csv")
	if err := gen.GenerateFile(dataPath, 300); err != nil {
		t.Fatalf("generate: %v", err)
	}

	modelPath := filepath.Join(dir, "models", "pipeline.json")
	report, err := Train(context.Background(), TrainingConfig{
		DataPath:  dataPath,
		ModelPath: modelPath,
		Seed:      DefaultSeed,
		Taxonomy:  tax,
		Feedback:  staticFeedback{{Text: "blue bottle", Label: "Coffee Shops"}},
	})
	if err != nil {
		t.Fatalf("train: %v", err)
	}

	if report.TrainSamples+report.TestSamples != 301 {
		t.Fatalf("expected 301 samples, got %d+%d", report.TrainSamples, report.TestSamples)
	}
	if report.TestSamples != 60 {
		t.Fatalf("expected 60 held-out samples, got %d", report.TestSamples)
	}
	if report.FeedbackSamples != 1 {
		t.Fatalf("expected 1 feedback sample, got %d", report.FeedbackSamples)
	}
	if report.Evaluation == nil || report.Evaluation.Accuracy < 0.9 {
		t.Fatalf("expected accuracy >= 0.9, got %+v", report.Evaluation)
	}

	loaded, err := ml.LoadPipeline(modelPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ID() != report.Model.ID {
		t.Fatalf("saved artifact %s, report says %s", loaded.ID(), report.Model.ID)
	}
	pred, err := loaded.PredictOne("PAYPAL *SPOTIFY")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if pred.Category != "Streaming" {
		t.Fatalf("expected Streaming, got %+v", pred)
	}
}

func TestTrainErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := Train(ctx, TrainingConfig{ModelPath: "m.json"}); err == nil {
		t.Fatal("expected error without data path")
	}
	if _, err := Train(ctx, TrainingConfig{DataPath: "d.csv"}); err == nil {
		t.Fatal("expected error without model path")
	}
	dir := t.TempDir()
	if _, err := Train(ctx, TrainingConfig{
		DataPath:  filepath.Join(dir, "missing.csv"),
		ModelPath: filepath.Join(dir, "m.json"),
	}); err == nil {
		t.Fatal("expected error for missing data")
	}
}

func TestTrainCancelled(t *testing.T) {
	dir := t.TempDir()
	gen, _ := NewGenerator(testTaxonomy(t), 1)
	dataPath := filepath.Join(dir, "transactions.csv")
	if err := gen.GenerateFile(dataPath, 50); err != nil {
		t.Fatalf("generate: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Train(ctx, TrainingConfig{DataPath: dataPath, ModelPath: filepath.Join(dir, "m.json")}); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
