package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"txncat/ml"
	"txncat/taxonomy"
)

// FeedbackSource 提供用户纠正过的样本，训练时并入训练集
type FeedbackSource interface {
	FeedbackSamples(ctx context.Context) ([]ml.Sample, error)
}

// TrainingConfig 训练配置
type TrainingConfig struct {
	DataPath   string
	ModelPath  string
	TestRatio  float64
	Seed       uint64
	Regression ml.RegressionConfig
	Taxonomy   *taxonomy.Taxonomy
	Feedback   FeedbackSource
	Logger     *zap.Logger
}

// TrainingReport 训练结果
type TrainingReport struct {
	Model           ml.Info       `json:"model"`
	ModelPath       string        `json:"model_path"`
	Evaluation      *ml.Report    `json:"evaluation,omitempty"`
	Cleaning        CleaningStats `json:"cleaning"`
	TrainSamples    int           `json:"train_samples"`
	TestSamples     int           `json:"test_samples"`
	FeedbackSamples int           `json:"feedback_samples"`
	Duration        time.Duration `json:"duration"`
}

const (
	DefaultTestRatio = 0.2
	DefaultSeed      = 42
)

// Train 读取CSV、清洗、切分、训练、评估并保存模型
func Train(ctx context.Context, cfg TrainingConfig) (*TrainingReport, error) {
	if cfg.DataPath == "" {
		return nil, errors.New("pipeline: data path is required")
	}
	if cfg.ModelPath == "" {
		return nil, errors.New("pipeline: model path is required")
	}
	if cfg.TestRatio <= 0 || cfg.TestRatio >= 1 {
		cfg.TestRatio = DefaultTestRatio
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()

	transactions, err := ReadTransactionsFile(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load training data: %w", err)
	}

	cleaner := NewDataCleaner(cfg.Taxonomy, logger)
	cleaned, _ := cleaner.Clean(transactions)
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("pipeline: no usable rows in %s", cfg.DataPath)
	}

	samples := make([]ml.Sample, len(cleaned))
	for i, txn := range cleaned {
		samples[i] = ml.Sample{Text: txn.Description, Label: txn.Category}
	}
	train, test := ml.SplitDataset(samples, cfg.TestRatio, cfg.Seed)

	var feedbackCount int
	if cfg.Feedback != nil {
		extra, err := cfg.Feedback.FeedbackSamples(ctx)
		if err != nil {
			return nil, fmt.Errorf("pipeline: load feedback: %w", err)
		}
		// 反馈样本只进训练集，不影响评估
		train = append(train, extra...)
		feedbackCount = len(extra)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger.Info("training pipeline",
		zap.Int("train", len(train)),
		zap.Int("test", len(test)),
		zap.Int("feedback", feedbackCount))

	texts, labels := ml.SplitSamples(train)
	model, err := ml.Train(texts, labels, ml.TrainOptions{Regression: cfg.Regression})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fit := model.Info().Fit; !fit.Converged {
		logger.Warn("optimizer stopped before convergence",
			zap.String("status", fit.Status),
			zap.Int("iterations", fit.Iterations))
	}

	report := &TrainingReport{
		Model:           model.Info(),
		ModelPath:       cfg.ModelPath,
		Cleaning:        cleaner.GetStats(),
		TrainSamples:    len(train),
		TestSamples:     len(test),
		FeedbackSamples: feedbackCount,
	}
	if len(test) > 0 {
		report.Evaluation, err = ml.Evaluate(model, test)
		if err != nil {
			return nil, err
		}
		logger.Info("evaluation",
			zap.Float64("accuracy", report.Evaluation.Accuracy),
			zap.Float64("macro_f1", report.Evaluation.MacroF1))
	}

	if err := os.MkdirAll(filepath.Dir(cfg.ModelPath), 0o755); err != nil {
		return nil, err
	}
	if err := model.Save(cfg.ModelPath); err != nil {
		return nil, err
	}
	report.Duration = time.Since(start)
	logger.Info("model saved",
		zap.String("path", cfg.ModelPath),
		zap.String("artifact", model.ID()),
		zap.Duration("duration", report.Duration))
	return report, nil
}
