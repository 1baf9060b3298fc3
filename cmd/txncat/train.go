package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"txncat/config"
	"txncat/db"
	"txncat/pipeline"
	"txncat/taxonomy"
)

func trainCmd() *cobra.Command {
	var (
		dataPath    string
		modelPath   string
		noFeedback  bool
		reportJSON  bool
		generateRow int
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a pipeline from a labelled CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if dataPath != "" {
				cfg.Model.DataPath = dataPath
			}
			if modelPath != "" {
				cfg.Model.Path = modelPath
			}
			if noFeedback {
				cfg.Model.UseFeedback = false
			}

			tax, err := taxonomy.Load(cfg.Model.TaxonomyPath)
			if err != nil {
				return err
			}
			store, err := db.Open(cfg.Database, logger.Named("db"))
			if err != nil {
				return err
			}
			defer store.Close()

			if generateRow > 0 {
				if err := generateData(tax, cfg.Model.DataPath, generateRow, cfg.Model.Seed, logger); err != nil {
					return err
				}
			}

			report, err := trainModel(cmd.Context(), cfg, tax, store, logger)
			if err != nil {
				return err
			}
			if reportJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(cmd, report)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataPath, "data", "", "training CSV (overrides model.data_path)")
	cmd.Flags().StringVar(&modelPath, "out", "", "artifact path (overrides model.path)")
	cmd.Flags().BoolVar(&noFeedback, "no-feedback", false, "ignore stored feedback")
	cmd.Flags().BoolVar(&reportJSON, "json", false, "print the report as JSON")
	cmd.Flags().IntVar(&generateRow, "generate", 0, "generate this many synthetic rows first")
	return cmd
}

// trainModel 训练、保存产物并写入训练日志
func trainModel(ctx context.Context, cfg *config.Config, tax *taxonomy.Taxonomy, store *db.Store, logger *zap.Logger) (*pipeline.TrainingReport, error) {
	tc := pipeline.TrainingConfig{
		DataPath:   cfg.Model.DataPath,
		ModelPath:  cfg.Model.Path,
		TestRatio:  cfg.Model.TestRatio,
		Seed:       cfg.Model.Seed,
		Regression: cfg.Model.Regression,
		Taxonomy:   tax,
		Logger:     logger.Named("training"),
	}
	if cfg.Model.UseFeedback {
		tc.Feedback = store
	}

	report, err := pipeline.Train(ctx, tc)
	if err != nil {
		return nil, err
	}

	entry := db.TrainingLog{
		ArtifactID:     report.Model.ID,
		ModelPath:      report.ModelPath,
		TrainSamples:   report.TrainSamples,
		TestSamples:    report.TestSamples,
		VocabularySize: report.Model.VocabularySize,
		TrainedAt:      report.Model.CreatedAt,
	}
	if ev := report.Evaluation; ev != nil {
		entry.Accuracy = ev.Accuracy
		entry.MacroPrecision = ev.MacroPrecision
		entry.MacroRecall = ev.MacroRecall
		entry.MacroF1 = ev.MacroF1
	}
	if err := store.SaveTrainingLog(ctx, entry); err != nil {
		logger.Warn("save training log failed", zap.Error(err))
	}
	return report, nil
}

// bootstrap 模型不存在时生成数据并训练
func bootstrap(ctx context.Context, cfg *config.Config, tax *taxonomy.Taxonomy, store *db.Store, logger *zap.Logger) error {
	if _, err := os.Stat(cfg.Model.Path); err == nil || !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	logger.Info("no model artifact found, bootstrapping", zap.String("path", cfg.Model.Path))

	if _, err := os.Stat(cfg.Model.DataPath); errors.Is(err, fs.ErrNotExist) {
		if err := generateData(tax, cfg.Model.DataPath, cfg.Model.BootstrapSamples, cfg.Model.Seed, logger); err != nil {
			return err
		}
	}
	report, err := trainModel(ctx, cfg, tax, store, logger)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	logger.Info("bootstrap complete",
		zap.String("artifact", report.Model.ID),
		zap.Duration("duration", report.Duration))
	return nil
}

func printReport(cmd *cobra.Command, report *pipeline.TrainingReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "artifact:   %s\n", report.Model.ID)
	fmt.Fprintf(out, "saved to:   %s\n", report.ModelPath)
	fmt.Fprintf(out, "vocabulary: %d\n", report.Model.VocabularySize)
	fmt.Fprintf(out, "samples:    train=%d test=%d feedback=%d\n", report.TrainSamples, report.TestSamples, report.FeedbackSamples)
	fmt.Fprintf(out, "converged:  %t (%d iterations)\n", report.Model.Fit.Converged, report.Model.Fit.Iterations)
	if ev := report.Evaluation; ev != nil {
		fmt.Fprintf(out, "accuracy=%.4f macro_precision=%.4f macro_recall=%.4f macro_f1=%.4f\n",
			ev.Accuracy, ev.MacroPrecision, ev.MacroRecall, ev.MacroF1)
		for _, c := range ev.Classes {
			fmt.Fprintf(out, "  %-20s precision=%.4f recall=%.4f f1=%.4f support=%d\n",
				c.Label, c.Precision, c.Recall, c.F1, c.Support)
		}
	}
	fmt.Fprintf(out, "took %s\n", report.Duration)
}
