package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"txncat/pipeline"
	"txncat/taxonomy"
)

func generateCmd() *cobra.Command {
	var (
		out  string
		rows int
		seed uint64
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a synthetic labelled transaction CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if out == "" {
				out = cfg.Model.DataPath
			}
			if !cmd.Flags().Changed("seed") {
				seed = cfg.Model.Seed
			}
			tax, err := taxonomy.Load(cfg.Model.TaxonomyPath)
			if err != nil {
				return err
			}
			if err := generateData(tax, out, rows, seed, logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows to %s\n", rows, out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output CSV (defaults to model.data_path)")
	cmd.Flags().IntVarP(&rows, "rows", "n", 50000, "number of rows")
	cmd.Flags().Uint64Var(&seed, "seed", 42, "random seed")
	return cmd
}

func generateData(tax *taxonomy.Taxonomy, path string, rows int, seed uint64, logger *zap.Logger) error {
	gen, err := pipeline.NewGenerator(tax, seed)
	if err != nil {
		return err
	}
	if err := gen.GenerateFile(path, rows); err != nil {
		return err
	}
	logger.Info("generated synthetic data",
		zap.String("path", path),
		zap.Int("rows", rows),
		zap.Uint64("seed", seed))
	return nil
}
