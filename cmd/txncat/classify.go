package main

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"txncat/pipeline"
	"txncat/serving"
)

func classifyCmd() *cobra.Command {
	var (
		file      string
		modelPath string
		amount    string
	)

	cmd := &cobra.Command{
		Use:   "classify [description]",
		Short: "Classify a description, or every row of a CSV with --file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" && len(args) == 0 {
				return errors.New("a description or --file is required")
			}
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if modelPath != "" {
				cfg.Model.Path = modelPath
			}

			registry := serving.NewRegistry(cfg.Model.Path, logger.Named("registry"))
			if _, err := registry.Load(); err != nil {
				return err
			}
			svc, err := serving.NewService(registry, cfg.Serving, logger.Named("serving"))
			if err != nil {
				return err
			}

			if file != "" {
				txns, err := pipeline.ReadTransactionsFile(file)
				if err != nil {
					return err
				}
				results, err := svc.ClassifyBatch(cmd.Context(), txns)
				if err != nil {
					return err
				}
				return pipeline.WriteResults(cmd.OutOrStdout(), results)
			}

			var amt decimal.NullDecimal
			if amount != "" {
				d, err := decimal.NewFromString(amount)
				if err != nil {
					return err
				}
				amt = decimal.NewNullDecimal(d)
			}
			result, err := svc.Classify(cmd.Context(), strings.Join(args, " "), amt)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV with a description column")
	cmd.Flags().StringVar(&modelPath, "model", "", "artifact path (overrides model.path)")
	cmd.Flags().StringVar(&amount, "amount", "", "transaction amount")
	return cmd
}
