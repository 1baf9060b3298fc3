package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"txncat/taxonomy"
)

func categoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List the category taxonomy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tax, err := taxonomy.Load(cfg.Model.TaxonomyPath)
			if err != nil {
				return err
			}
			for _, c := range tax.Categories() {
				fmt.Fprintf(cmd.OutOrStdout(), "%3d  %-16s %s\n", c.ID, c.Name, strings.Join(c.Keywords, ", "))
			}
			return nil
		},
	}
}
