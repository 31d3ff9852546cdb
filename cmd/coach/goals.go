package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/peakform/coach/internal/backend"
)

var goalsCmd = &cobra.Command{
	Use:   "goals",
	Short: "List the tenant's business goals",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		client := backend.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.TenantID)
		goals, err := client.ListGoals(cmd.Context())
		if err != nil {
			return err
		}
		if len(goals) == 0 {
			fmt.Println("No goals found.")
			return nil
		}

		for _, g := range goals {
			fmt.Printf("%s  %s\n", colorize(colorCyan, g.ID), g.Title)
		}
		return nil
	},
}
