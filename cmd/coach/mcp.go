package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/peakform/coach/internal/api"
	"github.com/peakform/coach/internal/backend"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP server (stdio transport)",
	Long: `Run the MCP server on stdio so agent hosts can chat with the coach
and manage the tenant's threads as tools.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		client := backend.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.TenantID)
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:          st,
			Backend:        client,
			TenantID:       cfg.API.TenantID,
			DefaultPersona: cfg.Chat.DefaultPersona,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		slog.Info("MCP server started (stdio transport)", "tenant", cfg.API.TenantID)
		if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
