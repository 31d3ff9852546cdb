package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/peakform/coach/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local dev coaching server (foreground)",
	Long: `Run the local dev coaching server.

It speaks the same wire protocol as the hosted API with canned replies,
so chat and the full dev loop work without network access.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = cfg.Server.Port
		}
		frameDelay, _ := cmd.Flags().GetDuration("frame-delay")
		token, _ := cmd.Flags().GetString("token")

		handler := api.NewHandler(api.Deps{
			Token:      token,
			FrameDelay: frameDelay,
		})

		addr := fmt.Sprintf("127.0.0.1:%d", port)
		srv := &http.Server{
			Addr:    addr,
			Handler: handler,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			slog.Info("dev server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			slog.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "port to listen on (default from config)")
	serveCmd.Flags().Duration("frame-delay", 40*time.Millisecond, "delay between streamed frames")
	serveCmd.Flags().String("token", "", "require this bearer token on /v1 routes")
}
