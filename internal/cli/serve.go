package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexiqai/meeting-capture/internal/observability"
	"github.com/lexiqai/meeting-capture/internal/server"
)

// NewServeCmd runs the HTTP control API with browser capture
func NewServeCmd(deps *Dependencies) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				deps.Config.Port = port
			}
			return runServe(deps)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "Listen port (overrides PORT)")
	return cmd
}

func runServe(deps *Dependencies) error {
	cfg := deps.Config
	logger := observability.GetLogger()

	manager := deps.App.Manager(deps.App.Broker.For)
	defer manager.Close()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go manager.Run(sweepCtx)

	handler := server.New(server.Options{
		Sessions:       manager,
		Capture:        deps.App.Broker,
		Notices:        deps.App.Notices,
		Checks:         deps.App.Checks,
		MetricsEnabled: cfg.MetricsEnabled,
	})

	// start and end block on acquisition and finalize
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("capture_endpoint", captureEndpoint(cfg.PublicURL, cfg.Port)).
			Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("Server exited gracefully")
	return nil
}

func captureEndpoint(publicURL, port string) string {
	base := strings.TrimSuffix(publicURL, "/")
	if base == "" {
		base = "http://localhost:" + port
	}
	base = strings.Replace(base, "http", "ws", 1)
	return base + "/v1/sessions/{id}/capture"
}
