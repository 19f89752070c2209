package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/pixelsmith/internal/batch"
	"github.com/jo-hoe/pixelsmith/internal/jobs"
	"github.com/jo-hoe/pixelsmith/internal/metrics"
	"github.com/jo-hoe/pixelsmith/internal/provenance"
	"github.com/jo-hoe/pixelsmith/internal/provider"
	"github.com/jo-hoe/pixelsmith/internal/provider/mock"
	"github.com/jo-hoe/pixelsmith/internal/server"
	"github.com/jo-hoe/pixelsmith/internal/storage"
	"github.com/jo-hoe/pixelsmith/internal/tools"
	"github.com/jo-hoe/pixelsmith/internal/util"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Server.LogLevel)

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	mets := metrics.New()

	var client provider.Client
	switch strings.ToLower(cfg.Provider.Kind) {
	case "openai":
		client = provider.NewOpenAIClient(cfg.Provider)
	case "mock":
		client = mock.New(cfg.Provider.Mock)
	default:
		return fmt.Errorf("unsupported provider kind %q", cfg.Provider.Kind)
	}
	client = mets.InstrumentClient(client)

	writer := storage.NewWriter(cfg.Server.StorageDir)
	runner := tools.NewRunner(logger, client, writer, s, cfg.Provider.Model,
		provenance.DetailLevel(strings.ToLower(cfg.Provenance.Level)))
	manager := jobs.NewManager(logger, s, tools.DefaultRegistry(runner), util.NewJobID)
	manager.SetObserver(mets)

	svc := &server.Service{
		Log:     logger,
		Cfg:     cfg,
		Manager: manager,
		Batch:   batch.NewRunner(logger, manager, s),
		Metrics: mets.Handler(),
	}
	httpSrv := server.NewHTTPServer(svc)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	manager.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("shutdown complete")
	return nil
}
