package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/pixelsmith/internal/config"
	"github.com/jo-hoe/pixelsmith/internal/store"
)

var (
	cfgFile      string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pixelsmith",
	Short: "Image generation job orchestrator",
	Long: `pixelsmith runs image generation jobs against a remote provider,
tracks them in a durable store, embeds provenance metadata into the
produced images, and executes batches with bounded concurrency.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default config.yaml or $PIXELSMITH_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(cfg.Server.DatabasePath)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func jsonOutput() bool {
	return strings.EqualFold(outputFormat, "json")
}

func requireTableOrJSON() error {
	switch strings.ToLower(outputFormat) {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", outputFormat)
	}
}
