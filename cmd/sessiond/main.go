package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coopco/sessiond/internal/config"
)

var (
	configFile string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "sessiond",
	Short: "Single-identity chat network session daemon",
	Long: `sessiond keeps one chat network session alive for one configured identity.

It pairs the session, reconnects it after transient drops, sends batches of
text and media on request or on a schedule, and streams lifecycle
notifications to websocket clients.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel, logFormat)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (default ~/.sessiond/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
}

func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid --log-format %q", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.Load()
	}
	return config.LoadFromFile(configFile)
}
