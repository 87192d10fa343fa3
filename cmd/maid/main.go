package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "maid",
		Short: "Maid - streaming chat backend",
		Long: `Maid is a streaming chat backend: authenticated WebSocket sessions,
LLM-streamed turns, and an asynchronous memory-extraction pipeline.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			level := slog.LevelInfo
			if os.Getenv("DEBUG") != "" {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
				Level:      level,
				TimeFormat: time.Kitchen,
			})))
			return nil
		},
	}

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("maid %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}
}
