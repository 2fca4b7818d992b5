package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vpsdeck/vpsdeck/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	setupLogger(cfg)

	rootCmd := &cobra.Command{
		Use:   "vpsdeck",
		Short: "Remote session and command gateway for a VPS",
		Long: "vpsdeck connects to a remote host over SSH and exposes file\n" +
			"management, command execution and an embedded HTTP server for\n" +
			"browser access to the same session.",
	}

	rootCmd.AddCommand(newServeCmd(cfg))
	rootCmd.AddCommand(newShellCmd(cfg))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Env == "development" && cfg.LogFormat == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
