package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nadmax/clipmill/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

type app struct {
	configFile string
	cfg        *config.Config
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "clipmill",
		Short: "clipmill - batch video clip generator",
		Long: `clipmill composes a primary and a secondary video into a batch of
vertical clips in the background, tracks per-batch progress and charges
user credits for the work.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd.Context(), a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			slog.SetDefault(slog.New(newLogHandler(os.Stderr, cfg.LogLevel, cfg.LogFormat)))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&a.configFile, "config", "", "optional config file (environment variables take precedence)")

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newCreditsCommand(a))
	cmd.AddCommand(newMigrateCommand(a))

	return cmd
}

func newLogHandler(w io.Writer, level, format string) slog.Handler {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func execute() error {
	return newRootCommand().Execute()
}
