// Command textenc turns files of texts into embedding vectors, caching every
// vector so repeated runs only pay for new texts.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/textenc/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := config.NewRegistry()
	registerBuiltins(reg)

	if err := newRootCmd(reg).ExecuteContext(ctx); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "textenc: %v (copy configs/example.yaml to get started)\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "textenc: %v\n", err)
		}
		return 1
	}
	return 0
}

// newRootCmd builds the command tree around reg.
func newRootCmd(reg *config.Registry) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "textenc",
		Short:         "Encode texts into embedding vectors with a persistent cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "textenc.yaml", "path to the YAML configuration file")

	// loadConfig reads the config and installs the logger it asks for.
	loadConfig := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		slog.SetDefault(newLogger(cfg.LogLevel))
		slog.Debug("config loaded", "config", configPath, "encoder", cfg.Encoder.Name, "model", cfg.Encoder.Model)
		return cfg, nil
	}

	root.AddCommand(
		newEncodeCmd(reg, loadConfig),
		newMigrateCmd(reg, loadConfig),
		newClearCmd(reg, loadConfig),
		newMCPCmd(reg, loadConfig),
	)
	return root
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
