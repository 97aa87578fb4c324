package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mindmapper/claudebridge/internal/config"
	"github.com/mindmapper/claudebridge/internal/logging"
	"github.com/mindmapper/claudebridge/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

// exitCodeError carries a process exit status without an error message.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		var exitErr exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx, logging.WithRunID(uuid.NewString()))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	if cfg.OTELEnabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Options{Endpoint: cfg.OTELEndpoint, Version: Version})
		if err != nil {
			logger.Logger.Warn("telemetry disabled", "error", err)
		} else {
			defer shutdown()
		}
	}

	cmd := newRootCommand(cfg, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "claudebridge",
		Short:         "Supervise claude CLI sessions and stream their output",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newDetectCommand(cfg, logger),
		newRunCommand(cfg, logger),
		newServeCommand(cfg, logger),
		newSecretCommand(cfg, logger),
		newBugreportCommand(cfg, logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	return root
}
