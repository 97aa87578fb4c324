package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/mindmapper/claudebridge/internal/bridge"
	"github.com/mindmapper/claudebridge/internal/config"
	"github.com/mindmapper/claudebridge/internal/events"
	"github.com/mindmapper/claudebridge/internal/harness"
	"github.com/mindmapper/claudebridge/internal/harness/claude"
	"github.com/mindmapper/claudebridge/internal/server"
)

const shutdownTimeout = 10 * time.Second

func newApp(cfg *config.Config, logger *log.Logger) (*bridge.App, error) {
	return bridge.New(bridge.Options{Config: cfg, Logger: logger})
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func newDetectCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Report whether the claude CLI is installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			detection := app.Detect(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), detection); err != nil {
				return err
			}
			if !detection.Installed {
				return exitCodeError{code: 1}
			}
			return nil
		},
	}
}

type runOptions struct {
	outputDir string
	model     string
	handsOff  bool
	dryRun    bool
}

func newRunCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one prompt and stream session events as JSON lines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputDir := opts.outputDir
			if strings.TrimSpace(outputDir) == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("resolve current directory: %w", err)
				}
				outputDir = cwd
			}
			req := bridge.SpawnRequest{
				Prompt:    strings.Join(args, " "),
				OutputDir: outputDir,
				Model:     opts.model,
				HandsOff:  opts.handsOff,
			}

			if opts.dryRun {
				driver := claude.New(claude.DriverConfig{
					Binary:        cfg.Binary,
					DefaultModel:  cfg.DefaultModel,
					HandsOffTools: cfg.HandsOffTools,
				})
				inv, err := driver.BuildInvocation(harness.Request{
					Prompt:    req.Prompt,
					OutputDir: req.OutputDir,
					Model:     req.Model,
					HandsOff:  req.HandsOff,
				})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), claude.CommandLine(inv))
				return err
			}

			app, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSession(ctx, app, req, cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().StringVar(&opts.outputDir, "output-dir", "", "working directory for the session (default: current directory)")
	cmd.Flags().StringVar(&opts.model, "model", "", "model to pass to the claude CLI")
	cmd.Flags().BoolVar(&opts.handsOff, "hands-off", false, "allow the configured tool list without prompting")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print the command line without launching it")
	return cmd
}

// runSession spawns req, prints every bus event as one JSON line and returns
// once the completion frame for the session has been written. Cancelling ctx
// cancels the session.
func runSession(ctx context.Context, app *bridge.App, req bridge.SpawnRequest, out io.Writer, logger *log.Logger) error {
	var (
		writeMu   sync.Mutex
		completed = make(chan events.CompletePayload, 4)
	)
	encoder := json.NewEncoder(out)
	unsubscribe := app.Bus().SubscribeAll(func(event events.Event) {
		writeMu.Lock()
		if err := encoder.Encode(server.NewFrame(event)); err != nil {
			logger.Warn("write event failed", "event", event.Type, "error", err)
		}
		writeMu.Unlock()
		// Signalled only after the frame is written, so nothing queued
		// behind it is lost when the caller unsubscribes.
		if complete, ok := event.Payload.(events.CompletePayload); ok {
			select {
			case completed <- complete:
			default:
			}
		}
	})
	defer unsubscribe()

	result, err := app.Spawn(context.WithoutCancel(ctx), req)
	if err != nil {
		return err
	}

	interrupted := ctx.Done()
	exitCode := 0
wait:
	for {
		select {
		case complete := <-completed:
			if complete.SessionID != result.SessionID {
				continue
			}
			exitCode = complete.ExitCode
			break wait
		case <-interrupted:
			interrupted = nil
			if _, err := app.Cancel(); err != nil {
				logger.Error("cancel failed", "session_id", result.SessionID, "error", err)
			}
		}
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := app.Close(closeCtx); err != nil {
		logger.Warn("supervisor shutdown incomplete", "error", err)
	}
	if exitCode != 0 {
		return exitCodeError{code: exitCode}
	}
	return nil
}

func newServeCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the command API and event stream over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			srv, err := server.New(app, logger, server.WithAllowedOrigins(cfg.AllowedOrigins...))
			if err != nil {
				return err
			}
			if strings.TrimSpace(addr) == "" {
				addr = cfg.ListenAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start(addr)
			}()

			var serveErr error
			select {
			case serveErr = <-errCh:
			case <-ctx.Done():
				logger.Info("shutdown requested")
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return errors.Join(serveErr, srv.Shutdown(shutdownCtx), app.Close(shutdownCtx))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config listen_addr)")
	return cmd
}

func newSecretCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	secret := &cobra.Command{
		Use:   "secret",
		Short: "Read and store provider API keys",
	}

	get := &cobra.Command{
		Use:   "get [provider]",
		Short: "Print the stored key for a provider",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			result, err := app.GetSecret(firstArg(args))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}

	var value string
	set := &cobra.Command{
		Use:   "set [provider]",
		Short: "Store a key for a provider (reads stdin when --value is omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("value") {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read secret from stdin: %w", err)
				}
				value = strings.TrimSpace(string(data))
			}
			app, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			result, err := app.SetSecret(firstArg(args), value)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	set.Flags().StringVar(&value, "value", "", "key value to store")

	list := &cobra.Command{
		Use:   "list",
		Short: "List providers with a stored key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			providers, err := app.SecretProviders()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"providers": providers})
		},
	}

	secret.AddCommand(get, set, list)
	return secret
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
