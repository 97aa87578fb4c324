// Package bridge is the command facade shared by the CLI and the HTTP host.
// It owns the event bus, process registry, supervisor, driver and secret store.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/mindmapper/claudebridge/internal/config"
	"github.com/mindmapper/claudebridge/internal/events"
	"github.com/mindmapper/claudebridge/internal/harness"
	"github.com/mindmapper/claudebridge/internal/harness/claude"
	"github.com/mindmapper/claudebridge/internal/logging"
	"github.com/mindmapper/claudebridge/internal/registry"
	"github.com/mindmapper/claudebridge/internal/secrets"
	"github.com/mindmapper/claudebridge/internal/supervisor"
	"github.com/mindmapper/claudebridge/internal/telemetry"
)

// ErrInvalidRequest marks caller mistakes such as an empty prompt.
var ErrInvalidRequest = errors.New("invalid request")

// SpawnRequest is the spawn command input.
type SpawnRequest struct {
	Prompt    string `json:"prompt"`
	OutputDir string `json:"outputDir"`
	Model     string `json:"model,omitempty"`
	HandsOff  bool   `json:"handsOffMode,omitempty"`
}

// SecretResult is the getSecret response. Key is nil when nothing is stored.
type SecretResult struct {
	Key      *string `json:"key"`
	Provider string  `json:"provider"`
}

// SaveResult is the setSecret response.
type SaveResult struct {
	Saved    bool   `json:"saved"`
	Provider string `json:"provider"`
}

// Options configures an App. Zero-valued collaborators are built from Config.
type Options struct {
	Config  *config.Config
	Logger  *log.Logger
	Bus     events.Bus
	Secrets secrets.Store
	Driver  harness.Driver
	// Terminate overrides the platform termination request.
	Terminate func(proc *os.Process) error
}

// App is the application's top-level state container.
type App struct {
	cfg        *config.Config
	logger     *log.Logger
	bus        events.Bus
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	driver     harness.Driver
	secrets    secrets.Store
}

// New wires an App from opts.
func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	cfg := opts.Config
	logger := logging.OrDiscard(opts.Logger)

	bus := opts.Bus
	if bus == nil {
		bus = events.New(
			events.WithBufferSize(cfg.EventBuffer),
			events.WithLogger(logger.With("component", "events")),
		)
	}

	store := opts.Secrets
	if store == nil {
		fileStore, err := secrets.NewFileStore(cfg.SettingsPath)
		if err != nil {
			return nil, fmt.Errorf("open secret store: %w", err)
		}
		store = fileStore
	}

	driver := opts.Driver
	if driver == nil {
		driver = claude.New(claude.DriverConfig{
			Binary:        cfg.Binary,
			DefaultModel:  cfg.DefaultModel,
			HandsOffTools: cfg.HandsOffTools,
		})
	}

	reg := registry.New()
	sup, err := supervisor.New(supervisor.Options{
		Registry:  reg,
		Publisher: bus,
		Logger:    logger.With("component", "supervisor"),
		Policy:    supervisor.Policy(cfg.ConcurrentSpawn),
		Terminate: opts.Terminate,
	})
	if err != nil {
		return nil, fmt.Errorf("create supervisor: %w", err)
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		bus:        bus,
		registry:   reg,
		supervisor: sup,
		driver:     driver,
		secrets:    store,
	}, nil
}

// Bus returns the event bus observers subscribe to.
func (a *App) Bus() events.Bus {
	return a.bus
}

// Detect probes the configured CLI binary.
func (a *App) Detect(ctx context.Context) harness.Detection {
	detection := harness.Detect(ctx, harness.DetectOptions{
		Binary:  a.cfg.Binary,
		Timeout: a.cfg.ProbeTimeout,
	})
	a.logger.Info("cli detection", "binary", a.cfg.Binary, "installed", detection.Installed, "version", detection.Version)
	return detection
}

// Spawn builds the CLI invocation for req and launches it.
func (a *App) Spawn(ctx context.Context, req SpawnRequest) (supervisor.SpawnResult, error) {
	inv, err := a.driver.BuildInvocation(harness.Request{
		Prompt:    req.Prompt,
		OutputDir: req.OutputDir,
		Model:     req.Model,
		HandsOff:  req.HandsOff,
	})
	if err != nil {
		return supervisor.SpawnResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = a.cfg.DefaultModel
	}
	spanCtx, _ := telemetry.StartSession(ctx, telemetry.SessionRequest{
		Command: inv.Command,
		Model:   model,
		WorkDir: inv.Dir,
		Prompt:  req.Prompt,
	})

	result, err := a.supervisor.Spawn(spanCtx, supervisor.Command{
		Name: inv.Command,
		Args: inv.Args,
		Dir:  inv.Dir,
	})
	if err != nil {
		a.logger.Error("spawn failed", "command", inv.Command, "dir", inv.Dir, "error", err)
		return supervisor.SpawnResult{}, err
	}
	return result, nil
}

// Cancel requests termination of the tracked session.
func (a *App) Cancel() (supervisor.CancelResult, error) {
	return a.supervisor.Cancel()
}

// Sessions returns snapshots of every session launched by this App.
func (a *App) Sessions() []supervisor.Session {
	return a.supervisor.Sessions()
}

// Session returns one session snapshot.
func (a *App) Session(sessionID string) (supervisor.Session, bool) {
	return a.supervisor.Session(sessionID)
}

// GetSecret returns the stored key for provider (default "anthropic").
func (a *App) GetSecret(provider string) (SecretResult, error) {
	keyName := secrets.KeyName(provider)
	value, ok, err := a.secrets.Get(provider)
	if err != nil {
		return SecretResult{}, fmt.Errorf("read %s: %w", keyName, err)
	}
	result := SecretResult{Provider: keyName}
	if ok {
		result.Key = &value
	}
	return result, nil
}

// SetSecret stores value for provider (default "anthropic").
func (a *App) SetSecret(provider, value string) (SaveResult, error) {
	keyName := secrets.KeyName(provider)
	if err := a.secrets.Set(provider, value); err != nil {
		return SaveResult{}, fmt.Errorf("save %s: %w", keyName, err)
	}
	a.logger.Info("secret saved", "provider", keyName)
	return SaveResult{Saved: true, Provider: keyName}, nil
}

// SecretProviders lists providers with a stored key. Values are never returned.
func (a *App) SecretProviders() ([]string, error) {
	providers, err := a.secrets.Providers()
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	return providers, nil
}

// Close cancels the tracked session and waits for supervisor goroutines.
func (a *App) Close(ctx context.Context) error {
	return a.supervisor.Shutdown(ctx)
}
