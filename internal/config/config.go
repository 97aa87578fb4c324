package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DirName is the per-user and per-project state directory name.
	DirName = ".claudebridge"

	defaultBinary       = "claude"
	defaultProbeTimeout = 10 * time.Second
	defaultEventBuffer  = 256
	defaultListenAddr   = "127.0.0.1:7842"
	defaultSettingsFile = "settings.toml"
)

// Concurrent spawn policies.
const (
	// SpawnPolicyReplace lets a new session overwrite the tracked pid.
	SpawnPolicyReplace = "replace"
	// SpawnPolicyReject refuses to spawn while a session is tracked.
	SpawnPolicyReject = "reject"
)

// DefaultHandsOffTools is the tool allowlist passed in hands-off mode.
var DefaultHandsOffTools = []string{
	"Bash", "Read", "Write", "Edit", "MultiEdit", "Glob", "Grep", "LS", "TodoRead", "TodoWrite",
}

// Config stores runtime settings loaded from TOML files.
type Config struct {
	Binary          string
	DefaultModel    string
	HandsOffTools   []string
	ProbeTimeout    time.Duration
	ConcurrentSpawn string
	EventBuffer     int
	ListenAddr      string
	AllowedOrigins  []string
	SettingsPath    string
	OTELEnabled     bool
	OTELEndpoint    string
}

type fileConfig struct {
	Binary          *string    `toml:"binary"`
	DefaultModel    *string    `toml:"default_model"`
	HandsOffTools   []string   `toml:"hands_off_tools"`
	ProbeTimeout    *string    `toml:"probe_timeout"`
	ConcurrentSpawn *string    `toml:"concurrent_spawn"`
	EventBuffer     *int       `toml:"event_buffer"`
	ListenAddr      *string    `toml:"listen_addr"`
	AllowedOrigins  []string   `toml:"allowed_origins"`
	SettingsPath    *string    `toml:"settings_path"`
	OTEL            *otelTable `toml:"otel"`
}

type otelTable struct {
	Enabled  *bool   `toml:"enabled"`
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.claudebridge/config.toml and overlays a project-local
// .claudebridge/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	_ = ctx
	return LoadFrom(homeDir, workingDir)
}

// LoadFrom resolves config relative to explicit home and working directories.
func LoadFrom(homeDir, workingDir string) (*Config, error) {
	cfg := Defaults(homeDir)

	paths := []string{
		filepath.Join(homeDir, DirName, "config.toml"),
		filepath.Join(workingDir, DirName, "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// Defaults returns the built-in configuration rooted at homeDir.
func Defaults(homeDir string) Config {
	return Config{
		Binary:          defaultBinary,
		HandsOffTools:   append([]string(nil), DefaultHandsOffTools...),
		ProbeTimeout:    defaultProbeTimeout,
		ConcurrentSpawn: SpawnPolicyReplace,
		EventBuffer:     defaultEventBuffer,
		ListenAddr:      defaultListenAddr,
		SettingsPath:    filepath.Join(homeDir, DirName, defaultSettingsFile),
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %q", path, undecoded[0].String())
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	applyOTELOverrides(cfg, decoded)
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.Binary != nil {
		binary := strings.TrimSpace(*decoded.Binary)
		if binary == "" {
			return fmt.Errorf("parse binary in %q: must not be empty", path)
		}
		cfg.Binary = binary
	}
	if decoded.DefaultModel != nil {
		cfg.DefaultModel = strings.TrimSpace(*decoded.DefaultModel)
	}
	if decoded.HandsOffTools != nil {
		cfg.HandsOffTools = normalizeList(decoded.HandsOffTools)
	}
	if decoded.ConcurrentSpawn != nil {
		policy := normalizeKey(*decoded.ConcurrentSpawn)
		if policy != SpawnPolicyReplace && policy != SpawnPolicyReject {
			return fmt.Errorf("parse concurrent_spawn in %q: must be %q or %q", path, SpawnPolicyReplace, SpawnPolicyReject)
		}
		cfg.ConcurrentSpawn = policy
	}
	if decoded.EventBuffer != nil {
		if *decoded.EventBuffer <= 0 {
			return fmt.Errorf("parse event_buffer in %q: must be > 0", path)
		}
		cfg.EventBuffer = *decoded.EventBuffer
	}
	if decoded.ListenAddr != nil {
		cfg.ListenAddr = strings.TrimSpace(*decoded.ListenAddr)
	}
	if decoded.AllowedOrigins != nil {
		cfg.AllowedOrigins = normalizeList(decoded.AllowedOrigins)
	}
	if decoded.SettingsPath != nil {
		settingsPath := strings.TrimSpace(*decoded.SettingsPath)
		if settingsPath == "" {
			return fmt.Errorf("parse settings_path in %q: must not be empty", path)
		}
		cfg.SettingsPath = settingsPath
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.ProbeTimeout != nil {
		value, err := parseDuration(*decoded.ProbeTimeout, "probe_timeout", path)
		if err != nil {
			return err
		}
		if value <= 0 {
			return fmt.Errorf("parse probe_timeout in %q: must be > 0", path)
		}
		cfg.ProbeTimeout = value
	}
	return nil
}

func applyOTELOverrides(cfg *Config, decoded fileConfig) {
	if decoded.OTEL == nil {
		return
	}
	if decoded.OTEL.Enabled != nil {
		cfg.OTELEnabled = *decoded.OTEL.Enabled
	}
	if decoded.OTEL.Endpoint != nil {
		cfg.OTELEndpoint = strings.TrimSpace(*decoded.OTEL.Endpoint)
	}
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	return out
}
