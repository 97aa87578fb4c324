package main

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/mindmapper/claudebridge/internal/config"
	"github.com/mindmapper/claudebridge/internal/harness"
	"github.com/mindmapper/claudebridge/internal/secrets"
	"github.com/mindmapper/claudebridge/internal/tracing"
)

const (
	bugreportLogLimit     = 3
	bugreportSessionLimit = 10
)

var (
	bugreportNowFn     = func() time.Time { return time.Now().UTC() }
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportDetectFn  = harness.Detect
)

func newBugreportCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect a diagnostic bundle for debugging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			return runBugReport(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

// bugreport accumulates staged files for the archive. Problems reading any
// one source become warnings in README.txt rather than failures.
type bugreport struct {
	files    map[string]string
	warnings []string
}

func (b *bugreport) add(name, content string) {
	b.files[name] = content
}

func (b *bugreport) warnf(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

func runBugReport(ctx context.Context, cfg *config.Config, out io.Writer) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	if strings.TrimSpace(homeDir) == "" || filepath.Clean(homeDir) == "." {
		return fmt.Errorf("home directory is not valid")
	}
	homeDir = filepath.Clean(homeDir)
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	if cfg == nil {
		defaults := config.Defaults(homeDir)
		cfg = &defaults
	}

	report := &bugreport{files: make(map[string]string)}
	logs := report.addRecentLogs(filepath.Join(homeDir, config.DirName, "logs"))
	report.add("sessions.txt", recentSessions(logs, bugreportSessionLimit))
	report.addConfig("config-home.toml", filepath.Join(homeDir, config.DirName, "config.toml"))
	report.addConfig("config-project.toml", filepath.Join(cwd, config.DirName, "config.toml"))
	report.addDetection(ctx, cfg)
	report.addSecretProviders(cfg.SettingsPath)
	report.add("README.txt", report.readme())

	bundlePath := filepath.Join(filepath.Clean(cwd), fmt.Sprintf(".claudebridge-bugreport-%s.tar.gz", bugreportNowFn().Format("20060102-150405")))
	if err := writeArchive(bundlePath, report.files); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "Bug report written to: %s. Share for debugging.\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

// addRecentLogs stages the newest log files and returns their contents,
// newest first.
func (b *bugreport) addRecentLogs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		b.warnf("unable to read logs directory: %v", err)
		return nil
	}
	type dated struct {
		name    string
		modTime time.Time
	}
	files := make([]dated, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || entry.IsDir() {
			continue
		}
		files = append(files, dated{name: entry.Name(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	if len(files) > bugreportLogLimit {
		files = files[:bugreportLogLimit]
	}

	contents := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- names come from listing the claudebridge logs directory.
		data, err := os.ReadFile(filepath.Join(dir, file.name))
		if err != nil {
			b.warnf("unable to read log %s: %v", file.name, err)
			continue
		}
		b.add("logs/"+file.name, string(data))
		contents = append(contents, string(data))
	}
	return contents
}

// recentSessions summarizes the last log record of each session found in
// logs, most recent first.
func recentSessions(logs []string, limit int) string {
	var order []string
	last := make(map[string]string)
	for _, content := range logs {
		lines := strings.Split(strings.TrimSpace(content), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			var record struct {
				Msg       string `json:"msg"`
				SessionID string `json:"session_id"`
				Status    string `json:"status"`
				ExitCode  *int   `json:"exit_code"`
			}
			if json.Unmarshal([]byte(lines[i]), &record) != nil || record.SessionID == "" {
				continue
			}
			if _, seen := last[record.SessionID]; seen {
				continue
			}
			summary := record.Msg
			if record.Status != "" {
				summary += " status=" + record.Status
			}
			if record.ExitCode != nil {
				summary += fmt.Sprintf(" exit_code=%d", *record.ExitCode)
			}
			last[record.SessionID] = summary
			order = append(order, record.SessionID)
		}
	}

	var builder strings.Builder
	builder.WriteString("recent sessions:\n")
	for i, sessionID := range order {
		if i == limit {
			break
		}
		fmt.Fprintf(&builder, "- %s: %s\n", sessionID, last[sessionID])
	}
	return builder.String()
}

func (b *bugreport) addConfig(name, path string) {
	// #nosec G304 -- config paths are fixed under .claudebridge.
	data, err := os.ReadFile(path)
	if err != nil {
		b.warnf("unable to read %s: %v", name, err)
		b.add(name, "# config unavailable\n")
		return
	}
	b.add(name, redactSensitiveConfig(string(data)))
}

// redactSensitiveConfig masks the value of every `key = value` line whose key
// names a credential.
func redactSensitiveConfig(configText string) string {
	scanner := bufio.NewScanner(strings.NewReader(configText))
	var builder strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if key, _, ok := strings.Cut(line, "="); ok && !strings.HasPrefix(trimmed, "#") && tracing.IsCredentialKey(key) {
			line = key + `= "***REDACTED***"`
		}
		builder.WriteString(line + "\n")
	}
	return builder.String()
}

func (b *bugreport) addDetection(ctx context.Context, cfg *config.Config) {
	detection := bugreportDetectFn(ctx, harness.DetectOptions{Binary: cfg.Binary, Timeout: cfg.ProbeTimeout})
	data, err := json.MarshalIndent(struct {
		Binary string `json:"binary"`
		harness.Detection
	}{Binary: cfg.Binary, Detection: detection}, "", "  ")
	if err != nil {
		b.warnf("unable to encode detection: %v", err)
		return
	}
	b.add("detect.json", string(data)+"\n")
}

// addSecretProviders records which providers have a key. Values never leave the store.
func (b *bugreport) addSecretProviders(settingsPath string) {
	var providers []string
	store, err := secrets.NewFileStore(settingsPath)
	if err == nil {
		providers, err = store.Providers()
	}
	if err != nil {
		b.warnf("unable to list secret providers: %v", err)
	}
	content := "providers with stored keys:\n"
	for _, provider := range providers {
		content += "- " + provider + "\n"
	}
	b.add("secrets.txt", content)
}

func (b *bugreport) readme() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "claudebridge %s bug report\n", Version)
	fmt.Fprintf(&builder, "Generated: %s\n\n", bugreportNowFn().Format(time.RFC3339))
	builder.WriteString("Included artifacts:\n")
	fmt.Fprintf(&builder, "- logs/ (up to last %d log files)\n", bugreportLogLimit)
	builder.WriteString("- sessions.txt (last record per session)\n")
	builder.WriteString("- config-home.toml, config-project.toml (redacted)\n")
	builder.WriteString("- detect.json\n")
	builder.WriteString("- secrets.txt (provider names only)\n")
	if len(b.warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range b.warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}
	return builder.String()
}

func writeArchive(destination string, files map[string]string) (err error) {
	// #nosec G304 -- destination is a generated name in the working directory.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		for _, closer := range []io.Closer{tarWriter, gzipWriter, archiveFile} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finalize archive %s: %w", destination, closeErr)
			}
		}
	}()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	modTime := bugreportNowFn()
	for _, name := range names {
		content := files[name]
		header := &tar.Header{Name: name, Mode: 0o600, Size: int64(len(content)), ModTime: modTime}
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", name, err)
		}
		if _, err := io.WriteString(tarWriter, content); err != nil {
			return fmt.Errorf("write %s into archive: %w", name, err)
		}
	}
	return nil
}
