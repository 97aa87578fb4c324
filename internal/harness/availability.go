package harness

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mindmapper/claudebridge/internal/tracing"
)

// DefaultProbeTimeout bounds a --version probe when no timeout is configured.
const DefaultProbeTimeout = 10 * time.Second

// DetectOptions configures one availability probe.
type DetectOptions struct {
	Binary  string
	Timeout time.Duration
}

// Detection reports whether a CLI binary is installed and runnable.
type Detection struct {
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

type commandRunner func(ctx context.Context, binary string, args ...string) (tracing.Result, error)

// Detect runs `<binary> --version` with a bounded wait. It never returns an
// error value; failures are described in Detection.Error.
func Detect(ctx context.Context, opts DetectOptions) Detection {
	return detect(ctx, opts, tracing.Run, exec.LookPath)
}

func detect(
	ctx context.Context,
	opts DetectOptions,
	run commandRunner,
	lookPath func(file string) (string, error),
) Detection {
	if ctx == nil {
		ctx = context.Background()
	}
	binary := strings.TrimSpace(opts.Binary)
	if binary == "" {
		binary = "claude"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := run(probeCtx, binary, "--version")
	switch {
	case errors.Is(probeCtx.Err(), context.DeadlineExceeded):
		return Detection{Error: fmt.Sprintf("%s --version timed out after %s", binary, timeout)}
	case probeCtx.Err() != nil:
		return Detection{Error: fmt.Sprintf("%s --version: %v", binary, probeCtx.Err())}
	case err != nil && !isExitError(err):
		return Detection{Error: fmt.Sprintf("%s CLI not found: %v", binary, err)}
	case result.ExitCode != 0:
		message := result.Stderr
		if message == "" {
			message = result.Stdout
		}
		if message == "" {
			message = fmt.Sprintf("%s --version exited with code %d", binary, result.ExitCode)
		}
		return Detection{Error: message}
	}

	path := binary
	if lookPath != nil {
		if resolved, lookErr := lookPath(binary); lookErr == nil {
			path = resolved
		}
	}
	return Detection{
		Installed: true,
		Version:   strings.TrimSpace(result.Stdout),
		Path:      path,
	}
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}
