// Package tracing runs short-lived CLI commands under a cli.exec span.
package tracing

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxStderrEventBytes = 1024
	// waitDelay bounds how long Run waits for inherited pipes after ctx kills the command.
	waitDelay = 500 * time.Millisecond
	redacted  = "<redacted>"
)

// Result is the outcome of a completed command. ExitCode is -1 when the
// command could not start or was stopped by ctx.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Run executes binary to completion and returns trimmed output. A non-zero
// exit is reported as an *exec.ExitError alongside the Result.
func Run(ctx context.Context, binary string, args ...string) (Result, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return Result{ExitCode: -1}, errors.New("binary must not be empty")
	}

	_, span := otel.Tracer("claudebridge/tracing").Start(ctx, "cli.exec", trace.WithAttributes(
		attribute.String("cli.binary", binary),
		attribute.StringSlice("cli.args", Redact(args)),
	))
	defer span.End()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	result := Result{
		ExitCode: exitCode(ctx, err),
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
	}

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	if result.Stderr != "" {
		span.AddEvent("cli.stderr", trace.WithAttributes(
			attribute.String("output", truncate(result.Stderr, maxStderrEventBytes)),
		))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func exitCode(ctx context.Context, err error) int {
	if err == nil {
		return 0
	}
	if ctx.Err() != nil {
		return -1
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func truncate(value string, limit int) string {
	const marker = "...[truncated]"
	if len(value) <= limit {
		return value
	}
	return value[:limit-len(marker)] + marker
}

// Redact masks the values of credential flags in args, both "--flag value"
// and "--flag=value" forms.
func Redact(args []string) []string {
	out := make([]string, 0, len(args))
	maskNext := false
	for _, arg := range args {
		if maskNext {
			out = append(out, redacted)
			maskNext = false
			continue
		}
		if key, _, ok := strings.Cut(arg, "="); ok && IsCredentialKey(key) {
			out = append(out, key+"="+redacted)
			continue
		}
		maskNext = strings.HasPrefix(arg, "-") && IsCredentialKey(arg)
		out = append(out, arg)
	}
	return out
}

// IsCredentialKey reports whether a flag or config key names a credential.
func IsCredentialKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, marker := range []string{"token", "password", "secret", "api-key", "apikey", "api_key", "auth"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}
