package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	anthropicTokenPattern  = regexp.MustCompile(`\bsk-(?:ant-)?[A-Za-z0-9_\-]{10,}\b`)
)

// SessionRequest defines telemetry metadata for one supervised CLI session.
type SessionRequest struct {
	Command string
	Model   string
	WorkDir string
	Prompt  string
}

// SessionSpan tracks one claude.session span lifecycle.
type SessionSpan struct {
	span      trace.Span
	startedAt time.Time

	mu          sync.Mutex
	stdoutLines int
	stderrLines int
	jsonLines   int
	ended       bool
}

type sessionContextKey struct{}

// StartSession starts a claude.session span and returns a context carrying the tracker.
func StartSession(ctx context.Context, req SessionRequest) (context.Context, *SessionSpan) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("command", normalizeOrUnknown(req.Command)),
		attribute.String("model_name", normalizeOrUnknown(req.Model)),
		attribute.String("workdir", strings.TrimSpace(req.WorkDir)),
	}
	if strings.TrimSpace(req.Prompt) != "" {
		attrs = append(attrs,
			attribute.Int("prompt_tokens", EstimateTokenCount(req.Prompt)),
			attribute.String("prompt_hash", hashPrompt(req.Prompt)),
		)
	}

	spanCtx, span := otel.Tracer("claudebridge/telemetry/session").Start(
		ctx,
		"claude.session",
		trace.WithAttributes(attrs...),
	)

	tracker := &SessionSpan{
		span:      span,
		startedAt: time.Now(),
	}
	return context.WithValue(spanCtx, sessionContextKey{}, tracker), tracker
}

// SessionFromContext returns the session tracker if one exists on the context.
func SessionFromContext(ctx context.Context) *SessionSpan {
	if ctx == nil {
		return nil
	}
	tracker, ok := ctx.Value(sessionContextKey{}).(*SessionSpan)
	if !ok {
		return nil
	}
	return tracker
}

// SetProcess annotates the span with the launched process identity.
func (s *SessionSpan) SetProcess(sessionID string, pid int) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("pid", pid),
	)
}

// RecordLine counts one streamed line. stream is "stdout" or "stderr".
func (s *SessionSpan) RecordLine(stream string, structured bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch stream {
	case "stdout":
		s.stdoutLines++
		if structured {
			s.jsonLines++
		}
	case "stderr":
		s.stderrLines++
	}
}

// RecordStreamError adds a redacted stream.error event to the span.
func (s *SessionSpan) RecordStreamError(stream string, err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.span.AddEvent(
		"stream.error",
		trace.WithAttributes(
			attribute.String("stream", normalizeOrUnknown(stream)),
			attribute.String("error_message", redactSecrets(err.Error())),
		),
	)
}

// RecordCancel adds a cancel.requested event to the span.
func (s *SessionSpan) RecordCancel() {
	if s == nil || s.span == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.span.AddEvent("cancel.requested")
}

// End finalizes the claude.session span with exit code, line counts and latency.
func (s *SessionSpan) End(exitCode int, status string) {
	if s == nil || s.span == nil {
		return
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	stdoutLines, stderrLines, jsonLines := s.stdoutLines, s.stderrLines, s.jsonLines
	s.mu.Unlock()

	durationMS := time.Since(s.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	s.span.SetAttributes(
		attribute.Int("exit_code", exitCode),
		attribute.String("status", normalizeOrUnknown(status)),
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("stdout_lines", stdoutLines),
		attribute.Int("stderr_lines", stderrLines),
		attribute.Int("json_lines", jsonLines),
	)
	if exitCode == 0 {
		s.span.SetStatus(codes.Ok, "session completed")
	} else {
		s.span.SetStatus(codes.Error, normalizeOrUnknown(status))
	}
	s.span.End()
}

// EstimateTokenCount estimates token count using a deterministic words-to-tokens heuristic.
func EstimateTokenCount(text string) int {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	estimated := (len(fields)*4 + 2) / 3
	if estimated < 1 {
		return 1
	}
	return estimated
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(redactSecrets(prompt)))
	return hex.EncodeToString(sum[:])
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = anthropicTokenPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
