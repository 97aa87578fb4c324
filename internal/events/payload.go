package events

const (
	// ProgressTypeJSON marks a stdout line that parsed as structured data.
	ProgressTypeJSON = "json"
	// ProgressTypeText marks a stdout line kept as raw text.
	ProgressTypeText = "text"
)

// StartedPayload is the payload of EventTypeStarted.
type StartedPayload struct {
	SessionID string `json:"sessionId"`
	PID       int    `json:"pid"`
}

// ProgressPayload is the payload of EventTypeProgress. Data holds the parsed
// value for ProgressTypeJSON and the verbatim line for ProgressTypeText.
type ProgressPayload struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	Data      any    `json:"data"`
}

// ErrorPayload is the payload of EventTypeError.
type ErrorPayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// CompletePayload is the payload of EventTypeComplete.
type CompletePayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
	Success   bool   `json:"success"`
}
