package harness

import "errors"

// ErrPromptRequired is returned when a request carries no prompt.
var ErrPromptRequired = errors.New("prompt is required")

// ErrOutputDirRequired is returned when a request carries no output directory.
var ErrOutputDirRequired = errors.New("output directory is required")

// Request describes one prompt to run through a CLI harness.
type Request struct {
	Prompt    string
	OutputDir string
	Model     string
	// HandsOff grants the CLI an allowlist of tools so it can run unattended.
	HandsOff bool
}

// Invocation is the concrete process a driver wants launched.
type Invocation struct {
	Command string
	Args    []string
	Dir     string
}

// Driver turns harness requests into process invocations for one CLI.
type Driver interface {
	Name() string
	BuildInvocation(req Request) (Invocation, error)
}
