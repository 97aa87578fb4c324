package claude

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mindmapper/claudebridge/internal/harness"
)

const (
	defaultBinary = "claude"
	outputFormat  = "stream-json"
)

// DriverConfig configures binary, model, and hands-off behavior for the Claude driver.
type DriverConfig struct {
	Binary        string
	DefaultModel  string
	HandsOffTools []string
}

// Driver implements harness.Driver for the Claude Code CLI in print mode.
type Driver struct {
	binary        string
	defaultModel  string
	handsOffTools []string
}

// New constructs a Claude harness driver.
func New(cfg DriverConfig) *Driver {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = defaultBinary
	}
	return &Driver{
		binary:        binary,
		defaultModel:  strings.TrimSpace(cfg.DefaultModel),
		handsOffTools: normalizedTools(cfg.HandsOffTools),
	}
}

// Name returns the harness identifier.
func (d *Driver) Name() string {
	return "claude"
}

// BuildInvocation renders `claude -p <prompt> --output-format stream-json`
// plus optional model and allowed-tools flags.
func (d *Driver) BuildInvocation(req harness.Request) (harness.Invocation, error) {
	if d == nil {
		return harness.Invocation{}, errors.New("driver is nil")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return harness.Invocation{}, harness.ErrPromptRequired
	}
	dir := strings.TrimSpace(req.OutputDir)
	if dir == "" {
		return harness.Invocation{}, harness.ErrOutputDirRequired
	}

	model, err := d.resolveModel(req.Model)
	if err != nil {
		return harness.Invocation{}, err
	}

	args := []string{"-p", req.Prompt, "--output-format", outputFormat}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.HandsOff {
		if len(d.handsOffTools) == 0 {
			return harness.Invocation{}, errors.New("hands-off mode requires at least one allowed tool")
		}
		args = append(args, "--allowedTools", strings.Join(d.handsOffTools, ","))
	}

	return harness.Invocation{
		Command: d.binary,
		Args:    args,
		Dir:     dir,
	}, nil
}

func (d *Driver) resolveModel(explicitModel string) (string, error) {
	model := strings.TrimSpace(explicitModel)
	if model == "" {
		model = d.defaultModel
	}
	if strings.ContainsAny(model, " \t\r\n") {
		return "", fmt.Errorf("unsupported claude model %q", model)
	}
	return model, nil
}

// CommandLine renders inv as a shell-quoted preview for dry runs and logs.
func CommandLine(inv harness.Invocation) string {
	parts := make([]string, 0, len(inv.Args)+1)
	parts = append(parts, inv.Command)
	for _, arg := range inv.Args {
		if arg != "" && !strings.ContainsAny(arg, " \t\n'\"\\$`*?;&|<>()") {
			parts = append(parts, arg)
			continue
		}
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

func shellQuote(value string) string {
	if strings.TrimSpace(value) == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", "'\"'\"'") + "'"
}

func normalizedTools(input []string) []string {
	tools := make([]string, 0, len(input))
	for _, tool := range input {
		tool = strings.TrimSpace(tool)
		if tool == "" {
			continue
		}
		tools = append(tools, tool)
	}
	return tools
}

var _ harness.Driver = (*Driver)(nil)
