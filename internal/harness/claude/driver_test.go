package claude

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmapper/claudebridge/internal/harness"
)

var handsOffTools = []string{
	"Bash", "Read", "Write", "Edit", "MultiEdit", "Glob", "Grep", "LS", "TodoRead", "TodoWrite",
}

func TestBuildInvocationConstructsClaudeCLIFlags(t *testing.T) {
	t.Parallel()

	driver := New(DriverConfig{HandsOffTools: handsOffTools})

	inv, err := driver.BuildInvocation(harness.Request{
		Prompt:    "Summarise the notes",
		OutputDir: "/tmp/out",
		Model:     "opus",
		HandsOff:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, "claude", inv.Command)
	assert.Equal(t, "/tmp/out", inv.Dir)
	assert.Equal(t, []string{
		"-p", "Summarise the notes",
		"--output-format", "stream-json",
		"--model", "opus",
		"--allowedTools", "Bash,Read,Write,Edit,MultiEdit,Glob,Grep,LS,TodoRead,TodoWrite",
	}, inv.Args)
}

func TestBuildInvocationOmitsOptionalFlags(t *testing.T) {
	t.Parallel()

	driver := New(DriverConfig{Binary: "/opt/bin/claude"})

	inv, err := driver.BuildInvocation(harness.Request{Prompt: "hi", OutputDir: "/tmp/out"})
	require.NoError(t, err)

	assert.Equal(t, "/opt/bin/claude", inv.Command)
	assert.Equal(t, []string{"-p", "hi", "--output-format", "stream-json"}, inv.Args)
}

func TestBuildInvocationUsesDefaultModelFallback(t *testing.T) {
	t.Parallel()

	driver := New(DriverConfig{DefaultModel: " sonnet "})

	inv, err := driver.BuildInvocation(harness.Request{Prompt: "hi", OutputDir: "/tmp/out"})
	require.NoError(t, err)
	assert.Equal(t, []string{"-p", "hi", "--output-format", "stream-json", "--model", "sonnet"}, inv.Args)

	inv, err = driver.BuildInvocation(harness.Request{Prompt: "hi", OutputDir: "/tmp/out", Model: "haiku"})
	require.NoError(t, err)
	assert.Equal(t, "haiku", inv.Args[len(inv.Args)-1])
}

func TestBuildInvocationValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		driver  *Driver
		req     harness.Request
		wantErr error
		wantMsg string
	}{
		{name: "empty prompt", driver: New(DriverConfig{}), req: harness.Request{Prompt: "  ", OutputDir: "/tmp"}, wantErr: harness.ErrPromptRequired},
		{name: "empty output dir", driver: New(DriverConfig{}), req: harness.Request{Prompt: "hi"}, wantErr: harness.ErrOutputDirRequired},
		{name: "model with spaces", driver: New(DriverConfig{}), req: harness.Request{Prompt: "hi", OutputDir: "/tmp", Model: "a b"}, wantMsg: "unsupported claude model"},
		{name: "hands-off without tools", driver: New(DriverConfig{}), req: harness.Request{Prompt: "hi", OutputDir: "/tmp", HandsOff: true}, wantMsg: "allowed tool"},
		{name: "nil driver", driver: nil, req: harness.Request{Prompt: "hi", OutputDir: "/tmp"}, wantMsg: "driver is nil"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := tc.driver.BuildInvocation(tc.req)
			require.Error(t, err)
			if tc.wantErr != nil {
				assert.True(t, errors.Is(err, tc.wantErr), "error = %v", err)
			}
			if tc.wantMsg != "" {
				assert.Contains(t, err.Error(), tc.wantMsg)
			}
		})
	}
}

func TestCommandLineQuotesArguments(t *testing.T) {
	t.Parallel()

	line := CommandLine(harness.Invocation{
		Command: "claude",
		Args:    []string{"-p", "it's a test", "--output-format", "stream-json", "--model", ""},
	})

	assert.Equal(t, `claude -p 'it'"'"'s a test' --output-format stream-json --model ''`, line)
}

func TestDriverName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "claude", New(DriverConfig{}).Name())
}
