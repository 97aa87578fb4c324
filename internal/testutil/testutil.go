// Package testutil provides shared helpers for tests that launch fake CLI
// binaries.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const shebang = "#!/bin/sh\n"

// Context returns a context cancelled when the test completes.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// WriteScript writes an executable shell script named name into a fresh temp
// directory and returns its path. A /bin/sh shebang is added when body has none.
//
// Tests that exec the returned script must not run in parallel with tests
// that are still writing theirs; a concurrently forked child can hold the
// file open for writing and the exec fails with ETXTBSY.
func WriteScript(t *testing.T, name, body string) string {
	t.Helper()
	SkipOnWindows(t)
	if !strings.HasPrefix(body, "#!") {
		body = shebang + body
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o700), "write script %s", name)
	return path
}

// SkipOnWindows skips tests that need a POSIX shell.
func SkipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

// SkipIfShort skips the test if -short flag is provided.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}
}
