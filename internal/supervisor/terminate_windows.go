//go:build windows

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// terminate force-kills proc and its child tree; Windows has no SIGTERM.
// The open handle in proc keeps the pid from being reused until it is waited.
func terminate(proc *os.Process) error {
	out, err := exec.Command("taskkill", "/PID", strconv.Itoa(proc.Pid), "/T", "/F").CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed == "" {
			return fmt.Errorf("taskkill pid %d: %w", proc.Pid, err)
		}
		return fmt.Errorf("taskkill pid %d: %w (%s)", proc.Pid, err, trimmed)
	}
	return nil
}
