//go:build !windows

package supervisor

import (
	"fmt"
	"os"
	"syscall"
)

// terminate asks proc to exit with SIGTERM. Once proc has been waited on the
// signal is not sent and os.ErrProcessDone is returned.
func terminate(proc *os.Process) error {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM to pid %d: %w", proc.Pid, err)
	}
	return nil
}
