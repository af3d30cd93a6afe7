//go:build unix

package backend

import (
	"os"

	"github.com/edaniels/golog"
	"golang.org/x/sys/unix"
)

// sendTerminateSignal asks proc to exit cooperatively. It reports whether the
// signal was delivered; callers only wait out a grace period when it was.
func sendTerminateSignal(logger golog.Logger, proc *os.Process) bool {
	if err := proc.Signal(unix.SIGTERM); err != nil {
		logger.Debugw("failed to signal process; will kill directly", "pid", proc.Pid, "error", err)
		return false
	}
	return true
}
