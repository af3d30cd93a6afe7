//go:build windows

package backend

import (
	"os"

	"github.com/edaniels/golog"
)

// sendTerminateSignal reports false on Windows: there is no cooperative
// terminate signal for console children, so stops go straight to the kill
// instead of waiting out a grace period the process cannot honor.
func sendTerminateSignal(logger golog.Logger, proc *os.Process) bool {
	return false
}
