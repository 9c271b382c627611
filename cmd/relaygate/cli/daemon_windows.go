//go:build windows

package cli

import (
	"os"
	"os/exec"
)

// setSysProcAttr is a no-op on Windows. Run the gateway under a service
// wrapper there instead of --background.
func setSysProcAttr(cmd *exec.Cmd) {}

// isProcessRunning reports whether pid is alive. Windows only supports Kill
// and Interrupt, so a failed interrupt that is not ErrProcessDone counts as
// alive.
func isProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(os.Interrupt) != os.ErrProcessDone
}

// stopProcess kills the process on Windows (no graceful SIGTERM support).
func stopProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
