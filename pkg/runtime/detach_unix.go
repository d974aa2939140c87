//go:build !windows

package runtime

import (
	"os/exec"
	"syscall"
)

// detachProcess configures cmd to run in its own session so it survives
// this process exiting, per spec §9 ("the runtime detaches the child so
// that the daemon can outlive a node process").
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
