//go:build windows

package runtime

import "os/exec"

// detachProcess is a no-op on Windows; DETACHED_PROCESS creation flags
// would be set here if this module targeted Windows daemon spawning.
func detachProcess(cmd *exec.Cmd) {}
