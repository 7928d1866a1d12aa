//go:build windows
// +build windows

package process

import "os/exec"

// Process groups are a unix concept; on Windows the interpreter is
// signalled directly.

func isolateGroup(cmd *exec.Cmd) {}

func groupPid(pid int) int {
	return pid
}

func errProcessGone(err error) bool {
	return false
}
