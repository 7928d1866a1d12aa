//go:build !windows
// +build !windows

// Platform shims in the manner of
// https://github.com/hashicorp/consul-template/tree/3ea7d99ad8eff17897e0d63dac86d74770170bb8/child

package process

import (
	"os/exec"
	"syscall"
)

// isolateGroup puts the interpreter into its own process group so a kill
// also reaches helpers it spawned (Rscript forks R, python forks workers).
func isolateGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// groupPid converts a pid into the target for kill(2): the negative pid
// addresses the whole process group.
func groupPid(pid int) int {
	return -pid
}

// errProcessGone reports whether a signal failed because the process had
// already exited.
func errProcessGone(err error) bool {
	return err == syscall.ESRCH
}
