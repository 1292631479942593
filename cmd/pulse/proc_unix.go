//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonProc detaches the daemon so it survives the parent.
func configureDaemonProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
