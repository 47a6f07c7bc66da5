package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// daemonEnv marks the re-executed child so it does not detach again.
const daemonEnv = "INPUTPLUG_DAEMON"

// execDaemonizer detaches by re-executing the binary in a new session.
// The Go runtime cannot survive a bare fork, so the child re-runs startup
// with the same arguments and learns from daemonEnv that it is the daemon.
type execDaemonizer struct {
	keepStdio bool
	child     bool
	exe       string
	args      []string
}

// newExecDaemonizer captures whether this process is the daemon child and
// clears the marker so hooks do not inherit it.
func newExecDaemonizer(keepStdio bool) *execDaemonizer {
	d := &execDaemonizer{
		keepStdio: keepStdio,
		child:     os.Getenv(daemonEnv) == "1",
		args:      os.Args[1:],
	}
	if d.child {
		_ = os.Unsetenv(daemonEnv)
	}
	return d
}

// IsChild reports whether this process is the detached daemon.
func (d *execDaemonizer) IsChild() bool { return d.child }

// Daemonize starts the detached copy and returns its PID, or returns 0 in
// the copy itself after moving it to /.
func (d *execDaemonizer) Daemonize() (int, error) {
	if d.child {
		if err := os.Chdir("/"); err != nil {
			return 0, fmt.Errorf("chdir /: %w", err)
		}
		return 0, nil
	}

	exe := d.exe
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return 0, fmt.Errorf("locate executable: %w", err)
		}
	}

	child := exec.Command(exe, d.args...) //nolint:gosec // intentionally re-executing self
	child.Env = append(os.Environ(), daemonEnv+"=1")
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if d.keepStdio {
		child.Stdin, child.Stdout, child.Stderr = os.Stdin, os.Stdout, os.Stderr
	} else {
		devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
		}
		defer devNull.Close()
		child.Stdin, child.Stdout, child.Stderr = devNull, devNull, devNull
	}

	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("spawn daemon: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()
	return pid, nil
}
