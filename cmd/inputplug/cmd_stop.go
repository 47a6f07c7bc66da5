package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"inputplug/pkg/pidfile"
)

// newStopCmd creates the "inputplug stop" subcommand.
func newStopCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running watcher",
		Long:  "Sends SIGTERM to the watcher named by the PID file.\nA stale PID file is removed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath, _, err := statePaths(cmd.Flags(), rf)
			if err != nil {
				return err
			}
			if pidPath == "" {
				return errNoPIDFile
			}

			status, pid, err := pidfile.File(pidPath).Terminate()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch status {
			case pidfile.StatusStopped:
				fmt.Fprintln(w, "inputplug is not running")
			case pidfile.StatusStale:
				fmt.Fprintf(w, "removed stale PID file (PID %d already dead)\n", pid)
			case pidfile.StatusRunning:
				fmt.Fprintf(w, "stop signal sent to inputplug (PID %d)\n", pid)
			}
			return nil
		},
	}
}
