package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"inputplug/pkg/pidfile"
)

var errNoPIDFile = errors.New("no PID file configured (use --pidfile, $" + envPIDFile + " or the config file)")

// newStatusCmd creates the "inputplug status" subcommand.
func newStatusCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a watcher is running",
		Long:  "Reads the PID file and reports whether the watcher it names is alive.\nA stale PID file is removed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath, _, err := statePaths(cmd.Flags(), rf)
			if err != nil {
				return err
			}
			if pidPath == "" {
				return errNoPIDFile
			}

			status, pid, err := pidfile.File(pidPath).Check()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch status {
			case pidfile.StatusRunning:
				fmt.Fprintf(w, "inputplug is running (PID %d)\n", pid)
			case pidfile.StatusStale:
				fmt.Fprintf(w, "inputplug is not running (removed stale PID file for %d)\n", pid)
			case pidfile.StatusStopped:
				fmt.Fprintln(w, "inputplug is not running")
			}
			return nil
		},
	}
}
