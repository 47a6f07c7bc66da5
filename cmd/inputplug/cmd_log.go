package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"inputplug/pkg/journal"
)

// logConfig holds configuration for the log command.
type logConfig struct {
	tail   int
	device int
	change string
	run    string
	since  time.Duration
}

// newLogCmd creates the "inputplug log" subcommand.
func newLogCmd(rf *rootFlags) *cobra.Command {
	var cfg logConfig

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recorded hook invocations",
		Long:  "Prints invocations from the journal, oldest first.\nRequires the watcher to run with --journal.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, journalPath, err := statePaths(cmd.Flags(), rf)
			if err != nil {
				return err
			}
			if journalPath == "" {
				return errors.New("no journal configured (use --journal, $" + envJournal + " or the config file)")
			}

			r, err := journal.NewReader(journalPath)
			if err != nil {
				return err
			}
			defer r.Close()

			opts := journal.QueryOpts{
				RunID:    cfg.run,
				DeviceID: cfg.device,
				Change:   cfg.change,
				Limit:    cfg.tail,
			}
			if cfg.since > 0 {
				since := time.Now().Add(-cfg.since)
				opts.Since = &since
			}

			entries, err := r.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent invocations to show (0 = all)")
	cmd.Flags().IntVar(&cfg.device, "device", -1, "only show this device id")
	cmd.Flags().StringVar(&cfg.change, "change", "", "only show this change, e.g. XISlaveAdded")
	cmd.Flags().StringVar(&cfg.run, "run", "", "only show one watcher run")
	cmd.Flags().DurationVar(&cfg.since, "since", 0, "only show invocations newer than this")

	return cmd
}

func printEntries(w io.Writer, entries []journal.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no invocations recorded")
		return
	}
	for _, e := range entries {
		run := e.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		line := fmt.Sprintf("%s  %s  %-17s %3d  %-17s %s",
			e.Time.Local().Format("2006-01-02 15:04:05"), run, e.Change, e.DeviceID, e.DeviceType, strconv.Quote(e.DeviceName))
		if e.DryRun {
			line += "  [dry-run]"
		}
		if e.Error != "" {
			line += "  error: " + e.Error
		}
		fmt.Fprintln(w, line)
	}
}
