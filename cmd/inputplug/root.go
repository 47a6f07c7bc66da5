package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"inputplug/internal/appversion"
	"inputplug/internal/logging"
	"inputplug/pkg/journal"
	"inputplug/pkg/watcher"
	"inputplug/pkg/wmii"
	"inputplug/pkg/xconn"
)

// newRootCmd creates the root inputplug command with all subcommands attached.
func newRootCmd() *cobra.Command {
	return newRootCmdWithFlags(&rootFlags{})
}

// newRootCmdWithFlags binds the root command's flags to rf.
func newRootCmdWithFlags(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inputplug -c command [flags]",
		Short: "Run a command whenever X input devices come and go",
		Long: "inputplug listens for XInput hierarchy changes and runs a command for each\n" +
			"change, passing the change, device id, device type and device name.",
		Version:       fmt.Sprintf("inputplug %s", appversion.String()),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := resolveOptions(cmd.Flags(), rf)
			if err != nil {
				return err
			}
			return runWatcher(cmd.Context(), opts)
		},
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&rf.config, "config", "", "config file (TOML, or YAML by extension)")
	pf.StringVarP(&rf.pidFile, "pidfile", "p", "", "write the watcher's PID to this file")
	pf.StringVar(&rf.journal, "journal", "", "record every invocation in this SQLite file")

	f := cmd.Flags()
	f.StringVarP(&rf.command, "command", "c", "", "command to run on each hierarchy change")
	f.BoolVarP(&rf.verbose, "verbose", "v", false, "print each command before running it")
	f.BoolVar(&rf.debug, "debug", false, "log every event received")
	f.BoolVarP(&rf.foreground, "foreground", "d", false, "do not daemonize")
	f.BoolVarP(&rf.noAct, "no-act", "n", false, "print commands instead of running them (implies -d)")
	f.BoolVarP(&rf.bootstrap, "bootstrap", "0", false, "run the command for every device present at startup")
	f.StringVar(&rf.display, "display", "", "X display to connect to (default $DISPLAY)")
	f.StringVar(&rf.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVarP(&rf.wmiiAddress, "wmii-address", "a", "", "post events to this 9P address (default $WMII_ADDRESS, empty for wmii's namespace)")
	f.StringVarP(&rf.wmiiFile, "wmii-file", "f", wmii.DefaultFile, "9P file events are written to")

	cmd.AddCommand(
		newStatusCmd(rf),
		newStopCmd(rf),
		newLogCmd(rf),
		newVersionCmd(),
	)

	return cmd
}

// runWatcher wires the watcher to the X server, the hook runner and the
// optional journal, metrics and 9P event sink, then blocks until it exits.
func runWatcher(parent context.Context, opts watcher.Options) error {
	if parent == nil {
		parent = context.Background()
	}
	log := logging.Setup(opts.Verbose, opts.Debug)
	daemon := newExecDaemonizer(opts.Verbose)

	ctx, cleanup := setupSignalHandler(parent)
	defer cleanup()

	seq := &watcher.Sequencer{
		Options: opts,
		Transport: watcher.TransportFunc(func() (watcher.Conn, error) {
			c, err := xconn.Dial(opts.Display)
			if err != nil {
				return nil, err
			}
			return c, nil
		}),
		Daemonizer: daemon,
		Runner:     &watcher.ExecRunner{},
		Logger:     log,
	}
	if opts.WMII {
		seq.OpenPoster = func() (watcher.EventPoster, error) {
			f, err := wmii.Open(opts.WMIIAddress, opts.WMIIFile)
			if err != nil {
				return nil, err
			}
			return f, nil
		}
	}

	// Only the process that goes on to watch opens the journal and the
	// metrics listener; a parent that is about to detach exits first.
	if opts.Foreground || daemon.IsChild() {
		if opts.Journal != "" {
			w, err := journal.Open(ctx, opts.Journal)
			if err != nil {
				log.WithError(err).Error("journal disabled")
			} else {
				defer w.Close()
				log.WithField("run", w.RunID()).Debug("journal opened")
				seq.Recorder = w
			}
		}
		if opts.MetricsAddr != "" {
			reg := newRegistry()
			seq.Metrics = watcher.NewMetrics(reg)
			serveMetrics(ctx, opts.MetricsAddr, reg, log)
		}
	}

	return seq.Run(ctx)
}

// newVersionCmd creates the "inputplug version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "inputplug %s\n", appversion.String())
			return nil
		},
	}
}
