package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"

	"inputplug/pkg/journal"
)

// CommandRunner runs one hook command to completion.
type CommandRunner interface {
	Run(argv []string) error
}

// ExecRunner runs hooks with os/exec. The hook inherits the watcher's
// stdio and environment and is waited for without a timeout.
type ExecRunner struct{}

// Run starts argv[0] with the remaining arguments and waits for it.
func (r *ExecRunner) Run(argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // the hook is chosen by the operator
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with status %d: %w", argv[0], exitErr.ExitCode(), err)
		}
		return fmt.Errorf("run %s: %w", argv[0], err)
	}
	return nil
}

// Recorder stores dispatched invocations. *journal.Writer implements it.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// EventPoster publishes one line per invocation. *wmii.EventFile
// implements it.
type EventPoster interface {
	PostEvent(line string) error
	Close() error
}

// Dispatcher turns invocations into hook runs. Failures are logged and
// never stop the watcher.
type Dispatcher struct {
	command string
	trace   bool
	dryRun  bool

	runner   CommandRunner
	out      io.Writer
	log      logrus.FieldLogger
	recorder Recorder
	poster   EventPoster
	metrics  *Metrics
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTraceOutput sets where traced command lines are printed. Defaults to
// os.Stdout.
func WithTraceOutput(w io.Writer) DispatcherOption {
	return func(d *Dispatcher) { d.out = w }
}

// WithRecorder journals every invocation.
func WithRecorder(r Recorder) DispatcherOption {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithEventPoster posts every invocation's event line, dry runs included.
func WithEventPoster(p EventPoster) DispatcherOption {
	return func(d *Dispatcher) { d.poster = p }
}

// WithMetrics counts every invocation.
func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher builds a Dispatcher for opts.Command.
func NewDispatcher(opts Options, runner CommandRunner, log logrus.FieldLogger, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		command: opts.Command,
		trace:   opts.Tracing(),
		dryRun:  opts.DryRun,
		runner:  runner,
		out:     os.Stdout,
		log:     log,
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// Dispatch prints, runs, posts and records one invocation. It returns once
// the hook has exited. The journal row is written even when ctx was
// cancelled while the hook ran.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) {
	if d.trace {
		fmt.Fprintln(d.out, inv.Trace(d.command))
	}
	d.metrics.invocation(inv.Change(), d.dryRun)

	var runErr error
	if !d.dryRun {
		runErr = d.runner.Run(inv.Argv(d.command))
		if runErr != nil {
			d.metrics.failure()
			d.log.WithError(runErr).WithFields(logrus.Fields{
				"change": inv.Change(),
				"device": inv.DeviceID(),
			}).Error("hook command failed")
		}
	}

	if d.poster != nil {
		if err := d.poster.PostEvent(inv.EventLine()); err != nil {
			d.log.WithError(err).Warn("failed to post event")
		}
	}

	if d.recorder == nil {
		return
	}
	e := journal.Entry{
		Change:     inv.Change(),
		DeviceID:   int(inv.ID),
		DeviceType: inv.DeviceType(),
		DeviceName: inv.DeviceName(),
		DryRun:     d.dryRun,
	}
	if runErr != nil {
		e.Error = runErr.Error()
	}
	if err := d.recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		d.log.WithError(err).Warn("failed to journal invocation")
	}
}
