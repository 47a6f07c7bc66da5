package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"inputplug/pkg/pidfile"
	"inputplug/pkg/xconn"
	"inputplug/pkg/xinput"
)

// Conn is the part of an X connection the watcher drives. *xconn.Conn
// implements it.
type Conn interface {
	xinput.DeviceQuerier
	QueryExtension(name string) (xconn.Extension, error)
	SelectHierarchyEvents() error
	Flush() error
	WaitForEvent() (xinput.Event, error)
	Close() error
}

// Transport opens connections to the X server.
type Transport interface {
	Open() (Conn, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func() (Conn, error)

// Open calls f.
func (f TransportFunc) Open() (Conn, error) { return f() }

// Daemonizer detaches the process from its terminal. Daemonize returns the
// child's PID in the process that should exit, and 0 in the process that
// carries on as the daemon.
type Daemonizer interface {
	Daemonize() (pid int, err error)
}

// ErrAlreadyRunning is returned when the PID file names a live watcher.
var ErrAlreadyRunning = errors.New("already running")

// Sequencer runs the watcher from first connection to shutdown:
// extension check, close, daemonize, PID file, reconnect, bootstrap, subscribe, loop.
type Sequencer struct {
	Options    Options
	Transport  Transport
	Daemonizer Daemonizer
	Runner     CommandRunner
	Logger     logrus.FieldLogger

	// Optional.
	Recorder Recorder
	Metrics  *Metrics

	// OpenPoster connects the event sink. It is called once before
	// detaching to report an unreachable server early, and again in the
	// process that keeps watching. A failure disables posting.
	OpenPoster func() (EventPoster, error)
}

// Run blocks until ctx is cancelled or the connection fails. It returns nil
// in the parent of a successful daemonization.
func (s *Sequencer) Run(ctx context.Context) error {
	log := s.logger()

	ext, err := s.checkExtension()
	if err != nil {
		return err
	}
	log.WithField("opcode", ext.MajorOpcode).Debug("X Input extension present")

	if err := s.checkPIDFile(); err != nil {
		return err
	}

	posting := s.checkPoster()

	if !s.Options.Foreground {
		pid, err := s.Daemonizer.Daemonize()
		if err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		if pid != 0 {
			log.WithField("pid", pid).Info("daemonized")
			return nil
		}
	}

	if path := s.Options.PIDFile; path != "" {
		pf := pidfile.File(path)
		if err := pf.Write(os.Getpid()); err != nil {
			log.WithError(err).Error("failed to write PID file")
		} else {
			defer func() { _ = pf.Release() }()
		}
	}

	conn, err := s.Transport.Open()
	if err != nil {
		return fmt.Errorf("reconnect to X server: %w", err)
	}
	defer conn.Close()

	// Registers the extension on the new connection; the opcode filter
	// stays the one observed by the first connection.
	live, err := conn.QueryExtension(xinput.ExtensionName)
	if err != nil {
		return fmt.Errorf("reconnect to X server: %w", err)
	}
	if live.MajorOpcode != ext.MajorOpcode {
		log.WithFields(logrus.Fields{
			"checked": ext.MajorOpcode,
			"live":    live.MajorOpcode,
		}).Warn("X Input opcode changed between connections")
	}

	options := []DispatcherOption{WithMetrics(s.Metrics)}
	if s.Recorder != nil {
		options = append(options, WithRecorder(s.Recorder))
	}
	if posting {
		if p, err := s.OpenPoster(); err != nil {
			log.WithError(err).Error("event posting disabled")
		} else {
			defer p.Close()
			options = append(options, WithEventPoster(p))
		}
	}
	dispatcher := NewDispatcher(s.Options, s.Runner, log, options...)

	if s.Options.Bootstrap {
		if err := Bootstrap(ctx, conn, dispatcher); err != nil {
			log.WithError(err).Error("bootstrap failed")
		}
	}

	if err := conn.SelectHierarchyEvents(); err != nil {
		return fmt.Errorf("subscribe to hierarchy events: %w", err)
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("subscribe to hierarchy events: %w", err)
	}

	loop := &eventLoop{
		conn:     conn,
		opcode:   ext.MajorOpcode,
		dispatch: dispatcher,
		log:      log,
		debug:    s.Options.Debug,
		metrics:  s.Metrics,
	}
	return loop.run(ctx)
}

// checkExtension looks for the extension on a throwaway connection that is
// closed before the process detaches.
func (s *Sequencer) checkExtension() (xconn.Extension, error) {
	conn, err := s.Transport.Open()
	if err != nil {
		return xconn.Extension{}, fmt.Errorf("connect to X server: %w", err)
	}
	defer conn.Close()

	ext, err := conn.QueryExtension(xinput.ExtensionName)
	if err != nil {
		return xconn.Extension{}, fmt.Errorf("X Input extension: %w", err)
	}
	return ext, nil
}

// checkPoster reports whether the event sink is configured and reachable.
func (s *Sequencer) checkPoster() bool {
	if s.OpenPoster == nil {
		return false
	}
	p, err := s.OpenPoster()
	if err != nil {
		s.logger().WithError(err).Error("failed to connect to event server; posting disabled")
		return false
	}
	_ = p.Close()
	return true
}

func (s *Sequencer) checkPIDFile() error {
	path := s.Options.PIDFile
	if path == "" {
		return nil
	}
	status, pid, err := pidfile.File(path).Check()
	if err != nil {
		return err
	}
	switch status {
	case pidfile.StatusRunning:
		return fmt.Errorf("%w as PID %d", ErrAlreadyRunning, pid)
	case pidfile.StatusStale:
		s.logger().WithField("pid", pid).Info("removed stale PID file")
	}
	return nil
}

func (s *Sequencer) logger() logrus.FieldLogger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}
