// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Level picks the log level for the verbosity flags. Debug wins over
// verbose; neither leaves only warnings and errors.
func Level(verbose, debug bool) logrus.Level {
	switch {
	case debug:
		return logrus.DebugLevel
	case verbose:
		return logrus.InfoLevel
	default:
		return logrus.WarnLevel
	}
}

// New returns a logger writing to w. Colours and short timestamps are used
// only when w is a terminal.
func New(w io.Writer, verbose, debug bool) *logrus.Logger {
	return configure(logrus.New(), w, verbose, debug)
}

// Setup points the standard logrus logger at stderr and returns it.
func Setup(verbose, debug bool) *logrus.Logger {
	return configure(logrus.StandardLogger(), os.Stderr, verbose, debug)
}

func configure(log *logrus.Logger, w io.Writer, verbose, debug bool) *logrus.Logger {
	log.SetOutput(w)
	log.SetLevel(Level(verbose, debug))
	log.SetFormatter(formatter(isTerminal(w)))
	return log
}

func formatter(tty bool) logrus.Formatter {
	if tty {
		return &logrus.TextFormatter{ForceColors: true, FullTimestamp: false}
	}
	return &logrus.TextFormatter{DisableColors: true, FullTimestamp: true}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
