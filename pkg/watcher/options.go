// Package watcher turns X input hierarchy changes into invocations of an
// external command. It owns the startup sequence, the optional bootstrap
// pass and the event loop.
package watcher

// Options is the immutable configuration of one watcher run.
type Options struct {
	// Command is the program run for every hierarchy change. It receives
	// four arguments: change, device id, device type and device name.
	Command string

	// Verbose prints every invocation before running it and keeps stdio
	// open when daemonized.
	Verbose bool

	// Debug logs every event read from the server.
	Debug bool

	// DryRun prints invocations without running them.
	DryRun bool

	// Foreground keeps the watcher attached to the terminal.
	Foreground bool

	// Bootstrap replays the current device list through the command
	// before the first event is read.
	Bootstrap bool

	// PIDFile, when set, receives the PID of the running watcher.
	PIDFile string

	// Display overrides $DISPLAY.
	Display string

	// Journal, when set, is the SQLite file recording every invocation.
	Journal string

	// MetricsAddr, when set, serves Prometheus metrics on this address.
	MetricsAddr string

	// WMII posts a "change id type" line per invocation to WMIIFile on
	// the 9P server at WMIIAddress. An empty address means wmii's socket
	// in the namespace directory.
	WMII        bool
	WMIIAddress string
	WMIIFile    string
}

// Tracing reports whether invocations are printed before they run.
func (o Options) Tracing() bool {
	return o.Verbose || o.DryRun
}
