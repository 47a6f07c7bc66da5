package watcher

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"inputplug/pkg/pidfile"
	"inputplug/pkg/xconn"
	"inputplug/pkg/xinput"
)

const hook = "/usr/local/bin/on-device"

var (
	corePointer = xinput.DeviceInfo{ID: 2, Type: xinput.MasterPointer, Attachment: 3, Enabled: true, Name: []byte("Virtual core pointer")}
	atKeyboard  = xinput.DeviceInfo{ID: 9, Type: xinput.SlaveKeyboard, Attachment: 3, Enabled: true, Name: []byte("AT keyboard")}
)

func newTestLogger() (*logrus.Logger, *logtest.Hook) {
	log, logs := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return log, logs
}

func TestNewInvocation(t *testing.T) {
	inv := NewInvocation(xinput.SlaveAdded, xinput.Descriptor{ID: 9, Type: xinput.SlaveKeyboard, Name: "AT keyboard"})
	require.Equal(t, [4]string{"XISlaveAdded", "9", "XISlaveKeyboard", "AT keyboard"}, inv.Args)
	require.Equal(t, xinput.DeviceID(9), inv.ID)
	require.Equal(t, []string{hook, "XISlaveAdded", "9", "XISlaveKeyboard", "AT keyboard"}, inv.Argv(hook))
	require.Equal(t, `"/usr/local/bin/on-device" "XISlaveAdded" "9" "XISlaveKeyboard" "AT keyboard"`, inv.Trace(hook))

	unknown := NewInvocation(xinput.DeviceDisabled, xinput.Descriptor{ID: 40, Type: 9})
	require.Equal(t, [4]string{"XIDeviceDisabled", "40", "", ""}, unknown.Args)
	require.Len(t, unknown.Argv(hook), 5, "empty fields still occupy their slot")

	require.Equal(t, "XISlaveAdded 9 XISlaveKeyboard\n", inv.EventLine())
	require.Equal(t, "XIDeviceDisabled 40 \n", unknown.EventLine(), "empty type keeps its separator")
}

func TestDispatcher(t *testing.T) {
	inv := NewInvocation(xinput.MasterAdded, corePointer.Describe(nil))

	t.Run("quiet mode runs without tracing", func(t *testing.T) {
		log, _ := newTestLogger()
		runner := &recordingRunner{}
		var out bytes.Buffer
		d := NewDispatcher(Options{Command: hook}, runner, log, WithTraceOutput(&out))
		d.Dispatch(context.Background(), inv)
		require.Empty(t, out.String())
		require.Equal(t, [][]string{inv.Argv(hook)}, runner.argvs())
	})

	t.Run("dry run traces the same line as verbose and runs nothing", func(t *testing.T) {
		log, _ := newTestLogger()
		var verboseOut, dryOut bytes.Buffer

		verboseRunner := &recordingRunner{}
		NewDispatcher(Options{Command: hook, Verbose: true}, verboseRunner, log, WithTraceOutput(&verboseOut)).
			Dispatch(context.Background(), inv)

		dryRunner := &recordingRunner{}
		NewDispatcher(Options{Command: hook, DryRun: true}, dryRunner, log, WithTraceOutput(&dryOut)).
			Dispatch(context.Background(), inv)

		require.Equal(t, inv.Trace(hook)+"\n", verboseOut.String())
		require.Equal(t, verboseOut.String(), dryOut.String())
		require.Len(t, verboseRunner.argvs(), 1)
		require.Empty(t, dryRunner.argvs())
	})

	t.Run("hook failure is logged and journaled", func(t *testing.T) {
		log, logs := newTestLogger()
		runner := &recordingRunner{err: errors.New("exit status 3")}
		rec := &memRecorder{}
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		d := NewDispatcher(Options{Command: "/bin/false"}, runner, log,
			WithTraceOutput(&bytes.Buffer{}), WithRecorder(rec), WithMetrics(m))

		d.Dispatch(context.Background(), inv)

		require.Len(t, logs.AllEntries(), 1)
		require.Equal(t, logrus.ErrorLevel, logs.LastEntry().Level)
		require.Len(t, rec.entries, 1)
		require.Equal(t, "XIMasterAdded", rec.entries[0].Change)
		require.Equal(t, 2, rec.entries[0].DeviceID)
		require.Equal(t, "exit status 3", rec.entries[0].Error)
		require.InDelta(t, 1, testutil.ToFloat64(m.failures), 0)
		require.InDelta(t, 1, testutil.ToFloat64(m.invocations.WithLabelValues("XIMasterAdded", "false")), 0)
	})

	t.Run("journal failure does not stop dispatch", func(t *testing.T) {
		log, logs := newTestLogger()
		runner := &recordingRunner{}
		d := NewDispatcher(Options{Command: hook}, runner, log,
			WithRecorder(&memRecorder{err: errors.New("disk full")}))
		d.Dispatch(context.Background(), inv)
		require.Len(t, runner.argvs(), 1)
		require.Equal(t, logrus.WarnLevel, logs.LastEntry().Level)
	})
}

func TestDispatcher_EventPoster(t *testing.T) {
	inv := NewInvocation(xinput.SlaveAdded, atKeyboard.Describe(nil))

	t.Run("posts change id and type after the hook ran", func(t *testing.T) {
		log, _ := newTestLogger()
		runner := &recordingRunner{}
		sink := &fakePoster{}
		d := NewDispatcher(Options{Command: hook}, runner, log, WithEventPoster(sink))
		d.Dispatch(context.Background(), inv)
		d.Dispatch(context.Background(), NewInvocation(xinput.DeviceEnabled, atKeyboard.Describe(nil)))

		require.Equal(t, []string{
			"XISlaveAdded 9 XISlaveKeyboard\n",
			"XIDeviceEnabled 9 XISlaveKeyboard\n",
		}, sink.posted())
		require.Len(t, runner.argvs(), 2)
	})

	t.Run("dry run still posts", func(t *testing.T) {
		log, _ := newTestLogger()
		runner := &recordingRunner{}
		sink := &fakePoster{}
		d := NewDispatcher(Options{Command: hook, DryRun: true}, runner, log,
			WithTraceOutput(&bytes.Buffer{}), WithEventPoster(sink))
		d.Dispatch(context.Background(), inv)
		require.Empty(t, runner.argvs())
		require.Equal(t, []string{"XISlaveAdded 9 XISlaveKeyboard\n"}, sink.posted())
	})

	t.Run("post failure is logged and dispatch carries on", func(t *testing.T) {
		log, logs := newTestLogger()
		rec := &memRecorder{}
		d := NewDispatcher(Options{Command: hook}, &recordingRunner{}, log,
			WithEventPoster(&fakePoster{err: errors.New("broken pipe")}), WithRecorder(rec))
		d.Dispatch(context.Background(), inv)
		require.Equal(t, logrus.WarnLevel, logs.LastEntry().Level)
		require.Equal(t, "failed to post event", logs.LastEntry().Message)
		require.Len(t, rec.entries, 1)
	})
}

func TestDispatcher_JournalsTypedDeviceID(t *testing.T) {
	log, _ := newTestLogger()
	rec := &memRecorder{}
	d := NewDispatcher(Options{Command: hook}, &recordingRunner{}, log, WithRecorder(rec))

	inv := NewInvocation(xinput.SlaveRemoved, xinput.Descriptor{ID: 65535, Type: xinput.SlavePointer})
	d.Dispatch(context.Background(), inv)

	require.Len(t, rec.entries, 1)
	require.Equal(t, 65535, rec.entries[0].DeviceID)
}

func TestDispatcher_JournalsAfterCancel(t *testing.T) {
	log, logs := newTestLogger()
	ctx, cancel := context.WithCancel(context.Background())
	rec := &memRecorder{}
	// SIGTERM lands while the hook is still running.
	runner := runnerFunc(func([]string) error {
		cancel()
		return nil
	})
	d := NewDispatcher(Options{Command: hook}, runner, log, WithRecorder(rec))

	d.Dispatch(ctx, NewInvocation(xinput.SlaveAdded, atKeyboard.Describe(nil)))

	require.Error(t, ctx.Err())
	require.Len(t, rec.entries, 1, "the in-flight invocation is still journaled")
	require.Empty(t, logs.AllEntries())
}

func TestBootstrap(t *testing.T) {
	log, _ := newTestLogger()
	conn := newFakeConn(corePointer, atKeyboard)
	runner := &recordingRunner{}
	d := NewDispatcher(Options{Command: hook}, runner, log)

	require.NoError(t, Bootstrap(context.Background(), conn, d))
	require.Equal(t, [][]string{
		{hook, "XIMasterAdded", "2", "XIMasterPointer", "Virtual core pointer"},
		{hook, "XISlaveAdded", "9", "XISlaveKeyboard", "AT keyboard"},
		{hook, "XIDeviceEnabled", "9", "XISlaveKeyboard", "AT keyboard"},
	}, runner.argvs())
	require.Equal(t, []xinput.DeviceID{xinput.AllDevices}, conn.queries, "names come from the listing itself")
}

func TestBootstrap_FloatingAndUnknown(t *testing.T) {
	log, _ := newTestLogger()
	floating := xinput.DeviceInfo{ID: 14, Type: xinput.FloatingSlave, Name: []byte("tablet")}
	odd := xinput.DeviceInfo{ID: 15, Type: 7, Name: []byte("odd")}
	runner := &recordingRunner{}
	d := NewDispatcher(Options{Command: hook}, runner, log)

	require.NoError(t, Bootstrap(context.Background(), newFakeConn(floating, odd), d))
	require.Equal(t, [][]string{
		{hook, "XISlaveAdded", "14", "XIFloatingSlave", "tablet"},
		{hook, "XIDeviceEnabled", "14", "XIFloatingSlave", "tablet"},
	}, runner.argvs())
}

func TestBootstrap_QueryFails(t *testing.T) {
	log, _ := newTestLogger()
	conn := newFakeConn()
	conn.queryErr = errors.New("BadImplementation")
	runner := &recordingRunner{}
	require.Error(t, Bootstrap(context.Background(), conn, NewDispatcher(Options{Command: hook}, runner, log)))
	require.Empty(t, runner.argvs())
}

func newTestLoop(conn *fakeConn, runner CommandRunner) (*eventLoop, *logtest.Hook) {
	log, logs := newTestLogger()
	return &eventLoop{
		conn:     conn,
		opcode:   testOpcode,
		dispatch: NewDispatcher(Options{Command: hook}, runner, log),
		log:      log,
		debug:    true,
	}, logs
}

func TestEventLoop_Handle(t *testing.T) {
	ctx := context.Background()

	t.Run("flags dispatch from the highest bit down", func(t *testing.T) {
		conn := newFakeConn(atKeyboard)
		runner := &recordingRunner{}
		loop, _ := newTestLoop(conn, runner)

		loop.handle(ctx, hierarchyEvent(testOpcode, xinput.HierarchyInfo{
			ID: 9, Type: xinput.SlaveKeyboard, Flags: xinput.SlaveAdded | xinput.DeviceEnabled,
		}))
		require.Equal(t, [][]string{
			{hook, "XIDeviceEnabled", "9", "XISlaveKeyboard", "AT keyboard"},
			{hook, "XISlaveAdded", "9", "XISlaveKeyboard", "AT keyboard"},
		}, runner.argvs())
	})

	t.Run("infos are visited in order", func(t *testing.T) {
		conn := newFakeConn()
		runner := &recordingRunner{}
		loop, _ := newTestLoop(conn, runner)

		loop.handle(ctx, hierarchyEvent(testOpcode,
			xinput.HierarchyInfo{ID: 9, Type: xinput.SlaveKeyboard, Flags: xinput.SlaveRemoved},
			xinput.HierarchyInfo{ID: 10, Type: xinput.SlavePointer, Flags: xinput.SlaveRemoved},
		))
		require.Equal(t, [][]string{
			{hook, "XISlaveRemoved", "9", "XISlaveKeyboard", ""},
			{hook, "XISlaveRemoved", "10", "XISlavePointer", ""},
		}, runner.argvs(), "removed devices have no name left")
	})

	t.Run("other extensions are ignored", func(t *testing.T) {
		runner := &recordingRunner{}
		loop, _ := newTestLoop(newFakeConn(), runner)
		loop.handle(ctx, hierarchyEvent(testOpcode+1, xinput.HierarchyInfo{ID: 9, Flags: xinput.SlaveAdded}))
		require.Empty(t, runner.argvs())
	})

	t.Run("other XI2 event types are ignored", func(t *testing.T) {
		runner := &recordingRunner{}
		loop, _ := newTestLoop(newFakeConn(), runner)
		ev := hierarchyEvent(testOpcode, xinput.HierarchyInfo{ID: 9, Flags: xinput.SlaveAdded})
		ev.EventType = 1
		loop.handle(ctx, ev)
		require.Empty(t, runner.argvs())
	})

	t.Run("core events are ignored", func(t *testing.T) {
		runner := &recordingRunner{}
		loop, _ := newTestLoop(newFakeConn(), runner)
		loop.handle(ctx, xinput.CoreEvent{Code: 12})
		require.Empty(t, runner.argvs())
	})

	t.Run("unknown device type yields an empty label", func(t *testing.T) {
		runner := &recordingRunner{}
		loop, _ := newTestLoop(newFakeConn(), runner)
		loop.handle(ctx, hierarchyEvent(testOpcode, xinput.HierarchyInfo{ID: 30, Type: 200, Flags: xinput.DeviceDisabled}))
		require.Equal(t, [][]string{{hook, "XIDeviceDisabled", "30", "", ""}}, runner.argvs())
	})

	t.Run("unknown flag bits are skipped", func(t *testing.T) {
		runner := &recordingRunner{}
		loop, _ := newTestLoop(newFakeConn(), runner)
		loop.handle(ctx, hierarchyEvent(testOpcode, xinput.HierarchyInfo{ID: 5, Type: xinput.MasterKeyboard, Flags: 1<<12 | xinput.MasterRemoved}))
		require.Equal(t, [][]string{{hook, "XIMasterRemoved", "5", "XIMasterKeyboard", ""}}, runner.argvs())
	})

	t.Run("malformed payload is dropped", func(t *testing.T) {
		runner := &recordingRunner{}
		loop, logs := newTestLoop(newFakeConn(), runner)
		ev := hierarchyEvent(testOpcode, xinput.HierarchyInfo{ID: 9, Flags: xinput.SlaveAdded})
		ev.Data = ev.Data[:40]
		loop.handle(ctx, ev)
		require.Empty(t, runner.argvs())
		require.Equal(t, logrus.WarnLevel, logs.LastEntry().Level)
	})
}

func TestEventLoop_Run(t *testing.T) {
	t.Run("protocol errors are survived, a lost connection is not", func(t *testing.T) {
		conn := newFakeConn(atKeyboard)
		runner := &recordingRunner{}
		loop, logs := newTestLoop(conn, runner)
		reg := prometheus.NewRegistry()
		loop.metrics = NewMetrics(reg)

		conn.push(nil, &xconn.ProtocolError{Err: errors.New("BadWindow")})
		conn.push(hierarchyEvent(testOpcode, xinput.HierarchyInfo{ID: 9, Type: xinput.SlaveKeyboard, Flags: xinput.SlaveAttached}), nil)
		close(conn.events)

		err := loop.run(context.Background())
		require.ErrorIs(t, err, xconn.ErrConnClosed)
		require.Equal(t, [][]string{{hook, "XISlaveAttached", "9", "XISlaveKeyboard", "AT keyboard"}}, runner.argvs())

		var warned bool
		for _, e := range logs.AllEntries() {
			if e.Level == logrus.WarnLevel && e.Message == "error on event queue" {
				warned = true
			}
		}
		require.True(t, warned)
		require.InDelta(t, 1, testutil.ToFloat64(loop.metrics.events.WithLabelValues(outcomeError)), 0)
		require.InDelta(t, 1, testutil.ToFloat64(loop.metrics.events.WithLabelValues(outcomeHandled)), 0)
	})

	t.Run("cancellation ends the loop cleanly", func(t *testing.T) {
		conn := newFakeConn()
		loop, _ := newTestLoop(conn, &recordingRunner{})
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() { done <- loop.run(ctx) }()
		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop after cancellation")
		}
		require.True(t, conn.isClosed())
	})
}

func newTestSequencer(t *testing.T, opts Options, conns ...*fakeConn) (*Sequencer, *fakeTransport, *fakeDaemonizer, *recordingRunner) {
	t.Helper()
	log, _ := newTestLogger()
	transport := &fakeTransport{conns: conns}
	daemon := &fakeDaemonizer{transport: transport, observedFirst: conns[0]}
	runner := &recordingRunner{}
	if opts.Command == "" {
		opts.Command = hook
	}
	return &Sequencer{
		Options:    opts,
		Transport:  transport,
		Daemonizer: daemon,
		Runner:     runner,
		Logger:     log,
	}, transport, daemon, runner
}

func TestSequencer_FirstConnClosedBeforeDaemonize(t *testing.T) {
	first, live := newFakeConn(), newFakeConn(corePointer, atKeyboard)
	close(live.events)
	seq, transport, daemon, _ := newTestSequencer(t, Options{}, first, live)

	err := seq.Run(context.Background())
	require.ErrorIs(t, err, xconn.ErrConnClosed)

	require.True(t, daemon.called)
	require.True(t, daemon.firstWasClosed, "first connection must be closed before detaching")
	require.Equal(t, 1, daemon.opensAtDetach, "live connection is opened after detaching")
	require.Equal(t, 2, transport.opened())
	require.True(t, live.selected)
	require.True(t, live.flushed)
	require.True(t, live.isClosed())
}

func TestSequencer_ParentReturns(t *testing.T) {
	first, live := newFakeConn(), newFakeConn()
	seq, transport, daemon, _ := newTestSequencer(t, Options{}, first, live)
	daemon.pid = 4242

	require.NoError(t, seq.Run(context.Background()))
	require.Equal(t, 1, transport.opened(), "parent never reconnects")
}

func TestSequencer_Foreground(t *testing.T) {
	first, live := newFakeConn(), newFakeConn(corePointer, atKeyboard)
	close(live.events)
	seq, _, daemon, runner := newTestSequencer(t, Options{Foreground: true, Bootstrap: true}, first, live)

	err := seq.Run(context.Background())
	require.ErrorIs(t, err, xconn.ErrConnClosed)
	require.False(t, daemon.called)
	require.Len(t, runner.argvs(), 3)
}

func TestSequencer_MissingExtension(t *testing.T) {
	first := newFakeConn()
	first.extErr = xconn.ErrExtensionMissing
	seq, transport, daemon, _ := newTestSequencer(t, Options{}, first)

	err := seq.Run(context.Background())
	require.ErrorIs(t, err, xconn.ErrExtensionMissing)
	require.False(t, daemon.called)
	require.Equal(t, 1, transport.opened())
	require.True(t, first.isClosed())
}

func TestSequencer_ConnectFails(t *testing.T) {
	seq, transport, daemon, _ := newTestSequencer(t, Options{}, newFakeConn())
	transport.err = errors.New("no display")
	require.Error(t, seq.Run(context.Background()))
	require.False(t, daemon.called)
}

func TestSequencer_DaemonizeFails(t *testing.T) {
	seq, transport, daemon, _ := newTestSequencer(t, Options{}, newFakeConn(), newFakeConn())
	daemon.err = errors.New("fork refused")
	require.Error(t, seq.Run(context.Background()))
	require.Equal(t, 1, transport.opened())
}

func TestSequencer_PIDFile(t *testing.T) {
	t.Run("written while running and removed on exit", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "inputplug.pid")
		first, live := newFakeConn(), newFakeConn()
		seq, _, _, _ := newTestSequencer(t, Options{Foreground: true, PIDFile: path}, first, live)

		live.push(xinput.CoreEvent{Code: 12}, nil)
		done := make(chan error, 1)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { done <- seq.Run(ctx) }()

		require.Eventually(t, func() bool {
			pid, err := pidfile.File(path).PID()
			return err == nil && pid == os.Getpid()
		}, 5*time.Second, 10*time.Millisecond)

		cancel()
		require.NoError(t, <-done)
		_, err := os.Stat(path)
		require.True(t, os.IsNotExist(err))
	})

	t.Run("live PID aborts before detaching", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "inputplug.pid")
		require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600))
		seq, _, daemon, _ := newTestSequencer(t, Options{PIDFile: path}, newFakeConn())

		err := seq.Run(context.Background())
		require.ErrorIs(t, err, ErrAlreadyRunning)
		require.Contains(t, err.Error(), strconv.Itoa(os.Getpid()))
		require.False(t, daemon.called)
	})
}

func TestSequencer_EventPoster(t *testing.T) {
	t.Run("checked before detaching and opened again to watch", func(t *testing.T) {
		first, live := newFakeConn(), newFakeConn(corePointer, atKeyboard)
		close(live.events)
		seq, _, _, _ := newTestSequencer(t, Options{Foreground: true, Bootstrap: true}, first, live)
		opener := &posterOpener{}
		seq.OpenPoster = opener.open

		require.ErrorIs(t, seq.Run(context.Background()), xconn.ErrConnClosed)
		require.Len(t, opener.posters, 2)
		check, sink := opener.posters[0], opener.posters[1]
		require.True(t, check.closed)
		require.Empty(t, check.posted())
		require.True(t, sink.closed)
		require.Equal(t, []string{
			"XIMasterAdded 2 XIMasterPointer\n",
			"XISlaveAdded 9 XISlaveKeyboard\n",
			"XIDeviceEnabled 9 XISlaveKeyboard\n",
		}, sink.posted())
	})

	t.Run("parent of the daemon only checks", func(t *testing.T) {
		seq, _, daemon, _ := newTestSequencer(t, Options{}, newFakeConn(), newFakeConn())
		daemon.pid = 4242
		opener := &posterOpener{}
		seq.OpenPoster = opener.open

		require.NoError(t, seq.Run(context.Background()))
		require.Len(t, opener.posters, 1)
		require.True(t, opener.posters[0].closed)
	})

	t.Run("unreachable server disables posting", func(t *testing.T) {
		first, live := newFakeConn(), newFakeConn(corePointer)
		close(live.events)
		seq, _, _, runner := newTestSequencer(t, Options{Foreground: true, Bootstrap: true}, first, live)
		opener := &posterOpener{err: errors.New("connection refused")}
		calls := 0
		seq.OpenPoster = func() (EventPoster, error) {
			calls++
			return opener.open()
		}

		require.ErrorIs(t, seq.Run(context.Background()), xconn.ErrConnClosed)
		require.Equal(t, 1, calls, "no second attempt after a failed check")
		require.Len(t, runner.argvs(), 1, "hooks still run")
	})
}

func TestSequencer_RemovesStalePIDFile(t *testing.T) {
	dead := exec.Command("true")
	if err := dead.Run(); err != nil {
		t.Skipf("cannot run true: %v", err)
	}
	path := filepath.Join(t.TempDir(), "inputplug.pid")
	require.NoError(t, pidfile.File(path).Write(dead.Process.Pid))

	seq, _, daemon, _ := newTestSequencer(t, Options{PIDFile: path}, newFakeConn(), newFakeConn())
	daemon.pid = 4242

	require.NoError(t, seq.Run(context.Background()))
	require.True(t, daemon.called)
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "stale PID file is cleared before detaching")
}
