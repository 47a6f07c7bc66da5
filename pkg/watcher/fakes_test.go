package watcher

import (
	"context"
	"errors"
	"sync"

	"inputplug/pkg/journal"
	"inputplug/pkg/xconn"
	"inputplug/pkg/xinput"
)

const testOpcode = 131

type fakeEvent struct {
	ev  xinput.Event
	err error
}

// fakeConn serves canned devices and events. Closing the events channel
// reads as a lost connection.
type fakeConn struct {
	devices  []xinput.DeviceInfo
	extErr   error
	queryErr error
	opcode   byte

	events    chan fakeEvent
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	selected bool
	flushed  bool
	queries  []xinput.DeviceID
}

func newFakeConn(devices ...xinput.DeviceInfo) *fakeConn {
	return &fakeConn{
		devices: devices,
		opcode:  testOpcode,
		events:  make(chan fakeEvent, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) push(ev xinput.Event, err error) { c.events <- fakeEvent{ev, err} }

func (c *fakeConn) QueryExtension(name string) (xconn.Extension, error) {
	if c.extErr != nil {
		return xconn.Extension{}, c.extErr
	}
	return xconn.Extension{Name: name, MajorOpcode: c.opcode}, nil
}

func (c *fakeConn) QueryDevice(id xinput.DeviceID) ([]xinput.DeviceInfo, error) {
	c.mu.Lock()
	c.queries = append(c.queries, id)
	c.mu.Unlock()
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	if id == xinput.AllDevices {
		return c.devices, nil
	}
	for _, d := range c.devices {
		if d.ID == id {
			return []xinput.DeviceInfo{d}, nil
		}
	}
	return nil, errors.New("BadDevice")
}

func (c *fakeConn) SelectHierarchyEvents() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = true
	return nil
}

func (c *fakeConn) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushed = true
	return nil
}

func (c *fakeConn) WaitForEvent() (xinput.Event, error) {
	select {
	case e, ok := <-c.events:
		if !ok {
			return nil, xconn.ErrConnClosed
		}
		return e.ev, e.err
	case <-c.closed:
		return nil, xconn.ErrConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeTransport hands out conns in order and remembers each one.
type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  int
	err   error
}

func (t *fakeTransport) Open() (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	if t.next >= len(t.conns) {
		return nil, errors.New("no more connections")
	}
	c := t.conns[t.next]
	t.next++
	return c, nil
}

func (t *fakeTransport) opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// fakeDaemonizer notes how the world looked when it was asked to detach.
type fakeDaemonizer struct {
	pid            int
	err            error
	called         bool
	firstWasClosed bool
	opensAtDetach  int
	transport      *fakeTransport
	observedFirst  *fakeConn
}

func (d *fakeDaemonizer) Daemonize() (int, error) {
	d.called = true
	if d.observedFirst != nil {
		d.firstWasClosed = d.observedFirst.isClosed()
	}
	if d.transport != nil {
		d.opensAtDetach = d.transport.opened()
	}
	return d.pid, d.err
}

// recordingRunner captures every argv it is asked to run.
type recordingRunner struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (r *recordingRunner) Run(argv []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), argv...))
	return r.err
}

func (r *recordingRunner) argvs() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

type runnerFunc func(argv []string) error

func (f runnerFunc) Run(argv []string) error { return f(argv) }

// memRecorder keeps entries in memory. Like a database insert, it fails
// on a cancelled context.
type memRecorder struct {
	mu      sync.Mutex
	entries []journal.Entry
	err     error
}

func (m *memRecorder) Record(ctx context.Context, e journal.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return m.err
}

// fakePoster collects posted event lines.
type fakePoster struct {
	mu     sync.Mutex
	lines  []string
	err    error
	closed bool
}

func (p *fakePoster) PostEvent(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
	return p.err
}

func (p *fakePoster) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePoster) posted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}

// posterOpener hands out a fresh fakePoster per call, or fails with err.
type posterOpener struct {
	err     error
	posters []*fakePoster
}

func (o *posterOpener) open() (EventPoster, error) {
	if o.err != nil {
		return nil, o.err
	}
	p := &fakePoster{}
	o.posters = append(o.posters, p)
	return p, nil
}

func hierarchyEvent(opcode byte, infos ...xinput.HierarchyInfo) *xinput.GenericEvent {
	var flags xinput.HierarchyMask
	for _, info := range infos {
		flags |= info.Flags
	}
	data := xinput.EncodeHierarchyEvent(&xinput.HierarchyEvent{
		Extension: opcode,
		Flags:     flags,
		Infos:     infos,
	})
	return &xinput.GenericEvent{Extension: opcode, EventType: xinput.HierarchyChanged, Data: data}
}
