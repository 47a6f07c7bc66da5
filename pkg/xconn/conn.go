// Package xconn is the X11 transport of the watcher. It wraps an xgb
// connection and speaks the few XI2 requests the watcher needs.
package xconn

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"

	"inputplug/pkg/xinput"
)

const genericEventCode = xinput.GenericEventCode

// ErrConnClosed is returned by WaitForEvent once the server connection is gone.
var ErrConnClosed = errors.New("x connection closed")

// ErrExtensionMissing is returned when the server does not offer an extension.
var ErrExtensionMissing = errors.New("extension not available")

func init() {
	xgb.Logger = log.New(io.Discard, "", 0)
	xgb.NewEventFuncs[genericEventCode] = newGenericEvent
}

// genericEvent is an XGE event with its payload restored.
type genericEvent struct {
	data []byte
	err  error
}

func newGenericEvent(buf []byte) xgb.Event {
	ev := genericEvent{}
	extra, err := payloads.claim(xgb.Get32(buf[4:]))
	if err != nil {
		ev.err = err
		extra = nil
	}
	ev.data = make([]byte, 0, len(buf)+len(extra))
	ev.data = append(ev.data, buf...)
	ev.data = append(ev.data, extra...)
	xgb.Put32(ev.data[4:], uint32(len(extra)/4))
	return ev
}

func (e genericEvent) Bytes() []byte { return e.data }

func (e genericEvent) String() string {
	return fmt.Sprintf("GenericEvent {Extension: %d, Length: %d}", e.data[1], len(e.data))
}

// Extension describes a server extension.
type Extension struct {
	Name        string
	MajorOpcode byte
	FirstEvent  byte
	FirstError  byte
}

// Conn is a live connection to the X server.
type Conn struct {
	x       *xgb.Conn
	root    xproto.Window
	display Display

	mu     sync.Mutex
	xi     *Extension
	closed bool
}

// Dial connects to display, or $DISPLAY when empty.
func Dial(display string) (*Conn, error) {
	d, err := ParseDisplay(display)
	if err != nil {
		return nil, err
	}
	network, address := d.Network()
	nc, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("connect to %s %s: %w", network, address, err)
	}

	cookie, cookieErr := loadCookie(d)
	x, err := xgb.NewConnNet(newFramedConn(nc, cookie))
	if err != nil {
		_ = nc.Close()
		if cookieErr != nil {
			return nil, fmt.Errorf("x handshake: %w (auth: %v)", err, cookieErr)
		}
		return nil, fmt.Errorf("x handshake: %w", err)
	}

	setup := xproto.Setup(x)
	if d.Screen >= len(setup.Roots) {
		x.Close()
		return nil, fmt.Errorf("display %d has no screen %d", d.Number, d.Screen)
	}
	return &Conn{
		x:       x,
		root:    setup.Roots[d.Screen].Root,
		display: d,
	}, nil
}

// QueryExtension asks the server for an extension and remembers its opcode
// for later requests. A missing extension yields ErrExtensionMissing.
func (c *Conn) QueryExtension(name string) (Extension, error) {
	reply, err := xproto.QueryExtension(c.x, uint16(len(name)), name).Reply()
	if err != nil {
		return Extension{}, fmt.Errorf("query extension %s: %w", name, err)
	}
	if !reply.Present {
		return Extension{}, fmt.Errorf("%s: %w", name, ErrExtensionMissing)
	}
	ext := Extension{
		Name:        name,
		MajorOpcode: reply.MajorOpcode,
		FirstEvent:  reply.FirstEvent,
		FirstError:  reply.FirstError,
	}

	c.x.ExtLock.Lock()
	c.x.Extensions[name] = reply.MajorOpcode
	c.x.ExtLock.Unlock()

	if name == xinput.ExtensionName {
		for i := 0; i < xinput.NumErrors; i++ {
			xgb.NewErrorFuncs[int(reply.FirstError)+i] = newXIError
		}
		c.mu.Lock()
		c.xi = &ext
		c.mu.Unlock()
		if err := c.queryVersion(); err != nil {
			return Extension{}, err
		}
	}
	return ext, nil
}

func (c *Conn) xiOpcode() (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.xi == nil {
		return 0, fmt.Errorf("%s not initialised: %w", xinput.ExtensionName, ErrExtensionMissing)
	}
	return c.xi.MajorOpcode, nil
}

// queryVersion announces XI 2.0 support. The server rejects XI2 requests
// from clients that skip it.
func (c *Conn) queryVersion() error {
	major, err := c.xiOpcode()
	if err != nil {
		return err
	}
	cookie := c.x.NewCookie(true, true)
	c.x.NewRequest(xinput.QueryVersionRequest(major, 2, 0), cookie)
	buf, err := cookie.Reply()
	if err != nil {
		return fmt.Errorf("XIQueryVersion: %w", err)
	}
	got, _, err := xinput.DecodeQueryVersionReply(buf)
	if err != nil {
		return fmt.Errorf("XIQueryVersion: %w", err)
	}
	if got < 2 {
		return fmt.Errorf("server speaks XI %d, need 2: %w", got, ErrExtensionMissing)
	}
	return nil
}

// QueryDevice returns the device records for id, or for every device when
// id is xinput.AllDevices.
func (c *Conn) QueryDevice(id xinput.DeviceID) ([]xinput.DeviceInfo, error) {
	major, err := c.xiOpcode()
	if err != nil {
		return nil, err
	}
	cookie := c.x.NewCookie(true, true)
	c.x.NewRequest(xinput.QueryDeviceRequest(major, id), cookie)
	buf, err := cookie.Reply()
	if err != nil {
		return nil, fmt.Errorf("XIQueryDevice %d: %w", id, err)
	}
	return xinput.DecodeQueryDeviceReply(buf)
}

// SelectHierarchyEvents subscribes to hierarchy events from all devices on
// the root window of the screen.
func (c *Conn) SelectHierarchyEvents() error {
	major, err := c.xiOpcode()
	if err != nil {
		return err
	}
	cookie := c.x.NewCookie(true, false)
	c.x.NewRequest(xinput.SelectHierarchyEventsRequest(major, uint32(c.root)), cookie)
	if err := cookie.Check(); err != nil {
		return fmt.Errorf("XISelectEvents: %w", err)
	}
	return nil
}

// Flush waits until the server has processed every request sent so far.
func (c *Conn) Flush() error {
	if _, err := xproto.GetInputFocus(c.x).Reply(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// WaitForEvent blocks for the next event. X errors arriving on the event
// queue are returned as *ProtocolError; a dead connection as ErrConnClosed.
func (c *Conn) WaitForEvent() (xinput.Event, error) {
	ev, xerr := c.x.WaitForEvent()
	switch {
	case xerr != nil:
		return nil, &ProtocolError{Err: xerr}
	case ev == nil:
		return nil, ErrConnClosed
	}
	if ge, ok := ev.(genericEvent); ok {
		if ge.err != nil {
			return nil, &ProtocolError{Err: ge.err}
		}
		return &xinput.GenericEvent{
			Extension: ge.data[1],
			EventType: xgb.Get16(ge.data[8:]),
			Data:      ge.data,
		}, nil
	}
	raw := ev.Bytes()
	if len(raw) == 0 {
		return xinput.CoreEvent{}, nil
	}
	return xinput.CoreEvent{Code: raw[0] & 0x7f}, nil
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.x.Close()
	return nil
}

// ProtocolError wraps an X error or a framing failure seen on the event
// queue. The connection stays usable.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return "x protocol error: " + e.Err.Error() }

func (e *ProtocolError) Unwrap() error { return e.Err }

// xiError is an error code allocated by XI. xgb has no generated
// constructor for it.
type xiError struct {
	code     byte
	sequence uint16
	badValue uint32
	minor    uint16
	major    byte
}

func newXIError(buf []byte) xgb.Error {
	return xiError{
		code:     buf[1],
		sequence: xgb.Get16(buf[2:]),
		badValue: xgb.Get32(buf[4:]),
		minor:    xgb.Get16(buf[8:]),
		major:    buf[10],
	}
}

func (e xiError) SequenceId() uint16 { return e.sequence }

func (e xiError) BadId() uint32 { return e.badValue }

func (e xiError) Error() string {
	return fmt.Sprintf("XI error %d (request %d.%d, value %d)", e.code, e.major, e.minor, e.badValue)
}
