package xconn

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jezek/xgb"
)

const setupByteOrder = 0x6c // 'l', little endian

// framedConn sits between xgb and the X socket. xgb reads every event as a
// fixed 32-byte unit, but XGE events carry a length field and a trailing
// payload. framedConn cuts that payload off, parks it in the payload table
// and writes a ticket into the length field, so the GenericEvent
// constructor can reassemble the event. It also fills in the authorization
// cookie, which xgb cannot find on its own for a pre-dialled socket.
type framedConn struct {
	net.Conn

	cookie []byte

	writeOnce sync.Once
	setupDone bool
	pending   []byte
}

func newFramedConn(c net.Conn, cookie []byte) *framedConn {
	return &framedConn{Conn: c, cookie: cookie}
}

// Write rewrites the connection setup request when xgb sends it without
// credentials.
func (f *framedConn) Write(p []byte) (int, error) {
	out := p
	f.writeOnce.Do(func() {
		if len(f.cookie) == 0 || len(p) < 12 || p[0] != setupByteOrder {
			return
		}
		if xgb.Get16(p[6:]) != 0 || xgb.Get16(p[8:]) != 0 {
			return
		}
		out = setupRequest(f.cookie)
	})
	if _, err := f.Conn.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

func setupRequest(cookie []byte) []byte {
	name := cookieAuthName
	buf := make([]byte, 12+xgb.Pad(len(name))+xgb.Pad(len(cookie)))
	buf[0] = setupByteOrder
	xgb.Put16(buf[2:], 11)
	xgb.Put16(buf[6:], uint16(len(name)))
	xgb.Put16(buf[8:], uint16(len(cookie)))
	copy(buf[12:], name)
	copy(buf[12+xgb.Pad(len(name)):], cookie)
	return buf
}

// Read hands xgb one protocol unit at a time with GenericEvent payloads
// removed.
func (f *framedConn) Read(p []byte) (int, error) {
	if len(f.pending) == 0 {
		if err := f.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *framedConn) fill() error {
	if !f.setupDone {
		head := make([]byte, 8)
		if _, err := io.ReadFull(f.Conn, head); err != nil {
			return err
		}
		body := make([]byte, int(xgb.Get16(head[6:]))*4)
		if _, err := io.ReadFull(f.Conn, body); err != nil {
			return err
		}
		f.pending = append(head, body...)
		f.setupDone = true
		return nil
	}

	unit := make([]byte, 32)
	if _, err := io.ReadFull(f.Conn, unit); err != nil {
		return err
	}
	switch {
	case unit[0] == 1:
		extra := make([]byte, int(xgb.Get32(unit[4:]))*4)
		if _, err := io.ReadFull(f.Conn, extra); err != nil {
			return err
		}
		f.pending = append(unit, extra...)
	case unit[0]&0x7f == genericEventCode:
		extra := make([]byte, int(xgb.Get32(unit[4:]))*4)
		if _, err := io.ReadFull(f.Conn, extra); err != nil {
			return err
		}
		xgb.Put32(unit[4:], payloads.park(extra))
		f.pending = unit
	default:
		f.pending = unit
	}
	return nil
}

// payloadTable holds GenericEvent payloads between the socket reader and
// the event constructor, keyed by ticket.
type payloadTable struct {
	next atomic.Uint32
	m    sync.Map
}

var payloads payloadTable

func (t *payloadTable) park(extra []byte) uint32 {
	ticket := t.next.Add(1)
	t.m.Store(ticket, extra)
	return ticket
}

func (t *payloadTable) claim(ticket uint32) ([]byte, error) {
	v, ok := t.m.LoadAndDelete(ticket)
	if !ok {
		return nil, fmt.Errorf("generic event payload %d missing", ticket)
	}
	return v.([]byte), nil
}
