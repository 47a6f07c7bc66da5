package watcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"inputplug/pkg/maskiter"
	"inputplug/pkg/xconn"
	"inputplug/pkg/xinput"
)

// Bootstrap replays the devices present right now as if they had just
// appeared: masters as MasterAdded, slaves as SlaveAdded then
// DeviceEnabled. Devices are visited in the order the server lists them.
func Bootstrap(ctx context.Context, q xinput.DeviceQuerier, d *Dispatcher) error {
	infos, err := q.QueryDevice(xinput.AllDevices)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, info := range infos {
		desc := info.Describe(q)
		switch {
		case info.Type.IsMaster():
			d.Dispatch(ctx, NewInvocation(xinput.MasterAdded, desc))
		case info.Type.IsSlave():
			d.Dispatch(ctx, NewInvocation(xinput.SlaveAdded, desc))
			d.Dispatch(ctx, NewInvocation(xinput.DeviceEnabled, desc))
		}
	}
	return nil
}

type eventLoop struct {
	conn     Conn
	opcode   byte
	dispatch *Dispatcher
	log      logrus.FieldLogger
	debug    bool
	metrics  *Metrics
}

// run reads events until the connection dies or ctx is cancelled. X errors
// on the queue are logged and skipped; losing the connection is fatal.
func (l *eventLoop) run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.conn.Close() })
	defer stop()

	for {
		ev, err := l.conn.WaitForEvent()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, xconn.ErrConnClosed) {
				return fmt.Errorf("read event: %w", err)
			}
			l.metrics.event(outcomeError)
			l.log.WithError(err).Warn("error on event queue")
			continue
		}
		l.handle(ctx, ev)
	}
}

// handle dispatches a hierarchy event and drops everything else.
func (l *eventLoop) handle(ctx context.Context, ev xinput.Event) {
	ge, ok := ev.(*xinput.GenericEvent)
	if !ok || ge.Extension != l.opcode || ge.EventType != xinput.HierarchyChanged {
		if l.debug {
			l.log.WithField("event", fmt.Sprintf("%+v", ev)).Debug("ignoring event")
		}
		l.metrics.event(outcomeIgnored)
		return
	}

	hev, err := xinput.DecodeHierarchyEvent(ge.Data)
	if err != nil {
		l.metrics.event(outcomeMalformed)
		l.log.WithError(err).Warn("dropping hierarchy event")
		return
	}
	if l.debug {
		l.log.WithFields(logrus.Fields{
			"flags": hev.Flags,
			"infos": len(hev.Infos),
		}).Debug("hierarchy changed")
	}
	l.metrics.event(outcomeHandled)

	for _, info := range hev.Infos {
		for flag := range maskiter.Bits(info.Flags) {
			if flag.Label() == "" {
				l.log.WithField("flag", flag).Debug("skipping unknown hierarchy flag")
				continue
			}
			d := info.Describe(l.conn)
			l.dispatch.Dispatch(ctx, NewInvocation(flag, d))
		}
	}
}
