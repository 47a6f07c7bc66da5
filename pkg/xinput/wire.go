package xinput

import (
	"errors"
	"fmt"

	"github.com/jezek/xgb"
)

// GenericEventCode is the core event code shared by all XGE events.
const GenericEventCode = 35

// XI2 minor opcodes and event types used by the watcher.
const (
	opSelectEvents = 46
	opQueryVersion = 47
	opQueryDevice  = 48

	// HierarchyChanged is the XI2 event type of hierarchy events.
	HierarchyChanged = 11

	// NumErrors is the number of error codes XI allocates after its first error.
	NumErrors = 5
)

const (
	eventHeaderSize   = 32
	hierarchyInfoSize = 12
	deviceInfoSize    = 12
	replyHeaderSize   = 32
)

// ErrMalformed is returned when a reply or event is shorter than its
// own length fields claim.
var ErrMalformed = errors.New("malformed xinput payload")

// QueryVersionRequest encodes XIQueryVersion.
func QueryVersionRequest(major byte, clientMajor, clientMinor uint16) []byte {
	buf := make([]byte, 8)
	buf[0] = major
	buf[1] = opQueryVersion
	xgb.Put16(buf[2:], 2)
	xgb.Put16(buf[4:], clientMajor)
	xgb.Put16(buf[6:], clientMinor)
	return buf
}

// DecodeQueryVersionReply returns the version the server agreed to.
func DecodeQueryVersionReply(buf []byte) (major, minor uint16, err error) {
	if len(buf) < replyHeaderSize {
		return 0, 0, fmt.Errorf("query version reply of %d bytes: %w", len(buf), ErrMalformed)
	}
	return xgb.Get16(buf[8:]), xgb.Get16(buf[10:]), nil
}

// QueryDeviceRequest encodes XIQueryDevice for one device or AllDevices.
func QueryDeviceRequest(major byte, id DeviceID) []byte {
	buf := make([]byte, 8)
	buf[0] = major
	buf[1] = opQueryDevice
	xgb.Put16(buf[2:], 2)
	xgb.Put16(buf[4:], uint16(id))
	return buf
}

// DecodeQueryDeviceReply parses the device records of an XIQueryDevice
// reply in the order the server listed them. Class records are skipped.
func DecodeQueryDeviceReply(buf []byte) ([]DeviceInfo, error) {
	if len(buf) < replyHeaderSize {
		return nil, fmt.Errorf("query device reply of %d bytes: %w", len(buf), ErrMalformed)
	}
	n := int(xgb.Get16(buf[8:]))
	infos := make([]DeviceInfo, 0, n)

	b := replyHeaderSize
	for i := 0; i < n; i++ {
		if len(buf) < b+deviceInfoSize {
			return nil, fmt.Errorf("device %d header truncated: %w", i, ErrMalformed)
		}
		info := DeviceInfo{
			ID:         DeviceID(xgb.Get16(buf[b:])),
			Type:       DeviceType(xgb.Get16(buf[b+2:])),
			Attachment: DeviceID(xgb.Get16(buf[b+4:])),
			Enabled:    buf[b+10] != 0,
		}
		numClasses := int(xgb.Get16(buf[b+6:]))
		nameLen := int(xgb.Get16(buf[b+8:]))
		b += deviceInfoSize

		if len(buf) < b+xgb.Pad(nameLen) {
			return nil, fmt.Errorf("device %d name truncated: %w", info.ID, ErrMalformed)
		}
		info.Name = make([]byte, nameLen)
		copy(info.Name, buf[b:])
		b += xgb.Pad(nameLen)

		for c := 0; c < numClasses; c++ {
			if len(buf) < b+4 {
				return nil, fmt.Errorf("device %d class %d truncated: %w", info.ID, c, ErrMalformed)
			}
			size := int(xgb.Get16(buf[b+2:])) * 4
			if size < 4 || len(buf) < b+size {
				return nil, fmt.Errorf("device %d class %d has length %d: %w", info.ID, c, size, ErrMalformed)
			}
			b += size
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// SelectHierarchyEventsRequest encodes XISelectEvents asking for hierarchy
// events from every device on window.
func SelectHierarchyEventsRequest(major byte, window uint32) []byte {
	buf := make([]byte, 20)
	buf[0] = major
	buf[1] = opSelectEvents
	xgb.Put16(buf[2:], uint16(len(buf)/4))
	xgb.Put32(buf[4:], window)
	xgb.Put16(buf[8:], 1)
	xgb.Put16(buf[12:], uint16(AllDevices))
	xgb.Put16(buf[14:], 1)
	xgb.Put32(buf[16:], 1<<HierarchyChanged)
	return buf
}

// DecodeHierarchyEvent parses the full wire form of a hierarchy event,
// header plus info records.
func DecodeHierarchyEvent(buf []byte) (*HierarchyEvent, error) {
	if len(buf) < eventHeaderSize {
		return nil, fmt.Errorf("hierarchy event of %d bytes: %w", len(buf), ErrMalformed)
	}
	if evtype := xgb.Get16(buf[8:]); evtype != HierarchyChanged {
		return nil, fmt.Errorf("event type %d is not a hierarchy event: %w", evtype, ErrMalformed)
	}
	ev := &HierarchyEvent{
		Extension: buf[1],
		Sequence:  xgb.Get16(buf[2:]),
		DeviceID:  DeviceID(xgb.Get16(buf[10:])),
		Time:      xgb.Get32(buf[12:]),
		Flags:     HierarchyMask(xgb.Get32(buf[16:])),
	}
	n := int(xgb.Get16(buf[20:]))
	if len(buf) < eventHeaderSize+n*hierarchyInfoSize {
		return nil, fmt.Errorf("hierarchy event claims %d infos in %d bytes: %w", n, len(buf), ErrMalformed)
	}
	ev.Infos = make([]HierarchyInfo, n)
	for i := range ev.Infos {
		b := eventHeaderSize + i*hierarchyInfoSize
		ev.Infos[i] = HierarchyInfo{
			ID:         DeviceID(xgb.Get16(buf[b:])),
			Attachment: DeviceID(xgb.Get16(buf[b+2:])),
			Type:       DeviceType(buf[b+4]),
			Enabled:    buf[b+5] != 0,
			Flags:      HierarchyMask(xgb.Get32(buf[b+8:])),
		}
	}
	return ev, nil
}

// EncodeHierarchyEvent produces the wire form of ev. The transport tests and
// fakes use it to feed the decoder.
func EncodeHierarchyEvent(ev *HierarchyEvent) []byte {
	buf := make([]byte, eventHeaderSize+len(ev.Infos)*hierarchyInfoSize)
	buf[0] = GenericEventCode
	buf[1] = ev.Extension
	xgb.Put16(buf[2:], ev.Sequence)
	xgb.Put32(buf[4:], uint32((len(buf)-eventHeaderSize)/4))
	xgb.Put16(buf[8:], HierarchyChanged)
	xgb.Put16(buf[10:], uint16(ev.DeviceID))
	xgb.Put32(buf[12:], ev.Time)
	xgb.Put32(buf[16:], uint32(ev.Flags))
	xgb.Put16(buf[20:], uint16(len(ev.Infos)))
	for i, info := range ev.Infos {
		b := eventHeaderSize + i*hierarchyInfoSize
		xgb.Put16(buf[b:], uint16(info.ID))
		xgb.Put16(buf[b+2:], uint16(info.Attachment))
		buf[b+4] = byte(info.Type)
		if info.Enabled {
			buf[b+5] = 1
		}
		xgb.Put32(buf[b+8:], uint32(info.Flags))
	}
	return buf
}
