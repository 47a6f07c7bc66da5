// Package xinput holds the X Input Extension 2 types the watcher consumes:
// device classes, hierarchy change flags, the device and hierarchy records
// the server reports, and their wire encoding.
package xinput

import "fmt"

// ExtensionName is the name the server registers XI under.
const ExtensionName = "XInputExtension"

// DeviceID identifies one input device on the server. Ids are reused after a
// device goes away.
type DeviceID uint16

// Special device ids accepted by device queries and event selection.
const (
	AllDevices       DeviceID = 0
	AllMasterDevices DeviceID = 1
)

// DeviceType is the "use" code the server attaches to a device.
type DeviceType uint16

// Device classes.
const (
	DeviceTypeNone DeviceType = iota
	MasterPointer
	MasterKeyboard
	SlavePointer
	SlaveKeyboard
	FloatingSlave
)

var deviceTypeLabels = map[DeviceType]string{
	MasterPointer:  "XIMasterPointer",
	MasterKeyboard: "XIMasterKeyboard",
	SlavePointer:   "XISlavePointer",
	SlaveKeyboard:  "XISlaveKeyboard",
	FloatingSlave:  "XIFloatingSlave",
}

// Label returns the argument form of the device type. The zero type and
// codes the watcher does not know map to the empty string.
func (t DeviceType) Label() string {
	return deviceTypeLabels[t]
}

// Known reports whether t is one of the five device classes.
func (t DeviceType) Known() bool {
	_, ok := deviceTypeLabels[t]
	return ok
}

// IsMaster reports whether t is a master pointer or keyboard.
func (t DeviceType) IsMaster() bool {
	return t == MasterPointer || t == MasterKeyboard
}

// IsSlave reports whether t is an attached or floating physical device.
func (t DeviceType) IsSlave() bool {
	return t == SlavePointer || t == SlaveKeyboard || t == FloatingSlave
}

func (t DeviceType) String() string {
	if l := t.Label(); l != "" {
		return l
	}
	return fmt.Sprintf("DeviceType(%d)", uint16(t))
}

// HierarchyMask carries one or more hierarchy change flags.
type HierarchyMask uint32

// Hierarchy change flags, one bit each.
const (
	MasterAdded HierarchyMask = 1 << iota
	MasterRemoved
	SlaveAdded
	SlaveRemoved
	SlaveAttached
	SlaveDetached
	DeviceEnabled
	DeviceDisabled
)

var hierarchyLabels = map[HierarchyMask]string{
	MasterAdded:    "XIMasterAdded",
	MasterRemoved:  "XIMasterRemoved",
	SlaveAdded:     "XISlaveAdded",
	SlaveRemoved:   "XISlaveRemoved",
	SlaveAttached:  "XISlaveAttached",
	SlaveDetached:  "XISlaveDetached",
	DeviceEnabled:  "XIDeviceEnabled",
	DeviceDisabled: "XIDeviceDisabled",
}

// Label returns the argument form of a single change flag, or the empty
// string when m is not exactly one known flag.
func (m HierarchyMask) Label() string {
	return hierarchyLabels[m]
}

func (m HierarchyMask) String() string {
	if l := m.Label(); l != "" {
		return l
	}
	return fmt.Sprintf("HierarchyMask(%#x)", uint32(m))
}

// DeviceInfo is one device record from an XIQueryDevice reply.
type DeviceInfo struct {
	ID         DeviceID
	Type       DeviceType
	Attachment DeviceID
	Enabled    bool
	Name       []byte
}

// HierarchyInfo is one entry of a hierarchy changed event.
type HierarchyInfo struct {
	ID         DeviceID
	Attachment DeviceID
	Type       DeviceType
	Enabled    bool
	Flags      HierarchyMask
}

// HierarchyEvent is a decoded XI_HierarchyChanged event.
type HierarchyEvent struct {
	Extension byte
	Sequence  uint16
	DeviceID  DeviceID
	Time      uint32
	Flags     HierarchyMask
	Infos     []HierarchyInfo
}
