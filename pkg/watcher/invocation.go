package watcher

import (
	"strconv"
	"strings"

	"inputplug/pkg/xinput"
)

// Invocation is one change on one device. Args is the argument list handed
// to the hook command, in order: change label, device id, device type label
// and device name. ID is the device id Args[1] was formatted from.
type Invocation struct {
	Args [4]string
	ID   xinput.DeviceID
}

// NewInvocation builds the arguments for one change on one device. Unknown
// device types become an empty label.
func NewInvocation(change xinput.HierarchyMask, d xinput.Descriptor) Invocation {
	return Invocation{
		Args: [4]string{
			change.Label(),
			strconv.Itoa(int(d.ID)),
			d.Type.Label(),
			d.Name,
		},
		ID: d.ID,
	}
}

func (inv Invocation) Change() string     { return inv.Args[0] }
func (inv Invocation) DeviceID() string   { return inv.Args[1] }
func (inv Invocation) DeviceType() string { return inv.Args[2] }
func (inv Invocation) DeviceName() string { return inv.Args[3] }

// Argv returns the full command line with command in front.
func (inv Invocation) Argv(command string) []string {
	return append([]string{command}, inv.Args[:]...)
}

// Trace renders the command line with every word quoted, as printed in
// verbose and dry-run modes.
func (inv Invocation) Trace(command string) string {
	argv := inv.Argv(command)
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = strconv.Quote(a)
	}
	return strings.Join(quoted, " ")
}

// EventLine is the newline-terminated "change id type" record written to
// an event file. The device name is left out.
func (inv Invocation) EventLine() string {
	return inv.Change() + " " + inv.DeviceID() + " " + inv.DeviceType() + "\n"
}
