package xconn

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Display is a parsed DISPLAY string.
type Display struct {
	Protocol string // "unix" or a net protocol such as "tcp"
	Host     string // empty for local connections
	Socket   string // explicit socket path prefix, e.g. a launchd socket
	Number   int
	Screen   int
}

// ParseDisplay parses a DISPLAY value of the forms ":0", ":1.2",
// "host:0", "tcp/host:1.0", "unix/:0" and "/path/to/socket:0". An empty
// value falls back to $DISPLAY.
func ParseDisplay(display string) (Display, error) {
	if display == "" {
		display = os.Getenv("DISPLAY")
	}
	if display == "" {
		return Display{}, fmt.Errorf("parse display: empty display string")
	}

	colon := strings.LastIndex(display, ":")
	if colon < 0 {
		return Display{}, fmt.Errorf("parse display %q: missing ':'", display)
	}

	var d Display
	head, tail := display[:colon], display[colon+1:]
	switch {
	case strings.HasPrefix(head, "/"):
		d.Socket = head
	case strings.Contains(head, "/"):
		slash := strings.LastIndex(head, "/")
		d.Protocol = head[:slash]
		d.Host = head[slash+1:]
	default:
		d.Host = head
	}
	if d.Host == "unix" {
		d.Host = ""
		d.Protocol = "unix"
	}

	number, screen, hasScreen := strings.Cut(tail, ".")
	n, err := strconv.Atoi(number)
	if err != nil || n < 0 {
		return Display{}, fmt.Errorf("parse display %q: bad display number", display)
	}
	d.Number = n
	if hasScreen {
		s, err := strconv.Atoi(screen)
		if err != nil || s < 0 {
			return Display{}, fmt.Errorf("parse display %q: bad screen number", display)
		}
		d.Screen = s
	}
	return d, nil
}

// Local reports whether the display is reached over a unix socket.
func (d Display) Local() bool {
	return d.Socket != "" || d.Host == ""
}

// Network returns the dial arguments for the display.
func (d Display) Network() (network, address string) {
	switch {
	case d.Socket != "":
		return "unix", d.Socket + ":" + strconv.Itoa(d.Number)
	case d.Local():
		return "unix", "/tmp/.X11-unix/X" + strconv.Itoa(d.Number)
	default:
		proto := d.Protocol
		if proto == "" || proto == "unix" {
			proto = "tcp"
		}
		return proto, d.Host + ":" + strconv.Itoa(6000+d.Number)
	}
}
