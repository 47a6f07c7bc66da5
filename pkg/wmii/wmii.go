// Package wmii posts device events to a file served over 9P, by default
// the /event file of the wmii window manager.
package wmii

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"
	"sync"

	"9fans.net/go/plan9"
	"9fans.net/go/plan9/client"
)

// DefaultFile is the file events are written to when none is configured.
const DefaultFile = "/event"

// EnvAddress names the environment variable holding wmii's 9P address.
const EnvAddress = "WMII_ADDRESS"

// ParseAddress splits a dial string of the form proto!addr, or
// tcp!host!port, into a network and address for net.Dial.
func ParseAddress(address string) (network, addr string, err error) {
	proto, rest, ok := strings.Cut(address, "!")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("9P address %q: want proto!address", address)
	}
	switch proto {
	case "unix":
		return "unix", rest, nil
	case "tcp":
		host, port, ok := strings.Cut(rest, "!")
		if !ok || port == "" {
			return "", "", fmt.Errorf("9P address %q: want tcp!host!port", address)
		}
		return "tcp", host + ":" + port, nil
	}
	return "", "", fmt.Errorf("9P address %q: unsupported protocol %q", address, proto)
}

// EventFile is a 9P file opened for writing. Every PostEvent is one write.
type EventFile struct {
	mu   sync.Mutex
	conn *client.Conn
	fid  *client.Fid
}

// Open connects to the 9P server at address and opens path for writing.
// An empty address mounts the "wmii" service from the namespace directory.
func Open(address, path string) (*EventFile, error) {
	if path == "" {
		path = DefaultFile
	}
	conn, err := dial(address)
	if err != nil {
		return nil, err
	}
	fsys, err := conn.Attach(nil, username(), "")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("attach 9P server: %w", err)
	}
	fid, err := fsys.Open(path, plan9.OWRITE)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &EventFile{conn: conn, fid: fid}, nil
}

func dial(address string) (*client.Conn, error) {
	if address == "" {
		conn, err := client.DialService("wmii")
		if err != nil {
			return nil, fmt.Errorf("dial wmii in %s: %w", client.Namespace(), err)
		}
		return conn, nil
	}
	network, addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	conn, err := client.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial 9P server %s: %w", address, err)
	}
	return conn, nil
}

func username() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "none"
}

// ErrClosed is returned by PostEvent after Close.
var ErrClosed = errors.New("event file closed")

// PostEvent writes line in a single 9P write.
func (f *EventFile) PostEvent(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fid == nil {
		return ErrClosed
	}
	if _, err := f.fid.Write([]byte(line)); err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	return nil
}

// Close clunks the file and hangs up.
func (f *EventFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fid == nil {
		return nil
	}
	err := f.fid.Close()
	f.fid = nil
	return errors.Join(err, f.conn.Close())
}
