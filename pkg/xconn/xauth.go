package xconn

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// Xauthority address families, from Xauth.h.
const (
	familyLocal = 256
	familyWild  = 65535
)

const cookieAuthName = "MIT-MAGIC-COOKIE-1"

// AuthEntry is one record of an Xauthority file.
type AuthEntry struct {
	Family  uint16
	Address string
	Number  string
	Name    string
	Data    []byte
}

// AuthorityPath returns $XAUTHORITY, or ~/.Xauthority when unset.
func AuthorityPath() (string, error) {
	if p := os.Getenv("XAUTHORITY"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate Xauthority: %w", err)
	}
	return filepath.Join(home, ".Xauthority"), nil
}

// ReadAuthority parses every record of an Xauthority stream.
func ReadAuthority(r io.Reader) ([]AuthEntry, error) {
	br := bufio.NewReader(r)
	var entries []AuthEntry
	for {
		var e AuthEntry
		if err := binary.Read(br, binary.BigEndian, &e.Family); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return nil, fmt.Errorf("read auth family: %w", err)
		}
		fields := make([][]byte, 4)
		for i := range fields {
			b, err := readCounted(br)
			if err != nil {
				return nil, fmt.Errorf("read auth record: %w", err)
			}
			fields[i] = b
		}
		e.Address = string(fields[0])
		e.Number = string(fields[1])
		e.Name = string(fields[2])
		e.Data = fields[3]
		entries = append(entries, e)
	}
}

func readCounted(r io.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// FindCookie picks the MIT-MAGIC-COOKIE-1 credentials for display. Local
// displays match records for this host; remote ones match their host name.
func FindCookie(entries []AuthEntry, d Display, hostname string) ([]byte, bool) {
	host := d.Host
	if d.Local() || host == "localhost" {
		host = hostname
	}
	number := strconv.Itoa(d.Number)
	for _, e := range entries {
		addrMatch := e.Family == familyWild || (e.Family == familyLocal && e.Address == host)
		numMatch := e.Number == "" || e.Number == number
		if addrMatch && numMatch && e.Name == cookieAuthName && len(e.Data) == 16 {
			return e.Data, true
		}
	}
	return nil, false
}

// loadCookie reads the Xauthority file and returns the cookie for d, if any.
func loadCookie(d Display) ([]byte, error) {
	path, err := AuthorityPath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) //nolint:gosec // path comes from XAUTHORITY or the home dir
	if err != nil {
		return nil, fmt.Errorf("open Xauthority: %w", err)
	}
	defer f.Close()

	entries, err := ReadAuthority(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %w", err)
	}
	cookie, ok := FindCookie(entries, d, hostname)
	if !ok {
		return nil, fmt.Errorf("no %s for display %d in %s", cookieAuthName, d.Number, path)
	}
	return cookie, nil
}
