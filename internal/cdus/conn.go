package cdus

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Conn is the transport surface a FileState reads requests from and
// writes replies to: a single opened /dev/cuse descriptor.
type Conn interface {
	Fd() int
	Read(buf []byte) (int, error)
	Write(buf []byte) error
	Close() error
}

// fileConn wraps an *os.File opened on /dev/cuse, retrying reads and
// writes across EINTR the way the original program's read_from_cuse and
// send_response do.
type fileConn struct {
	f *os.File
}

// OpenCuse opens a fresh /dev/cuse descriptor for one character-device
// file. Each file in this system gets its own descriptor and performs its
// own INIT handshake, matching one DEVNAME per open.
func OpenCuse() (Conn, error) {
	f, err := os.OpenFile("/dev/cuse", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("cdus: open /dev/cuse: %w", err)
	}
	return &fileConn{f: f}, nil
}

func (c *fileConn) Fd() int { return int(c.f.Fd()) }

func (c *fileConn) Read(buf []byte) (int, error) {
	for {
		n, err := c.f.Read(buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// Write writes buf in its entirety. A short write is a fatal protocol
// violation, matching send_response's "Huh? Wrote N bytes, only M
// accepted!" invariant.
func (c *fileConn) Write(buf []byte) error {
	written := 0
	for written < len(buf) {
		n, err := c.f.Write(buf[written:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("cdus: write: %w", err)
		}
		written += n
		if n == 0 {
			return fmt.Errorf("cdus: short write: wrote %d of %d bytes", written, len(buf))
		}
	}
	return nil
}

func (c *fileConn) Close() error { return c.f.Close() }
