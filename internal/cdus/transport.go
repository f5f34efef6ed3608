package cdus

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/billauer/usbpiper/internal/constants"
)

// requestBufSize is sized for the largest possible CDUS request: a
// FUSE_WRITE carrying a full MaxPayload-sized buffer plus its header.
const requestBufSize = inHeaderSize + writeInSize + constants.MaxPayload

// OnConnReadable is the event-loop callback for this file's CDUS
// connection becoming readable. One readiness notification corresponds
// to exactly one complete request frame, matching how the kernel's CUSE
// channel frames messages.
func (f *FileState) OnConnReadable(mask uint32) error {
	buf := make([]byte, requestBufSize)
	n, err := f.conn.Read(buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return fmt.Errorf("cdus: %s: read request: %w", f.Name, err)
	}
	if n < inHeaderSize {
		return fmt.Errorf("cdus: %s: truncated request: %d bytes", f.Name, n)
	}
	return f.HandleRequest(buf[:n])
}

// OnTimerReadable is the event-loop callback for this file's timerfd
// becoming readable.
func (f *FileState) OnTimerReadable(mask uint32) error {
	return f.FireTimer()
}
