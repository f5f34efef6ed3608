// Package ioloop implements the single-threaded epoll multiplexer that
// drives every CDUS connection, per-file timer, and endpoint completion
// notifier in one cooperative loop.
package ioloop

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/billauer/usbpiper/internal/logging"
)

// Callback is invoked with the readiness mask reported for its fd. A
// returned error is treated as fatal and stops the loop.
type Callback func(mask uint32) error

// Loop is an epoll-based event multiplexer. All registration and
// dispatch must happen from the goroutine that calls Run, except Close,
// which may be called from any goroutine to request shutdown.
type Loop struct {
	epfd    int
	wakefd  int
	entries map[int]Callback
	stop    bool
	logger  *logging.Logger
}

// New creates an epoll instance and its internal wakeup eventfd.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ioloop: epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("ioloop: eventfd: %w", err)
	}

	l := &Loop{
		epfd:    epfd,
		wakefd:  wakefd,
		entries: make(map[int]Callback),
		logger:  logging.Default(),
	}
	if err := l.Add(wakefd, unix.EPOLLIN, func(uint32) error {
		var buf [8]byte
		unix.Read(wakefd, buf[:])
		if l.stop {
			return errStop
		}
		return nil
	}); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	return l, nil
}

// errStop is a sentinel returned by the wakeup callback to unwind Run
// cleanly once Close has been called; it never escapes Run.
var errStop = fmt.Errorf("ioloop: stop requested")

// Add registers fd with the given epoll event mask and callback.
func (l *Loop) Add(fd int, mask uint32, cb Callback) error {
	event := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("ioloop: epoll_ctl(ADD, %d): %w", fd, err)
	}
	l.entries[fd] = cb
	return nil
}

// Remove unregisters fd. It is not an error to remove an fd that was
// never added, matching the original's tolerant teardown on file close.
func (l *Loop) Remove(fd int) {
	delete(l.entries, fd)
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Close requests the loop stop at the next iteration. Safe to call from
// any goroutine.
func (l *Loop) Close() {
	l.stop = true
	var buf [8]byte
	buf[0] = 1
	unix.Write(l.wakefd, buf[:])
}

// Run blocks, dispatching readiness events to registered callbacks until
// Close is called or a callback returns a non-nil error.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, 64)
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				l.logger.Debugf("ioloop: epoll_wait interrupted, retrying")
				continue
			}
			return fmt.Errorf("ioloop: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			cb, ok := l.entries[fd]
			if !ok {
				continue
			}
			if err := cb(events[i].Events); err != nil {
				if err == errStop {
					return nil
				}
				l.logger.Errorf("ioloop: callback for fd %d failed: %v", fd, err)
				return err
			}
		}
	}
}
