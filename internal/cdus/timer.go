package cdus

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// fileTimer is the single timerfd a character-device file reuses for both
// the 10ms partial-read window and the 1s release-drain grace period.
// Arming one implicitly cancels the other, since the fd has only one
// pending expiry at a time.
type fileTimer struct {
	fd int
}

func newFileTimer() (*fileTimer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("cdus: timerfd_create: %w", err)
	}
	return &fileTimer{fd: fd}, nil
}

func (t *fileTimer) FD() int { return t.fd }

func (t *fileTimer) Close() error { return unix.Close(t.fd) }

// Arm schedules a one-shot expiry after d.
func (t *fileTimer) Arm(d time.Duration) error {
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

// Disarm cancels any pending expiry. Per timerfd_settime semantics,
// setting a zero it_value disarms and clears any pending tick, so no
// dummy read is needed afterward.
func (t *fileTimer) Disarm() error {
	var spec unix.ItimerSpec
	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

// ConsumeTick reads the expiry counter. EAGAIN is benign: it can occur
// when the timer was disarmed while processing an earlier event in the
// same readiness batch.
func (t *fileTimer) ConsumeTick() (bool, error) {
	var buf [8]byte
	_, err := unix.Read(t.fd, buf[:])
	if err == unix.EAGAIN {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
