package ioloop

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestAddDispatchesReadiness(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer unix.Close(l.epfd)

	fds, err := unixSocketPair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	fired := make(chan uint32, 1)
	if err := l.Add(fds[0], unix.EPOLLIN, func(mask uint32) error {
		fired <- mask
		return l.stopForTest()
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	select {
	case mask := <-fired:
		if mask&unix.EPOLLIN == 0 {
			t.Fatalf("expected EPOLLIN bit set, got %x", mask)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run never returned")
	}
}

func TestCloseStopsRun(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer unix.Close(l.epfd)

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	time.Sleep(10 * time.Millisecond)
	l.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not stop Run")
	}
}

func TestRemoveStopsDispatch(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer unix.Close(l.epfd)

	fds, err := unixSocketPair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	called := false
	if err := l.Add(fds[0], unix.EPOLLIN, func(uint32) error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	l.Remove(fds[0])

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Run() }()
	time.Sleep(20 * time.Millisecond)
	l.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run never returned")
	}

	if called {
		t.Fatal("callback fired after Remove")
	}
}

func unixSocketPair() ([2]int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	return [2]int{fds[0], fds[1]}, err
}

// stopForTest lets a callback request loop shutdown inline, mirroring the
// sentinel errStop path without exporting it.
func (l *Loop) stopForTest() error {
	l.stop = true
	return errStop
}
