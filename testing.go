package usbpiper

import (
	"context"
	"sync"

	"github.com/billauer/usbpiper/internal/usbio"
)

// MockUSBDevice is a mock implementation of usbio.InTransferEndpoint and
// usbio.OutTransferEndpoint for testing the endpoint engine and the
// per-file state machine without real hardware.
//
// Reads are served from a queue of canned chunks pushed with QueueRead;
// once the queue is empty, ReadContext blocks until ctx is cancelled or
// another chunk is queued, mirroring a real endpoint with no pending data. Writes are appended to
// an internal buffer retrievable with Written.
type MockUSBDevice struct {
	mu sync.Mutex

	readQueue  [][]byte
	readSignal chan struct{}

	written []byte

	readCalls  int
	writeCalls int

	readErr  error
	writeErr error
}

// NewMockUSBDevice creates an empty mock device.
func NewMockUSBDevice() *MockUSBDevice {
	return &MockUSBDevice{readSignal: make(chan struct{}, 1)}
}

// QueueRead enqueues a chunk of bytes to be returned by a future
// ReadContext call.
func (m *MockUSBDevice) QueueRead(chunk []byte) {
	m.mu.Lock()
	m.readQueue = append(m.readQueue, chunk)
	m.mu.Unlock()
	select {
	case m.readSignal <- struct{}{}:
	default:
	}
}

// SetReadError makes every subsequent ReadContext return err immediately.
func (m *MockUSBDevice) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// SetWriteError makes every subsequent Write return err immediately.
func (m *MockUSBDevice) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// ReadContext implements usbio.InTransferEndpoint.
func (m *MockUSBDevice) ReadContext(ctx context.Context, buf []byte) (int, error) {
	m.mu.Lock()
	m.readCalls++
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if m.readErr != nil {
			err := m.readErr
			m.mu.Unlock()
			return 0, err
		}
		if len(m.readQueue) > 0 {
			chunk := m.readQueue[0]
			m.readQueue = m.readQueue[1:]
			m.mu.Unlock()
			n := copy(buf, chunk)
			return n, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-m.readSignal:
		}
	}
}

// Write implements usbio.OutTransferEndpoint.
func (m *MockUSBDevice) Write(buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.written = append(m.written, buf...)
	return len(buf), nil
}

// Written returns a copy of every byte accepted by Write so far.
func (m *MockUSBDevice) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.written))
	copy(out, m.written)
	return out
}

// CallCounts returns how many times ReadContext and Write were invoked.
func (m *MockUSBDevice) CallCounts() (reads, writes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readCalls, m.writeCalls
}

// Reset clears all queued reads, recorded writes, call counts, and
// injected errors.
func (m *MockUSBDevice) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readQueue = nil
	m.written = nil
	m.readCalls = 0
	m.writeCalls = 0
	m.readErr = nil
	m.writeErr = nil
}

var (
	_ usbio.InTransferEndpoint  = (*MockUSBDevice)(nil)
	_ usbio.OutTransferEndpoint = (*MockUSBDevice)(nil)
)
