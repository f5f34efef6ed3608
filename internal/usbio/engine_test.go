package usbio

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeInEndpoint serves fixed chunks of data, one per ReadContext call, or
// blocks until the context is cancelled if no chunk remains.
type fakeInEndpoint struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (f *fakeInEndpoint) ReadContext(ctx context.Context, buf []byte) (int, error) {
	f.mu.Lock()
	if len(f.chunks) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return 0, ctx.Err()
	}
	chunk := f.chunks[0]
	f.chunks = f.chunks[1:]
	f.mu.Unlock()

	n := copy(buf, chunk)
	return n, nil
}

type fakeOutEndpoint struct {
	mu      sync.Mutex
	written [][]byte
}

func (f *fakeOutEndpoint) Write(buf []byte) (int, error) {
	cp := append([]byte(nil), buf...)
	f.mu.Lock()
	f.written = append(f.written, cp)
	f.mu.Unlock()
	return len(buf), nil
}

type fakeHooks struct {
	mu          sync.Mutex
	inCount     int
	outCount    int
	open        bool
	releasing   bool
}

func (h *fakeHooks) OnInCompletion() {
	h.mu.Lock()
	h.inCount++
	h.mu.Unlock()
}
func (h *fakeHooks) OnOutCompletion() {
	h.mu.Lock()
	h.outCount++
	h.mu.Unlock()
}
func (h *fakeHooks) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}
func (h *fakeHooks) IsReleasing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releasing
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestTryQueueInAdmitsUntilFIFOWouldOverflow(t *testing.T) {
	in := &fakeInEndpoint{}
	hooks := &fakeHooks{open: true}

	ep, err := NewEndpoint("test_in", DirectionIn, TransferBulk, 4*65536, in, nil, hooks)
	if err != nil {
		t.Fatal(err)
	}
	defer ep.Close()

	// Block all transfers until we've observed admission state.
	ep.TryQueueIn()

	waitFor(t, func() bool { return ep.QueuedCount() > 0 })

	// Only floor(capacity/TDSize) TDs may be in flight per the admission
	// rule (fifo_vacant - queued*td_size >= td_size).
	if q := ep.QueuedCount(); q > 4 {
		t.Fatalf("QueuedCount() = %d, want <= 4", q)
	}
}

func TestInCompletionWritesToFIFOAndNotifiesHooks(t *testing.T) {
	in := &fakeInEndpoint{chunks: [][]byte{[]byte("hello")}}
	hooks := &fakeHooks{open: true}

	ep, err := NewEndpoint("test_in2", DirectionIn, TransferBulk, 4*65536, in, nil, hooks)
	if err != nil {
		t.Fatal(err)
	}
	defer ep.Close()

	ep.TryQueueIn()
	waitFor(t, func() bool {
		ep.DrainCompletions()
		return ep.FIFO.Fill() > 0
	})

	if ep.FIFO.Fill() != 5 {
		t.Fatalf("FIFO.Fill() = %d, want 5", ep.FIFO.Fill())
	}
	hooks.mu.Lock()
	got := hooks.inCount
	hooks.mu.Unlock()
	if got < 1 {
		t.Fatalf("OnInCompletion called %d times, want >= 1", got)
	}
}

func TestOutFairnessRuleAllowsShortTDWhenNoneQueued(t *testing.T) {
	out := &fakeOutEndpoint{}
	hooks := &fakeHooks{open: true}

	ep, err := NewEndpoint("test_out", DirectionOut, TransferBulk, 4*65536, nil, out, hooks)
	if err != nil {
		t.Fatal(err)
	}
	defer ep.Close()

	small := make([]byte, 10)
	ep.FIFO.Write(small)

	ep.TryQueueOut(false)

	// The fairness rule withholds a short TD only when another OUT TD is
	// already queued. Nothing is queued here, so this first short TD is
	// allowed. Verify it gets submitted.
	waitFor(t, func() bool { return ep.QueuedCount() == 1 })
}

func TestCancelAllMarksQueuedTransfersCancelled(t *testing.T) {
	in := &fakeInEndpoint{} // no chunks: ReadContext blocks until cancelled
	hooks := &fakeHooks{open: true}

	ep, err := NewEndpoint("test_cancel", DirectionIn, TransferBulk, 4*65536, in, nil, hooks)
	if err != nil {
		t.Fatal(err)
	}
	defer ep.Close()

	ep.TryQueueIn()
	waitFor(t, func() bool { return ep.QueuedCount() > 0 })

	ep.CancelAll()

	waitFor(t, func() bool {
		ep.DrainCompletions()
		return ep.QueuedCount() == 0
	})
}
