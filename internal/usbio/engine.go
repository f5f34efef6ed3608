// Package usbio implements the per-endpoint pipe engine: admission of USB
// transfer descriptors against FIFO occupancy, completion routing, and
// cancellation.
package usbio

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/billauer/usbpiper/internal/constants"
	"github.com/billauer/usbpiper/internal/fifo"
	"github.com/billauer/usbpiper/internal/logging"
)

// Hooks lets the owning character-device file state machine react to
// endpoint completions without the engine knowing anything about CDUS
// requests, unique ids, or the OPEN/RELEASING state. The engine invokes
// these synchronously from DrainCompletions, which callers only ever
// invoke from the event loop goroutine.
type Hooks interface {
	// OnInCompletion runs after an IN transfer has deposited its bytes in
	// the FIFO. The hook implementation decides whether a pending READ
	// can now complete, and whether a pending RELEASE can now finalize.
	OnInCompletion()

	// OnOutCompletion runs after an OUT transfer has completed and the
	// engine has attempted to push more queued data out. The hook
	// implementation decides whether a pending WRITE or RELEASE can now
	// complete.
	OnOutCompletion()

	// IsOpen reports whether the owning file is in the OPEN state, which
	// gates whether an IN completion should trigger a refill.
	IsOpen() bool

	// IsReleasing reports whether the owning file is in the RELEASING
	// state, which gates whether an IN completion should re-check
	// release eligibility.
	IsReleasing() bool
}

type transferResult struct {
	td  *transferDescriptor
	n   int
	err error
}

// Endpoint is one USB bulk or interrupt endpoint bound to a FIFO and a
// fixed pool of transfer descriptors.
type Endpoint struct {
	Name string
	Dir  Direction
	TT   TransferType

	FIFO *fifo.Ring

	pool, queued transferDescriptor // sentinel heads
	numQueued    int
	arena        []*transferDescriptor

	in  InTransferEndpoint
	out OutTransferEndpoint

	hooks  Hooks
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	results  chan transferResult
	notifyFD int

	mu sync.Mutex // guards numQueued/list mutation against the completion goroutines' channel sends racing DrainCompletions; all list walks still only happen on the event-loop goroutine
}

// NewEndpoint builds an endpoint with constants.TDsPerEndpoint preallocated
// transfer descriptors of constants.TDSize bytes each, and a FIFO of the
// given capacity. Exactly one of in/out must be non-nil, matching Dir.
func NewEndpoint(name string, dir Direction, tt TransferType, fifoSize uint32, in InTransferEndpoint, out OutTransferEndpoint, hooks Hooks) (*Endpoint, error) {
	if dir == DirectionIn && in == nil {
		return nil, fmt.Errorf("usbio: %s: IN endpoint requires a non-nil InTransferEndpoint", name)
	}
	if dir == DirectionOut && out == nil {
		return nil, fmt.Errorf("usbio: %s: OUT endpoint requires a non-nil OutTransferEndpoint", name)
	}

	notifyFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("usbio: %s: eventfd: %w", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Endpoint{
		Name:     name,
		Dir:      dir,
		TT:       tt,
		FIFO:     fifo.New(fifoSize),
		in:       in,
		out:      out,
		hooks:    hooks,
		logger:   logging.Default(),
		ctx:      ctx,
		cancel:   cancel,
		results:  make(chan transferResult, constants.TDsPerEndpoint),
		notifyFD: notifyFD,
	}

	initList(&e.pool)
	initList(&e.queued)

	e.arena = make([]*transferDescriptor, constants.TDsPerEndpoint)
	for i := range e.arena {
		td := &transferDescriptor{xep: e, buf: make([]byte, constants.TDSize)}
		e.arena[i] = td
		insertAfter(&e.pool, td)
	}

	return e, nil
}

// NotifyFD is the eventfd to register with the event loop for EPOLLIN; a
// write to it signals that DrainCompletions has work to do.
func (e *Endpoint) NotifyFD() int { return e.notifyFD }

// SetHooks binds the per-file callbacks this endpoint reports completions
// to. It exists separately from NewEndpoint because the file state and
// its endpoints are constructed with a circular reference: the file needs
// the endpoint to submit transfers, and the endpoint needs the file to
// report completions.
func (e *Endpoint) SetHooks(hooks Hooks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = hooks
}

// OnNotifyReadable is the event-loop callback for NotifyFD becoming
// readable; it drains every pending completion.
func (e *Endpoint) OnNotifyReadable(mask uint32) error {
	e.DrainCompletions()
	return nil
}

// Close cancels all in-flight transfers and releases the FIFO and
// notifier fd. It does not wait for in-flight goroutines to exit.
func (e *Endpoint) Close() {
	e.cancel()
	unix.Close(e.notifyFD)
	e.FIFO.Close()
}

// QueuedCount returns the number of transfer descriptors currently
// submitted to the USB library.
func (e *Endpoint) QueuedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.numQueued
}

func (e *Endpoint) wake() {
	var buf [8]byte
	buf[0] = 1
	unix.Write(e.notifyFD, buf[:])
}

func (e *Endpoint) drainNotify() {
	var buf [8]byte
	unix.Read(e.notifyFD, buf[:])
}

// submit moves td from pool to queued and starts the goroutine that
// performs the actual (blocking, gousb-synchronous) transfer.
func (e *Endpoint) submit(td *transferDescriptor, n int) {
	remove(td)
	insertAfter(&e.queued, td)
	e.numQueued++

	ctx, cancel := context.WithCancel(e.ctx)
	td.cancel = cancel

	switch e.Dir {
	case DirectionIn:
		go func() {
			got, err := e.in.ReadContext(ctx, td.buf[:cap(td.buf)])
			e.results <- transferResult{td: td, n: got, err: err}
			e.wake()
		}()
	case DirectionOut:
		td.reqLen = n
		go func() {
			got, err := e.out.Write(td.buf[:n])
			select {
			case <-ctx.Done():
				e.results <- transferResult{td: td, n: got, err: context.Canceled}
			default:
				e.results <- transferResult{td: td, n: got, err: err}
			}
			e.wake()
		}()
	}
}

func classify(err error) Status {
	switch err {
	case nil:
		return StatusCompleted
	case context.Canceled:
		return StatusCancelled
	default:
		return StatusError
	}
}

// TryQueueIn implements try_queue_bulkin: while there is a pool TD and the
// FIFO has room for another full TD once all in-flight TDs are accounted
// for, submit an IN transfer.
func (e *Endpoint) TryQueueIn() {
	for {
		e.mu.Lock()
		left := int64(e.FIFO.Vacant()) - int64(e.numQueued)*constants.TDSize
		td := front(&e.pool)
		ready := td != nil && left >= constants.TDSize
		e.mu.Unlock()

		if !ready {
			return
		}
		e.submit(td, 0)
	}
}

// TryQueueOut implements try_queue_bulkout: drain FIFO bytes into pool
// TDs while data exists, honoring the fairness rule that a short TD is
// not submitted while another OUT TD is already in flight. If anything
// was submitted, or tryComplete is true, the OUT completion hook fires
// once the loop has run so a pending WRITE/RELEASE can be reconsidered.
func (e *Endpoint) TryQueueOut(tryComplete bool) {
	submittedAny := false

	for {
		e.mu.Lock()
		td := front(&e.pool)
		fill := e.FIFO.Fill()
		queuedNonEmpty := !empty(&e.queued)
		e.mu.Unlock()

		if td == nil || fill == 0 {
			break
		}
		if fill < constants.TDSize && queuedNonEmpty {
			break
		}

		n := int(fill)
		if n > constants.TDSize {
			n = constants.TDSize
		}
		e.FIFO.Read(td.buf[:n])
		e.submit(td, n)
		submittedAny = true
	}

	if (submittedAny || tryComplete) && e.hooks != nil {
		e.hooks.OnOutCompletion()
	}
}

// CancelAll implements cancel_all: every queued TD is asked to cancel.
// For IN transfers this cancels the read context; for OUT transfers the
// already-issued synchronous Write cannot be preempted, so the completion
// is forced to report StatusCancelled once it returns.
func (e *Endpoint) CancelAll() {
	e.mu.Lock()
	var tds []*transferDescriptor
	for td := e.queued.next; td != &e.queued; td = td.next {
		tds = append(tds, td)
	}
	e.mu.Unlock()

	for _, td := range tds {
		if td.cancel != nil {
			td.cancel()
		}
	}
}

// DrainCompletions processes every completion posted since the last call
// and must only be invoked from the event-loop goroutine: it is the sole
// place FIFO and list state mutate as a result of USB completions,
// preserving the single-threaded cooperative model even though the
// transfers themselves run on goroutines.
func (e *Endpoint) DrainCompletions() {
	e.drainNotify()

	for {
		var res transferResult
		select {
		case res = <-e.results:
		default:
			return
		}
		e.handleCompletion(res)
	}
}

func (e *Endpoint) handleCompletion(res transferResult) {
	status := classify(res.err)

	e.mu.Lock()
	remove(res.td)
	insertAfter(e.pool.prev, res.td) // tail of pool; see DESIGN.md on TD ordering
	e.numQueued--
	e.mu.Unlock()

	switch e.Dir {
	case DirectionIn:
		if status == StatusError {
			e.logger.Errorf("%s: fatal IN transfer error: %v", e.Name, res.err)
			return
		}
		if status == StatusCompleted {
			accepted := e.FIFO.Write(res.td.buf[:res.n])
			if int(accepted) != res.n {
				e.logger.Errorf("%s: FIFO overflow on IN completion (bug: admission rule violated)", e.Name)
			}
		}
		if status != StatusCancelled && e.hooks != nil {
			e.hooks.OnInCompletion()
			if e.hooks.IsOpen() {
				e.TryQueueIn()
			}
		}
		if e.hooks != nil && e.hooks.IsReleasing() {
			e.hooks.OnInCompletion()
		}

	case DirectionOut:
		if status == StatusError {
			e.logger.Errorf("%s: fatal OUT transfer error: %v", e.Name, res.err)
			return
		}
		if status == StatusCompleted && res.n != res.td.reqLen {
			e.logger.Errorf("%s: fatal short OUT transfer: wrote %d of %d bytes", e.Name, res.n, res.td.reqLen)
			return
		}
		e.TryQueueOut(false)
		if e.hooks != nil && e.hooks.IsReleasing() {
			e.hooks.OnOutCompletion()
		}
	}
}
