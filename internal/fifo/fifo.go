// Package fifo implements the fixed-capacity byte ring buffer that sits
// between a USB endpoint and its character-device file.
package fifo

import (
	"golang.org/x/sys/unix"

	"github.com/billauer/usbpiper/internal/logging"
)

// Ring is a fixed-capacity byte ring buffer. It is not safe for concurrent
// use; callers serialize access through the event loop.
type Ring struct {
	mem      []byte
	size     uint32
	fill     uint32
	readpos  uint32
	writepos uint32
}

// New allocates a ring of the given capacity and attempts to lock it into
// RAM. A failure to lock is not fatal: the buffer is touched page by page
// instead, and the caller is warned.
func New(size uint32) *Ring {
	mem := make([]byte, size)

	if err := unix.Mlock(mem); err != nil {
		logging.Default().Warnf("failed to lock FIFO memory, may swap to disk: %v", err)
		for i := 0; i < len(mem); i += 1024 {
			mem[i] = 0
		}
	}

	return &Ring{mem: mem, size: size}
}

// Close unlocks the backing memory.
func (r *Ring) Close() {
	if r.mem != nil {
		unix.Munlock(r.mem)
		r.mem = nil
	}
}

// Size returns the ring's fixed capacity.
func (r *Ring) Size() uint32 { return r.size }

// Fill returns the number of bytes currently held.
func (r *Ring) Fill() uint32 { return r.fill }

// Vacant returns the number of free bytes.
func (r *Ring) Vacant() uint32 { return r.size - r.fill }

// Write copies up to min(len(data), capacity-fill) bytes into the ring,
// wrapping at the end of the backing buffer, and returns the number of
// bytes accepted. It never fails; a short write signals backpressure to
// the caller.
func (r *Ring) Write(data []byte) uint32 {
	var done uint32
	todo := uint32(len(data))

	for {
		nmax := r.size - r.fill
		nrail := r.size - r.writepos
		n := todo
		if n > nmax {
			n = nmax
		}
		if n == 0 {
			return done
		}
		if n > nrail {
			n = nrail
		}

		copy(r.mem[r.writepos:r.writepos+n], data[done:done+n])

		done += n
		todo -= n
		r.writepos += n
		r.fill += n

		if r.writepos == r.size {
			r.writepos = 0
		}
	}
}

// Read copies up to min(len(out), fill) bytes out of the ring and returns
// the number of bytes delivered.
func (r *Ring) Read(out []byte) uint32 {
	var done uint32
	todo := uint32(len(out))

	for {
		nrail := r.size - r.readpos
		n := todo
		if n > r.fill {
			n = r.fill
		}
		if n == 0 {
			return done
		}
		if n > nrail {
			n = nrail
		}

		copy(out[done:done+n], r.mem[r.readpos:r.readpos+n])

		done += n
		todo -= n
		r.readpos += n
		r.fill -= n

		if r.readpos == r.size {
			r.readpos = 0
		}
	}
}

// Limit reduces fill to at most target by rewinding the write cursor,
// discarding the most recently written bytes, and returns the number of
// bytes dropped. It is a no-op (returns 0) if fill is already at or below
// target.
func (r *Ring) Limit(target uint32) uint32 {
	if r.fill <= target {
		return 0
	}

	n := r.fill - target

	if r.writepos < n {
		r.writepos += r.size
	}
	r.writepos -= n
	r.fill -= n

	return n
}
