// Package shmring is a fixed-size single-producer, single-consumer byte ring.
//
// Indices are free-running uint32 counters; the fill level is wr-rd, so a full
// ring and an empty ring are never confused. Neither side ever blocks: a write
// that does not fit is truncated and the excess is counted as an overflow
// (drop-newest), a read of an empty ring returns 0.
package shmring

import (
	"sync/atomic"

	"audiocode-go/x/mathx"
)

// Ring is a single-producer, single-consumer byte ring.
type Ring struct {
	buf  []byte
	mask uint32
	rd   atomic.Uint32 // consumer index (monotonic)
	wr   atomic.Uint32 // producer index (monotonic)

	overflows atomic.Uint64 // writes that did not fit
	dropped   atomic.Uint64 // bytes discarded by those writes

	// Coalesced wakeups: a token means "state changed, re-check".
	readable chan struct{}
	writable chan struct{}
}

// IsPow2 reports whether n is a power of two >= 2.
func IsPow2(n int) bool { return n >= 2 && n&(n-1) == 0 }

// New allocates a ring of size bytes. size must be a power of two >= 2
// and no larger than 1<<30.
func New(size int) *Ring {
	if !IsPow2(size) || size > 1<<30 {
		panic("shmring: size must be power of two >= 2")
	}
	return &Ring{
		buf:      make([]byte, size),
		mask:     uint32(size - 1),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}
}

func (r *Ring) size() uint32 { return uint32(len(r.buf)) }

// Cap returns the ring capacity in bytes.
func (r *Ring) Cap() int { return len(r.buf) }

// AvailableToWrite returns free space. Exact for the producer, a lower bound for anyone else.
func (r *Ring) AvailableToWrite() int {
	rd := r.rd.Load()
	wr := r.wr.Load()
	return int(r.size() - (wr - rd))
}

// AvailableToRead returns buffered bytes. Exact for the consumer, a lower bound for anyone else.
func (r *Ring) AvailableToRead() int {
	rd := r.rd.Load()
	wr := r.wr.Load()
	return int(wr - rd)
}

// LevelPct returns the fill level as a percentage of capacity, rounded.
func (r *Ring) LevelPct() uint8 {
	return uint8(mathx.RoundDiv(uint64(r.AvailableToRead())*100, uint64(r.size())))
}

// Overflows counts writes that were truncated because the ring was full.
func (r *Ring) Overflows() uint64 { return r.overflows.Load() }

// Dropped counts bytes discarded by truncated writes.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }

// Producer side

// Write copies as much of src as fits and returns the count. Bytes that do
// not fit are dropped and accounted in Overflows/Dropped.
func (r *Ring) Write(src []byte) (n int) {
	if len(src) == 0 {
		return 0
	}
	rd := r.rd.Load()
	wr := r.wr.Load()
	space := int(r.size() - (wr - rd))
	n = len(src)
	if n > space {
		n = space
		r.overflows.Add(1)
		r.dropped.Add(uint64(len(src) - n))
	}
	if n == 0 {
		return 0
	}

	size := r.size()
	wrIdx := wr & r.mask
	first := int(size - wrIdx)
	if first > n {
		first = n
	}
	copy(r.buf[wrIdx:wrIdx+uint32(first)], src[:first])
	if second := n - first; second > 0 {
		copy(r.buf[:second], src[first:n])
	}
	r.wr.Store(wr + uint32(n)) // release
	notify(r.readable)
	return n
}

// Consumer side

// Read copies up to len(dst) buffered bytes into dst and returns the count.
func (r *Ring) Read(dst []byte) (n int) {
	if len(dst) == 0 {
		return 0
	}
	rd := r.rd.Load()
	wr := r.wr.Load() // acquire
	avail := int(wr - rd)
	if avail <= 0 {
		return 0
	}
	n = avail
	if len(dst) < n {
		n = len(dst)
	}

	size := r.size()
	rdIdx := rd & r.mask
	first := int(size - rdIdx)
	if first > n {
		first = n
	}
	copy(dst[:first], r.buf[rdIdx:rdIdx+uint32(first)])
	if second := n - first; second > 0 {
		copy(dst[first:n], r.buf[:second])
	}
	r.rd.Store(rd + uint32(n)) // release
	notify(r.writable)
	return n
}

// Discard drops everything currently buffered and returns the byte count.
// Consumer side only.
func (r *Ring) Discard() int {
	rd := r.rd.Load()
	wr := r.wr.Load()
	if wr == rd {
		return 0
	}
	r.rd.Store(wr)
	notify(r.writable)
	return int(wr - rd)
}

// Reset empties the ring and clears the counters. Both ends must be quiescent.
func (r *Ring) Reset() {
	r.rd.Store(0)
	r.wr.Store(0)
	r.overflows.Store(0)
	r.dropped.Store(0)
	select {
	case <-r.readable:
	default:
	}
	select {
	case <-r.writable:
	default:
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *Ring) Watermarks() (rd, wr uint32) {
	return r.rd.Load(), r.wr.Load()
}

func (r *Ring) Readable() <-chan struct{} { return r.readable }
func (r *Ring) Writable() <-chan struct{} { return r.writable }

// Writer is the producer end. Hand it to exactly one goroutine.
type Writer struct{ r *Ring }

// Reader is the consumer end. Hand it to exactly one goroutine.
type Reader struct{ r *Ring }

func (r *Ring) Writer() Writer { return Writer{r} }
func (r *Ring) Reader() Reader { return Reader{r} }

func (w Writer) Write(src []byte) int       { return w.r.Write(src) }
func (w Writer) AvailableToWrite() int      { return w.r.AvailableToWrite() }
func (w Writer) Writable() <-chan struct{}  { return w.r.writable }
func (w Writer) Valid() bool                { return w.r != nil }
func (rd Reader) Read(dst []byte) int       { return rd.r.Read(dst) }
func (rd Reader) AvailableToRead() int      { return rd.r.AvailableToRead() }
func (rd Reader) Discard() int              { return rd.r.Discard() }
func (rd Reader) Readable() <-chan struct{} { return rd.r.readable }
func (rd Reader) Valid() bool               { return rd.r != nil }
