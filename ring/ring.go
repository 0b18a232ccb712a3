// Package ring is a bounded multi-producer, single-consumer byte ring
// carrying length-framed records. Producers never block: a record that does
// not fit is dropped and counted. Records become visible to the consumer in
// reservation order, and only once committed.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// HeaderSize is the framing overhead of every record.
const HeaderSize = 8

const (
	busyBit    = 1 << 31
	discardBit = 1 << 30
	// validBit keeps the header of an empty record non-zero.
	validBit = 1 << 29
	lenMask  = validBit - 1
)

// testHookReserve runs between the two index loads of Reserve.
var testHookReserve func()

var (
	ErrNoSpace     = errors.New("ring: no space for record")
	ErrClosed      = errors.New("ring: closed")
	ErrInvalidSize = errors.New("ring: size must be a power of two and at least 16 bytes")
	ErrTooLarge    = errors.New("ring: record larger than ring")
)

// Ring is the shared circular region. The zero value is not usable; call New.
type Ring struct {
	data []byte
	// hdrs holds the frame header of the record starting at each 8-byte
	// unit of data. Zero means no record has been reserved there yet.
	hdrs []atomic.Uint32
	mask uint64

	prod    atomic.Uint64
	cons    atomic.Uint64
	dropped atomic.Uint64

	notify chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// New allocates a ring of size bytes.
func New(size int) (*Ring, error) {
	if size < 16 || size&(size-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return &Ring{
		data:   make([]byte, size),
		hdrs:   make([]atomic.Uint32, size/HeaderSize),
		mask:   uint64(size - 1),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// Size returns the capacity of the ring in bytes.
func (r *Ring) Size() int { return len(r.data) }

// Dropped returns the number of records rejected for lack of space.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }

// Pending returns the number of bytes reserved but not yet consumed.
func (r *Ring) Pending() int { return int(r.prod.Load() - r.cons.Load()) }

// Close rejects further reservations and wakes a blocked reader.
func (r *Ring) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		close(r.done)
	}
	return nil
}

func frameSize(n int) uint64 {
	return (uint64(n) + HeaderSize + 7) &^ 7
}

// Sample is a reserved record. Exactly one of Submit or Discard must be
// called; until then the record and every record reserved after it are
// invisible to the consumer.
type Sample struct {
	r   *Ring
	pos uint64
	n   int
}

// Reserve claims space for an n-byte record.
func (r *Ring) Reserve(n int) (*Sample, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if n < 0 || n > lenMask || frameSize(n) > uint64(len(r.data)) {
		r.dropped.Add(1)
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}
	total := frameSize(n)
	for {
		// cons before prod: c <= p always holds, and a stale c only
		// understates the free space.
		c := r.cons.Load()
		if testHookReserve != nil {
			testHookReserve()
		}
		p := r.prod.Load()
		if p+total-c > uint64(len(r.data)) {
			r.dropped.Add(1)
			return nil, ErrNoSpace
		}
		if r.prod.CompareAndSwap(p, p+total) {
			r.hdrs[(p&r.mask)/HeaderSize].Store(uint32(n) | validBit | busyBit)
			return &Sample{r: r, pos: p, n: n}, nil
		}
	}
}

// Len returns the payload size of the reservation.
func (s *Sample) Len() int { return s.n }

// WriteAt copies p into the payload at off. Writes past the reservation are
// truncated.
func (s *Sample) WriteAt(p []byte, off int) int {
	if off < 0 || off >= s.n {
		return 0
	}
	if len(p) > s.n-off {
		p = p[:s.n-off]
	}
	s.r.copyIn(s.pos+HeaderSize+uint64(off), p)
	return len(p)
}

// Submit publishes the record to the consumer.
func (s *Sample) Submit() { s.commit(0) }

// Discard releases the reservation without delivering it.
func (s *Sample) Discard() { s.commit(discardBit) }

func (s *Sample) commit(flags uint32) {
	s.r.hdrs[(s.pos&s.r.mask)/HeaderSize].Store(uint32(s.n) | validBit | flags)
	select {
	case s.r.notify <- struct{}{}:
	default:
	}
}

// Output reserves, fills and submits a record holding data.
func (r *Ring) Output(data []byte) error {
	s, err := r.Reserve(len(data))
	if err != nil {
		return err
	}
	s.WriteAt(data, 0)
	s.Submit()
	return nil
}

func (r *Ring) copyIn(pos uint64, p []byte) {
	for len(p) > 0 {
		off := pos & r.mask
		n := copy(r.data[off:], p)
		p = p[n:]
		pos += uint64(n)
	}
}

func (r *Ring) copyOut(dst []byte, pos uint64) {
	for len(dst) > 0 {
		off := pos & r.mask
		n := copy(dst, r.data[off:])
		dst = dst[n:]
		pos += uint64(n)
	}
}

// consume moves the record at the consumer position into buf. It reports
// false when the head record is missing or not yet committed. Discarded
// records are skipped.
func (r *Ring) consume(buf []byte) ([]byte, bool) {
	for {
		c := r.cons.Load()
		slot := &r.hdrs[(c&r.mask)/HeaderSize]
		h := slot.Load()
		if h == 0 || h&busyBit != 0 {
			return buf, false
		}
		n := int(h & lenMask)
		discarded := h&discardBit != 0
		if !discarded {
			if buf == nil || cap(buf) < n {
				buf = make([]byte, n)
			}
			buf = buf[:n]
			r.copyOut(buf, c+HeaderSize)
		}
		slot.Store(0)
		r.cons.Store(c + frameSize(n))
		if !discarded {
			return buf, true
		}
	}
}
