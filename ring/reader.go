package ring

import (
	"os"
	"sync"
	"time"
)

// Record is one record drained from the ring.
type Record struct {
	RawSample []byte
	// Remaining is the number of bytes still pending in the ring.
	Remaining int
}

// Reader is the single consumer of a Ring. It mirrors the deadline
// semantics of a kernel ring buffer reader: Read blocks until a record is
// committed, the deadline passes (os.ErrDeadlineExceeded) or the reader or
// ring is closed (ErrClosed).
type Reader struct {
	ring *Ring

	mu       sync.Mutex
	deadline time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// NewReader attaches the consumer side of r.
func NewReader(r *Ring) *Reader {
	return &Reader{ring: r, closed: make(chan struct{})}
}

// SetDeadline bounds subsequent Read calls. The zero time blocks forever.
func (rd *Reader) SetDeadline(t time.Time) {
	rd.mu.Lock()
	rd.deadline = t
	rd.mu.Unlock()
}

// Read returns the next committed record.
func (rd *Reader) Read() (Record, error) {
	var rec Record
	err := rd.ReadInto(&rec)
	return rec, err
}

// ReadInto is Read reusing rec's sample buffer.
func (rd *Reader) ReadInto(rec *Record) error {
	rd.mu.Lock()
	deadline := rd.deadline
	rd.mu.Unlock()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-rd.closed:
			return ErrClosed
		default:
		}

		buf, ok := rd.ring.consume(rec.RawSample[:0])
		if ok {
			rec.RawSample = buf
			rec.Remaining = rd.ring.Pending()
			return nil
		}
		if rd.ring.closed.Load() {
			return ErrClosed
		}

		var expired <-chan time.Time
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return os.ErrDeadlineExceeded
			}
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			expired = timer.C
		}

		select {
		case <-rd.ring.notify:
		case <-expired:
		case <-rd.closed:
		case <-rd.ring.done:
		}
	}
}

// Close interrupts a blocked Read. The ring itself stays intact.
func (rd *Reader) Close() error {
	rd.closeOnce.Do(func() { close(rd.closed) })
	return nil
}
