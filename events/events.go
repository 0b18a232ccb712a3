// Package events drains framed records from a capture source and hands each
// one to a caller-supplied handler. The loop reads only the header of a
// record; payload interpretation belongs to the handler.
package events

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/eventstrace/types"
)

var (
	ErrClosed     = errors.New("events: context closed")
	ErrShortFrame = errors.New("events: frame shorter than header")
)

// Feature selects optional capture mechanisms.
type Feature uint64

const (
	// FeatureBPFTrampoline attaches fentry/fexit programs instead of
	// kprobes and kretprobes.
	FeatureBPFTrampoline Feature = 1 << iota
	// FeatureBTFArgs derives argument locations from kernel BTF.
	FeatureBTFArgs
)

func (f Feature) Has(other Feature) bool { return f&other == other }

// Sample is one raw record read from a Source.
type Sample struct {
	RawSample []byte
}

// Source is the consumer side of the ring channel. Read blocks until a
// record is available or the deadline set by SetDeadline passes, in which
// case it returns os.ErrDeadlineExceeded.
type Source interface {
	SetDeadline(t time.Time)
	Read() (Sample, error)
	Close() error
}

// Attacher installs the populators for events and returns the source their
// records arrive on.
type Attacher interface {
	Attach(events types.EventType, features Feature) (Source, error)
}

// Record is a record whose header has been validated. Raw is the complete
// record including the header and is only valid during the handler call.
type Record struct {
	types.Header
	Raw []byte
}

// Decode parses the payload according to the header type.
func (r Record) Decode() (types.Event, error) {
	return types.Decode(r.Raw)
}

// Handler receives every record in arrival order. It runs on the polling
// goroutine and must not block.
type Handler func(Record) error

// Stats counts loop outcomes.
type Stats struct {
	Dispatched    uint64
	Malformed     uint64
	HandlerErrors uint64
}

// Context is one capture session: the attached populators, their source
// and the handler.
type Context struct {
	src     Source
	handler Handler
	log     *zap.Logger

	closed atomic.Bool

	dispatched    atomic.Uint64
	malformed     atomic.Uint64
	handlerErrors atomic.Uint64
}

// New attaches the populators selected by mask and returns a context ready
// for polling.
func New(a Attacher, handler Handler, features Feature, mask types.EventType, log *zap.Logger) (*Context, error) {
	if handler == nil {
		return nil, errors.New("events: nil handler")
	}
	if log == nil {
		log = zap.NewNop()
	}
	src, err := a.Attach(mask, features)
	if err != nil {
		return nil, fmt.Errorf("events: attach: %w", err)
	}
	log.Debug("capture context created",
		zap.Stringer("events", mask),
		zap.Bool("bpf_trampoline", features.Has(FeatureBPFTrampoline)),
		zap.Bool("btf_args", features.Has(FeatureBTFArgs)))
	return &Context{src: src, handler: handler, log: log}, nil
}

// MaxBatch bounds the records one Next call dispatches, so Run observes
// cancellation between polls even while producers keep up with it.
const MaxBatch = 1024

// Next waits up to timeout for a record, then dispatches it and the records
// already queued behind it, at most MaxBatch in total. It returns the number
// of records dispatched. An error means the source is unusable.
func (c *Context) Next(timeout time.Duration) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}

	n, read := 0, 0
	c.src.SetDeadline(time.Now().Add(timeout))
	for {
		sample, err := c.src.Read()
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("events: read: %w", err)
		}
		if c.dispatch(sample.RawSample) {
			n++
		}
		if read++; read >= MaxBatch {
			return n, nil
		}
		// Drain what is already queued without waiting again.
		c.src.SetDeadline(time.Now())
	}
}

func (c *Context) dispatch(raw []byte) bool {
	hdr, err := types.DecodeHeader(raw)
	if err != nil {
		c.malformed.Add(1)
		c.log.Debug("dropping malformed frame", zap.Int("len", len(raw)), zap.Error(ErrShortFrame))
		return false
	}
	c.dispatched.Add(1)
	if err := c.handler(Record{Header: hdr, Raw: raw}); err != nil {
		c.handlerErrors.Add(1)
		c.log.Warn("handler failed", zap.Stringer("event_type", hdr.Type), zap.Error(err))
	}
	return true
}

// Run polls until ctx is done or the source fails. Cancellation is
// observed between polls.
func (c *Context) Run(ctx context.Context, timeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if _, err := c.Next(timeout); err != nil {
			return err
		}
	}
}

// Close detaches the populators and releases the source.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	st := c.Stats()
	c.log.Debug("capture context closed",
		zap.Uint64("dispatched", st.Dispatched),
		zap.Uint64("malformed", st.Malformed),
		zap.Uint64("handler_errors", st.HandlerErrors))
	return c.src.Close()
}

// Stats returns a snapshot of the loop counters.
func (c *Context) Stats() Stats {
	return Stats{
		Dispatched:    c.dispatched.Load(),
		Malformed:     c.malformed.Load(),
		HandlerErrors: c.handlerErrors.Load(),
	}
}
