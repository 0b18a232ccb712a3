package simkernel

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/eventstrace/events"
	"github.com/jnesss/eventstrace/locator"
	"github.com/jnesss/eventstrace/probe"
	"github.com/jnesss/eventstrace/ring"
	"github.com/jnesss/eventstrace/types"
)

// ErrNoBTF is returned by Attach when BTF-derived arguments are requested
// without a type source.
var ErrNoBTF = errors.New("simkernel: no BTF type source")

// DefaultRingSize matches the ring buffer map of the probe object.
const DefaultRingSize = 4096 * 64

// Backend runs the populators in process against a Kernel. It implements
// events.Attacher.
type Backend struct {
	Kernel *Kernel
	// Config is the populator configuration. Its event mask is replaced by
	// the mask passed to Attach.
	Config   probe.Config
	RingSize int
	// Functions overrides slot locations of the default table.
	Functions locator.Table
	// BTF backs events.FeatureBTFArgs.
	BTF locator.TypeSource

	log    *zap.Logger
	start  time.Time
	table  locator.Table
	probes *probe.Probes
	ring   *ring.Ring
}

// NewBackend returns an unattached backend for k.
func NewBackend(k *Kernel, cfg probe.Config, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{Kernel: k, Config: cfg, RingSize: DefaultRingSize, log: log, start: time.Now()}
}

// Attach compiles the argument table for the requested attachment style,
// allocates the ring and binds the populators to it.
func (b *Backend) Attach(mask types.EventType, features events.Feature) (events.Source, error) {
	mode := locator.ModeKprobe
	if features.Has(events.FeatureBPFTrampoline) {
		mode = locator.ModeTrampoline
	}

	table := probe.DefaultTable(mode)
	if features.Has(events.FeatureBTFArgs) {
		if b.BTF == nil {
			return nil, ErrNoBTF
		}
		derived, err := locator.FromBTF(b.BTF, mode, probe.Wants())
		if err != nil {
			return nil, fmt.Errorf("deriving argument table: %w", err)
		}
		table = derived
	}
	table = table.Merge(b.Functions)

	loc, err := locator.Compile(table)
	if err != nil {
		return nil, err
	}
	r, err := ring.New(b.RingSize)
	if err != nil {
		return nil, err
	}

	cfg := b.Config
	cfg.Events = mask
	b.table = table
	b.ring = r
	b.probes = probe.New(cfg, b.Kernel.Space, b.Kernel.Layout, loc, r, b.now)

	b.log.Debug("simulated probes attached",
		zap.Stringer("events", mask),
		zap.Int("ring_size", r.Size()),
		zap.Bool("trampoline", mode == locator.ModeTrampoline))

	return &ringReaderWrapper{reader: ring.NewReader(r), ring: r}, nil
}

// Probes returns the populators bound by Attach, or nil before it.
func (b *Backend) Probes() *probe.Probes { return b.probes }

// Ring returns the ring allocated by Attach, or nil before it.
func (b *Backend) Ring() *ring.Ring { return b.ring }

func (b *Backend) now() uint64 { return uint64(time.Since(b.start).Nanoseconds()) }

// CallContext builds the probe context an invocation of fn with the named
// argument values and return value would see under the attached table.
func (b *Backend) CallContext(fn string, args map[string]uint64, ret uint64) *locator.Context {
	ctx := &locator.Context{}
	for _, s := range b.table[fn] {
		if !s.Exists {
			continue
		}
		v := ret
		if s.Kind == locator.SlotArg {
			v = args[s.Name]
		}
		switch s.Rule.Source {
		case locator.SourceRegister:
			ctx.Regs[s.Rule.Register] = v
		case locator.SourceReturnRegister:
			ctx.RC = v
		case locator.SourceContext:
			ctx.SetWord(int(s.Rule.Offset/8), v)
		}
	}
	return ctx
}

// ringReaderWrapper adapts ring.Reader to events.Source.
type ringReaderWrapper struct {
	reader *ring.Reader
	ring   *ring.Ring
}

func (w *ringReaderWrapper) SetDeadline(t time.Time) { w.reader.SetDeadline(t) }

func (w *ringReaderWrapper) Read() (events.Sample, error) {
	rec, err := w.reader.Read()
	if err != nil {
		return events.Sample{}, err
	}
	return events.Sample{RawSample: rec.RawSample}, nil
}

func (w *ringReaderWrapper) Close() error {
	w.reader.Close()
	return w.ring.Close()
}
