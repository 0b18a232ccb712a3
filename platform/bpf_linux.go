//go:build linux

package platform

import (
	"errors"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"github.com/jnesss/eventstrace/events"
	"github.com/jnesss/eventstrace/locator"
	"github.com/jnesss/eventstrace/probe"
	"github.com/jnesss/eventstrace/types"
)

// Attach loads the probe object, sets its load-time constants, attaches the
// programs needed for mask and returns a source reading the ring buffer.
func (b *Backend) Attach(mask types.EventType, features events.Feature) (events.Source, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock: %w", err)
	}

	mode := locator.ModeKprobe
	if features.Has(events.FeatureBPFTrampoline) {
		mode = locator.ModeTrampoline
	}
	table, err := b.argumentTable(mode, features)
	if err != nil {
		return nil, err
	}

	spec, err := ebpf.LoadCollectionSpec(b.opts.Object)
	if err != nil {
		return nil, fmt.Errorf("failed to load probe object %s: %w", b.opts.Object, err)
	}
	attachments := Attachments(mask, mode)
	if err := b.prepare(spec, table, attachments); err != nil {
		return nil, err
	}

	var opts ebpf.CollectionOptions
	if b.opts.VerifierLog {
		opts.Programs.LogLevel = ebpf.LogLevelInstruction | ebpf.LogLevelStats
	}
	coll, err := ebpf.NewCollectionWithOptions(spec, opts)
	if err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			b.log.Error("Verifier rejected probe object", zap.String("log", fmt.Sprintf("%+v", verr)))
		}
		return nil, fmt.Errorf("failed to load BPF objects: %w", err)
	}

	var cleanupFuncs []func()
	cleanupFuncs = append(cleanupFuncs, func() { coll.Close() })
	cleanup := func() {
		// Execute cleanup functions in reverse order
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
	}

	for _, a := range attachments {
		l, err := attach(coll.Programs[a.Program], a)
		if err != nil {
			if a.Optional {
				b.log.Warn("Could not attach program, continuing without it",
					zap.String("program", a.Program), zap.String("target", a.Target), zap.Error(err))
				continue
			}
			cleanup()
			return nil, fmt.Errorf("failed to attach %s %s: %w", a.Kind, a.Target, err)
		}
		cleanupFuncs = append(cleanupFuncs, func() { l.Close() })
		b.log.Debug("Attached program", zap.String("program", a.Program), zap.String("kind", a.Kind.String()))
	}

	reader, err := ringbuf.NewReader(coll.Maps[RingMapName])
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create ringbuf reader: %w", err)
	}
	cleanupFuncs = append(cleanupFuncs, func() { reader.Close() })

	b.log.Info("Probes attached",
		zap.String("events", mask.String()),
		zap.Bool("trampoline", mode == locator.ModeTrampoline),
		zap.Int("programs", len(cleanupFuncs)-2))
	return &ringbufReaderWrapper{reader: reader, cleanup: cleanup}, nil
}

func (b *Backend) argumentTable(mode locator.Mode, features events.Feature) (locator.Table, error) {
	table := probe.DefaultTable(mode)
	if features.Has(events.FeatureBTFArgs) {
		kernel, err := btf.LoadKernelSpec()
		if err != nil {
			return nil, fmt.Errorf("failed to load kernel BTF: %w", err)
		}
		table, err = locator.FromBTF(kernel, mode, probe.Wants())
		if err != nil {
			return nil, fmt.Errorf("deriving argument table: %w", err)
		}
	}
	table = table.Merge(b.opts.Functions)
	if _, err := locator.Compile(table); err != nil {
		return nil, err
	}
	return table, nil
}

// prepare rewrites spec before loading: it sets the constants, sizes the
// ring and drops every program that will not be attached, so fentry
// programs for missing functions never reach the verifier.
func (b *Backend) prepare(spec *ebpf.CollectionSpec, table locator.Table, attachments []Attachment) error {
	if err := setVariable(spec, ConsumerPidVarName, int32(b.opts.ConsumerPid)); err != nil {
		return err
	}
	for name, value := range table.Constants() {
		if _, ok := spec.Variables[name]; !ok {
			b.log.Debug("Probe object does not declare constant", zap.String("name", name))
			continue
		}
		if err := setVariable(spec, name, value); err != nil {
			return err
		}
	}

	m, ok := spec.Maps[RingMapName]
	if !ok {
		return fmt.Errorf("probe object has no %s map", RingMapName)
	}
	if b.opts.RingSize > 0 {
		m.MaxEntries = uint32(b.opts.RingSize)
	}

	wanted := make(map[string]bool, len(attachments))
	for _, a := range attachments {
		if _, ok := spec.Programs[a.Program]; !ok {
			return fmt.Errorf("probe object has no program %s", a.Program)
		}
		wanted[a.Program] = true
	}
	for name := range spec.Programs {
		if !wanted[name] {
			delete(spec.Programs, name)
		}
	}
	return nil
}

func setVariable(spec *ebpf.CollectionSpec, name string, value any) error {
	v, ok := spec.Variables[name]
	if !ok {
		return fmt.Errorf("probe object has no variable %s", name)
	}
	if err := v.Set(value); err != nil {
		return fmt.Errorf("setting %s: %w", name, err)
	}
	return nil
}

func attach(prog *ebpf.Program, a Attachment) (link.Link, error) {
	if prog == nil {
		return nil, fmt.Errorf("program %s not loaded", a.Program)
	}
	switch a.Kind {
	case AttachTracepoint:
		return link.Tracepoint(a.Group, a.Target, prog, nil)
	case AttachFentry, AttachFexit:
		return link.AttachTracing(link.TracingOptions{Program: prog})
	case AttachKprobe:
		return link.Kprobe(a.Target, prog, nil)
	case AttachKretprobe:
		return link.Kretprobe(a.Target, prog, nil)
	default:
		return nil, fmt.Errorf("unknown attachment kind %d", a.Kind)
	}
}

// ringbufReaderWrapper adapts the eBPF ringbuf.Reader to events.Source.
type ringbufReaderWrapper struct {
	reader  *ringbuf.Reader
	cleanup func()
}

func (w *ringbufReaderWrapper) SetDeadline(t time.Time) { w.reader.SetDeadline(t) }

// Read converts ringbuf records to events.Sample. ringbuf.ErrClosed is
// reported as events.ErrClosed.
func (w *ringbufReaderWrapper) Read() (events.Sample, error) {
	record, err := w.reader.Read()
	if err != nil {
		if errors.Is(err, ringbuf.ErrClosed) {
			return events.Sample{}, events.ErrClosed
		}
		return events.Sample{}, err
	}
	return events.Sample{RawSample: record.RawSample}, nil
}

// Close detaches every program and frees the collection.
func (w *ringbufReaderWrapper) Close() error {
	w.cleanup()
	return nil
}
