package events

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/eventstrace/types"
)

// scriptedSource returns queued samples, then deadline errors, then err
// once exhausted if failAfter is set.
type scriptedSource struct {
	samples   [][]byte
	failAfter error
	closed    bool
	empty     int
}

func (s *scriptedSource) SetDeadline(time.Time) {}

func (s *scriptedSource) Read() (Sample, error) {
	if len(s.samples) > 0 {
		raw := s.samples[0]
		s.samples = s.samples[1:]
		return Sample{RawSample: raw}, nil
	}
	s.empty++
	if s.failAfter != nil && s.empty > 1 {
		return Sample{}, s.failAfter
	}
	return Sample{}, os.ErrDeadlineExceeded
}

func (s *scriptedSource) Close() error {
	s.closed = true
	return nil
}

type attacher struct {
	src      *scriptedSource
	err      error
	mask     types.EventType
	features Feature
}

func (a *attacher) Attach(mask types.EventType, features Feature) (Source, error) {
	a.mask, a.features = mask, features
	if a.err != nil {
		return nil, a.err
	}
	return a.src, nil
}

func encode(t *testing.T, evt types.Event) []byte {
	t.Helper()
	raw, err := types.Encode(evt)
	require.NoError(t, err)
	return raw
}

func TestNewPassesMaskAndFeatures(t *testing.T) {
	a := &attacher{src: &scriptedSource{}}
	_, err := New(a, func(Record) error { return nil }, FeatureBPFTrampoline, types.NetworkEvents, nil)
	require.NoError(t, err)
	assert.Equal(t, types.NetworkEvents, a.mask)
	assert.True(t, a.features.Has(FeatureBPFTrampoline))
	assert.False(t, a.features.Has(FeatureBTFArgs))
}

func TestNewFailures(t *testing.T) {
	attachErr := errors.New("permission denied")
	_, err := New(&attacher{err: attachErr}, func(Record) error { return nil }, 0, types.AllEvents, nil)
	assert.ErrorIs(t, err, attachErr)

	_, err = New(&attacher{src: &scriptedSource{}}, nil, 0, types.AllEvents, nil)
	assert.Error(t, err)
}

func TestNextDispatchesQueuedRecords(t *testing.T) {
	exit := &types.ProcessExitEvent{Header: types.Header{Type: types.EventProcessExit, Ts: 7}, ExitCode: 1}
	setsid := &types.ProcessSetsidEvent{Header: types.Header{Type: types.EventProcessSetsid, Ts: 8}}
	src := &scriptedSource{samples: [][]byte{encode(t, exit), encode(t, setsid)}}

	var got []Record
	c, err := New(&attacher{src: src}, func(r Record) error {
		got = append(got, r)
		return nil
	}, 0, types.AllEvents, nil)
	require.NoError(t, err)

	n, err := c.Next(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, got, 2)
	assert.Equal(t, types.Header{Type: types.EventProcessExit, Ts: 7}, got[0].Header)
	assert.Equal(t, encode(t, exit), got[0].Raw, "payload is byte for byte what was submitted")
	assert.Equal(t, types.EventProcessSetsid, got[1].Type)

	n, err = c.Next(time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n, "an elapsed timeout is not an error")
}

func TestUnknownTypeReachesHandlerUndecoded(t *testing.T) {
	raw := make([]byte, types.HeaderSize+4)
	types.ByteOrder.PutUint64(raw, 1<<40)
	src := &scriptedSource{samples: [][]byte{raw}}

	var got []Record
	c, err := New(&attacher{src: src}, func(r Record) error {
		got = append(got, r)
		return nil
	}, 0, types.AllEvents, nil)
	require.NoError(t, err)

	n, err := c.Next(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, types.EventType(1<<40), got[0].Type)
	_, err = got[0].Decode()
	assert.ErrorIs(t, err, types.ErrUnknownEventType)
}

func TestShortFramesAreSkipped(t *testing.T) {
	exit := &types.ProcessExitEvent{Header: types.Header{Type: types.EventProcessExit}}
	src := &scriptedSource{samples: [][]byte{{1, 2, 3}, encode(t, exit)}}
	calls := 0
	c, err := New(&attacher{src: src}, func(Record) error { calls++; return nil }, 0, types.AllEvents, nil)
	require.NoError(t, err)

	n, err := c.Next(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)
	assert.Equal(t, Stats{Dispatched: 1, Malformed: 1}, c.Stats())
}

func TestHandlerErrorsDoNotStopTheLoop(t *testing.T) {
	exit := encode(t, &types.ProcessExitEvent{Header: types.Header{Type: types.EventProcessExit}})
	src := &scriptedSource{samples: [][]byte{exit, exit, exit}}
	c, err := New(&attacher{src: src}, func(Record) error { return errors.New("sink full") }, 0, types.AllEvents, nil)
	require.NoError(t, err)

	n, err := c.Next(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.EqualValues(t, 3, c.Stats().HandlerErrors)
}

func TestReadFailureIsReturned(t *testing.T) {
	broken := errors.New("ring buffer closed")
	src := &scriptedSource{failAfter: broken}
	c, err := New(&attacher{src: src}, func(Record) error { return nil }, 0, types.AllEvents, nil)
	require.NoError(t, err)

	_, err = c.Next(time.Millisecond)
	require.NoError(t, err)
	_, err = c.Next(time.Millisecond)
	assert.ErrorIs(t, err, broken)

	assert.ErrorIs(t, c.Run(context.Background(), time.Millisecond), broken)
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &scriptedSource{}
	c, err := New(&attacher{src: src}, func(Record) error { return nil }, 0, types.AllEvents, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, time.Millisecond) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not observe cancellation")
	}
	assert.False(t, src.closed, "the source is released only by Close")
}

// endlessSource always has another record ready.
type endlessSource struct {
	raw   []byte
	reads atomic.Uint64
}

func (s *endlessSource) SetDeadline(time.Time) {}

func (s *endlessSource) Read() (Sample, error) {
	s.reads.Add(1)
	return Sample{RawSample: s.raw}, nil
}

func (s *endlessSource) Close() error { return nil }

type sourceAttacher struct{ src Source }

func (a sourceAttacher) Attach(types.EventType, Feature) (Source, error) { return a.src, nil }

func endlessSetsid(t *testing.T) *endlessSource {
	evt := &types.ProcessSetsidEvent{Pids: types.PidInfo{Tgid: 7, Sid: 7}}
	evt.Type = types.EventProcessSetsid
	return &endlessSource{raw: encode(t, evt)}
}

func TestNextBoundsBatchUnderSustainedLoad(t *testing.T) {
	src := endlessSetsid(t)
	c, err := New(sourceAttacher{src}, func(Record) error { return nil }, 0, types.AllEvents, nil)
	require.NoError(t, err)

	n, err := c.Next(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, MaxBatch, n)
	assert.EqualValues(t, MaxBatch, src.reads.Load())
}

func TestRunStopsOnCancelWhileRecordsKeepArriving(t *testing.T) {
	src := endlessSetsid(t)
	c, err := New(sourceAttacher{src}, func(Record) error { return nil }, 0, types.AllEvents, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, 10*time.Millisecond) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not observe cancellation, dispatched=%d", c.Stats().Dispatched)
	}
	assert.NotZero(t, c.Stats().Dispatched)
}

func TestCloseReleasesSource(t *testing.T) {
	src := &scriptedSource{}
	c, err := New(&attacher{src: src}, func(Record) error { return nil }, 0, types.AllEvents, nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.True(t, src.closed)
	require.NoError(t, c.Close())

	_, err = c.Next(time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatcherRoutesEachTagOnce(t *testing.T) {
	var routed []string
	d := &Dispatcher{
		OnFork:       func(*types.ProcessForkEvent) error { routed = append(routed, "fork"); return nil },
		OnExec:       func(*types.ProcessExecEvent) error { routed = append(routed, "exec"); return nil },
		OnExit:       func(*types.ProcessExitEvent) error { routed = append(routed, "exit"); return nil },
		OnSetsid:     func(*types.ProcessSetsidEvent) error { routed = append(routed, "setsid"); return nil },
		OnFileDelete: func(*types.FileDeleteEvent) error { routed = append(routed, "delete"); return nil },
		OnNetwork:    func(e *types.NetworkEvent) error { routed = append(routed, "net:"+e.Type.String()); return nil },
		OnUnknown:    func(Record) error { routed = append(routed, "unknown"); return nil },
	}

	records := []types.Event{
		&types.ProcessForkEvent{Header: types.Header{Type: types.EventProcessFork}},
		&types.ProcessExecEvent{Header: types.Header{Type: types.EventProcessExec}},
		&types.ProcessExitEvent{Header: types.Header{Type: types.EventProcessExit}},
		&types.ProcessSetsidEvent{Header: types.Header{Type: types.EventProcessSetsid}},
		&types.FileDeleteEvent{Header: types.Header{Type: types.EventFileDelete}},
		&types.NetworkEvent{Header: types.Header{Type: types.EventNetworkConnectionClosed}},
	}
	for _, evt := range records {
		raw := encode(t, evt)
		hdr, err := types.DecodeHeader(raw)
		require.NoError(t, err)
		require.NoError(t, d.Handle(Record{Header: hdr, Raw: raw}))
	}
	unknown := make([]byte, types.HeaderSize)
	types.ByteOrder.PutUint64(unknown, 1<<20)
	require.NoError(t, d.Handle(Record{Header: types.Header{Type: 1 << 20}, Raw: unknown}))

	assert.Equal(t, []string{"fork", "exec", "exit", "setsid", "delete", "net:NETWORK_CONNECTION_CLOSED", "unknown"}, routed)
}

func TestDispatcherShortPayload(t *testing.T) {
	raw := make([]byte, types.HeaderSize)
	types.ByteOrder.PutUint64(raw, uint64(types.EventProcessExec))
	err := (&Dispatcher{}).Handle(Record{Header: types.Header{Type: types.EventProcessExec}, Raw: raw})
	assert.ErrorIs(t, err, types.ErrShortRecord)
}
