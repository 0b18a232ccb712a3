package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "PROCESS_EXEC", EventProcessExec.String())
	assert.Equal(t, "FILE_DELETE|PROCESS_EXIT", (EventFileDelete | EventProcessExit).String())
	assert.Equal(t, "NONE", EventType(0).String())
	assert.Contains(t, EventType(1<<40).String(), "UNKNOWN")
}

func TestParseEventMask(t *testing.T) {
	mask, err := ParseEventMask([]string{"process_exec", "NETWORK"})
	require.NoError(t, err)
	assert.True(t, mask.Has(EventProcessExec))
	assert.True(t, mask.Has(EventNetworkConnectionClosed))
	assert.False(t, mask.Has(EventFileDelete))

	mask, err = ParseEventMask(nil)
	require.NoError(t, err)
	assert.Equal(t, AllEvents, mask)

	_, err = ParseEventMask([]string{"process_teleport"})
	assert.Error(t, err)
}

func TestDecodeHeaderOnlyUnknownType(t *testing.T) {
	raw := make([]byte, HeaderSize)
	ByteOrder.PutUint64(raw[0:], 1<<50)
	ByteOrder.PutUint64(raw[8:], 77)

	hdr, err := DecodeHeader(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 77, hdr.Ts)

	_, err = Decode(raw)
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestDecodeShortRecord(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortRecord)

	raw := make([]byte, HeaderSize+4)
	ByteOrder.PutUint64(raw[0:], uint64(EventProcessExec))
	_, err = Decode(raw)
	assert.ErrorIs(t, err, ErrShortRecord)
}

func TestEncodeDecodeExec(t *testing.T) {
	evt := &ProcessExecEvent{
		Header: Header{Type: EventProcessExec, Ts: 12345},
		Pids:   PidInfo{Tid: 100, Tgid: 100, Ppid: 1, StartTimeNs: 99},
		Creds:  CredInfo{Ruid: 1000, Euid: 0},
		Ctty:   TtyDev{Major: 136, Minor: 3},
	}
	copy(evt.Filename[:], "/bin/true")
	copy(evt.Argv[:], "true\x00--flag\x00")

	raw, err := Encode(evt)
	require.NoError(t, err)
	assert.Len(t, raw, Size(EventProcessExec))

	got, err := Decode(raw)
	require.NoError(t, err)
	require.IsType(t, &ProcessExecEvent{}, got)
	assert.Equal(t, evt, got)
}

func TestNetworkTagsShareShape(t *testing.T) {
	a := Size(EventNetworkConnectionAccepted)
	assert.Equal(t, a, Size(EventNetworkConnectionAttempted))
	assert.Equal(t, a, Size(EventNetworkConnectionClosed))
	assert.Equal(t, -1, Size(0))
}

func TestNetInfoAddresses(t *testing.T) {
	n := NetInfo{Family: FamilyInet}
	copy(n.Saddr[:], []byte{127, 0, 0, 1})
	copy(n.Daddr[:], []byte{10, 1, 2, 3})
	assert.Equal(t, "127.0.0.1", n.SourceIP().String())
	assert.Equal(t, "10.1.2.3", n.DestinationIP().String())

	n6 := NetInfo{Family: FamilyInet6}
	n6.Daddr[15] = 1
	assert.Equal(t, "::1", n6.DestinationIP().String())
}

func TestFilePathSegments(t *testing.T) {
	var p FilePath
	copy(p.Components[0][:], "etc")
	copy(p.Components[1][:], "passwd")
	p.Len = 2
	assert.Equal(t, []string{"etc", "passwd"}, p.Segments())
}
