package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrUnknownEventType is returned by Decode for a tag with no payload shape.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrShortRecord is returned when a record is smaller than its shape.
	ErrShortRecord = errors.New("record shorter than its event type")
)

// ByteOrder is the byte order of every record on the wire.
var ByteOrder = binary.LittleEndian

// HeaderSize is the encoded size of Header.
var HeaderSize = binary.Size(Header{})

// Event is implemented by every record type. The concrete type is always a
// pointer to one of the *Event structs in this package.
type Event interface {
	EventHeader() *Header
}

// New returns a zero record of the shape selected by t with its header
// type set.
func New(t EventType) (Event, error) {
	var evt Event
	switch t {
	case EventProcessFork:
		evt = &ProcessForkEvent{}
	case EventProcessExec:
		evt = &ProcessExecEvent{}
	case EventProcessExit:
		evt = &ProcessExitEvent{}
	case EventProcessSetsid:
		evt = &ProcessSetsidEvent{}
	case EventFileDelete:
		evt = &FileDeleteEvent{}
	case EventNetworkConnectionAccepted, EventNetworkConnectionAttempted, EventNetworkConnectionClosed:
		evt = &NetworkEvent{}
	default:
		return nil, fmt.Errorf("%w: %#x", ErrUnknownEventType, uint64(t))
	}
	evt.EventHeader().Type = t
	return evt, nil
}

// Size returns the encoded size of the record shape selected by t, or -1.
func Size(t EventType) int {
	evt, err := New(t)
	if err != nil {
		return -1
	}
	return binary.Size(evt)
}

// DecodeHeader reads only the header of a raw record.
func DecodeHeader(raw []byte) (Header, error) {
	var hdr Header
	if len(raw) < HeaderSize {
		return hdr, fmt.Errorf("%w: %d bytes", ErrShortRecord, len(raw))
	}
	hdr.Type = EventType(ByteOrder.Uint64(raw[0:8]))
	hdr.Ts = ByteOrder.Uint64(raw[8:16])
	return hdr, nil
}

// Decode parses a raw record into its typed variant.
func Decode(raw []byte) (Event, error) {
	hdr, err := DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	evt, err := New(hdr.Type)
	if err != nil {
		return nil, err
	}
	if size := binary.Size(evt); len(raw) < size {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortRecord, hdr.Type, size, len(raw))
	}
	if err := binary.Read(bytes.NewReader(raw), ByteOrder, evt); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", hdr.Type, err)
	}
	return evt, nil
}

// Encode serializes a record into its wire form.
func Encode(evt Event) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(binary.Size(evt))
	if err := binary.Write(&buf, ByteOrder, evt); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", evt.EventHeader().Type, err)
	}
	return buf.Bytes(), nil
}
