package decode

import (
	"errors"
	"fmt"

	"github.com/breeze-rmm/trafficmap/internal/model"
)

// Frame type discriminators used on the wire.
const (
	TypeConnection     = "connection"
	TypePacket         = "packet"
	TypeConnectionTest = "connection_test"
)

// ErrUnknownType is wrapped by a DecodeError when the type discriminator is not recognised.
var ErrUnknownType = errors.New("unknown frame type")

// Event is one decoded inbound frame.
type Event interface {
	event()
}

// PlottableConnection carries a record with a location on both endpoints.
type PlottableConnection struct {
	Record model.ConnectionRecord
}

// RawPacket carries a record that cannot be drawn; it still enters history.
type RawPacket struct {
	Record model.ConnectionRecord
}

// ControlMessage is consumed by the decoder's caller and never stored.
type ControlMessage struct {
	Type string
}

// FullState is a bare array frame that replaces the whole history.
type FullState struct {
	Records []model.ConnectionRecord
	// Skipped counts array elements that could not be decoded.
	Skipped int
}

func (PlottableConnection) event() {}
func (RawPacket) event()           {}
func (ControlMessage) event()      {}
func (FullState) event()           {}

// DecodeError describes a frame that could not be turned into an Event.
type DecodeError struct {
	Reason string
	Frame  string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

const maxQuotedFrame = 256

func newDecodeError(raw []byte, reason string, err error) *DecodeError {
	frame := string(raw)
	if len(frame) > maxQuotedFrame {
		frame = frame[:maxQuotedFrame] + "..."
	}
	return &DecodeError{Reason: reason, Frame: frame, Err: err}
}
