package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame is a decoded inbound gateway frame.
type Frame struct {
	Op OpCode
	// Sequence is nil when the frame carries no sequence number.
	Sequence *int64
	// Event is the raw event name; only set for dispatch frames.
	Event string
	Kind  DispatchKind
	Data  json.RawMessage
}

// wireFrame mirrors the JSON layout of both inbound and outbound frames.
type wireFrame struct {
	Op OpCode          `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s,omitempty"`
	T  *string         `json:"t,omitempty"`
}

// DecodeFrame parses a single inbound text frame.
func DecodeFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}

	f := Frame{
		Op:       w.Op,
		Sequence: w.S,
		Data:     w.D,
	}
	if w.Op == OpDispatch && w.T != nil {
		f.Event = *w.T
		f.Kind = ParseDispatchKind(*w.T)
	}
	return f, nil
}

// Encode serializes the frame back to its wire form. It is mostly useful to
// peers that produce inbound frames, such as test gateways.
func (f Frame) Encode() ([]byte, error) {
	w := wireFrame{Op: f.Op, D: f.Data, S: f.Sequence}
	if f.Event != "" {
		event := f.Event
		w.T = &event
	}
	if w.D == nil {
		w.D = json.RawMessage("null")
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("frame %s has no payload", f.Op)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", f.Op, err)
	}
	return nil
}

// Envelope is an outbound frame before serialization.
type Envelope struct {
	Op      OpCode
	Payload any
}

// Encode serializes the envelope to a single text frame: {"op":..,"d":..}.
func (e Envelope) Encode() ([]byte, error) {
	d, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", e.Op, err)
	}
	data, err := json.Marshal(wireFrame{Op: e.Op, D: d})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses an outbound frame as a gateway would receive it.
func DecodeEnvelope(data []byte) (OpCode, json.RawMessage, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return 0, nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return w.Op, w.D, nil
}
