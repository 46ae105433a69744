package protocol_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/dank/pkg/protocol"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		wantOp    protocol.OpCode
		wantSeq   *int64
		wantEvent string
		wantKind  protocol.DispatchKind
	}{
		{
			name:   "hello without sequence",
			data:   `{"op":10,"d":{"heartbeat_interval":41250},"s":null,"t":null}`,
			wantOp: protocol.OpHello,
		},
		{
			name:      "message create dispatch",
			data:      `{"op":0,"d":{"channel_id":"C1"},"s":42,"t":"MESSAGE_CREATE"}`,
			wantOp:    protocol.OpDispatch,
			wantSeq:   int64Ptr(42),
			wantEvent: "MESSAGE_CREATE",
			wantKind:  protocol.DispatchCreateMessage,
		},
		{
			name:      "other dispatch maps to unknown",
			data:      `{"op":0,"d":{},"s":3,"t":"GUILD_CREATE"}`,
			wantOp:    protocol.OpDispatch,
			wantSeq:   int64Ptr(3),
			wantEvent: "GUILD_CREATE",
			wantKind:  protocol.DispatchUnknown,
		},
		{
			name:   "event name ignored outside dispatch",
			data:   `{"op":11,"d":null,"t":"MESSAGE_CREATE"}`,
			wantOp: protocol.OpHeartbeatAck,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := protocol.DecodeFrame([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.wantOp, f.Op)
			assert.Equal(t, tt.wantSeq, f.Sequence)
			assert.Equal(t, tt.wantEvent, f.Event)
			assert.Equal(t, tt.wantKind, f.Kind)
		})
	}
}

func TestDecodeFrame_Invalid(t *testing.T) {
	_, err := protocol.DecodeFrame([]byte(`{"op":`))
	require.Error(t, err)
}

func TestFrame_DecodeHello(t *testing.T) {
	f, err := protocol.DecodeFrame([]byte(`{"op":10,"d":{"heartbeat_interval":41250}}`))
	require.NoError(t, err)

	var hello protocol.Hello
	require.NoError(t, f.Decode(&hello))
	assert.Equal(t, 41250*time.Millisecond, hello.Interval())
}

func TestEnvelope_Encode(t *testing.T) {
	env := protocol.Envelope{
		Op: protocol.OpResume,
		Payload: protocol.Resume{
			Token:     "secret",
			SessionID: "abc",
			Seq:       17,
		},
	}

	data, err := env.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":6,"d":{"token":"secret","session_id":"abc","seq":17}}`, string(data))
}

func TestEnvelope_EncodeIdentify(t *testing.T) {
	env := protocol.Envelope{
		Op: protocol.OpIdentify,
		Payload: protocol.Identify{
			Token:      "secret",
			Properties: protocol.IdentifyProperties{OS: "linux", Browser: "dank", Device: "dank"},
			Presence: protocol.Presence{
				Game:   &protocol.Game{Name: "The Elder Scrolls Online"},
				Status: "online",
			},
		},
	}

	data, err := env.Encode()
	require.NoError(t, err)

	op, d, err := protocol.DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpIdentify, op)

	var got map[string]any
	require.NoError(t, json.Unmarshal(d, &got))
	assert.Equal(t, "secret", got["token"])
	assert.Equal(t, map[string]any{"$os": "linux", "$browser": "dank", "$device": "dank"}, got["properties"])

	presence := got["presence"].(map[string]any)
	assert.Nil(t, presence["since"])
	assert.Equal(t, "online", presence["status"])
	assert.Equal(t, false, presence["afk"])
}

func TestEnvelope_EncodeNullHeartbeat(t *testing.T) {
	var seq *int64
	data, err := protocol.Envelope{Op: protocol.OpHeartbeat, Payload: seq}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":1,"d":null}`, string(data))
}

func TestFrame_EncodeRoundTripsThroughDecode(t *testing.T) {
	f := protocol.Frame{
		Op:       protocol.OpDispatch,
		Sequence: int64Ptr(9),
		Event:    protocol.EventMessageCreate,
		Data:     json.RawMessage(`{"channel_id":"C1","content":"hi","author":{"id":"U1"}}`),
	}
	data, err := f.Encode()
	require.NoError(t, err)

	got, err := protocol.DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.DispatchCreateMessage, got.Kind)

	var msg protocol.MessageCreate
	require.NoError(t, got.Decode(&msg))
	assert.Equal(t, protocol.ChatMessage{ChannelID: "C1", Content: "hi", AuthorID: "U1"}, msg.ChatMessage())
}

func TestOpCode_String(t *testing.T) {
	assert.Equal(t, "INVALID_SESSION", protocol.OpInvalidSession.String())
	assert.Equal(t, "OP(42)", protocol.OpCode(42).String())
}

func TestGatewayURL(t *testing.T) {
	got, err := protocol.GatewayURL("wss://gateway.example.gg", 6)
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.example.gg?encoding=json&v=6", got)

	got, err = protocol.GatewayURL("ws://127.0.0.1:9000/gateway?compress=none", 6)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9000/gateway?compress=none&encoding=json&v=6", got)
}

func int64Ptr(v int64) *int64 { return &v }
