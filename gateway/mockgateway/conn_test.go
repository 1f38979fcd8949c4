package mockgateway

import (
	"context"
	"testing"
	"time"

	"github.com/botlabs-gg/shardgate/gateway"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, c *Conn) *gateway.InboundFrame {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, err := c.Client().Receive(ctx)
	require.NoError(t, err)

	f, err := gateway.DecodeFrame(msg)
	require.NoError(t, err)
	return f
}

// map payloads go through jsoniter's map encoder
func TestServerFramesDecodeOnClient(t *testing.T) {
	c := NewConn("wss://gateway.test")

	c.SendHello(time.Second * 45)
	f := receive(t, c)
	assert.Equal(t, gateway.GatewayOPHello, f.Operation)
	assert.Nil(t, f.Sequence)
	assert.JSONEq(t, `{"heartbeat_interval":45000,"_trace":["mockgateway"]}`, string(f.RawData))

	c.SendReady(1, "sess-1", "wss://resume.test")
	f = receive(t, c)
	assert.Equal(t, gateway.GatewayOPDispatch, f.Operation)
	assert.Equal(t, gateway.EventTypeReady, f.Type)
	require.NotNil(t, f.Sequence)
	assert.EqualValues(t, 1, *f.Sequence)
	assert.JSONEq(t, `{"session_id":"sess-1","resume_gateway_url":"wss://resume.test"}`, string(f.RawData))

	c.SendDispatch(2, "MESSAGE_CREATE", map[string]interface{}{"id": "1", "nested": map[string]int{"a": 1}})
	f = receive(t, c)
	assert.Equal(t, "MESSAGE_CREATE", f.Type)
	assert.JSONEq(t, `{"id":"1","nested":{"a":1}}`, string(f.RawData))

	c.SendInvalidSession(true)
	f = receive(t, c)
	assert.Equal(t, gateway.GatewayOPInvalidSession, f.Operation)
	assert.Equal(t, "true", string(f.RawData))
}

func TestHeartbeatSeq(t *testing.T) {
	cases := []struct {
		name     string
		d        string
		expected *int64
	}{
		{"empty", "", nil},
		{"null", "null", nil},
		{"number", "42", int64Ptr(42)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &ClientFrame{Op: gateway.GatewayOPHeartbeat, D: jsoniter.RawMessage(tc.d)}
			assert.Equal(t, tc.expected, f.HeartbeatSeq())
		})
	}
}

func TestClientHeartbeatNullSeq(t *testing.T) {
	c := NewConn("wss://gateway.test")

	msg, err := gateway.EncodeFrame(gateway.GatewayOPHeartbeat, nil)
	require.NoError(t, err)
	require.NoError(t, c.Client().Send(context.Background(), msg))

	f, err := c.Next(time.Second)
	require.NoError(t, err)
	assert.Equal(t, gateway.GatewayOPHeartbeat, f.Op)
	assert.Nil(t, f.HeartbeatSeq())
}

func int64Ptr(v int64) *int64 {
	return &v
}
