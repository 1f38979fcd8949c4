package gateway_test

import (
	"testing"

	"emperror.dev/errors"
	"github.com/botlabs-gg/shardgate/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	seq := func(v int64) *int64 { return &v }

	cases := []struct {
		name string
		in   string
		op   gateway.GatewayOP
		seq  *int64
		typ  string
		data string
	}{
		{
			name: "dispatch",
			in:   `{"t":"MESSAGE_CREATE","s":42,"op":0,"d":{"content":"hi","nested":{"a":[1,2]}}}`,
			op:   gateway.GatewayOPDispatch,
			seq:  seq(42),
			typ:  "MESSAGE_CREATE",
			data: `{"content":"hi","nested":{"a":[1,2]}}`,
		},
		{
			name: "hello",
			in:   `{"op":10,"d":{"heartbeat_interval":41250},"s":null,"t":null}`,
			op:   gateway.GatewayOPHello,
			data: `{"heartbeat_interval":41250}`,
		},
		{
			name: "invalid session",
			in:   `{"op":9,"d":false,"s":null,"t":null}`,
			op:   gateway.GatewayOPInvalidSession,
			data: `false`,
		},
		{
			name: "ack without payload",
			in:   `{"op":11}`,
			op:   gateway.GatewayOPHeartbeatACK,
		},
		{
			name: "unknown fields are ignored",
			in:   `{"op":1,"d":null,"extra":{"x":1}}`,
			op:   gateway.GatewayOPHeartbeat,
			data: `null`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := gateway.DecodeFrame([]byte(tc.in))
			require.NoError(t, err)

			assert.Equal(t, tc.op, f.Operation)
			assert.Equal(t, tc.seq, f.Sequence)
			assert.Equal(t, tc.typ, f.Type)
			if tc.data != "" {
				assert.JSONEq(t, tc.data, string(f.RawData))
			} else {
				assert.Empty(t, f.RawData)
			}
		})
	}
}

func TestDecodeFrameMalformed(t *testing.T) {
	for _, in := range []string{
		``,
		`{"op":0,"s":`,
		`{"op":"zero"}`,
		`[1,2,3]`,
	} {
		_, err := gateway.DecodeFrame([]byte(in))
		assert.True(t, errors.Is(err, gateway.ErrProtocolViolation), "%q: %v", in, err)
	}
}

func TestEncodeFrame(t *testing.T) {
	b, err := gateway.EncodeFrame(gateway.GatewayOPHeartbeat, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":1,"d":null}`, string(b))

	s := int64(5)
	b, err = gateway.EncodeFrame(gateway.GatewayOPHeartbeat, &s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":1,"d":5}`, string(b))
}

func TestConnStateText(t *testing.T) {
	for s := gateway.StateDisconnected; s <= gateway.StateZombied; s++ {
		b, err := s.MarshalText()
		require.NoError(t, err)

		var back gateway.ConnState
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}

	cs := gateway.StateConnected
	assert.NoError(t, cs.UnmarshalText([]byte("sleeping")))
	assert.Equal(t, gateway.StateDisconnected, cs)

	assert.True(t, gateway.StateResuming.Handshaking())
	assert.False(t, gateway.StateConnected.Handshaking())
	assert.False(t, gateway.StateZombied.Handshaking())
}

func TestIsFatal(t *testing.T) {
	assert.True(t, gateway.IsFatal(errors.WithMessage(errors.WithStack(gateway.ErrAuthenticationRejected), "4004")))
	assert.True(t, gateway.IsFatal(gateway.ErrRetryBudgetExhausted))
	assert.False(t, gateway.IsFatal(gateway.ErrZombieConnection))
	assert.False(t, gateway.IsFatal(gateway.ErrInvalidSession))
	assert.False(t, gateway.IsFatal(nil))
}
