package forward

import (
	"context"
	"sync"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/shardgate/gateway"
	"github.com/mediocregopher/radix/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRedis struct {
	mu       sync.Mutex
	commands [][]string
	fail     bool
}

func (s *stubRedis) fn(args []string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail {
		return errors.New("ERR stub failure")
	}

	s.commands = append(s.commands, args)
	return 1
}

func (s *stubRedis) get() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.commands...)
}

func testEvent(shardID int, seq int64) *gateway.DispatchedEvent {
	return &gateway.DispatchedEvent{
		ShardID:    shardID,
		Sequence:   seq,
		Type:       "MESSAGE_CREATE",
		Payload:    []byte(`{"content":"hi"}`),
		ReceivedAt: time.Unix(1600000000, int64(time.Millisecond*250)),
	}
}

func TestRedisPublisher(t *testing.T) {
	stub := &stubRedis{}
	pub := NewRedisPublisher(radix.Stub("tcp", "127.0.0.1:6379", stub.fn), "")

	require.NoError(t, pub.Publish(context.Background(), testEvent(3, 42)))

	commands := stub.get()
	require.Len(t, commands, 1)
	assert.Equal(t, "PUBLISH", commands[0][0])
	assert.Equal(t, DefaultChannel, commands[0][1])

	env, err := DecodeEnvelope([]byte(commands[0][2]))
	require.NoError(t, err)
	assert.Equal(t, &Envelope{
		ShardID:    3,
		Sequence:   42,
		Type:       "MESSAGE_CREATE",
		Data:       []byte(`{"content":"hi"}`),
		ReceivedAt: 1600000000250,
	}, env)
}

func TestRedisPublisherPerShard(t *testing.T) {
	stub := &stubRedis{}
	pub := NewRedisPublisher(radix.Stub("tcp", "127.0.0.1:6379", stub.fn), "evts")
	pub.PerShard = true

	require.NoError(t, pub.Publish(context.Background(), testEvent(7, 1)))
	assert.Equal(t, "evts:7", stub.get()[0][1])
}

func TestRunForwardsUntilClosed(t *testing.T) {
	stub := &stubRedis{}
	pub := NewRedisPublisher(radix.Stub("tcp", "127.0.0.1:6379", stub.fn), "")

	events := make(chan *gateway.DispatchedEvent, 3)
	events <- testEvent(0, 1)
	events <- testEvent(0, 2)
	events <- testEvent(1, 1)
	close(events)

	require.NoError(t, Run(context.Background(), events, pub))

	commands := stub.get()
	require.Len(t, commands, 3)
	for i, want := range []int64{1, 2, 1} {
		env, err := DecodeEnvelope([]byte(commands[i][2]))
		require.NoError(t, err)
		assert.Equal(t, want, env.Sequence)
	}
}

func TestRunSkipsFailedPublishes(t *testing.T) {
	stub := &stubRedis{fail: true}
	pub := NewRedisPublisher(radix.Stub("tcp", "127.0.0.1:6379", stub.fn), "")

	events := make(chan *gateway.DispatchedEvent, 1)
	events <- testEvent(0, 1)
	close(events)

	assert.NoError(t, Run(context.Background(), events, pub))
	assert.Empty(t, stub.get())
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Run(ctx, make(chan *gateway.DispatchedEvent), NewRedisPublisher(radix.Stub("tcp", "x", (&stubRedis{}).fn), ""))
	assert.Equal(t, context.Canceled, err)
}

func TestDecodeEnvelopeInvalid(t *testing.T) {
	_, err := DecodeEnvelope([]byte{0xc1})
	assert.Error(t, err)
}
