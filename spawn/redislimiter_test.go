package spawn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mediocregopher/radix/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRedis struct {
	mu       sync.Mutex
	commands [][]string
	taken    int
}

// fn answers SET ... NX with OK only after taken misses
func (s *stubRedis) fn(args []string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = append(s.commands, args)
	if s.taken > 0 {
		s.taken--
		return nil
	}
	return "OK"
}

func TestRedisBucketLimiter(t *testing.T) {
	stub := &stubRedis{taken: 2}
	conn := radix.Stub("tcp", "127.0.0.1:6379", stub.fn)

	rl := NewRedisBucketLimiter(conn, time.Second*5)
	rl.PollInterval = time.Millisecond

	require.NoError(t, rl.Wait(context.Background(), 3))

	require.Len(t, stub.commands, 3)
	assert.Equal(t, []string{"SET", "shardgate.gateway.identify.limit:3", "1", "PX", "5000", "NX"}, stub.commands[0])
}

func TestRedisBucketLimiterCancelled(t *testing.T) {
	stub := &stubRedis{taken: 1 << 20}
	conn := radix.Stub("tcp", "127.0.0.1:6379", stub.fn)

	rl := NewRedisBucketLimiter(conn, time.Second)
	rl.PollInterval = time.Millisecond
	rl.KeyPrefix = "test"

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()

	err := rl.Wait(ctx, 0)
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Equal(t, "test:0", stub.commands[0][1])
}

func TestSchedulerWithRedisLimiter(t *testing.T) {
	stub := &stubRedis{}
	conn := radix.Stub("tcp", "127.0.0.1:6379", stub.fn)

	s := NewScheduler(2, time.Second, NewRedisBucketLimiter(conn, time.Second))
	release, err := s.Acquire(context.Background(), 5)
	require.NoError(t, err)
	release()

	assert.Equal(t, "shardgate.gateway.identify.limit:1", stub.commands[0][1])
}
