package spawn

import (
	"context"
	"strconv"
	"time"

	"github.com/mediocregopher/radix/v3"
	"github.com/sirupsen/logrus"
)

const DefaultRedisKeyPrefix = "shardgate.gateway.identify.limit"

// RedisBucketLimiter shares bucket tokens between processes using the same credential
type RedisBucketLimiter struct {
	Client  radix.Client
	Spacing time.Duration

	KeyPrefix string

	// PollInterval is how often a taken token is retried
	PollInterval time.Duration
}

func NewRedisBucketLimiter(client radix.Client, spacing time.Duration) *RedisBucketLimiter {
	return &RedisBucketLimiter{
		Client:       client,
		Spacing:      spacing,
		KeyPrefix:    DefaultRedisKeyPrefix,
		PollInterval: time.Millisecond * 250,
	}
}

func (rl *RedisBucketLimiter) key(bucket int) string {
	prefix := rl.KeyPrefix
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return prefix + ":" + strconv.Itoa(bucket)
}

func (rl *RedisBucketLimiter) Wait(ctx context.Context, bucket int) error {
	key := rl.key(bucket)
	ttl := strconv.FormatInt(rl.Spacing.Milliseconds(), 10)

	poll := rl.PollInterval
	if poll <= 0 {
		poll = time.Millisecond * 250
	}

	for {
		var resp string
		err := rl.Client.Do(radix.Cmd(&resp, "SET", key, "1", "PX", ttl, "NX"))
		if err != nil {
			logrus.WithError(err).WithField("bucket", bucket).Error("failed ratelimiting gateway handshake")
		} else if resp == "OK" {
			return nil
		}

		// otherwise someone started a handshake in this bucket within the last spacing
		t := time.NewTimer(poll)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
