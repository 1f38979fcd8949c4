// Package forward publishes the merged dispatch stream of a shard manager to redis pub/sub
package forward

import (
	"context"
	"strconv"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/shardgate/gateway"
	"github.com/mediocregopher/radix/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack"
)

const DefaultChannel = "shardgate.events"

// Envelope is what gets published for every dispatched event
type Envelope struct {
	ShardID  int    `msgpack:"shard_id"`
	Sequence int64  `msgpack:"seq"`
	Type     string `msgpack:"t"`
	// Data is the raw json payload of the event
	Data []byte `msgpack:"d"`
	// ReceivedAt is in unix milliseconds
	ReceivedAt int64 `msgpack:"received_at"`
}

func NewEnvelope(evt *gateway.DispatchedEvent) *Envelope {
	return &Envelope{
		ShardID:    evt.ShardID,
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		Data:       evt.Payload,
		ReceivedAt: evt.ReceivedAt.UnixNano() / int64(time.Millisecond),
	}
}

func (e *Envelope) Encode() ([]byte, error) {
	b, err := msgpack.Marshal(e)
	return b, errors.WithStackIf(err)
}

func DecodeEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return nil, errors.WithStack(err)
	}
	return &e, nil
}

type Publisher interface {
	Publish(ctx context.Context, evt *gateway.DispatchedEvent) error
}

// RedisPublisher publishes msgpack encoded envelopes with PUBLISH
type RedisPublisher struct {
	Client  radix.Client
	Channel string

	// PerShard publishes to "<Channel>:<shard id>" instead of Channel
	PerShard bool
}

func NewRedisPublisher(client radix.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}

	return &RedisPublisher{
		Client:  client,
		Channel: channel,
	}
}

func (p *RedisPublisher) channel(shardID int) string {
	if p.PerShard {
		return p.Channel + ":" + strconv.Itoa(shardID)
	}
	return p.Channel
}

func (p *RedisPublisher) Publish(ctx context.Context, evt *gateway.DispatchedEvent) error {
	encoded, err := NewEnvelope(evt).Encode()
	if err != nil {
		return err
	}

	err = p.Client.Do(radix.FlatCmd(nil, "PUBLISH", p.channel(evt.ShardID), encoded))
	return errors.WithMessage(err, "PUBLISH")
}

var metricsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shardgate_forward_published_total",
	Help: "Events published by the forwarder",
}, []string{"event"})

var metricsPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "shardgate_forward_errors_total",
	Help: "Events the forwarder failed to publish",
})

// Run publishes every event from events until the channel is closed or ctx is done.
// Failed publishes are logged and skipped, the stream keeps going.
func Run(ctx context.Context, events <-chan *gateway.DispatchedEvent, pub Publisher) error {
	logger := logrus.WithField("stck", "forward")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				logger.Info("event stream closed, stopping forwarder")
				return nil
			}

			if err := pub.Publish(ctx, evt); err != nil {
				metricsPublishErrors.Inc()
				logger.WithError(err).WithField("shard", evt.ShardID).WithField("evt", evt.Type).Error("failed publishing event")
				continue
			}

			metricsPublished.With(prometheus.Labels{"event": evt.Type}).Inc()
		}
	}
}
