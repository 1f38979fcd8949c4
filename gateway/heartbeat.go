package gateway

import (
	"math/rand"
	"sync"
	"time"
)

// heartbeater tracks heartbeat acks for a single connection, the shard loop owns the timer
type heartbeater struct {
	sync.Mutex

	interval    time.Duration
	receivedAck bool
	timer       *time.Timer

	lastAck  time.Time
	lastSend time.Time
}

// newHeartbeater schedules the first beat after a random fraction of the interval
func newHeartbeater(interval time.Duration) *heartbeater {
	first := time.Duration(0)
	if interval > 0 {
		first = time.Duration(rand.Int63n(int64(interval)))
	}

	return &heartbeater{
		interval:    interval,
		receivedAck: true,
		timer:       time.NewTimer(first),
	}
}

func (wh *heartbeater) C() <-chan time.Time {
	if wh == nil {
		return nil
	}
	return wh.timer.C
}

// Tick is called when the timer fired, it returns false when the previous beat was never
// acknowledged, otherwise the caller should send a beat
func (wh *heartbeater) Tick() bool {
	wh.Lock()
	defer wh.Unlock()

	if !wh.receivedAck {
		return false
	}

	wh.receivedAck = false
	wh.lastSend = time.Now()
	wh.timer.Reset(wh.interval)
	return true
}

// SentImmediate records a beat sent in response to a server heartbeat request
func (wh *heartbeater) SentImmediate() {
	wh.Lock()
	wh.lastSend = time.Now()
	wh.Unlock()
}

func (wh *heartbeater) ReceivedAck() {
	wh.Lock()
	wh.receivedAck = true
	wh.lastAck = time.Now()
	wh.Unlock()
}

func (wh *heartbeater) Stop() {
	if wh == nil {
		return
	}
	wh.timer.Stop()
}

// HeartbeatStats is a snapshot of a shard's heartbeat status
type HeartbeatStats struct {
	Interval    time.Duration `json:"interval"`
	LastSend    time.Time     `json:"last_send"`
	LastAck     time.Time     `json:"last_ack"`
	AckReceived bool          `json:"ack_received"`
}

// Latency is the round trip of the last acknowledged beat, 0 if unknown
func (h HeartbeatStats) Latency() time.Duration {
	if h.LastSend.IsZero() || h.LastAck.Before(h.LastSend) {
		return 0
	}
	return h.LastAck.Sub(h.LastSend)
}

func (wh *heartbeater) Stats() HeartbeatStats {
	if wh == nil {
		return HeartbeatStats{}
	}

	wh.Lock()
	defer wh.Unlock()
	return HeartbeatStats{
		Interval:    wh.interval,
		LastSend:    wh.lastSend,
		LastAck:     wh.lastAck,
		AckReceived: wh.receivedAck,
	}
}
