package shardmanager

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Event holds data for a manager event
type Event struct {
	Type EventType

	// Shard is -1 for events not tied to a shard
	Shard     int
	NumShards int

	// Instance is the id of the shard instance the event is about, empty for manager wide events
	Instance string

	Msg string
	Err error

	// When this event occured
	Time time.Time
}

func (e *Event) String() string {
	prefix := ""
	if e.Shard > -1 {
		prefix = fmt.Sprintf("[%d/%d] ", e.Shard, e.NumShards)
	}

	s := prefix + strings.ToUpper(e.Type.String()[:1]) + e.Type.String()[1:]
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += " (" + e.Err.Error() + ")"
	}

	return s
}

type EventType int

const (
	// Sent when an instance is started
	EventOpen EventType = iota

	// Sent when the transport connection to the gateway was established
	EventConnected

	// Sent when the connection is lost
	EventDisconnected

	// Sent when the connection was sucessfully resumed
	EventResumed

	// Sent on ready
	EventReady

	// Sent once every shard was connected at least once
	EventAllReady

	// Sent when a replacement took over a shard
	EventReplaced

	// Sent when a replacement was torn down without taking over
	EventReplaceFailed

	// Sent when the instance of record for a shard stopped for good
	EventDown

	// Sent when the manager starts shutting down
	EventClose
)

var eventStrings = map[EventType]string{
	EventOpen:          "opened",
	EventConnected:     "connected",
	EventDisconnected:  "disconnected",
	EventResumed:       "resumed",
	EventReady:         "ready",
	EventAllReady:      "all shards ready",
	EventReplaced:      "replaced",
	EventReplaceFailed: "replace failed",
	EventDown:          "down",
	EventClose:         "closed",
}

func (t EventType) String() string {
	if s, ok := eventStrings[t]; ok {
		return s
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// LogEvent is the standard event handler, it logs the event to the manager's logger
func (m *Manager) LogEvent(e *Event) {
	entry := m.log
	if e.Shard > -1 {
		entry = entry.WithField("shard", e.Shard)
	}
	if e.Instance != "" {
		entry = entry.WithField("instance", e.Instance)
	}
	if e.Err != nil {
		entry = entry.WithError(e.Err)
	}

	switch e.Type {
	case EventDown:
		entry.Error(e.String())
	case EventDisconnected, EventReplaceFailed:
		entry.Warn(e.String())
	default:
		entry.Info(e.String())
	}
}

func (m *Manager) emit(typ EventType, shardID int, inst *instance, msg string, err error) {
	metricsManagerEvents.With(prometheus.Labels{"type": typ.String()}).Inc()

	if m.OnEvent == nil {
		return
	}

	evt := &Event{
		Type:      typ,
		Shard:     shardID,
		NumShards: m.total,
		Msg:       msg,
		Err:       err,
		Time:      time.Now(),
	}
	if inst != nil {
		evt.Instance = inst.id.String()
	}

	m.OnEvent(evt)
}
