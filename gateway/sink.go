package gateway

import (
	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	LogError LogLevel = iota
	LogWarning
	LogInfo
	LogDebug
)

// Sink receives the structured output of a shard: log lines and state transitions.
// Calls are made from the shard's own goroutine and should not block.
type Sink interface {
	Log(shardID, connID int, level LogLevel, msg string, err error)
	StateChanged(shardID, connID int, from, to ConnState)
}

// NopSink discards everything
type NopSink struct{}

func (NopSink) Log(shardID, connID int, level LogLevel, msg string, err error) {}
func (NopSink) StateChanged(shardID, connID int, from, to ConnState)           {}

// LogrusSink writes shard output to a logrus logger
type LogrusSink struct {
	Entry *logrus.Entry

	// Transitions are logged at debug level unless this is set
	TransitionsAtInfo bool
}

func NewLogrusSink(entry *logrus.Entry) *LogrusSink {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}

	return &LogrusSink{Entry: entry}
}

func (l *LogrusSink) Log(shardID, connID int, level LogLevel, msg string, err error) {
	entry := l.Entry.WithFields(logrus.Fields{
		"shard": shardID,
		"conn":  connID,
	})

	if err != nil {
		entry = entry.WithError(err)
	}

	switch level {
	case LogError:
		entry.Error(msg)
	case LogWarning:
		entry.Warn(msg)
	case LogInfo:
		entry.Info(msg)
	default:
		entry.Debug(msg)
	}
}

func (l *LogrusSink) StateChanged(shardID, connID int, from, to ConnState) {
	entry := l.Entry.WithFields(logrus.Fields{
		"shard": shardID,
		"conn":  connID,
		"state": to.String(),
	})

	if l.TransitionsAtInfo {
		entry.Infof("%s -> %s", from, to)
	} else {
		entry.Debugf("%s -> %s", from, to)
	}
}
