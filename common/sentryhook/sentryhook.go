// Package sentryhook reports error level logrus entries to sentry
package sentryhook

import (
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

type Hook struct{}

func (hook Hook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.ErrorLevel,
		logrus.FatalLevel,
		logrus.PanicLevel,
	}
}

func (hook Hook) Fire(entry *logrus.Entry) error {
	hub := sentry.CurrentHub().Clone()
	if hub == nil {
		return nil
	}

	hub.WithScope(func(s *sentry.Scope) {
		prepareScope(s, entry)

		if err, ok := entry.Data[logrus.ErrorKey].(error); ok {
			s.SetExtra("message", entry.Message)
			hub.CaptureException(err)
		} else {
			hub.CaptureMessage(entry.Message)
		}
	})

	return nil
}

func prepareScope(s *sentry.Scope, entry *logrus.Entry) {
	s.SetLevel(sentryLevel(entry.Level))
	applyFields(s, entry.Data)

	// group by call site and message, the same failure on different shards is one issue
	if stck, ok := entry.Data["stck"]; ok {
		s.SetFingerprint([]string{fmt.Sprint(stck), entry.Message})
	}
}

func sentryLevel(level logrus.Level) sentry.Level {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return sentry.LevelFatal
	case logrus.WarnLevel:
		return sentry.LevelWarning
	}

	return sentry.LevelError
}

// applyFields turns shard identifiers into tags, everything else becomes an extra
func applyFields(s *sentry.Scope, data logrus.Fields) {
	for k, v := range data {
		strV := fmt.Sprint(v)
		switch k {
		case "shard", "instance", "state":
			s.SetTag(k, strV)
		case "stck", logrus.ErrorKey:
		default:
			s.SetExtra(k, strV)
		}
	}
}
