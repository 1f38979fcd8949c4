package sentryhook

import (
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestApplyFields(t *testing.T) {
	scope := sentry.NewScope()
	applyFields(scope, logrus.Fields{
		"shard":    3,
		"instance": "1234",
		"conn":     2,
		"stck":     "shard.go:10",
	})

	evt := scope.ApplyToEvent(sentry.NewEvent(), nil)

	assert.Equal(t, "3", evt.Tags["shard"])
	assert.Equal(t, "1234", evt.Tags["instance"])
	assert.Equal(t, "2", evt.Extra["conn"])
	assert.NotContains(t, evt.Extra, "stck")
}

func TestLevels(t *testing.T) {
	assert.ElementsMatch(t, []logrus.Level{logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel}, Hook{}.Levels())
}

func TestPrepareScope(t *testing.T) {
	scope := sentry.NewScope()
	prepareScope(scope, &logrus.Entry{
		Level:   logrus.FatalLevel,
		Message: "shard stopped",
		Data:    logrus.Fields{"stck": "manager.go:120", "shard": 1},
	})

	evt := scope.ApplyToEvent(sentry.NewEvent(), nil)

	assert.Equal(t, sentry.LevelFatal, evt.Level)
	assert.Equal(t, []string{"manager.go:120", "shard stopped"}, evt.Fingerprint)
	assert.Equal(t, "1", evt.Tags["shard"])
}
