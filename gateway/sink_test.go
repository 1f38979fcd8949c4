package gateway_test

import (
	"testing"

	"emperror.dev/errors"
	"github.com/botlabs-gg/shardgate/gateway"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogrusSink(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	sink := gateway.NewLogrusSink(logrus.NewEntry(logger).WithField("p", "gateway"))
	sink.Log(4, 2, gateway.LogWarning, "gateway connection lost", errors.New("boom"))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "gateway connection lost", entry.Message)
	assert.Equal(t, 4, entry.Data["shard"])
	assert.Equal(t, 2, entry.Data["conn"])
	assert.Equal(t, "gateway", entry.Data["p"])
	assert.NotNil(t, entry.Data[logrus.ErrorKey])

	sink.StateChanged(4, 2, gateway.StateResuming, gateway.StateConnected)
	entry = hook.LastEntry()
	assert.Equal(t, logrus.DebugLevel, entry.Level)
	assert.Equal(t, "Resuming -> Connected", entry.Message)

	sink.TransitionsAtInfo = true
	sink.StateChanged(4, 3, gateway.StateConnected, gateway.StateZombied)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.Len(t, hook.AllEntries(), 3)
}
