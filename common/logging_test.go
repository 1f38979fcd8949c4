package common

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogrusSortingFunc(t *testing.T) {
	fields := []string{"zeta", "msg", "conn", "alpha", "level", "shard", "time"}
	logrusSortingFunc(fields)

	assert.Equal(t, []string{"time", "level", "shard", "conn", "msg", "alpha", "zeta"}, fields)
}

func TestContextHook(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.AddHook(ContextHook{})

	logger.Info("hello")
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Data["stck"], "TestContextHook")

	logger.WithField("stck", "given").Info("hello")
	assert.Equal(t, "given", hook.LastEntry().Data["stck"])
}

func TestLoggingTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	client := &http.Client{Transport: &LoggingTransport{}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestSetupLoggingInvalidLevel(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())

	err := SetupLogging(LogOptions{Level: "loud"})
	assert.Error(t, err)

	require.NoError(t, SetupLogging(LogOptions{Level: "debug"}))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
}

func TestSTDLogProxy(t *testing.T) {
	logger, hook := test.NewNullLogger()

	l := NewSTDLogger(logrus.NewEntry(logger), logrus.WarnLevel)
	l.Println("http: TLS handshake error")

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "http: TLS handshake error", hook.LastEntry().Message)
}
