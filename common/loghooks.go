package common

import (
	"log"
	"math"
	"net/http"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// ContextHook sets the "stck" field to the first caller outside logrus, unless the entry
// already carries one
type ContextHook struct{}

func (hook ContextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook ContextHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["stck"]; ok {
		return nil
	}

	pc := make([]uintptr, 8)
	cnt := runtime.Callers(4, pc)

	frames := runtime.CallersFrames(pc[:cnt])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, "github.com/sirupsen/logrus") {
			entry.Data["stck"] = filepath.Base(frame.Function) + ":" + filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
			break
		}

		if !more {
			break
		}
	}

	return nil
}

// STDLogProxy sends lines written by a standard library logger to logrus at Level
type STDLogProxy struct {
	Entry *logrus.Entry
	Level logrus.Level
}

// NewSTDLogger returns a standard library logger writing to entry, for servers that only
// take a *log.Logger
func NewSTDLogger(entry *logrus.Entry, level logrus.Level) *log.Logger {
	return log.New(&STDLogProxy{Entry: entry, Level: level}, "", 0)
}

func (p *STDLogProxy) Write(b []byte) (n int, err error) {
	entry := p.Entry
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}

	entry.Log(p.Level, strings.TrimSpace(string(b)))
	return len(b), nil
}

var metricsHTTPResponses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shardgate_http_responses_total",
	Help: "Responses to outgoing http requests by status class",
}, []string{"host", "code"})

// LoggingTransport counts the responses of outgoing requests by status class and logs
// failed ones
type LoggingTransport struct {
	Inner http.RoundTripper
}

func (t *LoggingTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	inner := t.Inner
	if inner == nil {
		inner = http.DefaultTransport
	}

	started := time.Now()
	code := 0
	resp, err := inner.RoundTrip(request)
	if resp != nil {
		code = resp.StatusCode
	}

	floored := int(math.Floor(float64(code) / 100))
	metricsHTTPResponses.With(prometheus.Labels{
		"host": request.URL.Host,
		"code": strconv.Itoa(floored) + "xx",
	}).Inc()

	if err != nil || code == http.StatusTooManyRequests || floored == 5 {
		logrus.WithFields(logrus.Fields{
			"stck":   "http",
			"method": request.Method,
			"url":    request.URL.Redacted(),
			"code":   code,
			"took":   time.Since(started).Round(time.Millisecond),
		}).WithError(err).Warn("request failed")
	}

	return resp, err
}
