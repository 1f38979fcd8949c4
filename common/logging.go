package common

import (
	"io"
	"os"
	"sort"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"

	"github.com/botlabs-gg/shardgate/common/sentryhook"
)

// LogOptions configures the process wide logrus setup
type LogOptions struct {
	Level string

	// File, if set, also writes the log to a rotated file
	File          string
	FileMaxSizeMB int

	Timestamps bool

	SentryDSN string
	// NodeID is set as a tag on sentry events
	NodeID string
}

// SetupLogging installs the formatter, hooks and outputs on the standard logger
func SetupLogging(opts LogOptions) error {
	AddLogHook(ContextHook{})

	SetLogFormatter(&logrus.TextFormatter{
		DisableTimestamp: !opts.Timestamps,
		FullTimestamp:    opts.Timestamps,
		SortingFunc:      logrusSortingFunc,
	})

	if opts.Level != "" {
		lvl, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return err
		}
		logrus.SetLevel(lvl)
	}

	if opts.File != "" {
		maxSize := opts.FileMaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}

		logrus.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename: opts.File,
			MaxSize:  maxSize,
		}))
	}

	if opts.SentryDSN != "" {
		addSentryHook(opts.SentryDSN, opts.NodeID)
	}

	return nil
}

func AddLogHook(hook logrus.Hook) {
	logrus.AddHook(hook)
}

func SetLogFormatter(formatter logrus.Formatter) {
	logrus.SetFormatter(formatter)
}

func addSentryHook(dsn, nodeID string) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:   dsn,
		Debug: false,
	})

	if err != nil {
		logrus.WithError(err).Error("Failed adding sentry hook")
		return
	}

	sentry.ConfigureScope(func(s *sentry.Scope) {
		if nodeID != "" {
			s.SetTag("node_id", nodeID)
		}
	})

	AddLogHook(&sentryhook.Hook{})
	logrus.Info("Added Sentry Hook")
}

var logSortPriority = []string{
	"time",
	"level",
	"shard",
	"conn",
	"msg",
	"stck",
}

func logrusSortingFunc(fields []string) {
	sort.Slice(fields, func(i, j int) bool {
		iPriority := findStringIndex(logSortPriority, fields[i])
		jPriority := findStringIndex(logSortPriority, fields[j])

		if iPriority != -1 && jPriority == -1 {
			return true
		} else if jPriority != -1 && iPriority == -1 {
			return false
		} else if iPriority == -1 && jPriority == -1 {
			return strings.Compare(fields[i], fields[j]) < 0
		}

		// both has priority
		return iPriority < jPriority
	})
}

func findStringIndex(slice []string, s string) int {
	for i, v := range slice {
		if v == s {
			return i
		}
	}

	return -1
}
