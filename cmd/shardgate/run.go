package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/botlabs-gg/shardgate/common"
	"github.com/botlabs-gg/shardgate/common/prom"
	"github.com/botlabs-gg/shardgate/forward"
	"github.com/botlabs-gg/shardgate/gateway"
	"github.com/botlabs-gg/shardgate/gateway/wsconn"
	"github.com/botlabs-gg/shardgate/shardmanager"
	"github.com/botlabs-gg/shardgate/shardmanager/rest"
	"github.com/botlabs-gg/shardgate/spawn"
	"github.com/mediocregopher/radix/v3"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("stck", "main")

type RunCmd struct{}

func (r *RunCmd) Help() string {
	return "usage: shardgate run [flags]\n\n" + r.Synopsis() +
		"\n\nOptions are read from SHARDGATE_* environment variables, the redis hash " +
		"shardgate_config if a redis address is set, then the flags. See shardgate config."
}

func (r *RunCmd) Synopsis() string {
	return "runs the configured shards until interrupted"
}

func (r *RunCmd) Run(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	overrides := newOverrideFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	pool, err := loadConfig(overrides.source())
	if err != nil {
		logrus.WithError(err).Error("failed loading config")
		return 1
	}
	if pool != nil {
		defer pool.Close()
	}

	err = common.SetupLogging(common.LogOptions{
		Level:      confLogLevel.GetString(),
		File:       confLogFile.GetString(),
		Timestamps: true,
		SentryDSN:  confSentryDSN.GetString(),
		NodeID:     strconv.Itoa(confNodeID.GetInt()),
	})
	if err != nil {
		logrus.WithError(err).Error("failed setting up logging")
		return 1
	}

	if confToken.GetString() == "" {
		logger.Error("SHARDGATE_TOKEN needs to be set")
		return 1
	}

	mgr, err := newManager(pool)
	if err != nil {
		logger.WithError(err).Error("failed creating shard manager")
		return 1
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	events, err := mgr.Start(startCtx)
	cancelStart()
	if err != nil {
		logger.WithError(err).Error("failed starting shards")
		return 1
	}

	bgCtx, cancelBG := context.WithCancel(context.Background())
	var bgWG sync.WaitGroup
	runBackground(bgCtx, &bgWG, mgr, pool)

	forwarderDone := make(chan struct{})
	go func() {
		consumeEvents(events, pool)
		close(forwarderDone)
	}()

	exitCode := 0
	select {
	case sig := <-listenSignal():
		logger.Infof("got %s, shutting down", sig)
	case <-mgr.Closed():
		if allDown(mgr.GetFullStatus()) {
			logger.Error("every shard is down, exiting")
			exitCode = 1
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Minute)
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown did not complete cleanly")
	}
	cancelShutdown()

	<-forwarderDone
	cancelBG()
	bgWG.Wait()

	logger.Info("shut down")
	return exitCode
}

func newManager(pool *radix.Pool) (*shardmanager.Manager, error) {
	strategy, err := strategyFromConfig()
	if err != nil {
		return nil, err
	}

	spacing := confIdentifySpacing.GetDuration()

	var limiter spawn.BucketLimiter
	if pool != nil {
		limiter = spawn.NewRedisBucketLimiter(pool, spacing)
	}

	return shardmanager.New(shardmanager.Config{
		Token:            identifyToken(confToken.GetString()),
		Intents:          confIntents.GetInt64(),
		GatewayURL:       confGatewayURL.GetString(),
		Transport:        &wsconn.Transport{Compress: true},
		Strategy:         strategy,
		Provider:         newAPIClient(),
		Concurrency:      confConcurrency.GetInt(),
		IdentifySpacing:  spacing,
		Limiter:          limiter,
		ReplaceTimeout:   confReplaceTimeout.GetDuration(),
		HandshakeTimeout: confHandshakeTimeout.GetDuration(),
		BackoffMax:       confBackoffMax.GetDuration(),
		NodeID:           int64(confNodeID.GetInt()),
	})
}

// identifyToken strips the "Bot " prefix used in http headers, identify takes the bare token
func identifyToken(token string) string {
	return strings.TrimPrefix(strings.TrimSpace(token), "Bot ")
}

// runBackground starts the admin api and the prometheus server
func runBackground(ctx context.Context, wg *sync.WaitGroup, mgr *shardmanager.Manager, pool *radix.Pool) {
	if addr := confAdminListenAddr.GetString(); addr != "" {
		api := rest.NewRESTAPI(mgr, addr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.Run(ctx); err != nil {
				logger.WithError(err).Error("admin api stopped")
			}
		}()
	}

	promServer, err := prom.NewServer(confPromListenAddr.GetString(), confPromListenPortRange.GetString())
	if err != nil {
		logger.WithError(err).Error("invalid prom port range, not launching prom server")
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		promServer.Run(ctx)
	}()
}

// consumeEvents publishes the merged events to redis if configured, otherwise they are
// only logged. It returns once the manager closed the channel.
func consumeEvents(events <-chan *gateway.DispatchedEvent, pool *radix.Pool) {
	channel := confPublishChannel.GetString()
	if pool != nil && channel != "" {
		logger.Infof("publishing events to redis channel %s", channel)
		forward.Run(context.Background(), events, forward.NewRedisPublisher(pool, channel))
		return
	}

	for evt := range events {
		logger.WithField("shard", evt.ShardID).Debugf("event %s #%d", evt.Type, evt.Sequence)
	}
}

func allDown(status *shardmanager.Status) bool {
	if len(status.Shards) == 0 {
		return false
	}

	for _, v := range status.Shards {
		if !v.Down {
			return false
		}
	}
	return true
}

func listenSignal() <-chan os.Signal {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	return c
}
