package main

import (
	"fmt"
	"os"
	"time"

	"github.com/botlabs-gg/shardgate/common/config"
	"github.com/mitchellh/cli"
)

const version = "0.1"

var (
	confToken      = config.RegisterSecret("shardgate.token", "Bot token used to identify and to query the recommended shard count", "")
	confShardCount = config.RegisterOption("shardgate.shard_count", "Run shards 0..n-1 out of n, 0 uses the recommended count", 0)
	confShardIDs   = config.RegisterOption("shardgate.shard_ids", "Only run these shards out of shard_total, ex: '0-9,25'", "")
	confShardTotal = config.RegisterOption("shardgate.shard_total", "Total number of shards when shard_ids is set", 0)

	confConcurrency     = config.RegisterOption("shardgate.concurrency", "Handshake concurrency, 0 uses the max_concurrency reported by the api", 0)
	confIdentifySpacing = config.RegisterOption("shardgate.identify_spacing", "Minimum time between handshakes in the same bucket", time.Second*5)
	confIntents         = config.RegisterOption("shardgate.intents", "Gateway intents sent on identify", int64(0))

	confGatewayURL = config.RegisterOption("shardgate.gateway_url", "Gateway websocket url", "wss://gateway.discord.gg")
	confAPIURL     = config.RegisterOption("shardgate.api_url", "Base url of the http api", "https://discord.com/api/v10")

	confRedisAddr      = config.RegisterOption("shardgate.redis_addr", "Redis address, enables shared identify buckets, config from redis and event publishing", "")
	confPublishChannel = config.RegisterOption("shardgate.publish_channel", "Redis channel events are published to, empty disables publishing", "shardgate.events")

	confAdminListenAddr     = config.RegisterOption("shardgate.admin_listen_addr", "Admin api listen address, empty disables it", "127.0.0.1:7448")
	confPromListenAddr      = config.RegisterOption("shardgate.prom_listen_addr", "Prometheus listen address", "")
	confPromListenPortRange = config.RegisterOption("shardgate.prom_listen_port_range", "Prometheus listen port range", "6001-6100")

	confLogFile   = config.RegisterOption("shardgate.log_file", "Also write the log to this file, rotated", "")
	confLogLevel  = config.RegisterOption("shardgate.log_level", "Log level", "info")
	confSentryDSN = config.RegisterSecret("shardgate.sentry_dsn", "Sentry dsn, errors are reported there when set", "")
	confNodeID    = config.RegisterOption("shardgate.node_id", "Snowflake node id used for shard instance ids", 0)

	confReplaceTimeout   = config.RegisterOption("shardgate.replace_timeout", "How long a replacement shard has to connect", time.Minute*2)
	confHandshakeTimeout = config.RegisterOption("shardgate.handshake_timeout", "How long a handshake may take before the connection is dropped", time.Second*30)
	confBackoffMax       = config.RegisterOption("shardgate.backoff_max", "Maximum reconnect delay", time.Minute*10)
)

var adminAddr = os.Getenv("SHARDGATE_CLI_ADDR")

func main() {
	if adminAddr == "" {
		adminAddr = "http://127.0.0.1:7448"
	}

	app := cli.NewCLI("shardgate", version)
	app.Args = os.Args[1:]

	app.Commands = map[string]cli.CommandFactory{
		"run":       StaticFactory(&RunCmd{}),
		"plan":      StaticFactory(&PlanCmd{}),
		"config":    StaticFactory(&ConfigCmd{}),
		"status":    StaticFactory(&StatusCmd{}),
		"replace":   StaticFactory(&ReplaceCmd{}),
		"reconnect": StaticFactory(&ReconnectCmd{}),
		"shutdown":  StaticFactory(&ShutdownCmd{}),
	}

	exitStatus, err := app.Run()
	if err != nil {
		fmt.Println("Error: ", err)
	}

	os.Exit(exitStatus)
}

func StaticFactory(c cli.Command) cli.CommandFactory {
	return func() (cli.Command, error) {
		return c, nil
	}
}
