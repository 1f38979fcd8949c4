package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/botlabs-gg/shardgate/shardmanager"
	"github.com/botlabs-gg/shardgate/shardmanager/rest"
	"github.com/jedib0t/go-pretty/table"
)

func adminClient() *rest.Client {
	return rest.NewClient(adminAddr)
}

func requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Minute*5)
}

type StatusCmd struct{}

func (s *StatusCmd) Help() string {
	return "usage: shardgate status [shard-id]\n\n" + s.Synopsis()
}

func (s *StatusCmd) Synopsis() string {
	return "display status of all shards, or one shard"
}

func (s *StatusCmd) Run(args []string) int {
	ctx, cancel := requestCtx()
	defer cancel()

	if len(args) > 0 {
		shardID, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Println("invalid shard: ", err)
			return 1
		}

		st, err := adminClient().GetShardStatus(ctx, shardID)
		if err != nil {
			fmt.Println("Error: ", err)
			return 1
		}

		fmt.Println(renderShards([]*shardmanager.ShardStatus{st}))
		return 0
	}

	status, err := adminClient().GetStatus(ctx)
	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}

	fmt.Println(renderShards(status.Shards))

	var ready, down []int
	for _, v := range status.Shards {
		if v.Down {
			down = append(down, v.ShardID)
		} else if v.Stats.EverReady {
			ready = append(ready, v.ShardID)
		}
	}

	fmt.Printf("total shards: %d, all ready: %t, shutting down: %t\n", status.Total, status.Ready, status.ShuttingDown)
	fmt.Printf("ready: %s\n", PrettyFormatNumberList(ready))
	if len(down) > 0 {
		fmt.Printf("down: %s\n", PrettyFormatNumberList(down))
	}
	return 0
}

func renderShards(shards []*shardmanager.ShardStatus) string {
	tb := table.NewWriter()
	tb.AppendHeader(table.Row{"shard", "instance", "state", "conn", "seq", "latency", "queued", "extra"})

	for _, v := range shards {
		extra := ""
		if v.Down {
			extra = "down"
			if v.Stats.LastError != "" {
				extra += ": " + v.Stats.LastError
			}
		} else if !v.Started {
			extra = "waiting to start"
		}

		if v.Replacement != "" {
			if extra != "" {
				extra += ", "
			}
			extra += "replacing with " + v.Replacement
		}

		latency := ""
		if l := v.Stats.Heartbeat.Latency(); l > 0 {
			latency = l.Round(time.Millisecond).String()
		}

		tb.AppendRow(table.Row{v.ShardID, v.InstanceID, v.Stats.State, v.Stats.ConnID, v.Stats.Sequence, latency, v.Stats.QueuedEvts, extra})
	}

	return tb.Render()
}

type ReplaceCmd struct{}

func (r *ReplaceCmd) Help() string {
	return "usage: shardgate replace shard-id\n\n" + r.Synopsis() +
		"\n\nThe command returns once the new shard took over, or the replacement failed."
}

func (r *ReplaceCmd) Synopsis() string {
	return "replaces the specified shard with a freshly identified one"
}

func (r *ReplaceCmd) Run(args []string) int {
	if len(args) < 1 {
		fmt.Println("usage: replace shard-id")
		return 1
	}

	shardID, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("invalid shard: ", err)
		return 1
	}

	fmt.Printf("replacing shard %d, this might take a while...\n", shardID)

	ctx, cancel := requestCtx()
	defer cancel()

	msg, err := adminClient().ReplaceShard(ctx, shardID)
	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}

	fmt.Println(msg)
	return 0
}

type ReconnectCmd struct{}

func (r *ReconnectCmd) Help() string {
	return "usage: shardgate reconnect [-identify] shard-id\n\n" + r.Synopsis()
}

func (r *ReconnectCmd) Synopsis() string {
	return "reconnects the specified shard, resuming unless -identify is given"
}

func (r *ReconnectCmd) Run(args []string) int {
	fs := flag.NewFlagSet("reconnect", flag.ContinueOnError)
	identify := fs.Bool("identify", false, "discard the session and identify again")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if fs.NArg() < 1 {
		fmt.Println("usage: reconnect [-identify] shard-id")
		return 1
	}

	shardID, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		fmt.Println("invalid shard: ", err)
		return 1
	}

	ctx, cancel := requestCtx()
	defer cancel()

	msg, err := adminClient().ReconnectShard(ctx, shardID, *identify)
	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}

	fmt.Println(msg)
	return 0
}

type ShutdownCmd struct{}

func (s *ShutdownCmd) Help() string {
	return s.Synopsis()
}

func (s *ShutdownCmd) Synopsis() string {
	return "stops every shard and shuts the gateway down"
}

func (s *ShutdownCmd) Run(args []string) int {
	ctx, cancel := requestCtx()
	defer cancel()

	fmt.Println("shutting down")
	msg, err := adminClient().Shutdown(ctx)
	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}

	fmt.Println(msg)
	return 0
}
