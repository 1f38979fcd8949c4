package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/botlabs-gg/shardgate/gatewaybot"
	"github.com/botlabs-gg/shardgate/spawn"
	"github.com/jedib0t/go-pretty/table"
)

type PlanCmd struct{}

func (p *PlanCmd) Help() string {
	return "usage: shardgate plan [flags]\n\n" + p.Synopsis() +
		"\n\nThe recommended strategy queries the api with the configured token."
}

func (p *PlanCmd) Synopsis() string {
	return "prints the spawn plan for the configured shards without connecting"
}

func (p *PlanCmd) Run(args []string) int {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	overrides := newOverrideFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	pool, err := loadConfig(overrides.source())
	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}
	if pool != nil {
		defer pool.Close()
	}

	strategy, err := strategyFromConfig()
	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	var provider spawn.ShardCountProvider
	if strategy.Kind == spawn.StrategyRecommended {
		client := newAPIClient()
		provider = client

		gw, err := client.GatewayBot(ctx)
		if err != nil {
			fmt.Println("Error: ", err)
			return 1
		}
		fmt.Printf("recommended shards: %d, session starts remaining: %d/%d (reset in %s), max concurrency: %d\n",
			gw.Shards, gw.SessionStartLimit.Remaining, gw.SessionStartLimit.Total,
			gw.SessionStartLimit.ResetIn(), gw.SessionStartLimit.MaxConcurrency)
	}

	resolved, err := strategy.Resolve(ctx, provider)
	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}

	budget := confConcurrency.GetInt()
	if budget < 1 {
		budget = resolved.MaxConcurrency
	}

	scheduler := spawn.NewScheduler(budget, confIdentifySpacing.GetDuration(), nil)
	plan := scheduler.Plan(resolved.IDs)

	fmt.Println(renderPlan(plan, scheduler))
	fmt.Printf("%s: running %s of %d shards, budget %d, spacing %s, last shard starts after %s\n",
		strategy, PrettyFormatNumberList(resolved.IDs), resolved.Total, scheduler.Budget(), scheduler.Spacing(), plan.Duration())
	return 0
}

func renderPlan(plan spawn.Plan, scheduler *spawn.Scheduler) string {
	tb := table.NewWriter()
	tb.AppendHeader(table.Row{"bucket", "shards", "first start", "last start"})

	buckets := plan.Buckets(scheduler.Budget())
	for b := 0; b < scheduler.Budget(); b++ {
		entries := buckets[b]
		if len(entries) == 0 {
			continue
		}

		ids := make([]int, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.ShardID)
		}

		tb.AppendRow(table.Row{b, PrettyFormatNumberList(ids), entries[0].Start, entries[len(entries)-1].Start})
	}

	return tb.Render()
}

func newAPIClient() *gatewaybot.Client {
	c := gatewaybot.NewClient(confToken.GetString())
	if u := confAPIURL.GetString(); u != "" {
		c.APIBase = u
	}
	return c
}
