package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"emperror.dev/errors"
	"github.com/botlabs-gg/shardgate/common/config"
	"github.com/mediocregopher/radix/v3"
)

// overrideFlags registers the flags that override config options on fs
type overrideFlags struct {
	values map[string]*string
}

func newOverrideFlags(fs *flag.FlagSet) *overrideFlags {
	o := &overrideFlags{values: make(map[string]*string)}

	o.add(fs, "token", confToken)
	o.add(fs, "shards", confShardCount)
	o.add(fs, "shard-ids", confShardIDs)
	o.add(fs, "shard-total", confShardTotal)
	o.add(fs, "concurrency", confConcurrency)
	o.add(fs, "redis", confRedisAddr)
	o.add(fs, "loglevel", confLogLevel)

	return o
}

func (o *overrideFlags) add(fs *flag.FlagSet, name string, opt *config.ConfigOption) {
	o.values[opt.Name] = fs.String(name, "", opt.Description)
}

func (o *overrideFlags) source() config.MapSource {
	m := make(config.MapSource)
	for k, v := range o.values {
		m[k] = *v
	}
	return m
}

// loadConfig loads the options from the environment, redis if configured, then the flags.
// The returned pool is nil without a redis address.
func loadConfig(flags config.MapSource) (*radix.Pool, error) {
	env := &config.EnvSource{}

	redisAddr := flags[confRedisAddr.Name]
	if redisAddr == "" {
		redisAddr = os.Getenv(env.Key(confRedisAddr.Name))
	}

	config.AddSource(env)

	var pool *radix.Pool
	if redisAddr != "" {
		var err error
		pool, err = radix.NewPool("tcp", redisAddr, 10)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed connecting to redis at %s", redisAddr)
		}
		config.AddSource(&config.RedisConfigStore{Client: pool})
	}

	config.AddSource(flags)
	config.Load()

	return pool, nil
}

type ConfigCmd struct{}

func (c *ConfigCmd) Help() string {
	return "usage: shardgate config [-values] [-set option=value] [-unset option] [flags]\n\n" + c.Synopsis() +
		"\n\nWith -values the loaded value of every option and its source are shown, secrets are masked." +
		"\n-set and -unset change the value stored in the redis hash " + config.RedisConfigHash + "."
}

func (c *ConfigCmd) Synopsis() string {
	return "lists the config options, or changes the ones stored in redis"
}

func (c *ConfigCmd) Run(args []string) int {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	showValues := fs.Bool("values", false, "show loaded values")
	set := fs.String("set", "", "store option=value in redis")
	unset := fs.String("unset", "", "remove option from redis")
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

	if *set == "" && *unset == "" {
		fmt.Println(config.Singleton.DocsTable(*showValues))
		return 0
	}

	if pool == nil {
		fmt.Println("Error: changing options needs a redis address")
		return 1
	}

	store := &config.RedisConfigStore{Client: pool}
	if *set != "" {
		split := strings.SplitN(*set, "=", 2)
		if len(split) != 2 {
			fmt.Println("usage: -set option=value")
			return 1
		}

		name := optionName(split[0])
		if config.Lookup(name) == nil {
			fmt.Println("unknown option: ", name)
			return 1
		}

		err = store.SaveValue(name, split[1])
	} else {
		err = store.DeleteValue(optionName(*unset))
	}

	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}

	fmt.Println("saved, running gateways pick it up on restart")
	return 0
}

// optionName accepts option names with or without the "shardgate." prefix
func optionName(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "shardgate.") {
		s = "shardgate." + s
	}
	return s
}
