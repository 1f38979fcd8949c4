package config

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/mediocregopher/radix/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayeredSources(t *testing.T) {
	c := NewConfigManager()
	token := c.RegisterSecret("shardgate.token", "token", "")
	count := c.RegisterOption("shardgate.shard_count", "shards", 0)
	spacing := c.RegisterOption("shardgate.identify_spacing", "spacing", time.Second*5)
	intents := c.RegisterOption("shardgate.intents", "intents", int64(0))
	ids := c.RegisterOption("shardgate.shard_ids", "ids", "")

	os.Setenv("SHARDGATE_TOKEN", "from-env")
	os.Setenv("SHARDGATE_SHARD_COUNT", "4")
	defer os.Unsetenv("SHARDGATE_TOKEN")
	defer os.Unsetenv("SHARDGATE_SHARD_COUNT")

	c.AddSource(&EnvSource{})
	c.AddSource(MapSource{
		"shardgate.shard_count":      "8",
		"shardgate.identify_spacing": "250ms",
		"shardgate.intents":          "33281",
		"shardgate.shard_ids":        "1, 3,x,5",
	})
	c.Load()

	assert.Equal(t, "from-env", token.GetString())
	assert.Equal(t, "env", token.ConfigSource.Name())
	assert.Equal(t, 8, count.GetInt())
	assert.Equal(t, "flags", count.ConfigSource.Name())
	assert.Equal(t, time.Millisecond*250, spacing.GetDuration())
	assert.Equal(t, int64(33281), intents.GetInt64())
	assert.Equal(t, []int{1, 3, 5}, ids.GetIntSlice())
}

func TestDefaults(t *testing.T) {
	c := NewConfigManager()
	spacing := c.RegisterOption("shardgate.identify_spacing", "spacing", time.Second*5)
	enabled := c.RegisterOption("shardgate.enabled", "enabled", true)
	c.Load()

	assert.Equal(t, time.Second*5, spacing.GetDuration())
	assert.True(t, enabled.GetBool())
	assert.Nil(t, spacing.ConfigSource)
}

func TestDurationVal(t *testing.T) {
	cases := map[interface{}]time.Duration{
		"1500":        time.Millisecond * 1500,
		"2m":          time.Minute * 2,
		" 10s ":       time.Second * 10,
		"nonsense":    0,
		750:           time.Millisecond * 750,
		time.Hour * 1: time.Hour,
	}

	for in, want := range cases {
		assert.Equal(t, want, durationVal(in), "%v", in)
	}
}

func TestDocsTable(t *testing.T) {
	c := NewConfigManager()
	c.RegisterSecret("shardgate.token", "Bot token", "")
	c.RegisterOption("shardgate.handshake_timeout", "Handshake timeout", time.Second*30)
	c.AddSource(MapSource{"shardgate.token": "very-secret"})
	c.Load()

	out := c.DocsTable(true)
	assert.Contains(t, out, "SHARDGATE_HANDSHAKE_TIMEOUT")
	assert.Contains(t, out, "30s")
	assert.Contains(t, out, "********")
	assert.NotContains(t, out, "very-secret")
}

func TestRedisConfigStore(t *testing.T) {
	var commands [][]string
	stub := radix.Stub("tcp", "127.0.0.1:6379", func(args []string) interface{} {
		commands = append(commands, args)
		if args[0] == "HGET" && args[2] == "shard_count" {
			return "16"
		}
		if args[0] == "HSET" || args[0] == "HDEL" {
			return 1
		}
		return nil
	})

	store := &RedisConfigStore{Client: stub}

	c := NewConfigManager()
	count := c.RegisterOption("shardgate.shard_count", "shards", 0)
	other := c.RegisterOption("shardgate.other", "other", "def")
	c.AddSource(store)
	c.Load()

	assert.Equal(t, 16, count.GetInt())
	assert.Equal(t, "def", other.GetString())

	require.NoError(t, store.SaveValue("shardgate.other", "x"))
	assert.Contains(t, commands, []string{"HSET", RedisConfigHash, "other", "x"})

	require.NoError(t, store.DeleteValue("shardgate.other"))
	assert.Contains(t, commands, []string{"HDEL", RedisConfigHash, "other"})
}

func TestEnvSourceFile(t *testing.T) {
	f, err := ioutil.TempFile("", "shardgate-token")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	_, err = f.WriteString("file-token\n")
	require.NoError(t, err)
	f.Close()

	os.Setenv("SHARDGATE_TEST_SECRET_FILE", f.Name())
	defer os.Unsetenv("SHARDGATE_TEST_SECRET_FILE")

	env := &EnvSource{}
	assert.Equal(t, "SHARDGATE_TEST_SECRET", env.Key("shardgate.test_secret"))
	assert.Equal(t, "file-token", env.GetValue("shardgate.test_secret"))
	assert.Nil(t, env.GetValue("shardgate.test_missing"))
}
