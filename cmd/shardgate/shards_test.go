package main

import (
	"testing"

	"github.com/botlabs-gg/shardgate/shardmanager"
	"github.com/botlabs-gg/shardgate/spawn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShardIDs(t *testing.T) {
	cases := []struct {
		in   string
		want []int
		err  bool
	}{
		{in: "", want: nil},
		{in: "3", want: []int{3}},
		{in: "0-3,7", want: []int{0, 1, 2, 3, 7}},
		{in: " 1 - 2 , 5 ", want: []int{1, 2, 5}},
		{in: "1-2-3", err: true},
		{in: "a", err: true},
		{in: "1-b", err: true},
	}

	for _, c := range cases {
		got, err := ParseShardIDs(c.in)
		if c.err {
			assert.Error(t, err, c.in)
			continue
		}

		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestPrettyFormatNumberList(t *testing.T) {
	assert.Equal(t, "None", PrettyFormatNumberList(nil))
	assert.Equal(t, "4", PrettyFormatNumberList([]int{4}))
	assert.Equal(t, "0 - 3, 7, 9 - 10", PrettyFormatNumberList([]int{10, 0, 1, 2, 3, 7, 9}))
}

func TestStrategyFromConfig(t *testing.T) {
	defer func() {
		confShardIDs.LoadedValue = ""
		confShardTotal.LoadedValue = 0
		confShardCount.LoadedValue = 0
	}()

	confShardIDs.LoadedValue = ""
	confShardCount.LoadedValue = 0
	s, err := strategyFromConfig()
	require.NoError(t, err)
	assert.Equal(t, spawn.StrategyRecommended, s.Kind)

	confShardCount.LoadedValue = 4
	s, err = strategyFromConfig()
	require.NoError(t, err)
	assert.Equal(t, spawn.Fixed(4), s)

	confShardIDs.LoadedValue = "2-3"
	_, err = strategyFromConfig()
	assert.Error(t, err, "shard total required with ids")

	confShardTotal.LoadedValue = 8
	s, err = strategyFromConfig()
	require.NoError(t, err)
	assert.Equal(t, spawn.Custom(8, 2, 3), s)
}

func TestIdentifyToken(t *testing.T) {
	assert.Equal(t, "abc", identifyToken("Bot abc"))
	assert.Equal(t, "abc", identifyToken(" abc\n"))
}

func TestAllDown(t *testing.T) {
	assert.False(t, allDown(&shardmanager.Status{}))
	assert.False(t, allDown(&shardmanager.Status{Shards: []*shardmanager.ShardStatus{{Down: true}, {}}}))
	assert.True(t, allDown(&shardmanager.Status{Shards: []*shardmanager.ShardStatus{{Down: true}, {Down: true}}}))
}

func TestOptionName(t *testing.T) {
	assert.Equal(t, "shardgate.shard_count", optionName("shard_count"))
	assert.Equal(t, "shardgate.shard_count", optionName(" shardgate.shard_count"))
}
