package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"emperror.dev/errors"
	"github.com/botlabs-gg/shardgate/spawn"
)

// ParseShardIDs parses a list like "0-9,25" into the shard ids it names
func ParseShardIDs(str string) ([]int, error) {
	if strings.TrimSpace(str) == "" {
		return nil, nil
	}

	split := strings.Split(str, ",")

	shards := make([]int, 0)
	for _, v := range split {
		if strings.Contains(v, "-") {
			minMaxSplit := strings.Split(v, "-")
			if len(minMaxSplit) != 2 {
				return nil, errors.Errorf("invalid min max format in shard ids: %q", v)
			}

			min, err := strconv.Atoi(strings.TrimSpace(minMaxSplit[0]))
			if err != nil {
				return nil, errors.WithMessagef(err, "invalid number min in shard ids: %q", v)
			}

			max, err := strconv.Atoi(strings.TrimSpace(minMaxSplit[1]))
			if err != nil {
				return nil, errors.WithMessagef(err, "invalid number max in shard ids: %q", v)
			}

			for i := min; i <= max; i++ {
				shards = append(shards, i)
			}
		} else {
			parsed, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, errors.WithMessagef(err, "invalid shard number in shard ids: %q", v)
			}

			shards = append(shards, parsed)
		}
	}

	return shards, nil
}

// strategyFromConfig picks the shard strategy: an explicit id list, a fixed count, or the
// recommended count
func strategyFromConfig() (spawn.Strategy, error) {
	ids, err := ParseShardIDs(confShardIDs.GetString())
	if err != nil {
		return spawn.Strategy{}, err
	}

	if len(ids) > 0 {
		total := confShardTotal.GetInt()
		if total < 1 {
			return spawn.Strategy{}, errors.New("SHARDGATE_SHARD_TOTAL needs to be set when running a subset of shards")
		}
		return spawn.Custom(total, ids...), nil
	}

	if n := confShardCount.GetInt(); n > 0 {
		return spawn.Fixed(n), nil
	}

	return spawn.Recommended(), nil
}

func PrettyFormatNumberList(numbers []int) string {
	if len(numbers) < 1 {
		return "None"
	}

	sort.Ints(numbers)

	var out []string

	last := 0
	seqStart := 0
	for i, n := range numbers {
		if i == 0 {
			last = n
			seqStart = n
			continue
		}

		if n > last+1 {
			// break in sequence
			if seqStart != last {
				out = append(out, fmt.Sprintf("%d - %d", seqStart, last))
			} else {
				out = append(out, fmt.Sprintf("%d", last))
			}

			seqStart = n
		}

		last = n
	}

	if seqStart != last {
		out = append(out, fmt.Sprintf("%d - %d", seqStart, last))
	} else {
		out = append(out, fmt.Sprintf("%d", last))
	}

	return strings.Join(out, ", ")
}
