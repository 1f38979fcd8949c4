package spawn

import (
	"sort"
	"time"
)

// PlanEntry is the earliest time, relative to the start of spawning, a shard may start
type PlanEntry struct {
	ShardID int           `json:"shard_id"`
	Start   time.Duration `json:"start"`
}

// Plan is ordered by start time, ties by shard id
type Plan []PlanEntry

// NewPlan schedules ids greedily: bucket b is id mod budget, the k-th shard of a bucket
// starts at k*spacing, and bucket b is offset by b*spacing/budget so the buckets
// interleave evenly over a spacing period.
func NewPlan(ids []int, budget int, spacing time.Duration) Plan {
	if budget < 1 {
		budget = 1
	}

	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)

	inBucket := make(map[int]int)
	plan := make(Plan, 0, len(sorted))
	for _, id := range sorted {
		b := id % budget
		k := inBucket[b]
		inBucket[b]++

		start := time.Duration(k)*spacing + time.Duration(b)*spacing/time.Duration(budget)
		plan = append(plan, PlanEntry{ShardID: id, Start: start})
	}

	sort.SliceStable(plan, func(i, j int) bool {
		if plan[i].Start == plan[j].Start {
			return plan[i].ShardID < plan[j].ShardID
		}
		return plan[i].Start < plan[j].Start
	})

	return plan
}

// Duration is the start offset of the last shard
func (p Plan) Duration() time.Duration {
	if len(p) == 0 {
		return 0
	}
	return p[len(p)-1].Start
}

// Buckets groups the plan by bucket, each bucket in start order
func (p Plan) Buckets(budget int) map[int][]PlanEntry {
	if budget < 1 {
		budget = 1
	}

	result := make(map[int][]PlanEntry)
	for _, e := range p {
		b := e.ShardID % budget
		result[b] = append(result[b], e)
	}
	return result
}
