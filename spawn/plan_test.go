package spawn

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(n int) []int {
	result := make([]int, n)
	for i := range result {
		result[i] = i
	}
	return result
}

func TestNewPlan(t *testing.T) {
	plan := NewPlan(ids(8), 4, time.Second*4)

	assert.Equal(t, Plan{
		{ShardID: 0, Start: 0},
		{ShardID: 1, Start: time.Second},
		{ShardID: 2, Start: time.Second * 2},
		{ShardID: 3, Start: time.Second * 3},
		{ShardID: 4, Start: time.Second * 4},
		{ShardID: 5, Start: time.Second * 5},
		{ShardID: 6, Start: time.Second * 6},
		{ShardID: 7, Start: time.Second * 7},
	}, plan)
	assert.Equal(t, time.Second*7, plan.Duration())
}

func TestNewPlanBudgetOne(t *testing.T) {
	plan := NewPlan([]int{2, 0, 1}, 1, time.Second*5)

	assert.Equal(t, Plan{
		{ShardID: 0, Start: 0},
		{ShardID: 1, Start: time.Second * 5},
		{ShardID: 2, Start: time.Second * 10},
	}, plan)
}

func TestNewPlanSubset(t *testing.T) {
	// a process running every other shard still spaces within the bucket
	plan := NewPlan([]int{1, 3, 5, 7}, 2, time.Second*2)

	require.Len(t, plan, 4)
	for i, e := range plan {
		assert.Equal(t, 1, e.ShardID%2)
		assert.Equal(t, time.Second+time.Duration(i)*time.Second*2, e.Start)
	}

	assert.Empty(t, NewPlan(nil, 4, time.Second))
	assert.Equal(t, time.Duration(0), NewPlan(nil, 4, time.Second).Duration())
}

// maxOverlap is the highest number of [start, start+d) intervals overlapping at any point
func maxOverlap(plan Plan, d time.Duration) int {
	type point struct {
		at    time.Duration
		delta int
	}

	var points []point
	for _, e := range plan {
		points = append(points, point{e.Start, 1}, point{e.Start + d, -1})
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].at == points[j].at {
			return points[i].delta < points[j].delta
		}
		return points[i].at < points[j].at
	})

	cur, max := 0, 0
	for _, p := range points {
		cur += p.delta
		if cur > max {
			max = cur
		}
	}
	return max
}

func TestPlanInvariants(t *testing.T) {
	spacing := time.Second * 5

	for _, total := range []int{1, 2, 7, 16, 33, 100} {
		for _, budget := range []int{1, 2, 4, 16} {
			t.Run(fmt.Sprintf("%d/%d", total, budget), func(t *testing.T) {
				plan := NewPlan(ids(total), budget, spacing)
				require.Len(t, plan, total)

				for i := 1; i < len(plan); i++ {
					assert.LessOrEqual(t, plan[i-1].Start, plan[i].Start, "ordered by start")
				}

				for b, entries := range plan.Buckets(budget) {
					for i := 1; i < len(entries); i++ {
						assert.GreaterOrEqual(t, entries[i].Start-entries[i-1].Start, spacing, "bucket %d", b)
					}
				}

				// handshakes taking up to a full spacing never exceed the budget
				assert.LessOrEqual(t, maxOverlap(plan, spacing), budget)
			})
		}
	}
}
