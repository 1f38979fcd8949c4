// Package spawn paces shard handshakes: the initial plan, and the live gate every
// connection attempt goes through.
package spawn

import (
	"context"
	"sync"
	"time"

	"github.com/botlabs-gg/shardgate/common/multiratelimit"
	"github.com/botlabs-gg/shardgate/gateway"
	"golang.org/x/sync/semaphore"
)

// DefaultSpacing is the upstream minimum between handshakes in the same bucket
const DefaultSpacing = time.Second * 5

// BucketLimiter hands out one handshake token per spacing interval per bucket
type BucketLimiter interface {
	Wait(ctx context.Context, bucket int) error
}

// LocalBucketLimiter limits buckets within this process
type LocalBucketLimiter struct {
	limiter *multiratelimit.MultiRatelimiter[int]
}

func NewLocalBucketLimiter(spacing time.Duration) *LocalBucketLimiter {
	return &LocalBucketLimiter{
		limiter: multiratelimit.NewIntervalRatelimiter[int](spacing, 1),
	}
}

func (l *LocalBucketLimiter) Wait(ctx context.Context, bucket int) error {
	return l.limiter.Wait(ctx, bucket)
}

// Scheduler is the live gate shards consult before every connection attempt: at most
// budget attempts are handshaking at once, and attempts in the same bucket get a token
// at most once per spacing
type Scheduler struct {
	budget  int
	spacing time.Duration

	sem     *semaphore.Weighted
	limiter BucketLimiter

	mu       sync.Mutex
	inFlight map[int]int
}

var _ gateway.Gate = (*Scheduler)(nil)

// NewScheduler creates a scheduler, a nil limiter limits buckets locally
func NewScheduler(budget int, spacing time.Duration, limiter BucketLimiter) *Scheduler {
	if budget < 1 {
		budget = 1
	}
	if spacing <= 0 {
		spacing = DefaultSpacing
	}
	if limiter == nil {
		limiter = NewLocalBucketLimiter(spacing)
	}

	return &Scheduler{
		budget:   budget,
		spacing:  spacing,
		sem:      semaphore.NewWeighted(int64(budget)),
		limiter:  limiter,
		inFlight: make(map[int]int),
	}
}

func (s *Scheduler) Budget() int {
	return s.budget
}

func (s *Scheduler) Spacing() time.Duration {
	return s.spacing
}

func (s *Scheduler) Bucket(shardID int) int {
	return shardID % s.budget
}

// Plan computes the initial spawn plan for ids
func (s *Scheduler) Plan(ids []int) Plan {
	return NewPlan(ids, s.budget, s.spacing)
}

// Acquire blocks until shardID may start a handshake. The returned release frees the
// concurrency slot, it is safe to call more than once.
func (s *Scheduler) Acquire(ctx context.Context, shardID int) (release func(), err error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	if err := s.limiter.Wait(ctx, s.Bucket(shardID)); err != nil {
		s.sem.Release(1)
		return nil, err
	}

	s.mu.Lock()
	s.inFlight[shardID]++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.inFlight[shardID]--
			if s.inFlight[shardID] <= 0 {
				delete(s.inFlight, shardID)
			}
			s.mu.Unlock()

			s.sem.Release(1)
		})
	}, nil
}

// InFlight returns the number of handshakes holding a slot
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, v := range s.inFlight {
		n += v
	}
	return n
}

// Handshaking returns the shard ids currently holding a slot
func (s *Scheduler) Handshaking() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]int, 0, len(s.inFlight))
	for id := range s.inFlight {
		result = append(result, id)
	}
	return result
}
