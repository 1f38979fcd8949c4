package spawn

import (
	"context"
	"fmt"
	"sort"

	"emperror.dev/errors"
)

type StrategyKind int

const (
	StrategyFixed StrategyKind = iota
	StrategyRecommended
	StrategyCustom
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyFixed:
		return "fixed"
	case StrategyRecommended:
		return "recommended"
	case StrategyCustom:
		return "custom"
	}

	return "unknown"
}

// Strategy decides how many shards there are in total and which of them this process runs
type Strategy struct {
	Kind  StrategyKind
	Total int
	IDs   []int
}

// Fixed runs shards 0..n-1 out of n
func Fixed(n int) Strategy {
	return Strategy{Kind: StrategyFixed, Total: n}
}

// Recommended runs every shard of the count the upstream service recommends
func Recommended() Strategy {
	return Strategy{Kind: StrategyRecommended}
}

// Custom runs only ids out of total, all of them if ids is empty
func Custom(total int, ids ...int) Strategy {
	return Strategy{Kind: StrategyCustom, Total: total, IDs: ids}
}

func (s Strategy) String() string {
	switch s.Kind {
	case StrategyRecommended:
		return "recommended"
	case StrategyCustom:
		if len(s.IDs) > 0 {
			return fmt.Sprintf("custom(%d, %v)", s.Total, s.IDs)
		}
	}

	return fmt.Sprintf("%s(%d)", s.Kind, s.Total)
}

// ShardCountProvider reports the recommended shard count and the handshake concurrency
// allowed for the credential
type ShardCountProvider interface {
	RecommendedShards(ctx context.Context) (shards int, maxConcurrency int, err error)
}

var ErrInvalidStrategy = errors.NewPlain("invalid shard strategy")

// Resolved is the outcome of resolving a Strategy
type Resolved struct {
	Total int
	IDs   []int

	// MaxConcurrency is what the provider reported, 0 if it was not asked
	MaxConcurrency int
}

// Resolve computes the shard total and the ids to run. The provider is only asked for
// the recommended strategy, it may be nil otherwise.
func (s Strategy) Resolve(ctx context.Context, provider ShardCountProvider) (*Resolved, error) {
	r := &Resolved{Total: s.Total}

	switch s.Kind {
	case StrategyRecommended:
		if provider == nil {
			return nil, errors.WithMessage(errors.WithStack(ErrInvalidStrategy), "recommended strategy without a shard count provider")
		}

		shards, maxConcurrency, err := provider.RecommendedShards(ctx)
		if err != nil {
			return nil, errors.WithMessage(err, "failed fetching recommended shard count")
		}

		r.Total = shards
		r.MaxConcurrency = maxConcurrency
	case StrategyFixed, StrategyCustom:
	default:
		return nil, errors.WithMessage(errors.WithStack(ErrInvalidStrategy), "unknown kind "+s.Kind.String())
	}

	if r.Total < 1 {
		return nil, errors.WithMessage(errors.WithStack(ErrInvalidStrategy), fmt.Sprintf("shard total %d", r.Total))
	}

	if s.Kind == StrategyCustom && len(s.IDs) > 0 {
		seen := make(map[int]bool)
		for _, id := range s.IDs {
			if id < 0 || id >= r.Total {
				return nil, errors.WithMessage(errors.WithStack(ErrInvalidStrategy), fmt.Sprintf("shard id %d out of range for total %d", id, r.Total))
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			r.IDs = append(r.IDs, id)
		}
		sort.Ints(r.IDs)
		return r, nil
	}

	r.IDs = make([]int, r.Total)
	for i := range r.IDs {
		r.IDs[i] = i
	}

	return r, nil
}
