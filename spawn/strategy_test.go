package spawn

import (
	"context"
	"testing"

	"emperror.dev/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticProvider struct {
	shards, concurrency int
	err                 error
	calls               int
}

func (p *staticProvider) RecommendedShards(ctx context.Context) (int, int, error) {
	p.calls++
	return p.shards, p.concurrency, p.err
}

func TestResolveFixed(t *testing.T) {
	r, err := Fixed(3).Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Total)
	assert.Equal(t, []int{0, 1, 2}, r.IDs)
	assert.Equal(t, 0, r.MaxConcurrency)

	_, err = Fixed(0).Resolve(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrInvalidStrategy))
}

func TestResolveRecommended(t *testing.T) {
	p := &staticProvider{shards: 12, concurrency: 4}
	r, err := Recommended().Resolve(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 12, r.Total)
	assert.Len(t, r.IDs, 12)
	assert.Equal(t, 4, r.MaxConcurrency)
	assert.Equal(t, 1, p.calls)

	_, err = Recommended().Resolve(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrInvalidStrategy))

	boom := errors.New("boom")
	_, err = Recommended().Resolve(context.Background(), &staticProvider{err: boom})
	assert.True(t, errors.Is(err, boom))
}

func TestResolveCustom(t *testing.T) {
	r, err := Custom(10, 7, 2, 2, 5).Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 10, r.Total)
	assert.Equal(t, []int{2, 5, 7}, r.IDs)

	r, err = Custom(4).Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, r.IDs)

	_, err = Custom(4, 4).Resolve(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrInvalidStrategy))
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "fixed(4)", Fixed(4).String())
	assert.Equal(t, "recommended", Recommended().String())
	assert.Equal(t, "custom(8, [1 2])", Custom(8, 1, 2).String())
	assert.Equal(t, "custom(8)", Custom(8).String())
}
