package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"emperror.dev/errors"
	"github.com/botlabs-gg/shardgate/gateway"
	"github.com/botlabs-gg/shardgate/shardmanager"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeManager struct {
	mu         sync.Mutex
	replaced   []int
	reconnects map[int]bool
	shutdowns  int

	replaceErr  error
	extraShards int
}

func (f *fakeManager) GetFullStatus() *shardmanager.Status {
	f.mu.Lock()
	extra := f.extraShards
	f.mu.Unlock()

	st := f.baseStatus()
	for i := 0; i < extra; i++ {
		st.Shards = append(st.Shards, &shardmanager.ShardStatus{ShardID: 2 + i, Stats: gateway.Stats{ShardID: 2 + i}})
	}
	return st
}

func (f *fakeManager) baseStatus() *shardmanager.Status {
	return &shardmanager.Status{
		Total: 2,
		Ready: true,
		Shards: []*shardmanager.ShardStatus{
			{ShardID: 0, InstanceID: "100", Started: true, Stats: gateway.Stats{ShardID: 0, State: gateway.StateConnected, SessionID: "a", Sequence: 10}},
			{ShardID: 1, InstanceID: "101", Started: true, Stats: gateway.Stats{ShardID: 1, State: gateway.StateResuming}},
		},
	}
}

func (f *fakeManager) ReplaceShard(ctx context.Context, shardID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if shardID > 1 {
		return errors.WithStack(shardmanager.ErrUnknownShard)
	}
	if f.replaceErr != nil {
		return f.replaceErr
	}

	f.replaced = append(f.replaced, shardID)
	return nil
}

func (f *fakeManager) ReconnectShard(shardID int, forceIdentify bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if shardID > 1 {
		return errors.WithStack(shardmanager.ErrUnknownShard)
	}

	f.reconnects[shardID] = forceIdentify
	return nil
}

func (f *fakeManager) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.shutdowns++
	f.mu.Unlock()
	return nil
}

func setup(t *testing.T) (*fakeManager, *Client) {
	fm, srv := setupServer(t)
	return fm, NewClient(srv.URL)
}

func setupServer(t *testing.T) (*fakeManager, *httptest.Server) {
	gin.SetMode(gin.TestMode)

	fm := &fakeManager{reconnects: make(map[int]bool)}
	srv := httptest.NewServer(NewRESTAPI(fm, "").Handler())
	t.Cleanup(srv.Close)

	return fm, srv
}

func TestStatusGzipped(t *testing.T) {
	fm, srv := setupServer(t)
	fm.mu.Lock()
	fm.extraShards = 100
	fm.mu.Unlock()

	req, err := http.NewRequest("GET", srv.URL+"/status", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")

	hc := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	resp, err := hc.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	// the client decompresses transparently
	status, err := NewClient(srv.URL).GetStatus(context.Background())
	require.NoError(t, err)
	assert.Len(t, status.Shards, 102)
}

func TestGetStatus(t *testing.T) {
	_, client := setup(t)

	status, err := client.GetStatus(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, status.Total)
	assert.True(t, status.Ready)
	require.Len(t, status.Shards, 2)
	assert.Equal(t, gateway.StateConnected, status.Shards[0].Stats.State)
	assert.Equal(t, int64(10), status.Shards[0].Stats.Sequence)
	assert.Equal(t, gateway.StateResuming, status.Shards[1].Stats.State)
}

func TestGetShardStatus(t *testing.T) {
	_, client := setup(t)

	st, err := client.GetShardStatus(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "101", st.InstanceID)

	_, err = client.GetShardStatus(context.Background(), 7)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Contains(t, apiErr.Message, "unknown shard")
}

func TestReplaceShard(t *testing.T) {
	fm, client := setup(t)

	msg, err := client.ReplaceShard(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "replaced shard 1", msg)
	assert.Equal(t, []int{1}, fm.replaced)

	fm.replaceErr = errors.WithMessage(errors.WithStack(shardmanager.ErrSpawnTimeout), "shard 0")
	_, err = client.ReplaceShard(context.Background(), 0)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusGatewayTimeout, apiErr.Status)
}

func TestReconnectShard(t *testing.T) {
	fm, client := setup(t)

	_, err := client.ReconnectShard(context.Background(), 0, false)
	require.NoError(t, err)
	_, err = client.ReconnectShard(context.Background(), 1, true)
	require.NoError(t, err)

	assert.Equal(t, map[int]bool{0: false, 1: true}, fm.reconnects)
}

func TestBadShardParam(t *testing.T) {
	_, client := setup(t)

	err := client.do(context.Background(), "POST", "/replaceshard", []byte("shard=abc"), nil)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, apiErr.Message, "parse-shardid")

	err = client.do(context.Background(), "POST", "/reconnectshard", nil, nil)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestShutdown(t *testing.T) {
	fm, client := setup(t)

	msg, err := client.Shutdown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shut down all shards", msg)
	assert.Equal(t, 1, fm.shutdowns)
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{shardmanager.ErrUnknownShard, http.StatusNotFound},
		{shardmanager.ErrReplaceInProgress, http.StatusConflict},
		{shardmanager.ErrShardNotRunning, http.StatusConflict},
		{shardmanager.ErrShuttingDown, http.StatusServiceUnavailable},
		{shardmanager.ErrNotStarted, http.StatusServiceUnavailable},
		{errors.WithMessage(shardmanager.ErrSpawnTimeout, "x"), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, c := range cases {
		assert.Equal(t, c.status, errorStatus(c.err), c.err.Error())
	}
}
