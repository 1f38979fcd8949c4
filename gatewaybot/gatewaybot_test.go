package gatewaybot

import (
	"context"
	"net/http"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/shardgate/gateway"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testURL = "https://discord.test/api/v10/gateway/bot"

func newTestClient(t *testing.T) *Client {
	c := NewClient("abc")
	c.APIBase = "https://discord.test/api/v10/"

	httpmock.ActivateNonDefault(c.HTTPClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func TestGatewayBot(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("GET", testURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bot abc", req.Header.Get("Authorization"))
		return httpmock.NewStringResponse(200, `{
			"url": "wss://gateway.discord.gg",
			"shards": 9,
			"session_start_limit": {"total": 1000, "remaining": 999, "reset_after": 14400000, "max_concurrency": 16}
		}`), nil
	})

	resp, err := c.GatewayBot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.discord.gg", resp.URL)
	assert.Equal(t, 9, resp.Shards)
	assert.Equal(t, 999, resp.SessionStartLimit.Remaining)
	assert.Equal(t, time.Hour*4, resp.SessionStartLimit.ResetIn())

	shards, concurrency, err := c.RecommendedShards(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, shards)
	assert.Equal(t, 16, concurrency)

	// served from the cache
	assert.Equal(t, 1, httpmock.GetTotalCallCount())

	c.CacheTTL = 0
	_, _, err = c.RecommendedShards(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestRecommendedShardsMinimums(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", testURL, httpmock.NewStringResponder(200, `{"url":"wss://x","shards":0}`))

	shards, concurrency, err := c.RecommendedShards(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, shards)
	assert.Equal(t, 1, concurrency)
}

func TestGatewayBotUnauthorized(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", testURL, httpmock.NewStringResponder(401, `{"message": "401: Unauthorized", "code": 0}`))

	_, _, err := c.RecommendedShards(context.Background())
	assert.True(t, errors.Is(err, gateway.ErrAuthenticationRejected), "got %v", err)
	assert.True(t, gateway.IsFatal(err))
}

func TestGatewayBotRatelimited(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", testURL, httpmock.NewStringResponder(429, `{"retry_after": 1.5, "global": true}`))

	_, err := c.GatewayBot(context.Background())

	var rl *RateLimitError
	require.True(t, errors.As(err, &rl), "got %v", err)
	assert.Equal(t, time.Millisecond*1500, rl.RetryAfter)
	assert.True(t, rl.Global)
}

func TestGatewayBotServerError(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", testURL, httpmock.NewStringResponder(502, "bad gateway\n"))

	_, err := c.GatewayBot(context.Background())

	var re *RESTError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 502, re.Status)
	assert.Equal(t, "HTTP 502: bad gateway", re.Error())
}

func TestAuthHeader(t *testing.T) {
	assert.Equal(t, "Bot abc", AuthHeader("abc"))
	assert.Equal(t, "Bot abc", AuthHeader("Bot abc"))
}
