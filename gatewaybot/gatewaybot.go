// Package gatewaybot fetches the recommended shard count and session start limits
package gatewaybot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/shardgate/common"
	"github.com/botlabs-gg/shardgate/gateway"
	"github.com/botlabs-gg/shardgate/spawn"
	"github.com/hashicorp/go-cleanhttp"
	jsoniter "github.com/json-iterator/go"
	"github.com/patrickmn/go-cache"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultAPIBase  = "https://discord.com/api/v10"
	DefaultCacheTTL = time.Second * 30
)

// GatewayBotResponse is the response of GET /gateway/bot
type GatewayBotResponse struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

type SessionStartLimit struct {
	Total      int   `json:"total"`
	Remaining  int   `json:"remaining"`
	ResetAfter int64 `json:"reset_after"`

	// MaxConcurrency is the number of identify buckets
	MaxConcurrency int `json:"max_concurrency"`
}

// ResetIn is how long until Remaining resets
func (s SessionStartLimit) ResetIn() time.Duration {
	return time.Duration(s.ResetAfter) * time.Millisecond
}

// RESTError is returned for unexpected response statuses
type RESTError struct {
	Status int
	Body   []byte
}

func (r *RESTError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", r.Status, strings.TrimSpace(string(r.Body)))
}

// RateLimitError is returned on 429
type RateLimitError struct {
	RetryAfter time.Duration
	Global     bool
}

func (r *RateLimitError) Error() string {
	return fmt.Sprintf("ratelimited, retry after %s (global: %t)", r.RetryAfter, r.Global)
}

type Client struct {
	HTTPClient *http.Client
	APIBase    string
	Token      string
	UserAgent  string

	// RecommendedShards reuses a GatewayBot response younger than CacheTTL, 0 disables it
	CacheTTL time.Duration
	cache    *cache.Cache
}

var _ spawn.ShardCountProvider = (*Client)(nil)

func NewClient(token string) *Client {
	hc := cleanhttp.DefaultPooledClient()
	hc.Transport = &common.LoggingTransport{Inner: hc.Transport}

	return &Client{
		HTTPClient: hc,
		APIBase:    DefaultAPIBase,
		Token:      token,
		UserAgent:  "DiscordBot (https://github.com/botlabs-gg/shardgate, 1)",
		CacheTTL:   DefaultCacheTTL,
		cache:      cache.New(DefaultCacheTTL, time.Minute),
	}
}

// AuthHeader returns the authorization header value for a bot token
func AuthHeader(token string) string {
	if strings.HasPrefix(token, "Bot ") {
		return token
	}
	return "Bot " + token
}

// GatewayBot fetches the gateway url, recommended shard count and session start limits
func (c *Client) GatewayBot(ctx context.Context) (*GatewayBotResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.APIBase, "/")+"/gateway/bot", nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	req.Header.Set("Authorization", AuthHeader(c.Token))
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	client := c.HTTPClient
	if client == nil {
		client = cleanhttp.DefaultClient()
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.WithMessage(err, "GatewayBot")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithMessage(err, "GatewayBot: reading body")
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, errors.WithMessage(errors.WithStack(gateway.ErrAuthenticationRejected), (&RESTError{Status: resp.StatusCode, Body: body}).Error())
	case http.StatusTooManyRequests:
		var rl struct {
			RetryAfter float64 `json:"retry_after"`
			Global     bool    `json:"global"`
		}
		json.Unmarshal(body, &rl)
		return nil, errors.WithStack(&RateLimitError{
			RetryAfter: time.Duration(rl.RetryAfter * float64(time.Second)),
			Global:     rl.Global,
		})
	default:
		return nil, errors.WithStack(&RESTError{Status: resp.StatusCode, Body: body})
	}

	var result GatewayBotResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, errors.WithMessage(err, "GatewayBot: decoding response")
	}

	if c.cache != nil && c.CacheTTL > 0 {
		c.cache.Set(c.cacheKey(), &result, c.CacheTTL)
	}

	return &result, nil
}

func (c *Client) cacheKey() string {
	return c.APIBase + "|" + c.Token
}

func (c *Client) cachedGatewayBot(ctx context.Context) (*GatewayBotResponse, error) {
	if c.cache != nil && c.CacheTTL > 0 {
		if v, ok := c.cache.Get(c.cacheKey()); ok {
			return v.(*GatewayBotResponse), nil
		}
	}

	return c.GatewayBot(ctx)
}

// RecommendedShards implements spawn.ShardCountProvider
func (c *Client) RecommendedShards(ctx context.Context) (shards int, maxConcurrency int, err error) {
	resp, err := c.cachedGatewayBot(ctx)
	if err != nil {
		return 0, 0, err
	}

	shards = resp.Shards
	if shards < 1 {
		shards = 1
	}

	maxConcurrency = resp.SessionStartLimit.MaxConcurrency
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	return shards, maxConcurrency, nil
}
