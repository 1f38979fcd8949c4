package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"emperror.dev/errors"
	"github.com/botlabs-gg/shardgate/shardmanager"
	"github.com/hashicorp/go-cleanhttp"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Client struct {
	addr string

	HTTPClient *http.Client
}

func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	return &Client{
		addr:       strings.TrimSuffix(addr, "/"),
		HTTPClient: cleanhttp.DefaultClient(),
	}
}

// APIError is returned when the api responded with an error
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api: %s (HTTP %d)", e.Message, e.Status)
}

func (c *Client) do(ctx context.Context, method string, path string, body []byte, respData interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, bytes.NewReader(body))
	if err != nil {
		return errors.WithStack(err)
	}

	req.Header.Add("content-type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer resp.Body.Close()

	fullBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WithStack(err)
	}

	if resp.StatusCode != http.StatusOK {
		var br BasicResponse
		if err := json.Unmarshal(fullBody, &br); err != nil || br.Message == "" {
			br.Message = strings.TrimSpace(string(fullBody))
		}
		return errors.WithStack(&APIError{Status: resp.StatusCode, Message: br.Message})
	}

	if respData != nil {
		return errors.WithStackIf(json.Unmarshal(fullBody, respData))
	}

	return nil
}

func (c *Client) handleBasicResponse(br *BasicResponse) (msg string, err error) {
	if br.Error {
		return "", errors.New(br.Message)
	}

	return br.Message, nil
}

func (c *Client) GetStatus(ctx context.Context) (*shardmanager.Status, error) {
	var resp StatusResponse
	err := c.do(ctx, "GET", "/status", nil, &resp)
	return resp.Status, err
}

func (c *Client) GetShardStatus(ctx context.Context, shard int) (*shardmanager.ShardStatus, error) {
	var resp ShardStatusResponse
	err := c.do(ctx, "GET", "/status/"+strconv.Itoa(shard), nil, &resp)
	return resp.Shard, err
}

func (c *Client) ReplaceShard(ctx context.Context, shard int) (msg string, err error) {
	body := url.Values{
		"shard": []string{strconv.Itoa(shard)},
	}.Encode()

	var resp BasicResponse
	err = c.do(ctx, "POST", "/replaceshard", []byte(body), &resp)
	if err != nil {
		return "", err
	}

	return c.handleBasicResponse(&resp)
}

func (c *Client) ReconnectShard(ctx context.Context, shard int, forceIdentify bool) (msg string, err error) {
	bodyVals := url.Values{
		"shard": []string{strconv.Itoa(shard)},
	}

	if forceIdentify {
		bodyVals["identify"] = []string{"true"}
	}

	var resp BasicResponse
	err = c.do(ctx, "POST", "/reconnectshard", []byte(bodyVals.Encode()), &resp)
	if err != nil {
		return "", err
	}

	return c.handleBasicResponse(&resp)
}

func (c *Client) Shutdown(ctx context.Context) (msg string, err error) {
	var resp BasicResponse
	err = c.do(ctx, "POST", "/shutdown", nil, &resp)
	if err != nil {
		return "", err
	}

	return c.handleBasicResponse(&resp)
}
