// Package rest calls the chat service's request/response API.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omochice/dank/internal/transport"
	"github.com/omochice/dank/pkg/protocol"
)

// UserAgent is sent with every request.
const UserAgent = "DiscordBot (https://github.com/omochice/dank, 1.0)"

// StatusError is a non-success HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// Client makes REST calls authorized with a bot token.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	log     zerolog.Logger
}

// New creates a client targeting baseURL (e.g. "https://discordapp.com/api").
func New(baseURL, token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("component", "rest").Logger(),
	}
}

// GatewayAddress fetches /gateway/bot and returns the socket URL.
func (c *Client) GatewayAddress(ctx context.Context) (string, error) {
	var gw protocol.Gateway
	if err := c.do(ctx, http.MethodGet, "/gateway/bot", nil, &gw); err != nil {
		return "", err
	}
	if gw.URL == "" {
		return "", &transport.Error{Op: "get gateway", Err: errors.New("empty gateway url")}
	}
	c.log.Debug().Str("url", gw.URL).Int("shards", gw.Shards).Msg("resolved gateway")
	return gw.URL, nil
}

// PostMessage sends POST /channels/{id}/messages with form-encoded content
// and returns the created message.
func (c *Client) PostMessage(ctx context.Context, channelID, content string) (protocol.MessageCreate, error) {
	form := url.Values{}
	form.Set("content", content)
	form.Set("nonce", uuid.NewString())

	var out protocol.MessageCreate
	path := "/channels/" + url.PathEscape(channelID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, form, &out); err != nil {
		return protocol.MessageCreate{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	op := method + " " + path

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &transport.Error{Op: op, Err: err}
	}
	c.setHeaders(req)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &transport.Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Warn().Str("op", op).Int("status", resp.StatusCode).Msg("request failed")
		return &transport.Error{Op: op, Err: &StatusError{StatusCode: resp.StatusCode, Body: string(data)}}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &transport.Error{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
}
