// Package gateway talks to an Evolution API instance: outbound text and
// presence through its REST API, inbound message events through a webhook
// or its websocket stream.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/agentfi/chatpool/pkg/config"
)

// Errors returned by the gateway client.
var (
	ErrNoProfileName = errors.New("gateway: profile has no name")
	ErrAPI           = errors.New("gateway: api error")
)

// Presence values understood by WhatsApp.
const (
	PresenceComposing = "composing"
	PresencePaused    = "paused"
)

// Sender delivers messages to a WhatsApp number.
type Sender interface {
	SendText(ctx context.Context, number, text string) error
	SendPresence(ctx context.Context, number, presence string, delay time.Duration) error
}

// ProfileFetcher resolves a number to its WhatsApp display name.
type ProfileFetcher interface {
	FetchDisplayName(ctx context.Context, number string) (string, error)
}

// Client is an Evolution API REST client. Outbound calls share one rate
// limiter so bursts of replies stay within the instance's send budget.
type Client struct {
	baseURL    string
	apiKey     string
	instance   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a client for the configured instance.
func NewClient(cfg config.GatewayConfig) *Client {
	rpm := cfg.SendRPM
	if rpm <= 0 {
		rpm = 600
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.APIURL, "/"),
		apiKey:   cfg.APIKey,
		instance: cfg.Instance,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst),
	}
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, number, text string) error {
	_, err := c.post(ctx, "/message/sendText/", map[string]any{
		"number": number,
		"text":   text,
	})
	if err != nil {
		return fmt.Errorf("gateway: send text: %w", err)
	}
	return nil
}

// SendPresence shows a presence state (e.g. typing) for delay.
func (c *Client) SendPresence(ctx context.Context, number, presence string, delay time.Duration) error {
	_, err := c.post(ctx, "/chat/sendPresence/", map[string]any{
		"number":   number,
		"presence": presence,
		"delay":    delay.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("gateway: send presence: %w", err)
	}
	return nil
}

// FetchDisplayName returns the profile name of number.
func (c *Client) FetchDisplayName(ctx context.Context, number string) (string, error) {
	body, err := c.post(ctx, "/chat/fetchProfile/", map[string]any{"number": number})
	if err != nil {
		return "", fmt.Errorf("gateway: fetch profile: %w", err)
	}
	name := strings.TrimSpace(gjson.GetBytes(body, "name").String())
	if name == "" {
		return "", ErrNoProfileName
	}
	return name, nil
}

// NameResult is the outcome of an asynchronous profile lookup.
type NameResult struct {
	Name string
	Err  error
}

// FetchDisplayNameAsync runs FetchDisplayName in the background. The channel
// receives exactly one result and is then closed.
func FetchDisplayNameAsync(ctx context.Context, f ProfileFetcher, number string) <-chan NameResult {
	ch := make(chan NameResult, 1)
	go func() {
		defer close(ch)
		name, err := f.FetchDisplayName(ctx, number)
		ch <- NameResult{Name: name, Err: err}
	}()
	return ch
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	endpoint := c.baseURL + path + url.PathEscape(c.instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	slog.Debug("gateway: api call",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Int("duration_ms", int(time.Since(start).Milliseconds())),
	)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrAPI, resp.StatusCode, truncate(string(respBody), 200))
	}
	return respBody, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

var (
	_ Sender         = (*Client)(nil)
	_ ProfileFetcher = (*Client)(nil)
)
