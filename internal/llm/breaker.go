package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned while the breaker rejects calls without
// reaching the provider.
var ErrCircuitOpen = errors.New("llm: circuit open")

// BreakerClient wraps a Client with circuit breaker protection. When the
// provider fails repeatedly every pooled agent fails fast instead of
// queueing slow requests on the bridge.
type BreakerClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker[*ChatResponse]
}

// NewBreakerClient wraps inner. Zero values fall back to 5 failures and a 30s
// open period.
func NewBreakerClient(inner Client, maxFailures int, timeout time.Duration, logger *slog.Logger) *BreakerClient {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	threshold := uint32(maxFailures)

	cb := gobreaker.NewCircuitBreaker[*ChatResponse](gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("llm: circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		// A caller giving up is not a provider failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &BreakerClient{inner: inner, breaker: cb}
}

// Chat routes the request through the breaker.
func (b *BreakerClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := b.breaker.Execute(func() (*ChatResponse, error) {
		return b.inner.Chat(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return resp, err
}

// State returns the current breaker state for the admin snapshot.
func (b *BreakerClient) State() string {
	return b.breaker.State().String()
}

var _ Client = (*BreakerClient)(nil)
