package gateway

import (
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// EventHandler receives parsed inbound events. Implementations must return
// quickly; long work belongs on their own goroutines.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, ev Event)

func (f EventHandlerFunc) HandleEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// SecretHeader carries the shared webhook secret when one is configured.
// The secret may also be given as the "secret" query parameter, since
// Evolution webhook settings only take a URL.
const SecretHeader = "X-Webhook-Secret"

const (
	dedupeTTL  = 10 * time.Minute
	dedupeSize = 4096
	maxPayload = 4 << 20
)

// Webhook is the HTTP intake for Evolution webhook deliveries.
type Webhook struct {
	handler EventHandler
	secret  string
	seen    *dedupe
	logger  *slog.Logger
}

// NewWebhook creates a webhook intake. An empty secret disables the check.
func NewWebhook(handler EventHandler, secret string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		handler: handler,
		secret:  secret,
		seen:    newDedupe(dedupeTTL, dedupeSize),
		logger:  logger,
	}
}

// ServeHTTP answers 200 for every authenticated delivery, including ones it
// skips, so that Evolution does not retry them.
func (wh *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !wh.authorized(r) {
		wh.logger.Warn("gateway: webhook rejected, bad secret", slog.String("remote", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayload))
	if err != nil {
		wh.logger.Warn("gateway: webhook read body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusOK)
		return
	}

	ev, ok, err := ParseUpsert(body)
	if err != nil {
		wh.logger.Warn("gateway: webhook payload", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusOK)
		return
	}
	if ok {
		deliver(context.WithoutCancel(r.Context()), wh.handler, wh.seen, ev, wh.logger)
	}
	w.WriteHeader(http.StatusOK)
}

func (wh *Webhook) authorized(r *http.Request) bool {
	if wh.secret == "" {
		return true
	}
	got := r.Header.Get(SecretHeader)
	if got == "" {
		got = r.URL.Query().Get("secret")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(wh.secret)) == 1
}

// deliver hands ev to h unless its message id was seen recently.
func deliver(ctx context.Context, h EventHandler, seen *dedupe, ev Event, logger *slog.Logger) {
	if seen.checkAndMark(ev.MessageID) {
		logger.Debug("gateway: duplicate message dropped", slog.String("message_id", ev.MessageID))
		return
	}
	h.HandleEvent(ctx, ev)
}
