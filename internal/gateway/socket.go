package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"

	"github.com/agentfi/chatpool/pkg/config"
)

// Engine.IO / Socket.IO v4 packet prefixes used by the Evolution event stream.
const (
	eioOpen      = "0"
	eioPing      = "2"
	eioPong      = "3"
	sioConnect   = "40"
	sioClose     = "41"
	sioEvent     = "42"
	sioConnError = "44"
)

var ErrSocketRejected = errors.New("gateway: socket namespace rejected")

// Socket is the websocket intake. It joins the instance namespace of the
// Evolution Socket.IO server and forwards messages.upsert events. Dropped
// connections are re-established with exponential backoff until the context
// passed to Run is cancelled.
type Socket struct {
	baseURL  string
	apiKey   string
	instance string
	handler  EventHandler
	seen     *dedupe
	logger   *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewSocket creates a websocket intake for the configured instance.
func NewSocket(cfg config.GatewayConfig, handler EventHandler, logger *slog.Logger) *Socket {
	if logger == nil {
		logger = slog.Default()
	}
	return &Socket{
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		apiKey:     cfg.APIKey,
		instance:   cfg.Instance,
		handler:    handler,
		seen:       newDedupe(dedupeTTL, dedupeSize),
		logger:     logger,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Run blocks until ctx is cancelled.
func (s *Socket) Run(ctx context.Context) error {
	backoff := s.minBackoff
	for {
		start := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// A session that stayed up for a while resets the backoff.
		if time.Since(start) > s.maxBackoff {
			backoff = s.minBackoff
		}
		s.logger.Warn("gateway: socket disconnected",
			slog.String("error", fmt.Sprint(err)),
			slog.Duration("retry_in", backoff),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

func (s *Socket) session(ctx context.Context) error {
	endpoint, err := s.endpoint()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{"apikey": []string{s.apiKey}},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(maxPayload)

	nsp := "/" + s.instance
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		frame := string(data)

		switch {
		case strings.HasPrefix(frame, eioOpen):
			if err := conn.Write(ctx, websocket.MessageText, []byte(sioConnect+nsp+",")); err != nil {
				return fmt.Errorf("join namespace: %w", err)
			}
		case frame == eioPing:
			if err := conn.Write(ctx, websocket.MessageText, []byte(eioPong)); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
		case frame == sioClose || strings.HasPrefix(frame, sioClose+"/"):
			return errors.New("namespace closed by server")
		case strings.HasPrefix(frame, sioConnError):
			return fmt.Errorf("%w: %s", ErrSocketRejected, frame)
		case strings.HasPrefix(frame, sioConnect):
			s.logger.Info("gateway: socket connected", slog.String("namespace", nsp))
		case strings.HasPrefix(frame, sioEvent):
			s.handleFrame(ctx, frame)
		}
	}
}

func (s *Socket) handleFrame(ctx context.Context, frame string) {
	name, payload, ok := splitEventFrame(frame)
	if !ok || normalizeEvent(name) != EventMessagesUpsert {
		return
	}
	ev, ok, err := ParseUpsert([]byte(payload))
	if err != nil {
		s.logger.Warn("gateway: socket payload", slog.String("error", err.Error()))
		return
	}
	if ok {
		deliver(ctx, s.handler, s.seen, ev, s.logger)
	}
}

// splitEventFrame decodes `42/nsp,["name",{...}]` into the event name and
// its first argument.
func splitEventFrame(frame string) (string, string, bool) {
	rest := strings.TrimPrefix(frame, sioEvent)
	if strings.HasPrefix(rest, "/") {
		i := strings.IndexByte(rest, ',')
		if i < 0 {
			return "", "", false
		}
		rest = rest[i+1:]
	}
	// An optional ack id precedes the array.
	rest = strings.TrimLeft(rest, "0123456789")
	if !gjson.Valid(rest) {
		return "", "", false
	}
	arr := gjson.Parse(rest)
	if !arr.IsArray() {
		return "", "", false
	}
	return arr.Get("0").String(), arr.Get("1").Raw, true
}

func (s *Socket) endpoint() (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"
	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	q.Set("apikey", s.apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
