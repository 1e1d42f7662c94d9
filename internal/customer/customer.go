// Package customer maps WhatsApp numbers to persisted customers and records
// their conversations.
package customer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentfi/chatpool/internal/cache"
	"github.com/agentfi/chatpool/internal/gateway"
	"github.com/agentfi/chatpool/internal/store"
)

// defaultNameWait bounds how long a first contact waits for its profile name.
const defaultNameWait = 5 * time.Second

// Resolver finds or creates the customer behind a phone number. Known ids are
// memoized in the cache so repeat callers skip the database entirely.
type Resolver struct {
	cache    cache.Cache
	store    store.CustomerStore
	profiles gateway.ProfileFetcher
	logger   *slog.Logger
	nameWait time.Duration
}

// NewResolver creates a resolver. profiles may be nil, in which case new
// customers are named after their push name or phone number.
func NewResolver(c cache.Cache, s store.CustomerStore, profiles gateway.ProfileFetcher, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cache:    c,
		store:    s,
		profiles: profiles,
		logger:   logger,
		nameWait: defaultNameWait,
	}
}

// ResolveID returns the customer id for phone, creating the customer on first
// contact. pushName is the name the message arrived with and is only used
// when the profile lookup yields nothing.
func (r *Resolver) ResolveID(ctx context.Context, phone, pushName string) (uuid.UUID, error) {
	if cached, ok := r.cache.Lookup(ctx, phone); ok {
		id, err := uuid.Parse(cached)
		if err == nil {
			return id, nil
		}
		r.logger.Warn("customer: ignoring corrupt cache entry",
			slog.String("phone", phone),
			slog.String("value", cached),
		)
	}

	c, err := r.store.FindCustomerByPhone(ctx, phone)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		c, err = r.store.AddCustomer(ctx, phone, r.displayName(ctx, phone, pushName))
		if err != nil {
			return uuid.Nil, fmt.Errorf("customer: create: %w", err)
		}
		r.logger.Info("customer: created",
			slog.String("phone", phone),
			slog.String("username", c.Username),
		)
	default:
		return uuid.Nil, fmt.Errorf("customer: find: %w", err)
	}

	r.cache.Store(ctx, phone, c.ID.String())
	return c.ID, nil
}

// Record appends one question and its reply to the caller's history.
func (r *Resolver) Record(ctx context.Context, phone, pushName, userText, botText string) error {
	id, err := r.ResolveID(ctx, phone, pushName)
	if err != nil {
		return err
	}
	if err := r.store.AppendExchange(ctx, id, userText, botText); err != nil {
		return fmt.Errorf("customer: record exchange: %w", err)
	}
	return nil
}

func (r *Resolver) displayName(ctx context.Context, phone, pushName string) string {
	fallback := pushName
	if fallback == "" {
		fallback = phone
	}
	if r.profiles == nil {
		return fallback
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.nameWait)
	defer cancel()
	select {
	case res := <-gateway.FetchDisplayNameAsync(waitCtx, r.profiles, phone):
		if res.Err != nil {
			r.logger.Debug("customer: profile name unavailable",
				slog.String("phone", phone),
				slog.String("error", res.Err.Error()),
			)
			return fallback
		}
		return res.Name
	case <-waitCtx.Done():
		return fallback
	}
}
