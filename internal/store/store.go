// Package store provides the Postgres access layer for customers and
// conversation history.
package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

//go:embed schema.sql
var schema string

// Store wraps Queries and provides transaction support.
type Store struct {
	pool DBTX
	*Queries
}

// NewStore creates a new Store wrapping the given connection pool.
func NewStore(pool DBTX) *Store {
	return &Store{
		pool:    pool,
		Queries: New(pool),
	}
}

// Migrate creates the tables if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Tx executes fn inside a database transaction. If fn returns an error the
// transaction is rolled back; otherwise it is committed.
func (s *Store) Tx(ctx context.Context, fn func(q *Queries) error) error {
	// If the pool is already a tx (or cannot begin one) fn runs directly.
	beginner, ok := s.pool.(interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	})
	if !ok {
		return fn(s.Queries)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(s.Queries.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Exec exposes raw exec for ad-hoc queries (used sparingly).
func (s *Store) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return s.pool.Exec(ctx, sql, args...)
}

// FindCustomerByPhone returns ErrNotFound for unknown numbers.
func (s *Store) FindCustomerByPhone(ctx context.Context, phone string) (Customer, error) {
	c, err := s.GetCustomerByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Customer{}, ErrNotFound
		}
		return Customer{}, fmt.Errorf("store: find customer: %w", err)
	}
	return c, nil
}

// AddCustomer inserts a customer, returning the existing row when the phone
// is already known.
func (s *Store) AddCustomer(ctx context.Context, phone, username string) (Customer, error) {
	c, err := s.CreateCustomer(ctx, CreateCustomerParams{Phone: phone, Username: username})
	if err != nil {
		return Customer{}, fmt.Errorf("store: create customer: %w", err)
	}
	return c, nil
}

// AppendMessage stores one conversation message for a customer.
func (s *Store) AppendMessage(ctx context.Context, customerID uuid.UUID, role, content string) error {
	doc, err := json.Marshal(NewHistoryMessage(role, content))
	if err != nil {
		return fmt.Errorf("store: marshal message: %w", err)
	}
	if err := s.AppendHistory(ctx, AppendHistoryParams{CustomerID: customerID, Message: doc}); err != nil {
		return fmt.Errorf("store: append history: %w", err)
	}
	return nil
}

// AppendExchange stores a user message and the reply atomically, so history
// never holds a reply without its question.
func (s *Store) AppendExchange(ctx context.Context, customerID uuid.UUID, userText, botText string) error {
	human, err := json.Marshal(NewHistoryMessage(RoleHuman, userText))
	if err != nil {
		return fmt.Errorf("store: marshal message: %w", err)
	}
	bot, err := json.Marshal(NewHistoryMessage(RoleBot, botText))
	if err != nil {
		return fmt.Errorf("store: marshal message: %w", err)
	}
	err = s.Tx(ctx, func(q *Queries) error {
		if err := q.AppendHistory(ctx, AppendHistoryParams{CustomerID: customerID, Message: human}); err != nil {
			return err
		}
		return q.AppendHistory(ctx, AppendHistoryParams{CustomerID: customerID, Message: bot})
	})
	if err != nil {
		return fmt.Errorf("store: append exchange: %w", err)
	}
	return nil
}

// CustomerStore is the persistence surface used by customer bookkeeping.
// Used for dependency injection and testing.
type CustomerStore interface {
	FindCustomerByPhone(ctx context.Context, phone string) (Customer, error)
	AddCustomer(ctx context.Context, phone, username string) (Customer, error)
	AppendExchange(ctx context.Context, customerID uuid.UUID, userText, botText string) error
}

var _ CustomerStore = (*Store)(nil)
