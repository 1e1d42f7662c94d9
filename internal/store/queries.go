package store

import (
	"context"

	"github.com/google/uuid"
)

const getCustomerByPhone = `
SELECT id, phone, username, created_at FROM customers WHERE phone = $1
`

func (q *Queries) GetCustomerByPhone(ctx context.Context, phone string) (Customer, error) {
	row := q.db.QueryRow(ctx, getCustomerByPhone, phone)
	var c Customer
	err := row.Scan(&c.ID, &c.Phone, &c.Username, &c.CreatedAt)
	return c, err
}

// Concurrent first messages from one phone converge on a single row.
const createCustomer = `
INSERT INTO customers (phone, username) VALUES ($1, $2)
ON CONFLICT (phone) DO UPDATE SET username = COALESCE(NULLIF(customers.username, ''), EXCLUDED.username)
RETURNING id, phone, username, created_at
`

type CreateCustomerParams struct {
	Phone    string
	Username string
}

func (q *Queries) CreateCustomer(ctx context.Context, arg CreateCustomerParams) (Customer, error) {
	row := q.db.QueryRow(ctx, createCustomer, arg.Phone, arg.Username)
	var c Customer
	err := row.Scan(&c.ID, &c.Phone, &c.Username, &c.CreatedAt)
	return c, err
}

const appendHistory = `
INSERT INTO chatbot.conversation_history (customer_id, message) VALUES ($1, $2)
`

type AppendHistoryParams struct {
	CustomerID uuid.UUID
	Message    []byte
}

func (q *Queries) AppendHistory(ctx context.Context, arg AppendHistoryParams) error {
	_, err := q.db.Exec(ctx, appendHistory, arg.CustomerID, arg.Message)
	return err
}

const listHistory = `
SELECT id, customer_id, message, created_at FROM chatbot.conversation_history
WHERE customer_id = $1 ORDER BY id DESC LIMIT $2
`

type ListHistoryParams struct {
	CustomerID uuid.UUID
	Limit      int32
}

// ListHistory returns the newest entries first.
func (q *Queries) ListHistory(ctx context.Context, arg ListHistoryParams) ([]HistoryEntry, error) {
	rows, err := q.db.Query(ctx, listHistory, arg.CustomerID, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
