package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Customer is a WhatsApp contact known to the service.
type Customer struct {
	ID        uuid.UUID `json:"id"`
	Phone     string    `json:"phone"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryEntry is one stored conversation message.
type HistoryEntry struct {
	ID         int64           `json:"id"`
	CustomerID uuid.UUID       `json:"customer_id"`
	Message    json.RawMessage `json:"message"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Conversation roles as stored in history documents.
const (
	RoleHuman = "human"
	RoleBot   = "bot"
)

// HistoryMessage is the JSON document stored per message. The shape is the
// one chat-memory readers of the same table already expect.
type HistoryMessage struct {
	Type             string         `json:"type"`
	Content          string         `json:"content"`
	AdditionalKwargs map[string]any `json:"additional_kwargs"`
	ResponseMetadata map[string]any `json:"response_metadata"`
}

// NewHistoryMessage builds a document for role ("human" or "bot").
func NewHistoryMessage(role, content string) HistoryMessage {
	return HistoryMessage{
		Type:             role,
		Content:          content,
		AdditionalKwargs: map[string]any{},
		ResponseMetadata: map[string]any{},
	}
}
