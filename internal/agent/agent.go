// Package agent provides the conversational agents held by the pool.
// An agent keeps its own chat history on top of a shared LLM client.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agentfi/chatpool/internal/llm"
)

// Errors returned by agents.
var (
	ErrClosed     = errors.New("agent: closed")
	ErrEmptyQuery = errors.New("agent: empty query")
)

// Agent is a stateful conversational worker. Implementations must be safe
// for concurrent use, although the router never queries one agent from two
// goroutines at once.
type Agent interface {
	ID() string
	// Query sends text and returns the reply. The exchange becomes part of
	// the agent's context.
	Query(ctx context.Context, text string) (string, error)
	// Reset drops the conversational context. The system prompt is kept.
	Reset(ctx context.Context) error
	// Close releases the agent. Further calls return ErrClosed.
	Close(ctx context.Context) error
}

// Factory creates agents primed with a system prompt.
type Factory interface {
	Create(ctx context.Context, systemPrompt string) (Agent, error)
}

// Options tune agents built by an LLMFactory.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// MaxHistory bounds the number of user/assistant messages kept. 0 means unbounded.
	MaxHistory int
}

// LLMFactory builds ChatAgents sharing one LLM client.
type LLMFactory struct {
	client llm.Client
	opts   Options
}

// NewFactory creates a factory over client.
func NewFactory(client llm.Client, opts Options) *LLMFactory {
	return &LLMFactory{client: client, opts: opts}
}

// Create implements Factory.
func (f *LLMFactory) Create(ctx context.Context, systemPrompt string) (Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("agent: create: %w", err)
	}
	a := &ChatAgent{
		id:     uuid.NewString(),
		client: f.client,
		prompt: strings.TrimSpace(systemPrompt),
		opts:   f.opts,
	}
	slog.Debug("agent: created", slog.String("agent_id", a.id))
	return a, nil
}

// ChatAgent is an Agent backed by a chat completion client.
type ChatAgent struct {
	id     string
	client llm.Client
	prompt string
	opts   Options

	mu      sync.Mutex
	history []llm.Message
	usage   llm.TokenUsage
	closed  bool
}

// ID returns the agent's unique identifier.
func (a *ChatAgent) ID() string { return a.id }

// Query implements Agent. On failure the history is left untouched.
func (a *ChatAgent) Query(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyQuery
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return "", ErrClosed
	}
	msgs := make([]llm.Message, 0, len(a.history)+2)
	if a.prompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: a.prompt})
	}
	msgs = append(msgs, a.history...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
	a.mu.Unlock()

	resp, err := a.client.Chat(ctx, llm.ChatRequest{
		Model:       a.opts.Model,
		Temperature: a.opts.Temperature,
		MaxTokens:   a.opts.MaxTokens,
		Messages:    msgs,
	})
	if err != nil {
		return "", fmt.Errorf("agent: query: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return "", ErrClosed
	}
	a.history = append(a.history,
		llm.Message{Role: llm.RoleUser, Content: text},
		llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
	)
	if limit := a.opts.MaxHistory; limit > 0 && len(a.history) > limit {
		// drop whole exchanges so the history never starts with a reply
		drop := len(a.history) - limit
		drop += drop % 2
		a.history = append([]llm.Message(nil), a.history[drop:]...)
	}
	a.usage.Add(resp.Usage)
	return resp.Content, nil
}

// Reset implements Agent. Accumulated token usage is cleared with the history.
func (a *ChatAgent) Reset(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.history = nil
	a.usage = llm.TokenUsage{}
	return nil
}

// Close implements Agent. Closing twice returns ErrClosed.
func (a *ChatAgent) Close(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.closed = true
	a.history = nil
	return nil
}

// HistoryLen returns the number of messages currently in context.
func (a *ChatAgent) HistoryLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.history)
}

// Usage returns token consumption since creation or the last reset.
func (a *ChatAgent) Usage() llm.TokenUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

var _ Agent = (*ChatAgent)(nil)
