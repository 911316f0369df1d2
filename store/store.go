// Package store persists conversations and their messages. It serves two
// roles for the streaming path: the history provider (ordered prior turns for
// a conversation) and the persistence sink (finished or partial assistant
// messages with their terminal status).
package store

import (
	"context"
	"errors"
	"time"
)

// MessageStatus records how the exchange that produced a message ended.
// Partial text from failed or cancelled streams is stored, not discarded;
// the status is its annotation.
type MessageStatus string

const (
	StatusCompleted MessageStatus = "completed"
	StatusErrored   MessageStatus = "errored"
	StatusAborted   MessageStatus = "aborted"
	StatusTimedOut  MessageStatus = "timed_out"
)

// Conversation is one chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one persisted turn.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Role           string        `json:"role"`
	Content        string        `json:"content"`
	Model          string        `json:"model,omitempty"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Store defines the interface for conversation persistence.
type Store interface {
	CreateConversation(ctx context.Context, title string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]*Conversation, error)
	RenameConversation(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error

	// AppendMessage stores a message at the end of its conversation.
	AppendMessage(ctx context.Context, m *Message) error
	// ListMessages returns a conversation's messages in append order.
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
}
