package chat

import (
	"errors"
	"strings"
	"time"
)

// Roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// AssistantName labels assistant turns in room transcripts.
const AssistantName = "FinanceGPT"

// ErrNoMessages is returned for a request without a usable last message.
var ErrNoMessages = errors.New("invalid or empty messages array")

// Message is one conversation turn as sent over the wire and persisted.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	UserID    string    `json:"userId,omitempty"`
	Username  string    `json:"username,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// Label is the speaker name used when a transcript is flattened into a prompt.
func (m Message) Label() string {
	if m.Role == RoleAssistant {
		return "Assistant"
	}
	if m.Username != "" {
		return m.Username
	}
	return "User"
}

// Request is the body of the chat endpoints.
type Request struct {
	Messages []Message `json:"messages"`
}

// Validate checks that the request ends with a non-empty user turn.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}
	last := r.Messages[len(r.Messages)-1]
	if strings.TrimSpace(last.Content) == "" {
		return ErrNoMessages
	}
	if last.Role != "" && last.Role != RoleUser {
		return ErrNoMessages
	}
	return nil
}

// UserID returns the id of the first message, or "default".
func (r Request) UserID() string {
	for _, m := range r.Messages {
		if m.UserID != "" {
			return m.UserID
		}
	}
	return "default"
}

// Response is the body of the non-streaming chat endpoint.
type Response struct {
	Content string `json:"content"`
}
