// Package history keeps bounded conversation memory per key (a user or a room).
package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/financegpt/backend/internal/model/chat"
)

// ErrKeyRequired is returned for an empty conversation key.
var ErrKeyRequired = errors.New("conversation key is required")

// Store persists the most recent messages of each conversation.
type Store interface {
	// Append adds messages in order and drops the oldest beyond the limit.
	Append(ctx context.Context, key string, messages ...chat.Message) error
	// Recent returns the retained messages, oldest first.
	Recent(ctx context.Context, key string) ([]chat.Message, error)
	Close() error
}

// UserKey is the memory key of a single-user conversation.
func UserKey(userID string) string {
	return "user:" + userID
}

// RoomKey is the memory key of a group chat room.
func RoomKey(roomID string) string {
	return "room:" + roomID
}

// stamp fills the id and creation time of a message about to be stored.
func stamp(m chat.Message) chat.Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return m
}

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	limit int

	mu       sync.RWMutex
	messages map[string][]chat.Message
}

// NewMemoryStore creates a store retaining at most limit messages per key.
func NewMemoryStore(limit int) *MemoryStore {
	if limit < 1 {
		limit = 1
	}
	return &MemoryStore{
		limit:    limit,
		messages: make(map[string][]chat.Message),
	}
}

func (s *MemoryStore) Append(_ context.Context, key string, messages ...chat.Message) error {
	if key == "" {
		return ErrKeyRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.messages[key]
	for _, m := range messages {
		current = append(current, stamp(m))
	}
	if over := len(current) - s.limit; over > 0 {
		current = append([]chat.Message(nil), current[over:]...)
	}
	s.messages[key] = current
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, key string) ([]chat.Message, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := make([]chat.Message, len(s.messages[key]))
	copy(copied, s.messages[key])
	return copied, nil
}

func (s *MemoryStore) Close() error { return nil }
