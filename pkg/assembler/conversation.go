// Package assembler keeps the ordered message list of one conversation and
// applies streamed assistant output to it.
package assembler

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/financegpt/backend/pkg/streamreader"
)

// InterruptionNotice is appended to an assistant message whose stream failed.
const InterruptionNotice = "\n\n(Error: the response was interrupted. Please try again.)"

// ErrSessionActive is returned by Begin when a response is already streaming
// and the conversation rejects concurrent sends.
var ErrSessionActive = errors.New("a response is already streaming")

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Policy decides what Begin does while another session is active.
type Policy int

const (
	// RejectConcurrent fails the new send with ErrSessionActive.
	RejectConcurrent Policy = iota
	// CancelAndReplace cancels the active session, keeps its partial content,
	// then starts the new one.
	CancelAndReplace
)

// StreamFunc opens a delta stream for the given history. The context is
// cancelled when the session is cancelled.
type StreamFunc func(ctx context.Context, history []Message) (iter.Seq2[string, error], error)

// Option configures a Conversation.
type Option func(*Conversation)

// WithPolicy sets the concurrent send policy.
func WithPolicy(p Policy) Option {
	return func(c *Conversation) {
		c.policy = p
	}
}

// WithOnChange registers a subscriber that receives a fresh snapshot after
// every change. Snapshots never share a backing array. The callback must not
// mutate the conversation.
func WithOnChange(fn func(snapshot []Message)) Option {
	return func(c *Conversation) {
		c.onChange = fn
	}
}

// WithLogger replaces the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Conversation) {
		c.logger = logger
	}
}

// Conversation is safe for use from multiple goroutines.
type Conversation struct {
	mu       sync.Mutex
	messages []Message
	loading  bool
	active   *Session

	policy   Policy
	onChange func([]Message)
	logger   zerolog.Logger

	// notifyMu keeps snapshots delivered in mutation order.
	notifyMu sync.Mutex
}

// New creates an empty conversation.
func New(opts ...Option) *Conversation {
	c := &Conversation{
		policy: RejectConcurrent,
		logger: log.With().Str("component", "assembler").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Messages returns a copy of the message list.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Loading reports whether a response is streaming.
func (c *Conversation) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Active returns the streaming session, or nil.
func (c *Conversation) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// AddUser appends a user message.
func (c *Conversation) AddUser(content string) {
	c.update(func() bool {
		c.messages = append(c.messages, Message{Role: RoleUser, Content: content})
		return true
	})
}

// Begin appends an empty assistant message and opens a session for it. The
// returned context is cancelled when the session ends and should scope the
// transport request.
func (c *Conversation) Begin(ctx context.Context) (*Session, context.Context, error) {
	return c.begin(ctx, nil)
}

// Cancel cancels the active session, if any.
func (c *Conversation) Cancel() {
	if s := c.Active(); s != nil {
		s.Cancel()
	}
}

// Send appends content as a user message, streams the reply through stream
// and drives it to completion. The returned error is non-nil only for a
// failed outcome.
func (c *Conversation) Send(ctx context.Context, content string, stream StreamFunc) (streamreader.Kind, error) {
	user := Message{Role: RoleUser, Content: content}
	s, sctx, err := c.begin(ctx, &user)
	if err != nil {
		return streamreader.Failed, err
	}

	seq, err := stream(sctx, s.history)
	if err != nil {
		return s.finish(err)
	}
	return s.Consume(seq)
}

func (c *Conversation) begin(ctx context.Context, user *Message) (*Session, context.Context, error) {
	var (
		s        *Session
		sctx     context.Context
		replaced *Session
		err      error
	)
	c.update(func() bool {
		if c.active != nil {
			if c.policy != CancelAndReplace {
				err = ErrSessionActive
				return false
			}
			replaced = c.active
			replaced.releaseLocked(streamreader.Canceled)
		}
		if user != nil {
			c.messages = append(c.messages, *user)
		}

		var cancel context.CancelFunc
		sctx, cancel = context.WithCancel(ctx)
		s = &Session{
			conv:    c,
			index:   len(c.messages),
			cancel:  cancel,
			history: c.snapshotLocked(),
		}
		c.messages = append(c.messages, Message{Role: RoleAssistant})
		c.active = s
		c.loading = true
		return true
	})
	if replaced != nil {
		replaced.cancel()
		c.logger.Debug().Int("index", replaced.index).Msg("replaced active session")
	}
	if err != nil {
		return nil, nil, err
	}
	return s, sctx, nil
}

// update runs fn under the state lock and publishes a snapshot when fn
// reports a change.
func (c *Conversation) update(fn func() bool) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	changed := fn()
	var snapshot []Message
	if changed && c.onChange != nil {
		snapshot = c.snapshotLocked()
	}
	c.mu.Unlock()

	if snapshot != nil {
		c.onChange(snapshot)
	}
}

func (c *Conversation) snapshotLocked() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}
