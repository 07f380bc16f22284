package wsclient

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/financegpt/backend/pkg/assembler"
	"github.com/financegpt/backend/pkg/protocol"
)

// ErrConnectionLost fails a streaming reply whose connection dropped.
var ErrConnectionLost = errors.New("connection lost while streaming")

// Bind feeds the room's AI output into conv. The first ai_stream envelope of a
// turn opens a session, later ones are applied as deltas, ai_complete ends it
// and an error envelope from the assistant fails it. Other error envelopes
// answer the member's own input and leave the reply streaming. Chat envelopes are added as user messages
// prefixed with the author. The returned function detaches conv.
func (m *Manager) Bind(conv *assembler.Conversation) (unbind func()) {
	b := &binding{conv: conv, logger: m.logger}
	unsubs := []func(){
		m.Subscribe(protocol.TypeChat, b.onChat),
		m.Subscribe(protocol.TypeAIStream, b.onStream),
		m.Subscribe(protocol.TypeAIComplete, b.onComplete),
		m.Subscribe(protocol.TypeError, b.onError),
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-m.Done():
			if err := m.Err(); err != nil {
				b.fail(errors.Join(ErrConnectionLost, err))
			} else {
				b.cancel()
			}
		case <-stop:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			for _, u := range unsubs {
				u()
			}
		})
	}
}

type binding struct {
	conv   *assembler.Conversation
	logger zerolog.Logger

	mu      sync.Mutex
	session *assembler.Session
}

func (b *binding) onChat(env protocol.Envelope) {
	content := env.Content
	if env.Username != "" {
		content = env.Username + ": " + content
	}
	b.conv.AddUser(content)
}

func (b *binding) onStream(env protocol.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil || b.session.Released() {
		s, _, err := b.conv.Begin(context.Background())
		if err != nil {
			b.logger.Warn().Err(err).Msg("dropping ai_stream delta, conversation is busy")
			return
		}
		b.session = s
	}
	b.session.Apply(env.Content)
}

func (b *binding) onComplete(protocol.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.Complete()
		b.session = nil
	}
}

func (b *binding) onError(env protocol.Envelope) {
	if env.UserID != protocol.AssistantID {
		return
	}
	b.fail(errors.New(env.Content))
}

func (b *binding) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.Fail(err)
		b.session = nil
	}
}

func (b *binding) cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.Cancel()
		b.session = nil
	}
}
