// Package wsclient is a client for the group chat WebSocket. A Manager owns
// one connection and fans incoming envelopes out to subscribers.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/financegpt/backend/pkg/protocol"
)

const (
	writeWait = 10 * time.Second
	closeWait = time.Second
)

// AnyType subscribes a handler to every envelope type.
const AnyType protocol.Type = ""

// ErrClosed is returned by Send after the connection ended.
var ErrClosed = errors.New("connection closed")

// Handler receives envelopes on the manager's read goroutine, in arrival order.
// It must not block.
type Handler func(protocol.Envelope)

type subscription struct {
	id      uint64
	handler Handler
}

// Manager is safe for concurrent use.
type Manager struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[protocol.Type][]subscription
	nextID   uint64

	done      chan struct{}
	err       error
	closing   chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
}

// Dial connects to the room WebSocket at baseURL (ws:// or wss://).
func Dial(ctx context.Context, baseURL, roomID, userID, username string) (*Manager, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	u = u.JoinPath("api", "ws", "rooms", roomID)
	q := u.Query()
	q.Set("userId", userID)
	q.Set("username", username)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	return NewManager(conn), nil
}

// NewManager takes ownership of conn and starts reading from it.
func NewManager(conn *websocket.Conn) *Manager {
	m := &Manager{
		conn:     conn,
		logger:   log.With().Str("component", "wsclient").Logger(),
		handlers: map[protocol.Type][]subscription{},
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
	}
	go m.readLoop()
	return m
}

// Subscribe registers h for envelopes of type t and returns a function that
// removes it.
func (m *Manager) Subscribe(t protocol.Type, h Handler) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[t] = append(m.handlers[t], subscription{id: id, handler: h})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			subs := m.handlers[t]
			for i, s := range subs {
				if s.id == id {
					m.handlers[t] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Send writes one envelope.
func (m *Manager) Send(env protocol.Envelope) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := m.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// SendChat posts a chat message to the room.
func (m *Manager) SendChat(content string) error {
	env := protocol.New(protocol.TypeChat, "")
	env.Content = content
	return m.Send(env)
}

// SendTyping reports the local typing state.
func (m *Manager) SendTyping(typing bool) error {
	env, err := protocol.New(protocol.TypeTyping, "").WithData(protocol.TypingData{Typing: typing})
	if err != nil {
		return err
	}
	return m.Send(env)
}

// Done is closed when the connection ends.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns why the connection ended, or nil for a clean close. It is only
// meaningful after Done is closed.
func (m *Manager) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Close sends a close frame, waits for the server to close its side and
// returns Err.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closing)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = m.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))

		select {
		case <-m.done:
		case <-time.After(closeWait):
			_ = m.conn.Close()
		}
	})
	<-m.done
	return m.err
}

func (m *Manager) readLoop() {
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			m.end(err)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn().Err(err).Msg("dropping malformed envelope")
			continue
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env protocol.Envelope) {
	m.mu.RLock()
	subs := make([]subscription, 0, len(m.handlers[env.Type])+len(m.handlers[AnyType]))
	subs = append(subs, m.handlers[env.Type]...)
	if env.Type != AnyType {
		subs = append(subs, m.handlers[AnyType]...)
	}
	m.mu.RUnlock()

	for _, s := range subs {
		s.handler(env)
	}
}

func (m *Manager) end(err error) {
	m.endOnce.Do(func() {
		select {
		case <-m.closing:
			err = nil
		default:
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			err = nil
		}
		if err != nil {
			m.logger.Debug().Err(err).Msg("connection lost")
		}
		m.err = err
		close(m.done)
		_ = m.conn.Close()
	})
}
