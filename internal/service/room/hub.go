// Package room runs the multi-user group chat: presence, message fan-out and
// one assistant turn at a time per room.
package room

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/financegpt/backend/internal/model/chat"
	"github.com/financegpt/backend/internal/service/agent"
	"github.com/financegpt/backend/internal/service/history"
	"github.com/financegpt/backend/internal/service/market"
	"github.com/financegpt/backend/pkg/protocol"
)

var (
	// ErrRoomRequired is returned when joining without a room id.
	ErrRoomRequired = errors.New("room id is required")
	// ErrHubClosed is returned by Join after Close.
	ErrHubClosed = errors.New("room hub is closed")
)

// Responder answers chat messages. *agent.Agent implements it.
type Responder interface {
	Stream(ctx context.Context, turn agent.Turn) (iter.Seq2[string, error], error)
	Symbols(text string) []string
}

// Conn is the write side of a member's connection. *websocket.Conn
// implements it.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Hub owns all rooms.
type Hub struct {
	store     history.Store
	responder Responder
	market    market.Provider
	now       func() time.Time
	logger    zerolog.Logger

	idleTimeout time.Duration
	turnTimeout time.Duration
	chartDays   int
	maxCharts   int

	ctx    context.Context
	cancel context.CancelFunc
	turns  sync.WaitGroup

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithResponder enables assistant turns.
func WithResponder(r Responder) Option {
	return func(h *Hub) { h.responder = r }
}

// WithMarket enables chart_data envelopes after each answer.
func WithMarket(p market.Provider) Option {
	return func(h *Hub) { h.market = p }
}

// WithIdleTimeout keeps empty rooms around for d before dropping them.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) { h.idleTimeout = d }
}

// WithTurnTimeout bounds a single assistant turn.
func WithTurnTimeout(d time.Duration) Option {
	return func(h *Hub) { h.turnTimeout = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// NewHub creates a hub persisting room transcripts in store. A nil store
// keeps them in memory.
func NewHub(store history.Store, opts ...Option) *Hub {
	if store == nil {
		store = history.NewMemoryStore(20)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		store:       store,
		now:         time.Now,
		logger:      log.With().Str("component", "room").Logger(),
		turnTimeout: 2 * time.Minute,
		chartDays:   30,
		maxCharts:   3,
		ctx:         ctx,
		cancel:      cancel,
		rooms:       make(map[string]*Room),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Join adds a connection to roomID, creating the room on first use. The
// joiner receives a connect envelope and the others a join notice.
func (h *Hub) Join(roomID string, info protocol.Member, conn Conn) (*Member, error) {
	if roomID == "" {
		return nil, ErrRoomRequired
	}
	if info.JoinedAt.IsZero() {
		info.JoinedAt = h.now().UTC()
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	r, ok := h.rooms[roomID]
	if !ok {
		r = newRoom(h, roomID)
		h.rooms[roomID] = r
		h.logger.Debug().Str("room", roomID).Msg("room created")
	}
	m := newMember(r, info, conn)
	r.attach(m)
	h.mu.Unlock()

	r.announceJoin(m)
	return m, nil
}

// Transcript returns the persisted messages of roomID, oldest first.
func (h *Hub) Transcript(ctx context.Context, roomID string) ([]chat.Message, error) {
	if roomID == "" {
		return nil, ErrRoomRequired
	}
	return h.store.Recent(ctx, history.RoomKey(roomID))
}

// Members lists who is connected to roomID.
func (h *Hub) Members(roomID string) []protocol.Member {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return r.members()
}

// Rooms returns the ids of live rooms in sorted order.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close cancels running turns, disconnects every member and waits for the
// turns to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[string]*Room)
	h.mu.Unlock()

	h.cancel()
	for _, r := range rooms {
		r.closeAll()
	}
	h.turns.Wait()
}

// track registers a turn goroutine unless the hub is closing.
func (h *Hub) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.turns.Add(1)
	return true
}

// evict drops r if it is still registered and idle.
func (h *Hub) evict(r *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[r.id] != r || !r.idle() {
		return
	}
	delete(h.rooms, r.id)
	h.logger.Debug().Str("room", r.id).Msg("room evicted")
}
