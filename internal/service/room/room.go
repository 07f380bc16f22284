package room

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/financegpt/backend/internal/model/chat"
	"github.com/financegpt/backend/internal/service/agent"
	"github.com/financegpt/backend/internal/service/history"
	"github.com/financegpt/backend/pkg/protocol"
)

// BusyNotice is sent to a member whose message arrives while the assistant
// is still answering. The message itself is kept.
const BusyNotice = "FinanceGPT is still answering the previous message. Your message was saved."

// Room is one group chat.
type Room struct {
	id     string
	hub    *Hub
	logger zerolog.Logger

	mu        sync.Mutex
	conns     map[string]*Member
	answering bool
	idleTimer *time.Timer
}

func newRoom(h *Hub, id string) *Room {
	return &Room{
		id:     id,
		hub:    h,
		logger: h.logger.With().Str("room", id).Logger(),
		conns:  make(map[string]*Member),
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

func (r *Room) attach(m *Member) {
	r.mu.Lock()
	r.conns[m.id] = m
	r.stopIdleTimerLocked()
	r.mu.Unlock()
}

// detach removes m and reports whether it was present.
func (r *Room) detach(m *Member) bool {
	r.mu.Lock()
	_, ok := r.conns[m.id]
	delete(r.conns, m.id)
	evictNow := r.scheduleIdleLocked()
	r.mu.Unlock()

	if evictNow {
		r.hub.evict(r)
	}
	return ok
}

// scheduleIdleLocked arms the idle timer for an empty room. It returns true
// when the room should be evicted right away.
func (r *Room) scheduleIdleLocked() bool {
	r.stopIdleTimerLocked()
	if len(r.conns) != 0 || r.answering {
		return false
	}
	if r.hub.idleTimeout <= 0 {
		return true
	}
	r.idleTimer = time.AfterFunc(r.hub.idleTimeout, func() { r.hub.evict(r) })
	return false
}

func (r *Room) stopIdleTimerLocked() {
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
}

func (r *Room) idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns) == 0 && !r.answering
}

func (r *Room) snapshot() []*Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Member, 0, len(r.conns))
	for _, m := range r.conns {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *Member) int {
		if c := a.info.JoinedAt.Compare(b.info.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})
	return out
}

func (r *Room) members() []protocol.Member {
	conns := r.snapshot()
	out := make([]protocol.Member, 0, len(conns))
	for _, m := range conns {
		out = append(out, m.info)
	}
	return out
}

func (r *Room) closeAll() {
	r.mu.Lock()
	conns := make([]*Member, 0, len(r.conns))
	for id, m := range r.conns {
		conns = append(conns, m)
		delete(r.conns, id)
	}
	r.stopIdleTimerLocked()
	r.mu.Unlock()

	for _, m := range conns {
		_ = m.conn.Close()
	}
}

// broadcast sends env to every member except skip. Members whose write
// fails are dropped.
func (r *Room) broadcast(env protocol.Envelope, skip *Member) {
	var failed []*Member
	for _, m := range r.snapshot() {
		if m == skip {
			continue
		}
		if err := m.Send(env); err != nil {
			r.logger.Warn().Err(err).Str("connection", m.id).Str("type", string(env.Type)).Msg("ws broadcast failed, dropping connection")
			failed = append(failed, m)
		}
	}
	for _, m := range failed {
		m.Leave()
	}
}

func (r *Room) envelope(t protocol.Type) protocol.Envelope {
	env := protocol.New(t, r.id)
	env.Timestamp = r.hub.now().UTC()
	return env
}

func (r *Room) data(t protocol.Type, v any) (protocol.Envelope, bool) {
	env, err := r.envelope(t).WithData(v)
	if err != nil {
		r.logger.Error().Err(err).Str("type", string(t)).Msg("failed to encode envelope data")
		return env, false
	}
	return env, true
}

func (r *Room) system(content string, presence *protocol.PresenceData) protocol.Envelope {
	env := r.envelope(protocol.TypeSystem)
	if presence != nil {
		if withData, ok := r.data(protocol.TypeSystem, presence); ok {
			env = withData
		}
	}
	env.Content = content
	return env
}

func (r *Room) announceJoin(m *Member) {
	members := r.members()

	if env, ok := r.data(protocol.TypeConnect, protocol.ConnectData{ConnectionID: m.id, Members: members}); ok {
		env.UserID = m.info.UserID
		env.Username = m.info.Username
		if err := m.Send(env); err != nil {
			r.logger.Warn().Err(err).Str("connection", m.id).Msg("failed to send connect snapshot")
			m.Leave()
			return
		}
	}

	r.logger.Info().Str("user", m.info.UserID).Int("members", len(members)).Msg("member joined")
	r.broadcast(r.system(
		fmt.Sprintf("%s joined the room", m.info.Username),
		&protocol.PresenceData{Event: protocol.PresenceJoined, Members: members},
	), m)
}

func (r *Room) announceLeave(m *Member) {
	members := r.members()
	r.logger.Info().Str("user", m.info.UserID).Int("members", len(members)).Msg("member left")
	if len(members) == 0 {
		return
	}
	r.broadcast(r.system(
		fmt.Sprintf("%s left the room", m.info.Username),
		&protocol.PresenceData{Event: protocol.PresenceLeft, Members: members},
	), nil)
}

func (r *Room) typing(m *Member, typing bool) {
	env, ok := r.data(protocol.TypeTyping, protocol.TypingData{Typing: typing})
	if !ok {
		return
	}
	env.UserID = m.info.UserID
	env.Username = m.info.Username
	r.broadcast(env, m)
}

// post broadcasts a chat message, persists it and starts an assistant turn
// when none is running.
func (r *Room) post(m *Member, content string) {
	h := r.hub
	msg := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleUser,
		Content:   content,
		UserID:    m.info.UserID,
		Username:  m.info.Username,
		CreatedAt: h.now().UTC(),
	}

	env := r.envelope(protocol.TypeChat)
	env.UserID = msg.UserID
	env.Username = msg.Username
	env.Content = msg.Content
	env.Timestamp = msg.CreatedAt
	r.broadcast(env, nil)

	key := history.RoomKey(r.id)
	prior, err := h.store.Recent(h.ctx, key)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to load room history")
		prior = nil
	}
	if err := h.store.Append(h.ctx, key, msg); err != nil {
		r.logger.Warn().Err(err).Msg("failed to persist chat message")
	}

	if h.responder == nil {
		return
	}
	if !r.startTurn() {
		if err := m.Send(r.system(BusyNotice, nil)); err != nil {
			r.logger.Debug().Err(err).Msg("failed to send busy notice")
		}
		return
	}
	if !h.track() {
		r.finishTurn()
		return
	}

	go func() {
		defer h.turns.Done()
		finish := sync.OnceFunc(r.finishTurn)
		defer finish()
		r.answer(msg, prior, finish)
	}()
}

func (r *Room) startTurn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.answering {
		return false
	}
	r.answering = true
	r.stopIdleTimerLocked()
	return true
}

func (r *Room) finishTurn() {
	r.mu.Lock()
	r.answering = false
	evictNow := r.scheduleIdleLocked()
	r.mu.Unlock()

	if evictNow {
		r.hub.evict(r)
	}
}

func (r *Room) assistant(t protocol.Type, content string) protocol.Envelope {
	env := r.envelope(t)
	env.UserID = protocol.AssistantID
	env.Username = chat.AssistantName
	env.Content = content
	return env
}

func (r *Room) failTurn(err error) {
	r.logger.Error().Err(err).Msg("agent execution error")
	env := r.envelope(protocol.TypeError)
	env.UserID = protocol.AssistantID
	env.Username = chat.AssistantName
	env.Content = "Agent execution error: " + err.Error()
	r.broadcast(env, nil)
}

// answer streams the assistant's reply to query into the room. finish is
// called once the reply is persisted, before charts are sent.
func (r *Room) answer(query chat.Message, prior []chat.Message, finish func()) {
	h := r.hub
	ctx, cancel := context.WithTimeout(h.ctx, h.turnTimeout)
	defer cancel()

	seq, err := h.responder.Stream(ctx, agent.Turn{
		History: prior,
		Query:   query,
		OnTool: func(call protocol.ToolCallData) {
			if env, ok := r.data(protocol.TypeToolCall, call); ok {
				r.broadcast(env, nil)
			}
		},
	})
	if err != nil {
		r.failTurn(err)
		return
	}

	var full strings.Builder
	for delta, err := range seq {
		if err != nil {
			r.failTurn(err)
			return
		}
		full.WriteString(delta)
		r.broadcast(r.assistant(protocol.TypeAIStream, delta), nil)
	}

	answer := full.String()
	if err := h.store.Append(ctx, history.RoomKey(r.id), chat.Message{
		Role:     chat.RoleAssistant,
		Content:  answer,
		Username: chat.AssistantName,
	}); err != nil {
		r.logger.Warn().Err(err).Msg("failed to persist assistant message")
	}
	finish()
	r.broadcast(r.assistant(protocol.TypeAIComplete, answer), nil)

	r.sendCharts(ctx, query.Content+"\n"+answer)
}

// sendCharts broadcasts recent price history for the symbols in text.
// Lookups that fail are skipped.
func (r *Room) sendCharts(ctx context.Context, text string) {
	h := r.hub
	if h.market == nil {
		return
	}
	tickers := h.responder.Symbols(text)
	if len(tickers) > h.maxCharts {
		tickers = tickers[:h.maxCharts]
	}
	if len(tickers) == 0 {
		return
	}

	to := h.now().UTC()
	from := to.AddDate(0, 0, -h.chartDays)

	var g errgroup.Group
	g.SetLimit(h.maxCharts)
	for _, ticker := range tickers {
		g.Go(func() error {
			bars, err := h.market.History(ctx, ticker, from, to)
			if err != nil {
				r.logger.Debug().Err(err).Str("ticker", ticker).Msg("chart data unavailable")
				return nil
			}
			if len(bars) == 0 {
				return nil
			}
			points := make([]protocol.ChartPoint, 0, len(bars))
			for _, b := range bars {
				points = append(points, protocol.ChartPoint{
					Date:   b.Time.Format(time.DateOnly),
					Open:   b.Open,
					High:   b.High,
					Low:    b.Low,
					Close:  b.Close,
					Volume: b.Volume,
				})
			}
			if env, ok := r.data(protocol.TypeChartData, protocol.ChartData{Symbol: ticker, Points: points}); ok {
				r.broadcast(env, nil)
			}
			return nil
		})
	}
	_ = g.Wait()
}
