package room

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/financegpt/backend/internal/model/chat"
	"github.com/financegpt/backend/internal/service/agent"
	"github.com/financegpt/backend/internal/service/market"
	"github.com/financegpt/backend/internal/symbols"
	"github.com/financegpt/backend/pkg/protocol"
)

type fakeConn struct {
	sent   chan protocol.Envelope
	broken atomic.Bool
	closed atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{sent: make(chan protocol.Envelope, 64)}
}

func (c *fakeConn) WriteJSON(v any) error {
	if c.broken.Load() {
		return errors.New("broken pipe")
	}
	c.sent <- v.(protocol.Envelope)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// next returns the next envelope written to c.
func (c *fakeConn) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-c.sent:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return protocol.Envelope{}
	}
}

// waitFor skips envelopes until one of type typ arrives.
func (c *fakeConn) waitFor(t *testing.T, typ protocol.Type) protocol.Envelope {
	t.Helper()
	for {
		if env := c.next(t); env.Type == typ {
			return env
		}
	}
}

func (c *fakeConn) quiet(t *testing.T) {
	t.Helper()
	select {
	case env := <-c.sent:
		t.Fatalf("unexpected envelope %s: %q", env.Type, env.Content)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeResponder struct {
	deltas []string
	err    error
	tool   bool
	block  chan struct{}

	mu    sync.Mutex
	turns []agent.Turn
}

func (f *fakeResponder) Stream(_ context.Context, turn agent.Turn) (iter.Seq2[string, error], error) {
	f.mu.Lock()
	f.turns = append(f.turns, turn)
	f.mu.Unlock()

	if f.tool && turn.OnTool != nil {
		turn.OnTool(protocol.ToolCallData{Tool: agent.ToolQuote, Symbol: "AAPL", Status: protocol.ToolStarted})
	}
	return func(yield func(string, error) bool) {
		if f.block != nil {
			<-f.block
		}
		for _, d := range f.deltas {
			if !yield(d, nil) {
				return
			}
		}
		if f.err != nil {
			yield("", f.err)
		}
	}, nil
}

func (f *fakeResponder) Symbols(text string) []string {
	return symbols.ExtractKnown(text, symbols.DefaultKnown())
}

func (f *fakeResponder) turn(i int) agent.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns[i]
}

func (f *fakeResponder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

type fakeMarket struct{}

func (fakeMarket) Quote(context.Context, string) (market.Quote, error) {
	return market.Quote{}, nil
}

func (fakeMarket) History(_ context.Context, _ string, from, _ time.Time) ([]market.Bar, error) {
	return []market.Bar{{Time: from, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100}}, nil
}

func (fakeMarket) News(context.Context, string, int) ([]market.Article, error) {
	return nil, nil
}

func (fakeMarket) Financials(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testClock() func() time.Time {
	var ticks atomic.Int64
	return func() time.Time {
		return epoch.Add(time.Duration(ticks.Add(1)) * time.Second)
	}
}

func join(t *testing.T, h *Hub, roomID, user string) (*Member, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	m, err := h.Join(roomID, protocol.Member{UserID: user, Username: user}, conn)
	require.NoError(t, err)
	env := conn.next(t)
	require.Equal(t, protocol.TypeConnect, env.Type)
	return m, conn
}

func chatEnvelope(content string) protocol.Envelope {
	return protocol.Envelope{Type: protocol.TypeChat, Content: content}
}

func TestJoinAndLeavePresence(t *testing.T) {
	h := NewHub(nil, WithClock(testClock()))
	defer h.Close()

	conn := newFakeConn()
	alice, err := h.Join("lobby", protocol.Member{UserID: "u1", Username: "alice"}, conn)
	require.NoError(t, err)

	connect := conn.next(t)
	assert.Equal(t, protocol.TypeConnect, connect.Type)
	assert.Equal(t, "lobby", connect.RoomID)
	var cd protocol.ConnectData
	require.NoError(t, connect.Decode(&cd))
	assert.Equal(t, alice.ID(), cd.ConnectionID)
	require.Len(t, cd.Members, 1)
	assert.Equal(t, "alice", cd.Members[0].Username)

	bob, bobConn := join(t, h, "lobby", "bob")

	joined := conn.next(t)
	assert.Equal(t, protocol.TypeSystem, joined.Type)
	assert.Equal(t, "bob joined the room", joined.Content)
	var pd protocol.PresenceData
	require.NoError(t, joined.Decode(&pd))
	assert.Equal(t, protocol.PresenceJoined, pd.Event)
	require.Len(t, pd.Members, 2)
	assert.Equal(t, "alice", pd.Members[0].Username)
	assert.Equal(t, "bob", pd.Members[1].Username)

	bob.Leave()
	bob.Leave()
	assert.True(t, bobConn.closed.Load())

	left := conn.next(t)
	assert.Equal(t, "bob left the room", left.Content)
	require.NoError(t, left.Decode(&pd))
	assert.Equal(t, protocol.PresenceLeft, pd.Event)
	assert.Len(t, pd.Members, 1)
	conn.quiet(t)

	assert.Len(t, h.Members("lobby"), 1)
}

func TestChatRunsAssistantTurn(t *testing.T) {
	responder := &fakeResponder{deltas: []string{"AAPL ", "is up."}, tool: true}
	h := NewHub(nil, WithResponder(responder), WithMarket(fakeMarket{}), WithClock(testClock()))

	alice, aliceConn := join(t, h, "lobby", "alice")
	_, bobConn := join(t, h, "lobby", "bob")
	aliceConn.waitFor(t, protocol.TypeSystem)

	alice.Handle(chatEnvelope("  How is AAPL?  "))

	for _, conn := range []*fakeConn{aliceConn, bobConn} {
		msg := conn.next(t)
		assert.Equal(t, protocol.TypeChat, msg.Type)
		assert.Equal(t, "How is AAPL?", msg.Content)
		assert.Equal(t, "alice", msg.Username)

		tool := conn.next(t)
		require.Equal(t, protocol.TypeToolCall, tool.Type)
		var call protocol.ToolCallData
		require.NoError(t, tool.Decode(&call))
		assert.Equal(t, "AAPL", call.Symbol)

		first := conn.next(t)
		assert.Equal(t, protocol.TypeAIStream, first.Type)
		assert.Equal(t, "AAPL ", first.Content)
		assert.Equal(t, chat.AssistantName, first.Username)
		assert.Equal(t, "is up.", conn.next(t).Content)

		complete := conn.next(t)
		assert.Equal(t, protocol.TypeAIComplete, complete.Type)
		assert.Equal(t, "AAPL is up.", complete.Content)

		chart := conn.next(t)
		require.Equal(t, protocol.TypeChartData, chart.Type)
		var cd protocol.ChartData
		require.NoError(t, chart.Decode(&cd))
		assert.Equal(t, "AAPL", cd.Symbol)
		require.Len(t, cd.Points, 1)
		assert.Equal(t, 1.5, cd.Points[0].Close)
	}

	h.Close()

	transcript, err := h.Transcript(context.Background(), "lobby")
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, chat.RoleUser, transcript[0].Role)
	assert.Equal(t, "alice", transcript[0].Username)
	assert.Equal(t, chat.RoleAssistant, transcript[1].Role)
	assert.Equal(t, "AAPL is up.", transcript[1].Content)
}

func TestNextTurnSeesRoomHistory(t *testing.T) {
	responder := &fakeResponder{deltas: []string{"ok"}}
	h := NewHub(nil, WithResponder(responder))
	defer h.Close()

	alice, conn := join(t, h, "lobby", "alice")

	alice.Handle(chatEnvelope("first"))
	conn.waitFor(t, protocol.TypeAIComplete)
	assert.Empty(t, responder.turn(0).History)

	alice.Handle(chatEnvelope("second"))
	conn.waitFor(t, protocol.TypeAIComplete)

	turn := responder.turn(1)
	assert.Equal(t, "second", turn.Query.Content)
	require.Len(t, turn.History, 2)
	assert.Equal(t, "first", turn.History[0].Content)
	assert.Equal(t, "ok", turn.History[1].Content)
}

func TestMessageWhileAnsweringIsSavedNotAnswered(t *testing.T) {
	responder := &fakeResponder{deltas: []string{"done"}, block: make(chan struct{})}
	h := NewHub(nil, WithResponder(responder))

	alice, conn := join(t, h, "lobby", "alice")

	alice.Handle(chatEnvelope("one"))
	conn.waitFor(t, protocol.TypeChat)

	alice.Handle(chatEnvelope("two"))
	assert.Equal(t, "two", conn.waitFor(t, protocol.TypeChat).Content)
	assert.Equal(t, BusyNotice, conn.waitFor(t, protocol.TypeSystem).Content)

	close(responder.block)
	assert.Equal(t, "done", conn.waitFor(t, protocol.TypeAIComplete).Content)
	h.Close()

	assert.Equal(t, 1, responder.count())
	transcript, err := h.Transcript(context.Background(), "lobby")
	require.NoError(t, err)
	require.Len(t, transcript, 3)
	assert.Equal(t, "two", transcript[1].Content)
}

func TestAssistantFailureBroadcastsError(t *testing.T) {
	responder := &fakeResponder{deltas: []string{"A"}, err: errors.New("model unavailable")}
	h := NewHub(nil, WithResponder(responder))

	alice, conn := join(t, h, "lobby", "alice")
	alice.Handle(chatEnvelope("hi"))

	assert.Equal(t, "A", conn.waitFor(t, protocol.TypeAIStream).Content)
	failure := conn.next(t)
	assert.Equal(t, protocol.TypeError, failure.Type)
	assert.Equal(t, "Agent execution error: model unavailable", failure.Content)
	assert.Equal(t, protocol.AssistantID, failure.UserID)
	h.Close()

	transcript, err := h.Transcript(context.Background(), "lobby")
	require.NoError(t, err)
	assert.Len(t, transcript, 1)
}

func TestTypingIsRelayedToOthers(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	alice, aliceConn := join(t, h, "lobby", "alice")
	_, bobConn := join(t, h, "lobby", "bob")
	aliceConn.waitFor(t, protocol.TypeSystem)

	env, err := protocol.New(protocol.TypeTyping, "lobby").WithData(protocol.TypingData{Typing: true})
	require.NoError(t, err)
	env.Username = "mallory"
	alice.Handle(env)

	got := bobConn.next(t)
	assert.Equal(t, protocol.TypeTyping, got.Type)
	assert.Equal(t, "alice", got.Username)
	var td protocol.TypingData
	require.NoError(t, got.Decode(&td))
	assert.True(t, td.Typing)
	aliceConn.quiet(t)
}

func TestInvalidMessagesGetErrors(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	alice, conn := join(t, h, "lobby", "alice")

	alice.Handle(protocol.Envelope{Type: protocol.TypeAIStream})
	assert.Equal(t, "unsupported message type: ai_stream", conn.next(t).Content)

	alice.Handle(chatEnvelope("   "))
	failure := conn.next(t)
	assert.Equal(t, protocol.TypeError, failure.Type)
	assert.Equal(t, "message content is required", failure.Content)
}

func TestBrokenConnectionIsDropped(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	alice, aliceConn := join(t, h, "lobby", "alice")
	_, bobConn := join(t, h, "lobby", "bob")
	aliceConn.waitFor(t, protocol.TypeSystem)

	bobConn.broken.Store(true)
	alice.Handle(chatEnvelope("anyone there?"))

	assert.Equal(t, protocol.TypeChat, aliceConn.next(t).Type)
	assert.Equal(t, "bob left the room", aliceConn.next(t).Content)
	assert.True(t, bobConn.closed.Load())
	assert.Len(t, h.Members("lobby"), 1)
}

func TestEmptyRoomIsEvicted(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	alice, _ := join(t, h, "lobby", "alice")
	assert.Equal(t, []string{"lobby"}, h.Rooms())

	alice.Leave()
	assert.Empty(t, h.Rooms())
	assert.Nil(t, h.Members("lobby"))
}

func TestIdleTimeoutKeepsRoomBriefly(t *testing.T) {
	h := NewHub(nil, WithIdleTimeout(20*time.Millisecond))
	defer h.Close()

	alice, _ := join(t, h, "lobby", "alice")
	alice.Leave()
	assert.Equal(t, []string{"lobby"}, h.Rooms())

	assert.Eventually(t, func() bool { return len(h.Rooms()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestJoinValidation(t *testing.T) {
	h := NewHub(nil)

	_, err := h.Join("", protocol.Member{UserID: "u1"}, newFakeConn())
	assert.ErrorIs(t, err, ErrRoomRequired)

	h.Close()
	_, err = h.Join("lobby", protocol.Member{UserID: "u1"}, newFakeConn())
	assert.ErrorIs(t, err, ErrHubClosed)
}
