package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/financegpt/backend/internal/model/chat"
	"github.com/financegpt/backend/internal/service/agent"
	"github.com/financegpt/backend/internal/service/history"
	"github.com/financegpt/backend/pkg/assembler"
	"github.com/financegpt/backend/pkg/client"
	"github.com/financegpt/backend/pkg/streamreader"
)

type fakeResponder struct {
	deltas []string
	err    error

	mu    sync.Mutex
	turns []agent.Turn
}

func (f *fakeResponder) record(turn agent.Turn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
}

func (f *fakeResponder) last() agent.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns[len(f.turns)-1]
}

func (f *fakeResponder) Generate(_ context.Context, turn agent.Turn) (string, error) {
	f.record(turn)
	if f.err != nil {
		return "", f.err
	}
	return strings.Join(f.deltas, ""), nil
}

func (f *fakeResponder) Stream(_ context.Context, turn agent.Turn) (iter.Seq2[string, error], error) {
	f.record(turn)
	return func(yield func(string, error) bool) {
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

func setupRouter(responder Responder, store history.Store) *chi.Mux {
	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		New(responder, store, nil).RegisterRoutes(api)
	})
	return r
}

func setupServer(t *testing.T, responder Responder, store history.Store) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(setupRouter(responder, store))
	t.Cleanup(srv.Close)
	return srv
}

func userMessages(contents ...string) []assembler.Message {
	out := make([]assembler.Message, 0, len(contents))
	for _, c := range contents {
		out = append(out, assembler.Message{Role: assembler.RoleUser, Content: c})
	}
	return out
}

func TestStreamEndpointServesDeltas(t *testing.T) {
	store := history.NewMemoryStore(20)
	srv := setupServer(t, &fakeResponder{deltas: []string{"Hel", "lo"}}, store)

	seq, err := client.New(srv.URL).Stream(context.Background(), userMessages("hi"))
	require.NoError(t, err)

	text, err := streamreader.Collect(seq)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)

	saved, err := store.Recent(context.Background(), history.UserKey("default"))
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, "hi", saved[0].Content)
	assert.Equal(t, chat.RoleAssistant, saved[1].Role)
	assert.Equal(t, "Hello", saved[1].Content)
}

func TestSingleMessageRequestUsesMemory(t *testing.T) {
	responder := &fakeResponder{deltas: []string{"ok"}}
	srv := setupServer(t, responder, history.NewMemoryStore(20))
	c := client.New(srv.URL)

	for _, q := range []string{"first", "second"} {
		seq, err := c.Stream(context.Background(), userMessages(q))
		require.NoError(t, err)
		_, err = streamreader.Collect(seq)
		require.NoError(t, err)
	}

	turn := responder.last()
	assert.Equal(t, "second", turn.Query.Content)
	require.Len(t, turn.History, 2)
	assert.Equal(t, "first", turn.History[0].Content)
	assert.Equal(t, "ok", turn.History[1].Content)
}

func TestRequestHistoryTakesPrecedence(t *testing.T) {
	responder := &fakeResponder{deltas: []string{"ok"}}
	srv := setupServer(t, responder, history.NewMemoryStore(20))

	msgs := []assembler.Message{
		{Role: assembler.RoleUser, Content: "q1"},
		{Role: assembler.RoleAssistant, Content: "a1"},
		{Role: assembler.RoleUser, Content: "q2"},
	}
	_, err := client.New(srv.URL).Complete(context.Background(), msgs)
	require.NoError(t, err)

	turn := responder.last()
	assert.Equal(t, "q2", turn.Query.Content)
	require.Len(t, turn.History, 2)
	assert.Equal(t, chat.RoleAssistant, turn.History[1].Role)
}

func TestStreamFailureEndsWithErrorRecord(t *testing.T) {
	store := history.NewMemoryStore(20)
	srv := setupServer(t, &fakeResponder{deltas: []string{"A", "B"}, err: errors.New("boom")}, store)

	conv := assembler.New()
	kind, err := conv.Send(context.Background(), "q", client.New(srv.URL).StreamFunc())
	assert.Equal(t, streamreader.Failed, kind)

	var serverErr *streamreader.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "Error processing request: boom", serverErr.Message)
	assert.Equal(t, "AB"+assembler.InterruptionNotice, conv.Messages()[1].Content)

	saved, err := store.Recent(context.Background(), history.UserKey("default"))
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestJSONEndpoint(t *testing.T) {
	srv := setupServer(t, &fakeResponder{deltas: []string{"full ", "answer"}}, nil)

	text, err := client.New(srv.URL).Complete(context.Background(), userMessages("q"))
	require.NoError(t, err)
	assert.Equal(t, "full answer", text)
}

func TestJSONEndpointFailure(t *testing.T) {
	srv := setupServer(t, &fakeResponder{err: errors.New("boom")}, nil)

	_, err := client.New(srv.URL).Complete(context.Background(), userMessages("q"))
	var statusErr *client.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, "Error processing request: boom", statusErr.Message)
}

func TestRequestValidation(t *testing.T) {
	r := setupRouter(&fakeResponder{}, nil)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{"messages":`, msgInvalidJSON},
		{"no messages", `{"messages":[]}`, msgInvalidMessages},
		{"blank last message", `{"messages":[{"role":"user","content":"  "}]}`, msgInvalidMessages},
		{"assistant last", `{"messages":[{"role":"assistant","content":"hi"}]}`, msgInvalidMessages},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.want, body["error"])
		})
	}
}

func TestUnavailableWithoutResponder(t *testing.T) {
	r := setupRouter(nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/json", bytes.NewBufferString(`{"messages":[{"content":"q"}]}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func dialChat(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/chat"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebSocketChat(t *testing.T) {
	srv := setupServer(t, &fakeResponder{deltas: []string{"Hel", "lo"}}, nil)
	conn := dialChat(t, srv)

	require.NoError(t, conn.WriteJSON(chat.Request{Messages: []chat.Message{{Role: chat.RoleUser, Content: "hi"}}}))
	assert.Equal(t, Frame{Type: FrameContent, Content: "Hel"}, readFrame(t, conn))
	assert.Equal(t, Frame{Type: FrameContent, Content: "lo"}, readFrame(t, conn))
	assert.Equal(t, Frame{Type: FrameDone}, readFrame(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, Frame{Type: FrameError, Error: msgInvalidJSON}, readFrame(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"messages":[]}`)))
	assert.Equal(t, Frame{Type: FrameError, Error: msgInvalidMessages}, readFrame(t, conn))
}

func TestWebSocketAgentError(t *testing.T) {
	srv := setupServer(t, &fakeResponder{deltas: []string{"A"}, err: errors.New("boom")}, nil)
	conn := dialChat(t, srv)

	require.NoError(t, conn.WriteJSON(chat.Request{Messages: []chat.Message{{Content: "hi"}}}))
	assert.Equal(t, Frame{Type: FrameContent, Content: "A"}, readFrame(t, conn))
	assert.Equal(t, Frame{Type: FrameError, Error: "Agent execution error: boom"}, readFrame(t, conn))
}
