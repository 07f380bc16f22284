package chat

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/financegpt/backend/internal/model/chat"
	"github.com/financegpt/backend/internal/service/agent"
	"github.com/financegpt/backend/internal/service/history"
	"github.com/financegpt/backend/pkg/utils"
)

// Validation errors reported to clients.
const (
	msgInvalidJSON     = "Invalid JSON format"
	msgInvalidMessages = "Invalid or empty messages array"
	msgUnavailable     = "AI service is not configured"
)

// Responder answers one turn. *agent.Agent implements it.
type Responder interface {
	Generate(ctx context.Context, turn agent.Turn) (string, error)
	Stream(ctx context.Context, turn agent.Turn) (iter.Seq2[string, error], error)
}

// Handler 单用户对话的HTTP与WebSocket处理器
type Handler struct {
	responder Responder
	store     history.Store
	upgrader  websocket.Upgrader
	logger    zerolog.Logger
}

// New 创建对话处理器。responder 为 nil 时接口返回 503
func New(responder Responder, store history.Store, origins []string) *Handler {
	if store == nil {
		store = history.NewMemoryStore(20)
	}
	return &Handler{
		responder: responder,
		store:     store,
		upgrader:  utils.NewUpgrader(origins),
		logger:    log.With().Str("component", "chat").Logger(),
	}
}

// RegisterRoutes 注册对话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleStream)
	r.Post("/chat/json", h.handleJSON)
	r.Get("/ws/chat", h.handleWebSocket)
}

// handleStream 以事件流返回回复
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	turn, key := h.prepare(ctx, req)

	sse, err := utils.NewSSEWriter(w, r)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to open event stream")
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	answer, err := h.stream(ctx, turn, func(delta string) error {
		return sse.SendContent(delta)
	})
	if err != nil {
		if ctx.Err() != nil {
			h.logger.Debug().Err(err).Msg("client went away")
			return
		}
		h.logger.Error().Err(err).Msg("failed to stream response")
		if err := sse.SendError("Error processing request: " + err.Error()); err != nil {
			return
		}
	} else {
		h.remember(ctx, key, turn.Query, answer)
	}

	if err := sse.Done(); err != nil {
		h.logger.Debug().Err(err).Msg("failed to send done frame")
	}
}

// handleJSON 一次性返回完整回复
func (h *Handler) handleJSON(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	turn, key := h.prepare(ctx, req)

	answer, err := h.responder.Generate(ctx, turn)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to generate response")
		utils.RespondError(w, http.StatusInternalServerError, "Error processing request: "+err.Error())
		return
	}

	h.remember(ctx, key, turn.Query, answer)
	utils.RespondJSON(w, http.StatusOK, chat.Response{Content: answer})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (chat.Request, bool) {
	var req chat.Request
	if h.responder == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, msgUnavailable)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, msgInvalidJSON)
		return req, false
	}
	if err := req.Validate(); err != nil {
		utils.RespondError(w, http.StatusBadRequest, msgInvalidMessages)
		return req, false
	}
	return req, true
}

// prepare 构造本轮对话。只带最新一条消息的请求会从记忆中补全历史
func (h *Handler) prepare(ctx context.Context, req chat.Request) (agent.Turn, string) {
	key := history.UserKey(req.UserID())
	last := len(req.Messages) - 1

	query := req.Messages[last]
	query.Role = chat.RoleUser
	query.Content = strings.TrimSpace(query.Content)

	turn := agent.Turn{Query: query, History: req.Messages[:last]}
	if last == 0 {
		prior, err := h.store.Recent(ctx, key)
		if err != nil {
			h.logger.Warn().Err(err).Str("key", key).Msg("failed to load conversation memory")
		}
		turn.History = prior
	}
	return turn, key
}

func (h *Handler) remember(ctx context.Context, key string, query chat.Message, answer string) {
	err := h.store.Append(context.WithoutCancel(ctx), key, query, chat.Message{
		Role:    chat.RoleAssistant,
		Content: answer,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("key", key).Msg("failed to save conversation memory")
	}
}

// stream 逐段转发回复，返回完整文本
func (h *Handler) stream(ctx context.Context, turn agent.Turn, send func(string) error) (string, error) {
	seq, err := h.responder.Stream(ctx, turn)
	if err != nil {
		return "", err
	}

	var full strings.Builder
	for delta, err := range seq {
		if err != nil {
			return full.String(), err
		}
		if err := send(delta); err != nil {
			return full.String(), err
		}
		full.WriteString(delta)
	}
	return full.String(), nil
}
