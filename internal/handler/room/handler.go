// Package room serves the group chat WebSocket and room transcripts.
package room

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	roomservice "github.com/financegpt/backend/internal/service/room"
	"github.com/financegpt/backend/pkg/protocol"
	"github.com/financegpt/backend/pkg/utils"
)

// Handler 群聊处理器
type Handler struct {
	hub      *roomservice.Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// New 创建群聊处理器
func New(hub *roomservice.Hub, origins []string) *Handler {
	return &Handler{
		hub:      hub,
		upgrader: utils.NewUpgrader(origins),
		logger:   log.With().Str("component", "room-ws").Logger(),
	}
}

// RegisterRoutes 注册群聊路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/rooms/{roomID}", h.handleWebSocket)
	r.Get("/rooms/{roomID}/messages", h.handleMessages)
	r.Get("/rooms/{roomID}/members", h.handleMembers)
}

func identity(r *http.Request) protocol.Member {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("userId"))
	if userID == "" {
		userID = uuid.NewString()
	}
	username := strings.TrimSpace(q.Get("username"))
	if username == "" {
		username = "Guest-" + userID[:min(len(userID), 6)]
	}
	return protocol.Member{UserID: userID, Username: username}
}

// handleWebSocket 加入房间并转发该连接上的消息
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if roomID == "" {
		utils.RespondError(w, http.StatusBadRequest, "roomID is required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("room", roomID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	member, err := h.hub.Join(roomID, identity(r), conn)
	if err != nil {
		h.logger.Warn().Err(err).Str("room", roomID).Msg("join failed")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), utils.Deadline())
		return
	}
	defer member.Leave()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	utils.KeepAlive(ctx, conn)

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Str("room", roomID).Msg("websocket read error")
			}
			return
		}
		utils.ExtendReadDeadline(conn)
		member.Handle(env)
	}
}

// handleMessages 返回房间的历史消息
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	messages, err := h.hub.Transcript(r.Context(), roomID)
	if err != nil {
		h.logger.Error().Err(err).Str("room", roomID).Msg("failed to load transcript")
		utils.RespondError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"roomId":   roomID,
		"messages": messages,
	})
}

// handleMembers 返回当前在线成员
func (h *Handler) handleMembers(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	members := h.hub.Members(roomID)
	if members == nil {
		members = []protocol.Member{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"roomId":  roomID,
		"members": members,
	})
}
