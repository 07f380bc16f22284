package chat

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/financegpt/backend/internal/model/chat"
	"github.com/financegpt/backend/pkg/utils"
)

// Frame types of the single-user channel.
const (
	FrameContent = "content"
	FrameDone    = "done"
	FrameError   = "error"
)

// Frame is one server message on /ws/chat.
type Frame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleWebSocket 处理单用户 WebSocket 对话：每条请求消息依次回复
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.responder == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, msgUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	utils.KeepAlive(ctx, conn)
	h.logger.Info().Str("remote", r.RemoteAddr).Msg("websocket chat connected")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("websocket read error")
			}
			h.logger.Info().Msg("websocket chat disconnected")
			return
		}
		utils.ExtendReadDeadline(conn)

		if err := h.answerFrame(ctx, conn, raw); err != nil {
			h.logger.Debug().Err(err).Msg("websocket write failed")
			return
		}
	}
}

// answerFrame 回复一条请求。只有写入失败才返回错误
func (h *Handler) answerFrame(ctx context.Context, conn *websocket.Conn, raw []byte) error {
	var req chat.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return conn.WriteJSON(Frame{Type: FrameError, Error: msgInvalidJSON})
	}
	if err := req.Validate(); err != nil {
		return conn.WriteJSON(Frame{Type: FrameError, Error: msgInvalidMessages})
	}

	turn, key := h.prepare(ctx, req)

	var writeErr error
	answer, err := h.stream(ctx, turn, func(delta string) error {
		writeErr = conn.WriteJSON(Frame{Type: FrameContent, Content: delta})
		return writeErr
	})
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("agent execution error")
		return conn.WriteJSON(Frame{Type: FrameError, Error: "Agent execution error: " + err.Error()})
	}

	h.remember(ctx, key, turn.Query, answer)
	return conn.WriteJSON(Frame{Type: FrameDone})
}
