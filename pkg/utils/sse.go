package utils

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tmaxmax/go-sse"
)

// DoneSentinel 流结束标记
const DoneSentinel = "[DONE]"

// SSEWriter 逐帧写出 `data: <json>` 格式的事件流
type SSEWriter struct {
	session *sse.Session
}

// NewSSEWriter 升级响应为事件流
func NewSSEWriter(w http.ResponseWriter, r *http.Request) (*SSEWriter, error) {
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	session, err := sse.Upgrade(w, r)
	if err != nil {
		return nil, err
	}
	return &SSEWriter{session: session}, nil
}

// SendJSON 发送一个JSON数据帧并立即刷新
func (s *SSEWriter) SendJSON(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal sse payload")
		return err
	}
	return s.send(string(data))
}

// SendContent 发送内容增量
func (s *SSEWriter) SendContent(content string) error {
	return s.SendJSON(map[string]string{"content": content})
}

// SendError 发送错误记录
func (s *SSEWriter) SendError(message string) error {
	return s.SendJSON(map[string]string{"error": message})
}

// Done 发送结束标记
func (s *SSEWriter) Done() error {
	return s.send(DoneSentinel)
}

func (s *SSEWriter) send(data string) error {
	msg := &sse.Message{}
	msg.AppendData(data)
	if err := s.session.Send(msg); err != nil {
		return err
	}
	return s.session.Flush()
}
