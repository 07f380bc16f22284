package utils

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// PongWait 读超时，收到 pong 时顺延
	PongWait = 60 * time.Second
	// PingPeriod 必须小于 PongWait
	PingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// NewUpgrader 创建只接受 origins 的升级器，"*" 表示不限制
func NewUpgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(origins) == 0 || slices.Contains(origins, "*") {
				return true
			}
			if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
				return true
			}
			return slices.Contains(origins, origin)
		},
	}
}

// KeepAlive 设置读超时并定期发送 ping，直到 ctx 结束或写入失败
func KeepAlive(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	go func() {
		ticker := time.NewTicker(PingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, Deadline()); err != nil {
					return
				}
			}
		}
	}()
}

// Deadline 返回控制帧的写超时
func Deadline() time.Time {
	return time.Now().Add(writeWait)
}

// ExtendReadDeadline 收到数据后顺延读超时
func ExtendReadDeadline(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(PongWait))
}
