// Package protocol defines the JSON envelopes exchanged over the group chat
// WebSocket.
package protocol

import (
	"encoding/json"
	"time"
)

// Type discriminates envelopes.
type Type string

const (
	TypeConnect    Type = "connect"
	TypeChat       Type = "chat"
	TypeAIStream   Type = "ai_stream"
	TypeAIComplete Type = "ai_complete"
	TypeSystem     Type = "system"
	TypeTyping     Type = "typing"
	TypeToolCall   Type = "tool_call"
	TypeChartData  Type = "chart_data"
	TypeError      Type = "error"
)

// AssistantID is the UserID of envelopes produced by the assistant, including
// the error that ends a failed reply.
const AssistantID = "assistant"

// Envelope is one WebSocket message.
type Envelope struct {
	Type      Type            `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Username  string          `json:"username,omitempty"`
	Content   string          `json:"content,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds an envelope stamped with the current time.
func New(t Type, roomID string) Envelope {
	return Envelope{Type: t, RoomID: roomID, Timestamp: time.Now().UTC()}
}

// WithData marshals v into the envelope payload.
func (e Envelope) WithData(v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return e, err
	}
	e.Data = raw
	return e, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Member is one participant of a room.
type Member struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

// ConnectData is sent to a joining client.
type ConnectData struct {
	ConnectionID string   `json:"connectionId"`
	Members      []Member `json:"members"`
}

// PresenceData accompanies join and leave notices.
type PresenceData struct {
	Event   string   `json:"event"`
	Members []Member `json:"members"`
}

// Presence events.
const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
)

// TypingData reports whether a member is typing.
type TypingData struct {
	Typing bool `json:"typing"`
}

// ToolCallData announces a market-data lookup made by the assistant.
type ToolCallData struct {
	Tool   string `json:"tool"`
	Symbol string `json:"symbol"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Tool call statuses.
const (
	ToolStarted   = "started"
	ToolSucceeded = "succeeded"
	ToolFailed    = "failed"
)

// ChartPoint is one daily bar.
type ChartPoint struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// ChartData carries price history for one symbol.
type ChartData struct {
	Symbol string       `json:"symbol"`
	Points []ChartPoint `json:"points"`
}
