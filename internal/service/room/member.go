package room

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/financegpt/backend/pkg/protocol"
)

const writeWait = 10 * time.Second

// Member is one connection in a room. Writes to it are serialized.
type Member struct {
	id   string
	info protocol.Member
	room *Room
	conn Conn

	writeMu   sync.Mutex
	leaveOnce sync.Once
}

func newMember(r *Room, info protocol.Member, conn Conn) *Member {
	return &Member{
		id:   uuid.NewString(),
		info: info,
		room: r,
		conn: conn,
	}
}

// ID is the connection id reported in the connect envelope.
func (m *Member) ID() string { return m.id }

// Info returns the member's presence record.
func (m *Member) Info() protocol.Member { return m.info }

// Room returns the room the member joined.
func (m *Member) Room() *Room { return m.room }

// Send writes one envelope to the member.
func (m *Member) Send(env protocol.Envelope) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return m.conn.WriteJSON(env)
}

// Handle processes an envelope read from the member's connection. Sender
// fields of env are ignored in favour of the member's own identity.
func (m *Member) Handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeChat:
		content := strings.TrimSpace(env.Content)
		if content == "" {
			m.sendError("message content is required")
			return
		}
		m.room.post(m, content)
	case protocol.TypeTyping:
		var data protocol.TypingData
		if err := env.Decode(&data); err != nil {
			m.sendError("invalid typing payload")
			return
		}
		m.room.typing(m, data.Typing)
	default:
		m.sendError("unsupported message type: " + string(env.Type))
	}
}

func (m *Member) sendError(content string) {
	env := m.room.envelope(protocol.TypeError)
	env.Content = content
	if err := m.Send(env); err != nil {
		m.room.logger.Debug().Err(err).Str("connection", m.id).Msg("failed to send error envelope")
	}
}

// Leave removes the member from its room and closes the connection. It is
// safe to call more than once.
func (m *Member) Leave() {
	m.leaveOnce.Do(func() {
		if m.room.detach(m) {
			m.room.announceLeave(m)
		}
		_ = m.conn.Close()
	})
}
