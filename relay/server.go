package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// sendBuffer bounds the per-member outbound queue. A member that cannot
// drain its queue loses frames, never the whole room.
const sendBuffer = 16

// Server routes session-addressed messages between the members of the same
// room. It is not a party to the protocol: payloads are forwarded as opaque
// bytes, delivery is at-most-once and a missing destination is a silent drop.
type Server struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[uint64]map[*member]struct{}
}

type member struct {
	addr string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

// NewServer creates a relay. A nil logger falls back to slog.Default.
func NewServer(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[uint64]map[*member]struct{}),
	}
}

// ServeHTTP upgrades the connection and serves it until the client leaves.
// The first frame must be a join envelope naming the session room.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "err", err)
		return
	}

	var join Envelope
	if err := conn.ReadJSON(&join); err != nil || join.Type != TypeJoin || join.From == "" {
		s.log.Warn("rejecting connection without join", "err", err)
		conn.Close()
		return
	}

	m := &member{
		addr: join.From,
		send: make(chan []byte, sendBuffer),
		conn: conn,
	}
	s.joinRoom(join.GameID, m)
	s.log.Info("participant joined", "game", join.GameID, "participant", m.addr)

	go m.writePump()
	s.readLoop(join.GameID, m)
}

// joinRoom admits a member to a room, creating the room on first join.
// Joining is idempotent for a given connection.
func (s *Server) joinRoom(gameID uint64, m *member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[gameID]
	if !ok {
		room = make(map[*member]struct{})
		s.rooms[gameID] = room
	}
	room[m] = struct{}{}
}

func (s *Server) leaveRoom(gameID uint64, m *member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[gameID]
	if !ok {
		return
	}
	delete(room, m)
	if len(room) == 0 {
		delete(s.rooms, gameID)
	}
}

func (s *Server) readLoop(gameID uint64, m *member) {
	defer func() {
		s.leaveRoom(gameID, m)
		m.close()
		s.log.Info("participant left", "game", gameID, "participant", m.addr)
	}()

	for {
		_, raw, err := m.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.log.Warn("dropping malformed frame", "game", gameID, "from", m.addr, "err", err)
			continue
		}
		if env.Type == TypeJoin {
			// Re-joining the same room is a no-op; the membership the
			// connection already holds stays in place.
			continue
		}
		// Route by the room this connection joined, not by whatever the
		// envelope claims, so a client cannot inject into foreign rooms.
		s.route(gameID, m, raw)
	}
}

// route forwards a frame to every other current member of the room. There is
// no acknowledgment: an absent or slow destination observes nothing and the
// sender observes nothing either.
func (s *Server) route(gameID uint64, from *member, raw []byte) {
	s.mu.Lock()
	peers := make([]*member, 0, len(s.rooms[gameID]))
	for m := range s.rooms[gameID] {
		if m != from {
			peers = append(peers, m)
		}
	}
	s.mu.Unlock()

	for _, m := range peers {
		if !m.deliver(raw) {
			s.log.Warn("dropping frame for absent or slow participant", "game", gameID, "participant", m.addr)
		}
	}
}

// Rooms reports the number of active rooms.
func (s *Server) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (m *member) writePump() {
	for raw := range m.send {
		if err := m.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
}

// deliver queues a frame for the member's write pump without blocking. The
// send channel is closed only under the same mutex, so a frame routed after
// the member left is dropped instead of hitting a closed channel.
func (m *member) deliver(raw []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	select {
	case m.send <- raw:
		return true
	default:
		return false
	}
}

func (m *member) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.send)
	if m.conn != nil {
		m.conn.Close()
	}
}
