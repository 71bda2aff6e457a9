package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ackTimeout bounds any single outbound write, matching §5's 10s
// deadline for emit-with-ack requests; it is applied to every write,
// acked or not, since a slow client is a slow client either way.
const ackTimeout = 10 * time.Second

// Socket wraps one accepted connection with the mutable state §4.5
// assigns it: which voice channel (if any) it currently occupies, and
// which rooms it has joined, so the gateway can tear both down on
// disconnect without asking any other package.
type Socket struct {
	id     string
	userID string
	conn   *websocket.Conn

	writeMu sync.Mutex

	stateMu        sync.Mutex
	voiceChannelID string
	rooms          map[string]struct{}
	closing        bool
}

func newSocket(id, userID string, conn *websocket.Conn) *Socket {
	return &Socket{
		id:     id,
		userID: userID,
		conn:   conn,
		rooms:  make(map[string]struct{}),
	}
}

// UserID is the authenticated user this socket belongs to.
func (s *Socket) UserID() string { return s.userID }

// SessionID is the stable per-connection identifier the voice
// coordinator uses to key its own peer table; a user connected from
// two tabs holds two sessions.
func (s *Socket) SessionID() string { return s.id }

func (s *Socket) addRoom(room string) {
	s.stateMu.Lock()
	s.rooms[room] = struct{}{}
	s.stateMu.Unlock()
}

func (s *Socket) removeRoom(room string) {
	s.stateMu.Lock()
	delete(s.rooms, room)
	s.stateMu.Unlock()
}

func (s *Socket) roomList() []string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		out = append(out, room)
	}
	return out
}

func (s *Socket) setVoiceChannel(channelID string) {
	s.stateMu.Lock()
	s.voiceChannelID = channelID
	s.stateMu.Unlock()
}

func (s *Socket) voiceChannel() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.voiceChannelID
}

// markClosing reports whether this call is the first to mark the
// socket as disconnecting, so concurrent Broadcast and read-loop exits
// only tear the connection down once.
func (s *Socket) markClosing() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.closing {
		return false
	}
	s.closing = true
	return true
}

// readEnvelope blocks for the next inbound message. The read loop
// itself owns this call exclusively, so it needs no lock.
func (s *Socket) readEnvelope(ctx context.Context, into *inboundEnvelope) error {
	return wsjson.Read(ctx, s.conn, into)
}

// writeEnvelope serializes concurrent writers (multiple rooms can fan
// a broadcast into the same socket at once) and bounds every write to
// ackTimeout.
func (s *Socket) writeEnvelope(ctx context.Context, env outboundEnvelope) error {
	writeCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsjson.Write(writeCtx, s.conn, env)
}

func (s *Socket) close(code websocket.StatusCode, reason string) {
	_ = s.conn.Close(code, reason)
}
