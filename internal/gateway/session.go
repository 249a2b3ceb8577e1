package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// agentSession is one connected agent's websocket, guarded so only one
// goroutine ever writes to the underlying connection at a time — gorilla's
// Conn forbids concurrent writers even though reads and writes may overlap.
type agentSession struct {
	id       string
	tunnelID string
	conn     *websocket.Conn

	writeMu sync.Mutex

	seenMu   sync.Mutex
	lastSeen time.Time
}

func newAgentSession(id, tunnelID string, conn *websocket.Conn) *agentSession {
	return &agentSession{
		id:       id,
		tunnelID: tunnelID,
		conn:     conn,
		lastSeen: time.Now().UTC(),
	}
}

func (s *agentSession) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *agentSession) close(code int, reason string) {
	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(2*time.Second))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

func (s *agentSession) touch() {
	s.seenMu.Lock()
	s.lastSeen = time.Now().UTC()
	s.seenMu.Unlock()
}

// idleSince reports whether no frame of any kind has arrived from this
// session since before cutoff — the staleness check the registry's sweep
// uses to evict a silently-dead agent (spec SPEC_FULL §4: a session is
// stale, and evicted, if no frame arrives within sessionTTL).
func (s *agentSession) idleSince(cutoff time.Time) bool {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	return s.lastSeen.Before(cutoff)
}
