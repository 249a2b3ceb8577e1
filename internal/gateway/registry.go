package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tunnelgate/tunnelgate/internal/idgen"
	"github.com/tunnelgate/tunnelgate/internal/protocol"
	"github.com/tunnelgate/tunnelgate/internal/store"
)

// registerDeadline bounds how long a newly-accepted websocket connection
// has to send its register frame before the gateway gives up on it.
const registerDeadline = 10 * time.Second

// maxSubdomainAttempts bounds the suffix-and-retry loop for an
// auto-generated subdomain before falling back to a time-based suffix.
const maxSubdomainAttempts = 100

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Registry is C5: it accepts agent websocket connections, authenticates
// and registers them, and keeps the tunnel-id -> live-session index the
// rest of the gateway dispatches requests through.
type Registry struct {
	store      store.Store
	signer     *idgen.Signer
	baseURL    string
	mux        *Multiplexer
	log        zerolog.Logger
	sessionTTL time.Duration

	mu       sync.RWMutex
	sessions map[string]*agentSession // tunnelID -> session
}

// defaultSessionTTL is the fallback used when NewRegistry is given a zero
// TTL, matching the spec's own 90s default.
const defaultSessionTTL = 90 * time.Second

func NewRegistry(st store.Store, signer *idgen.Signer, baseURL string, mux *Multiplexer, log zerolog.Logger, sessionTTL time.Duration) *Registry {
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	return &Registry{
		store:      st,
		signer:     signer,
		baseURL:    strings.TrimRight(baseURL, "/"),
		mux:        mux,
		log:        log.With().Str("component", "registry").Logger(),
		sessionTTL: sessionTTL,
		sessions:   make(map[string]*agentSession),
	}
}

// sweepStaleSessions closes every session that has sent no frame of any
// kind since before the TTL cutoff. Closing the connection unblocks its
// readLoop goroutine, which runs the normal disconnect bookkeeping —
// this only decides who is stale, not how a disconnect is handled.
func (r *Registry) sweepStaleSessions() {
	cutoff := time.Now().UTC().Add(-r.sessionTTL)
	r.mu.RLock()
	stale := make([]*agentSession, 0)
	for _, s := range r.sessions {
		if s.idleSince(cutoff) {
			stale = append(stale, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		r.log.Info().Str("tunnel_id", s.tunnelID).Msg("evicting stale agent session")
		s.close(protocol.CloseSessionStale, "no activity within session ttl")
	}
}

// CloseAll closes every live agent session with the normal close code, as
// part of a graceful gateway shutdown. New connections should already have
// stopped arriving by the time this is called.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*agentSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*agentSession)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close(protocol.CloseNormal, "server shutting down")
	}
}

// Lookup returns the live session serving tunnelID, if any.
func (r *Registry) Lookup(tunnelID string) (*agentSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[tunnelID]
	return s, ok
}

// ServeWebSocket upgrades the connection and runs its lifecycle to
// completion. It returns once the agent disconnects or registration fails.
func (r *Registry) ServeWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	session, tunnel, ok := r.handshake(conn)
	if !ok {
		return
	}

	r.log.Info().Str("tunnel_id", tunnel.ID).Str("subdomain", tunnel.Subdomain).Msg("agent registered")
	r.readLoop(session, tunnel.ID)
}

func (r *Registry) handshake(conn *websocket.Conn) (*agentSession, store.Tunnel, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(registerDeadline))
	var frame protocol.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		r.log.Warn().Err(err).Msg("registration frame read failed")
		conn.Close()
		return nil, store.Tunnel{}, false
	}
	_ = conn.SetReadDeadline(time.Time{})

	if frame.Type != protocol.FrameRegister {
		r.sendError(conn, "first frame must be register")
		conn.Close()
		return nil, store.Tunnel{}, false
	}

	claims, valid := r.signer.Verify(frame.Token, time.Now())
	if !valid {
		r.sendError(conn, "invalid or expired token")
		closeWithCode(conn, protocol.CloseAuthFailed, "auth failed")
		return nil, store.Tunnel{}, false
	}

	now := time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := r.store.CreateUserIfMissing(ctx, claims.UserID, claims.Email, now); err != nil {
		r.log.Error().Err(err).Msg("create user failed")
		r.sendError(conn, "internal error")
		conn.Close()
		return nil, store.Tunnel{}, false
	}

	tunnelID := frame.AgentID
	if tunnelID == "" {
		tunnelID = idgen.NewTunnelID()
	}

	subdomain, explicit := frame.Subdomain, frame.Subdomain != ""
	if subdomain == "" {
		subdomain = slugify(frame.TunnelName)
	}
	resolved, err := r.resolveSubdomain(ctx, subdomain, tunnelID, explicit)
	if err != nil {
		r.sendError(conn, err.Error())
		closeWithCode(conn, protocol.CloseRegistrationFailed, err.Error())
		return nil, store.Tunnel{}, false
	}

	// Evict any existing live session for this tunnel id before taking it over.
	r.mu.Lock()
	if old, ok := r.sessions[tunnelID]; ok {
		delete(r.sessions, tunnelID)
		r.mu.Unlock()
		old.close(protocol.CloseDuplicateTunnel, "tunnel re-registered elsewhere")
		r.mux.FailTunnel(tunnelID, fmt.Errorf("tunnel re-registered"))
		r.mu.Lock()
	}
	r.mu.Unlock()

	tunnel, err := r.store.UpsertTunnel(ctx, store.UpsertTunnelInput{
		ID:          tunnelID,
		OwnerUserID: claims.UserID,
		Subdomain:   resolved,
		Name:        frame.TunnelName,
		Description: frame.Description,
		LocalPort:   frame.LocalPort,
		Protocol:    "http",
		Now:         now,
	})
	if err != nil {
		r.log.Error().Err(err).Msg("upsert tunnel failed")
		r.sendError(conn, "internal error")
		conn.Close()
		return nil, store.Tunnel{}, false
	}

	session := newAgentSession(tunnelID, tunnelID, conn)
	r.mu.Lock()
	r.sessions[tunnelID] = session
	r.mu.Unlock()

	welcome := protocol.Frame{Type: protocol.FrameWelcome, Message: "connected", Timestamp: now}
	if err := session.writeJSON(welcome); err != nil {
		r.log.Warn().Err(err).Msg("welcome write failed")
	}
	registered := protocol.Frame{
		Type:      protocol.FrameRegistered,
		Tunnel:    toTunnelRecord(tunnel),
		URL:       r.tunnelURL(tunnel.Subdomain),
		Timestamp: now,
	}
	if err := session.writeJSON(registered); err != nil {
		r.log.Warn().Err(err).Msg("registered write failed")
	}

	return session, tunnel, true
}

func (r *Registry) resolveSubdomain(ctx context.Context, candidate, tunnelID string, explicit bool) (string, error) {
	taken, err := r.store.IsSubdomainTaken(ctx, candidate, tunnelID)
	if err != nil {
		return "", fmt.Errorf("check subdomain: %w", err)
	}
	if !taken {
		return candidate, nil
	}
	if explicit {
		return "", fmt.Errorf("subdomain %q is already in use", candidate)
	}

	for attempt := 2; attempt <= maxSubdomainAttempts; attempt++ {
		next := fmt.Sprintf("%s-%d", candidate, attempt)
		taken, err := r.store.IsSubdomainTaken(ctx, next, tunnelID)
		if err != nil {
			return "", fmt.Errorf("check subdomain: %w", err)
		}
		if !taken {
			return next, nil
		}
	}

	fallback := fmt.Sprintf("%s-%d", candidate, time.Now().UnixNano()%1_000_000)
	taken, err = r.store.IsSubdomainTaken(ctx, fallback, tunnelID)
	if err != nil {
		return "", fmt.Errorf("check subdomain: %w", err)
	}
	if taken {
		return "", fmt.Errorf("could not allocate a subdomain for %q", candidate)
	}
	return fallback, nil
}

func (r *Registry) readLoop(session *agentSession, tunnelID string) {
	defer r.disconnect(session, tunnelID)
	for {
		var frame protocol.Frame
		if err := session.conn.ReadJSON(&frame); err != nil {
			return
		}
		session.touch()
		switch frame.Type {
		case protocol.FrameResponse:
			r.mux.Fulfill(frame)
		case protocol.FramePing:
			_ = session.writeJSON(protocol.Frame{Type: protocol.FramePong, Timestamp: time.Now().UTC()})
		default:
			r.log.Debug().Str("type", string(frame.Type)).Msg("unexpected frame from agent")
		}
	}
}

func (r *Registry) disconnect(session *agentSession, tunnelID string) {
	r.mu.Lock()
	if current, ok := r.sessions[tunnelID]; ok && current == session {
		delete(r.sessions, tunnelID)
	}
	r.mu.Unlock()

	r.mux.FailTunnel(tunnelID, fmt.Errorf("agent disconnected"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.MarkTunnelDisconnected(ctx, tunnelID, time.Now().UTC()); err != nil {
		r.log.Error().Err(err).Str("tunnel_id", tunnelID).Msg("mark tunnel disconnected failed")
	}
	r.log.Info().Str("tunnel_id", tunnelID).Msg("agent disconnected")
}

func (r *Registry) sendError(conn *websocket.Conn, message string) {
	_ = conn.WriteJSON(protocol.Frame{Type: protocol.FrameError, Error: message, Timestamp: time.Now().UTC()})
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(2*time.Second))
	_ = conn.Close()
}

// tunnelURL builds the path-based public URL the spec requires:
// {baseUrl}/{subdomain}. Routing is by URL path prefix only.
func (r *Registry) tunnelURL(subdomain string) string {
	if r.baseURL == "" {
		return "/" + subdomain
	}
	return r.baseURL + "/" + subdomain
}

func toTunnelRecord(t store.Tunnel) *protocol.TunnelRecord {
	return &protocol.TunnelRecord{
		ID:               t.ID,
		Subdomain:        t.Subdomain,
		OwnerUserID:      t.OwnerUserID,
		Name:             t.Name,
		Description:      t.Description,
		LocalPort:        t.LocalPort,
		Protocol:         t.Protocol,
		CustomDomain:     t.CustomDomain,
		IsActive:         t.IsActive,
		ConnectedAt:      t.ConnectedAt,
		LastConnected:    t.LastConnected,
		LastDisconnected: t.LastDisconnected,
		TotalRequests:    t.TotalRequests,
		TotalBandwidth:   t.TotalBandwidth,
	}
}

// maxSlugSourceLen bounds how much of a tunnel name feeds the auto-generated
// subdomain slug, per the spec's first-20-characters rule.
const maxSlugSourceLen = 20

func slugify(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if len(name) > maxSlugSourceLen {
		name = name[:maxSlugSourceLen]
	}
	var b strings.Builder
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	slug := b.String()
	if slug == "" {
		return idgen.NewTunnelID()
	}
	return slug
}
