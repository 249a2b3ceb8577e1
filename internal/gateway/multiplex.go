package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelgate/tunnelgate/internal/idgen"
	"github.com/tunnelgate/tunnelgate/internal/protocol"
)

// defaultRequestTimeout is the fallback used when NewMultiplexer is given a
// zero timeout, matching the spec's own 10s default.
const defaultRequestTimeout = 10 * time.Second

var (
	// ErrTunnelOffline means the request never reached an agent.
	ErrTunnelOffline = errors.New("tunnel is not connected")
	// ErrRequestTimeout means the request reached the agent but no response
	// arrived before the deadline.
	ErrRequestTimeout = errors.New("timed out waiting for agent response")
	// ErrAgentDisconnected means the agent went away mid-flight.
	ErrAgentDisconnected = errors.New("agent disconnected before responding")
)

type dispatchResult struct {
	frame protocol.Frame
	err   error
}

type pendingEntry struct {
	tunnelID string
	result   chan dispatchResult
}

// Multiplexer is C6: it correlates one outstanding request per correlation
// id with the response frame that eventually answers it, across an
// arbitrary number of concurrent in-flight requests per tunnel, and fails
// every request pinned to a tunnel the instant that tunnel's agent drops.
type Multiplexer struct {
	registry       *Registry
	log            zerolog.Logger
	requestTimeout time.Duration

	mu      sync.Mutex
	pending map[string]pendingEntry // correlation id -> entry
}

// NewMultiplexer builds a Multiplexer that waits requestTimeout for an
// agent's response before giving up; a zero value falls back to
// defaultRequestTimeout.
func NewMultiplexer(log zerolog.Logger, requestTimeout time.Duration) *Multiplexer {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Multiplexer{
		log:            log.With().Str("component", "multiplexer").Logger(),
		requestTimeout: requestTimeout,
		pending:        make(map[string]pendingEntry),
	}
}

// bindRegistry breaks the Registry/Multiplexer construction cycle: both are
// built, then wired together once, before either serves traffic.
func (m *Multiplexer) bindRegistry(r *Registry) {
	m.registry = r
}

// Dispatch sends a request frame to the tunnel's agent and blocks until a
// matching response frame arrives, ctx is cancelled, m.requestTimeout
// elapses, or the agent disconnects — whichever comes first. Every outcome
// resolves exactly once.
func (m *Multiplexer) Dispatch(ctx context.Context, tunnelID string, req protocol.Frame) (protocol.Frame, error) {
	session, ok := m.registry.Lookup(tunnelID)
	if !ok {
		return protocol.Frame{}, ErrTunnelOffline
	}

	req.Type = protocol.FrameRequest
	req.ID = idgen.NewCorrelationID()

	result := make(chan dispatchResult, 1)
	m.mu.Lock()
	m.pending[req.ID] = pendingEntry{tunnelID: tunnelID, result: result}
	m.mu.Unlock()

	cleanup := func() {
		m.mu.Lock()
		delete(m.pending, req.ID)
		m.mu.Unlock()
	}

	if err := session.writeJSON(req); err != nil {
		cleanup()
		return protocol.Frame{}, fmt.Errorf("write request to agent: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	select {
	case res := <-result:
		return res.frame, res.err
	case <-timeoutCtx.Done():
		cleanup()
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return protocol.Frame{}, ErrRequestTimeout
		}
		return protocol.Frame{}, ctx.Err()
	}
}

// Fulfill is called by the registry's read loop when a response frame
// arrives. A response with no matching (or already-resolved) correlation id
// — e.g. one that raced a timeout — is silently dropped, never delivered
// twice.
func (m *Multiplexer) Fulfill(frame protocol.Frame) {
	m.mu.Lock()
	entry, ok := m.pending[frame.ID]
	if ok {
		delete(m.pending, frame.ID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case entry.result <- dispatchResult{frame: frame}:
	default:
	}
}

// FailTunnel immediately unblocks every request currently pending against
// tunnelID with cause (ErrAgentDisconnected when cause is nil), instead of
// leaving them to expire on the full request timeout.
func (m *Multiplexer) FailTunnel(tunnelID string, cause error) {
	if cause == nil {
		cause = ErrAgentDisconnected
	}
	m.mu.Lock()
	var failed int
	for id, entry := range m.pending {
		if entry.tunnelID != tunnelID {
			continue
		}
		delete(m.pending, id)
		select {
		case entry.result <- dispatchResult{err: cause}:
		default:
		}
		failed++
	}
	m.mu.Unlock()
	if failed > 0 {
		m.log.Debug().Str("tunnel_id", tunnelID).Int("failed", failed).Msg("failed in-flight requests for disconnected tunnel")
	}
}
