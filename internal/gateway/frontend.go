package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelgate/tunnelgate/internal/httpx"
	"github.com/tunnelgate/tunnelgate/internal/protocol"
	"github.com/tunnelgate/tunnelgate/internal/store"
	"github.com/tunnelgate/tunnelgate/internal/telemetry"
)

// Frontend is C7: the public-facing HTTP surface. It parses
// "/{identifier}/{rest...}", resolves the tunnel by subdomain or id, hands
// the request to C6, and maps the outcome onto an HTTP response. Routing is
// by URL path prefix only — host-based subdomain routing is an explicit
// spec Non-goal and is never consulted here.
type Frontend struct {
	store        store.Store
	mux          *Multiplexer
	recorder     *telemetry.Recorder
	log          zerolog.Logger
	maxBodyBytes int64
}

func NewFrontend(st store.Store, mux *Multiplexer, recorder *telemetry.Recorder, maxBodyBytes int64, log zerolog.Logger) *Frontend {
	return &Frontend{
		store:        st,
		mux:          mux,
		recorder:     recorder,
		log:          log.With().Str("component", "frontend").Logger(),
		maxBodyBytes: maxBodyBytes,
	}
}

func (f *Frontend) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	started := time.Now()
	identifier, path := f.resolveIdentifier(req)
	if identifier == "" {
		http.Error(w, "tunnel not specified", http.StatusBadRequest)
		return
	}

	ctx := req.Context()
	tunnel, ok, err := f.store.GetTunnelBySubdomain(ctx, identifier)
	if err != nil {
		f.log.Error().Err(err).Msg("tunnel lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		tunnel, ok, err = f.store.GetTunnelByID(ctx, identifier)
		if err != nil {
			f.log.Error().Err(err).Msg("tunnel lookup failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	if !ok {
		http.Error(w, "unknown tunnel", http.StatusNotFound)
		return
	}
	if !tunnel.IsActive {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "tunnel is not connected",
			"tunnel": map[string]any{
				"id":               tunnel.ID,
				"lastConnected":    tunnel.LastConnected,
				"lastDisconnected": tunnel.LastDisconnected,
			},
		})
		return
	}

	body, bodyErr := io.ReadAll(io.LimitReader(req.Body, f.maxBodyBytes+1))
	if bodyErr != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > f.maxBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	reqFrame := protocol.Frame{
		Method:  req.Method,
		Path:    path,
		Headers: httpx.CloneHTTPHeader(req.Header),
		Body:    base64.StdEncoding.EncodeToString(body),
	}

	respFrame, dispatchErr := f.mux.Dispatch(ctx, tunnel.ID, reqFrame)
	clientIP := clientIPFrom(req)
	elapsed := time.Since(started)

	if dispatchErr != nil {
		status := statusForDispatchError(dispatchErr)
		http.Error(w, dispatchErr.Error(), status)
		f.capture(ctx, tunnel.ID, req, path, status, elapsed, len(body), 0, clientIP)
		if errors.Is(dispatchErr, ErrTunnelOffline) {
			go f.reconcileInactive(tunnel.ID)
		}
		return
	}

	responseBody, decodeErr := base64.StdEncoding.DecodeString(respFrame.Body)
	if decodeErr != nil {
		http.Error(w, "malformed agent response", http.StatusBadGateway)
		f.capture(ctx, tunnel.ID, req, path, http.StatusBadGateway, elapsed, len(body), 0, clientIP)
		return
	}

	httpx.WriteHeaderMap(w.Header(), respFrame.Headers)
	status := respFrame.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(responseBody)

	f.capture(ctx, tunnel.ID, req, path, status, time.Since(started), len(body), len(responseBody), clientIP)
}

func (f *Frontend) capture(ctx context.Context, tunnelID string, req *http.Request, path string, status int, elapsed time.Duration, reqBytes, respBytes int, clientIP string) {
	f.recorder.Capture(ctx, telemetry.Event{
		TunnelID:       tunnelID,
		Method:         req.Method,
		Path:           path,
		StatusCode:     status,
		ResponseTimeMs: elapsed.Milliseconds(),
		RequestBytes:   int64(reqBytes),
		ResponseBytes:  int64(respBytes),
		ClientIP:       clientIP,
		UserAgent:      req.UserAgent(),
		Timestamp:      time.Now().UTC(),
	})
}

// reconcileInactive repairs a tunnel row left marked active with no live
// session in the registry — e.g. a process restart that dropped every
// websocket without going through the normal disconnect path. Best-effort:
// the public response has already been sent, so a failure here is only
// logged.
func (f *Frontend) reconcileInactive(tunnelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.store.MarkTunnelDisconnected(ctx, tunnelID, time.Now().UTC()); err != nil {
		f.log.Warn().Err(err).Str("tunnel_id", tunnelID).Msg("reconcile inactive tunnel failed")
	}
}

func statusForDispatchError(err error) int {
	switch {
	case errors.Is(err, ErrTunnelOffline), errors.Is(err, ErrAgentDisconnected):
		return http.StatusBadGateway
	case errors.Is(err, ErrRequestTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// resolveIdentifier parses "/{identifier}/{rest...}". Routing is by URL
// path prefix only, per spec — the Host header is never consulted.
func (f *Frontend) resolveIdentifier(req *http.Request) (identifier, path string) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/")
	first, rest, _ := strings.Cut(trimmed, "/")
	if first == "" {
		return "", "/"
	}
	return first, "/" + rest
}

func clientIPFrom(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := splitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, "", nil
	}
	return addr[:idx], addr[idx+1:], nil
}
