package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunnelgate/tunnelgate/internal/httpx"
	"github.com/tunnelgate/tunnelgate/internal/protocol"
)

var errBodyTooLarge = errors.New("body too large")

// Agent holds one long-lived websocket connection to the gateway and
// forwards every request frame it receives to the configured local target,
// reconnecting with backoff whenever the connection drops.
type Agent struct {
	cfg        Config
	logger     *log.Logger
	httpClient *http.Client
	dialer     *websocket.Dialer
	eventHook  RuntimeEventHook

	connMu   sync.Mutex
	writeMu  sync.Mutex
	conn     *websocket.Conn
	tunnelID string
}

func New(cfg Config, logger *log.Logger) *Agent {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	transport := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyURL := strings.TrimSpace(cfg.ProxyURL); proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		}
	}
	if strings.TrimSpace(cfg.NoProxy) != "" {
		_ = os.Setenv("NO_PROXY", strings.TrimSpace(cfg.NoProxy))
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}
	if cfg.TLSSkipVerify || strings.TrimSpace(cfg.CAFile) != "" {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLSSkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if caFile := strings.TrimSpace(cfg.CAFile); caFile != "" {
			if pemData, err := os.ReadFile(caFile); err == nil {
				pool := x509.NewCertPool()
				if pool.AppendCertsFromPEM(pemData) {
					tlsConfig.RootCAs = pool
				}
			}
		}
		transport.TLSClientConfig = tlsConfig
		dialer.TLSClientConfig = tlsConfig
	}

	return &Agent{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Transport: transport},
		dialer:     dialer,
		eventHook:  cfg.EventHook,
		tunnelID:   cfg.AgentID,
	}
}

// Run dials the gateway and serves requests until ctx is cancelled,
// reconnecting with exponential backoff whenever the connection drops.
func (a *Agent) Run(ctx context.Context) error {
	a.emit(RuntimeStateStarting, "agent starting", nil)

	backoff := a.cfg.MinReconnectBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := a.cfg.MaxReconnectBackoff
	if maxBackoff <= 0 {
		maxBackoff = 10 * time.Second
	}

	for {
		if ctx.Err() != nil {
			a.emit(RuntimeStateStopping, "agent stopping", nil)
			a.emit(RuntimeStateStopped, "agent stopped", nil)
			return nil
		}

		err := a.connectAndServe(ctx)
		if ctx.Err() != nil {
			a.emit(RuntimeStateStopping, "agent stopping", nil)
			a.emit(RuntimeStateStopped, "agent stopped", nil)
			return nil
		}
		if err != nil {
			a.logger.Printf("agent session ended: %v", err)
			a.emit(RuntimeStateDegraded, "connection lost", err)
		}

		if waitErr := waitWithContext(ctx, backoff); waitErr != nil {
			a.emit(RuntimeStateStopping, "agent stopping", nil)
			a.emit(RuntimeStateStopped, "agent stopped", nil)
			return nil
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// connectAndServe dials the gateway, registers the tunnel, and blocks
// serving request frames until the connection fails or ctx is cancelled. A
// nil return only happens on a clean ctx cancellation.
func (a *Agent) connectAndServe(ctx context.Context) error {
	wsURL, err := gatewayWebSocketURL(a.cfg.GatewayBaseURL)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := a.dialer.DialContext(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	a.setConn(conn)
	defer a.setConn(nil)

	tunnel, err := a.register(conn)
	if err != nil {
		return err
	}
	a.tunnelID = tunnel.ID
	a.logger.Printf("tunnel registered: id=%s subdomain=%s url=%s", tunnel.ID, tunnel.Subdomain, tunnel.URL)
	a.emit(RuntimeStateRunning, "tunnel registered", nil)

	pingDone := make(chan struct{})
	serveErrCh := make(chan error, 1)

	go a.pingLoop(ctx, pingDone)
	go func() { serveErrCh <- a.readLoop(conn) }()

	select {
	case <-ctx.Done():
		close(pingDone)
		_ = conn.Close()
		<-serveErrCh
		return nil
	case err := <-serveErrCh:
		close(pingDone)
		return err
	}
}

type registeredTunnel struct {
	ID        string
	Subdomain string
	URL       string
}

// register sends the register frame and waits for welcome/registered (or
// an error frame) before the session is considered live.
func (a *Agent) register(conn *websocket.Conn) (registeredTunnel, error) {
	req := protocol.Frame{
		Type:        protocol.FrameRegister,
		AgentID:     a.tunnelID,
		Token:       a.cfg.SessionToken,
		TunnelName:  a.cfg.TunnelName,
		Subdomain:   a.cfg.Subdomain,
		LocalPort:   a.cfg.LocalPort,
		Description: a.cfg.Description,
	}
	if err := conn.WriteJSON(req); err != nil {
		return registeredTunnel{}, fmt.Errorf("send register frame: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(registerDeadline))
	defer conn.SetReadDeadline(time.Time{})

	var welcomed bool
	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return registeredTunnel{}, fmt.Errorf("read registration reply: %w", err)
		}
		switch frame.Type {
		case protocol.FrameWelcome:
			welcomed = true
		case protocol.FrameError:
			return registeredTunnel{}, fmt.Errorf("gateway rejected registration: %s", frame.Error)
		case protocol.FrameRegistered:
			if frame.Tunnel == nil {
				return registeredTunnel{}, errors.New("registered frame missing tunnel record")
			}
			return registeredTunnel{ID: frame.Tunnel.ID, Subdomain: frame.Tunnel.Subdomain, URL: frame.URL}, nil
		default:
			if !welcomed {
				continue
			}
		}
	}
}

// pingLoop sends a keepalive ping every PingInterval until done is closed.
func (a *Agent) pingLoop(ctx context.Context, done <-chan struct{}) {
	interval := a.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := a.writeJSON(protocol.Frame{Type: protocol.FramePing, Timestamp: time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}

// readLoop reads frames off the connection until it closes or errors,
// dispatching each request frame to the local target in its own goroutine
// so a slow local target never blocks other in-flight requests.
func (a *Agent) readLoop(conn *websocket.Conn) error {
	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		switch frame.Type {
		case protocol.FrameRequest:
			go a.serveRequest(frame)
		case protocol.FramePong:
			// keepalive acknowledgement; nothing to do.
		case protocol.FrameError:
			a.logger.Printf("gateway error frame: %s", frame.Error)
		default:
			a.logger.Printf("unexpected frame from gateway: %s", frame.Type)
		}
	}
}

// serveRequest forwards one request frame to the local target and writes
// the matching response frame back, correlated by the request's ID.
func (a *Agent) serveRequest(req protocol.Frame) {
	resp := a.forwardToLocalTarget(req)
	if err := a.writeJSON(resp); err != nil {
		a.logger.Printf("write response frame %s: %v", req.ID, err)
	}
}

func (a *Agent) forwardToLocalTarget(req protocol.Frame) protocol.Frame {
	resp := protocol.Frame{Type: protocol.FrameResponse, ID: req.ID}

	body, err := decodeBody(req.Body)
	if err != nil {
		return errorResponse(resp, http.StatusBadRequest, fmt.Sprintf("decode request body: %v", err))
	}

	targetURL, err := buildTargetURL(a.cfg.LocalTarget, req.Path)
	if err != nil {
		return errorResponse(resp, http.StatusBadGateway, fmt.Sprintf("build target URL: %v", err))
	}

	requestCtx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
	defer cancel()

	outboundReq, err := http.NewRequestWithContext(requestCtx, req.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		return errorResponse(resp, http.StatusBadGateway, fmt.Sprintf("construct outbound request: %v", err))
	}
	httpx.WriteHeaderMap(outboundReq.Header, req.Headers)
	outboundReq.Header.Set("X-Tunnelgate-Tunnel-ID", a.tunnelID)
	if req.ID != "" {
		outboundReq.Header.Set("X-Tunnelgate-Request-ID", req.ID)
	}

	outboundResp, err := a.httpClient.Do(outboundReq)
	if err != nil {
		return errorResponse(resp, http.StatusBadGateway, fmt.Sprintf("forward request to local target: %v", err))
	}
	defer outboundResp.Body.Close()

	respBody, err := readAllWithLimit(outboundResp.Body, a.cfg.MaxResponseBodyBytes)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return errorResponse(resp, http.StatusRequestEntityTooLarge, "local target response exceeded configured size limit")
		}
		return errorResponse(resp, http.StatusBadGateway, fmt.Sprintf("read local target response: %v", err))
	}

	resp.StatusCode = outboundResp.StatusCode
	resp.Headers = httpx.CloneHTTPHeader(outboundResp.Header)
	resp.Body = encodeBody(respBody)
	return resp
}

func errorResponse(resp protocol.Frame, status int, message string) protocol.Frame {
	resp.StatusCode = status
	resp.Headers = map[string][]string{"Content-Type": {"text/plain; charset=utf-8"}}
	resp.Body = encodeBody([]byte(message))
	return resp
}

func (a *Agent) writeJSON(v any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn := a.getConn()
	if conn == nil {
		return errors.New("no active connection")
	}
	return conn.WriteJSON(v)
}

func (a *Agent) setConn(conn *websocket.Conn) {
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
}

func (a *Agent) getConn() *websocket.Conn {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.conn
}

func (a *Agent) emit(state, message string, err error) {
	if a.eventHook == nil {
		return
	}
	event := RuntimeEvent{
		State:     state,
		Message:   strings.TrimSpace(message),
		AgentID:   strings.TrimSpace(a.tunnelID),
		At:        time.Now().UTC(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	a.eventHook(event)
}

func buildTargetURL(base, path string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if path == "" {
		path = "/"
	}
	relative, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(relative).String(), nil
}

func decodeBody(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func encodeBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(body)
}

func readAllWithLimit(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}
	limited := &io.LimitedReader{R: reader, N: maxBytes + 1}
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// registerDeadline bounds how long the agent waits for the gateway's
// welcome/registered reply before giving up on this connection attempt.
const registerDeadline = 10 * time.Second

func waitWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
