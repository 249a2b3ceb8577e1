package integration_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tunnelgate/tunnelgate/internal/config"
	"github.com/tunnelgate/tunnelgate/internal/gateway"
	"github.com/tunnelgate/tunnelgate/internal/protocol"
	"github.com/tunnelgate/tunnelgate/internal/store"
)

// testGateway boots a real gateway.Server backed by an in-memory store and
// returns it already listening, tearing itself down at the end of the test.
func testGateway(t *testing.T) (*gateway.Server, string) {
	t.Helper()

	cfg := config.Config{
		Port:                   0,
		BaseURL:                "http://tunnelgate.test",
		JWTSecret:              "integration-test-secret",
		MaxRequestBodyBytes:    1 << 20,
		RequestDeadline:        10 * time.Second,
		SessionTTL:             90 * 24 * time.Hour,
		MetricsFlushInterval:   2 * time.Minute,
		MetricsBufferCap:       100,
		LiveStatsDecayEvery:    10 * time.Minute,
		LiveStatsDecayAfter:    10 * time.Minute,
		DailyRollupInterval:    24 * time.Hour,
		DeviceCodeRatePerMin:   6000,
		DeviceVerifyRatePerMin: 6000,
		PollRatePerMin:         6000,
	}

	st := store.NewMemoryStore()
	server, err := gateway.NewServer(cfg, st, zerolog.Nop())
	if err != nil {
		t.Fatalf("construct gateway server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	addr, err := waitForGatewayAddr(server, 5*time.Second)
	if err != nil {
		t.Fatalf("gateway did not publish a listener address: %v", err)
	}
	if err := waitForHTTP(fmt.Sprintf("http://%s/healthz", addr), 5*time.Second); err != nil {
		t.Fatalf("gateway health never became ready: %v", err)
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("gateway returned error on shutdown: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("timeout waiting for gateway shutdown")
		}
	})

	return server, addr
}

func waitForGatewayAddr(server *gateway.Server, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if addr := server.Addr(); addr != "" && !strings.HasPrefix(addr, ":") {
			return addr, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return "", fmt.Errorf("gateway address not published within %s", timeout)
}

func waitForHTTP(url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return nil
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for %s: %w", url, lastErr)
}

// mintSessionToken drives the real device-authorization HTTP flow end to
// end: request a code, claim it under an email, poll until the token shows.
func mintSessionToken(t *testing.T, addr, email string) string {
	t.Helper()

	codeResp := postJSON(t, fmt.Sprintf("http://%s/device/code", addr), nil)
	var codePayload struct {
		Code string `json:"code"`
	}
	decodeJSON(t, codeResp, &codePayload)
	if codePayload.Code == "" {
		t.Fatalf("device/code returned an empty code")
	}

	claimResp := postJSON(t, fmt.Sprintf("http://%s/device/claim", addr), map[string]any{
		"code":  codePayload.Code,
		"email": email,
	})
	var claimPayload struct {
		Claimed bool `json:"claimed"`
	}
	decodeJSON(t, claimResp, &claimPayload)
	if !claimPayload.Claimed {
		t.Fatalf("device/claim did not report claimed=true")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("http://%s/device/token?code=%s", addr, codePayload.Code))
		if err != nil {
			t.Fatalf("device/token request failed: %v", err)
		}
		var tokenPayload struct {
			Status string `json:"status"`
			Token  string `json:"token"`
		}
		decodeJSON(t, resp, &tokenPayload)
		if tokenPayload.Status == "claimed" {
			if tokenPayload.Token == "" {
				t.Fatalf("device/token reported claimed with an empty token")
			}
			return tokenPayload.Token
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("device/token never reported claimed within the deadline")
	return ""
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload for %s: %v", url, err)
		}
	} else {
		body.WriteString("{}")
	}
	resp, err := http.Post(url, "application/json", &body)
	if err != nil {
		t.Fatalf("post %s failed: %v", url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

// scriptedAgent is a hand-rolled stand-in for internal/agent.Agent that
// gives each test precise control over protocol-level timing — answering a
// request frame, ignoring one to force a timeout, or dialing twice under
// the same tunnel id to force an eviction — none of which the real,
// auto-reconnecting agent would let a test drive directly.
type scriptedAgent struct {
	t    *testing.T
	conn *websocket.Conn

	writeMu sync.Mutex
}

func dialAgent(t *testing.T, gatewayAddr string) *scriptedAgent {
	t.Helper()
	url := fmt.Sprintf("ws://%s/__tunnelgate/ws", gatewayAddr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial agent websocket: %v", err)
	}
	return &scriptedAgent{t: t, conn: conn}
}

func (a *scriptedAgent) writeJSON(v any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteJSON(v)
}

// register sends the register frame and reads frames until registered (or
// error), returning the registered frame with its tunnel record and URL. An
// empty agentID lets the gateway assign a fresh tunnel id.
func (a *scriptedAgent) register(token, agentID, tunnelName, subdomain string) (protocol.Frame, error) {
	a.t.Helper()
	if err := a.writeJSON(protocol.Frame{
		Type:       protocol.FrameRegister,
		AgentID:    agentID,
		Token:      token,
		TunnelName: tunnelName,
		Subdomain:  subdomain,
	}); err != nil {
		return protocol.Frame{}, err
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var frame protocol.Frame
		if err := a.conn.ReadJSON(&frame); err != nil {
			return protocol.Frame{}, err
		}
		switch frame.Type {
		case protocol.FrameRegistered:
			return frame, nil
		case protocol.FrameError:
			return protocol.Frame{}, fmt.Errorf("registration error: %s", frame.Error)
		}
	}
	return protocol.Frame{}, fmt.Errorf("never received a registered frame")
}

// serveOnce reads exactly one request frame, forwards it to target, and
// writes back the response frame.
func (a *scriptedAgent) serveOnce(target *httptest.Server) (protocol.Frame, error) {
	var req protocol.Frame
	if err := a.conn.ReadJSON(&req); err != nil {
		return protocol.Frame{}, err
	}
	if req.Type != protocol.FrameRequest {
		return protocol.Frame{}, fmt.Errorf("expected a request frame, got %q", req.Type)
	}

	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return protocol.Frame{}, err
	}

	httpReq, err := http.NewRequest(req.Method, target.URL+req.Path, bytes.NewReader(body))
	if err != nil {
		return protocol.Frame{}, err
	}
	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	resp, err := target.Client().Do(httpReq)
	if err != nil {
		return protocol.Frame{}, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.Frame{}, err
	}

	respFrame := protocol.Frame{
		Type:       protocol.FrameResponse,
		ID:         req.ID,
		StatusCode: resp.StatusCode,
		Headers:    map[string][]string(resp.Header),
		Body:       base64.StdEncoding.EncodeToString(respBody),
	}
	if err := a.writeJSON(respFrame); err != nil {
		return protocol.Frame{}, err
	}
	return req, nil
}

// serveLoop runs serveOnce in a background goroutine until the connection
// closes, so a test can issue several proxied requests against one agent.
func (a *scriptedAgent) serveLoop(target *httptest.Server) {
	go func() {
		for {
			if _, err := a.serveOnce(target); err != nil {
				return
			}
		}
	}()
}

func (a *scriptedAgent) close() {
	_ = a.conn.Close()
}

func TestHappyPathRequestRoundTrip(t *testing.T) {
	_, addr := testGateway(t)
	token := mintSessionToken(t, addr, "agent-owner@example.com")

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "local-target")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"service":"local-target","path":"` + r.URL.Path + `"}`))
	}))
	defer target.Close()

	a := dialAgent(t, addr)
	defer a.close()

	registered, err := a.register(token, "", "happy-path", "happypath")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if registered.Tunnel == nil || registered.Tunnel.Subdomain != "happypath" {
		t.Fatalf("unexpected registered tunnel: %+v", registered.Tunnel)
	}
	a.serveLoop(target)

	resp, err := http.Get(fmt.Sprintf("http://%s/happypath/widgets/7", addr))
	if err != nil {
		t.Fatalf("proxy request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d body=%s", resp.StatusCode, string(body))
	}
	if got := resp.Header.Get("X-Upstream"); got != "local-target" {
		t.Fatalf("expected X-Upstream header to survive the round trip, got %q", got)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read proxy response body: %v", err)
	}
	if !strings.Contains(string(body), `"path":"/widgets/7"`) {
		t.Fatalf("expected forwarded path in payload, got %s", string(body))
	}
}

func TestUnknownTunnelReturns404(t *testing.T) {
	_, addr := testGateway(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/does-not-exist/anything", addr))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 404, got %d body=%s", resp.StatusCode, string(body))
	}
}

func TestInactiveTunnelReturns503(t *testing.T) {
	_, addr := testGateway(t)
	token := mintSessionToken(t, addr, "owner-2@example.com")

	a := dialAgent(t, addr)
	registered, err := a.register(token, "", "flaky", "flaky")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if registered.Tunnel == nil {
		t.Fatalf("expected a registered tunnel")
	}

	// Disconnect without ever answering a request; the tunnel record flips
	// inactive and the frontend must reject before dispatching at all.
	a.close()
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/flaky/anything", addr))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusServiceUnavailable && resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 503 or 502 for a disconnected tunnel, got %d body=%s", resp.StatusCode, string(body))
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		var payload struct {
			Tunnel struct {
				ID string `json:"id"`
			} `json:"tunnel"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("503 body was not JSON: %v (body=%s)", err, string(body))
		}
		if payload.Tunnel.ID != registered.Tunnel.ID {
			t.Fatalf("expected 503 body to carry tunnel.id=%s, got %+v", registered.Tunnel.ID, payload)
		}
	}
}

func TestDuplicateRegistrationEvictsPriorSession(t *testing.T) {
	_, addr := testGateway(t)
	token := mintSessionToken(t, addr, "owner-3@example.com")

	first := dialAgent(t, addr)
	defer first.close()
	if _, err := first.register(token, "dup-agent", "dup", "dup-tunnel"); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	// Watch for the first connection's forced close in the background so
	// the assertion doesn't race the second agent's own registration.
	closeCh := make(chan error, 1)
	go func() {
		for {
			if _, _, err := first.conn.ReadMessage(); err != nil {
				closeCh <- err
				return
			}
		}
	}()

	second := dialAgent(t, addr)
	defer second.close()
	if _, err := second.register(token, "dup-agent", "dup", "dup-tunnel"); err != nil {
		t.Fatalf("second register (same tunnel id) failed: %v", err)
	}

	select {
	case err := <-closeCh:
		closeErr, ok := err.(*websocket.CloseError)
		if !ok {
			t.Fatalf("expected a websocket close error on the evicted session, got %v (%T)", err, err)
		}
		if closeErr.Code != protocol.CloseDuplicateTunnel {
			t.Fatalf("expected close code %d, got %d", protocol.CloseDuplicateTunnel, closeErr.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the prior session to be evicted")
	}
}

func TestUnresponsiveAgentTimesOutWith504(t *testing.T) {
	_, addr := testGateway(t)
	token := mintSessionToken(t, addr, "owner-4@example.com")

	a := dialAgent(t, addr)
	defer a.close()
	if _, err := a.register(token, "", "silent", "silent-tunnel"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// Drain the inbound request frame but never answer it, forcing the
	// multiplexer's own deadline to fire rather than a read/close error.
	go func() {
		var frame protocol.Frame
		_ = a.conn.ReadJSON(&frame)
	}()

	client := &http.Client{Timeout: 20 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/silent-tunnel/anything", addr))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 504, got %d body=%s", resp.StatusCode, string(body))
	}
}
