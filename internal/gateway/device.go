package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tunnelgate/tunnelgate/internal/idgen"
	"github.com/tunnelgate/tunnelgate/internal/store"
)

// deviceCodeTTL is how long an activation code stays claimable.
const deviceCodeTTL = 10 * time.Minute

// handleDeviceCode implements the CLI side of the device-authorization
// flow's first step: mint a short out-of-band code the user can activate
// elsewhere. The activation surface itself (a web screen, an email link) is
// an out-of-scope collaborator; this endpoint only issues and tracks codes.
func (s *Server) handleDeviceCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow("device_code:"+clientIPFrom(r), s.cfg.DeviceCodeRatePerMin/60) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	ctx := r.Context()
	code, err := idgen.NewDeviceCode(func(candidate string) (bool, error) {
		_, found, err := s.store.FindDeviceCode(ctx, candidate)
		return found, err
	})
	if err != nil {
		http.Error(w, "failed to allocate device code", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	row := store.DeviceAuthCode{Code: code, ExpiresAt: now.Add(deviceCodeTTL), CreatedAt: now}
	if err := s.store.CreateDeviceCode(ctx, row); err != nil {
		http.Error(w, "failed to persist device code", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"code":            code,
		"expiresInSeconds": int(deviceCodeTTL.Seconds()),
		"verificationUrl": s.cfg.BaseURL + "/device/claim",
	})
}

// handleDeviceClaim lets an already-authenticated caller bind a device code
// to their account, minting the session token the CLI will eventually pick
// up via handleDeviceToken. In the absence of the deleted multi-tenant login
// system, the caller authenticates by supplying an email directly; a real
// deployment would put this behind its own session/cookie auth.
func (s *Server) handleDeviceClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow("device_claim:"+clientIPFrom(r), s.cfg.DeviceVerifyRatePerMin/60) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var body struct {
		Code  string `json:"code"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	code := strings.ToUpper(strings.TrimSpace(body.Code))
	email := strings.TrimSpace(body.Email)
	if code == "" || email == "" {
		http.Error(w, "code and email are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	userID := "user_" + idgen.NewTunnelID()
	user, err := s.store.CreateUserIfMissing(ctx, userID, email, now)
	if err != nil {
		http.Error(w, "failed to resolve user", http.StatusInternalServerError)
		return
	}

	deviceID, err := idgen.NewDeviceID(now)
	if err != nil {
		http.Error(w, "failed to allocate device id", http.StatusInternalServerError)
		return
	}
	token, err := s.signer.Sign(user.ID, user.Email, deviceID, now)
	if err != nil {
		http.Error(w, "failed to sign session token", http.StatusInternalServerError)
		return
	}

	claimed, err := s.store.ClaimDeviceCode(ctx, code, user.ID, token, now)
	if err != nil {
		http.Error(w, "failed to claim device code", http.StatusInternalServerError)
		return
	}
	if !claimed {
		http.Error(w, "device code is invalid, already used, or expired", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"claimed": true})
}

// handleDeviceToken is polled by the CLI until the code has been claimed.
func (s *Server) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow("device_poll:"+clientIPFrom(r), s.cfg.PollRatePerMin/60) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	code := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("code")))
	if code == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}

	d, ok, err := s.store.FindDeviceCode(r.Context(), code)
	if err != nil {
		http.Error(w, "failed to look up device code", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "unknown device code", http.StatusNotFound)
		return
	}
	if !d.IsUsed {
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "pending"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "claimed", "token": d.Token})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
