package idgen

import (
	"encoding/base64"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	signer, err := NewSigner("super-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	now := time.Now().UTC()
	token, err := signer.Sign("user-1", "u@x.test", "device-1", now)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, ok := signer.Verify(token, now.Add(time.Minute))
	if !ok {
		t.Fatalf("expected token to verify")
	}
	if claims.UserID != "user-1" || claims.Email != "u@x.test" || claims.DeviceID != "device-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Issuer != TokenIssuer {
		t.Fatalf("expected issuer %q, got %q", TokenIssuer, claims.Issuer)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	signer, err := NewSigner("super-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	now := time.Now().UTC()
	token, err := signer.Sign("user-1", "u@x.test", "device-1", now)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, ok := signer.Verify(token, now.Add(SessionTokenTTL+time.Hour)); ok {
		t.Fatalf("expected expired token to fail verification")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer, err := NewSigner("super-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	other, err := NewSigner("different-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	now := time.Now().UTC()
	token, err := signer.Sign("user-1", "u@x.test", "device-1", now)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, ok := other.Verify(token, now); ok {
		t.Fatalf("expected verification with a different secret to fail")
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	signer, err := NewSigner("super-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	now := time.Now().UTC()
	token, err := signer.Sign("user-1", "u@x.test", "device-1", now)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	// Swap in a well-formed payload for a different user, keeping the
	// original header and signature.
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected a three-part token, got %q", token)
	}
	forged := `{"userId":"user-2","email":"u@x.test","deviceId":"device-1","iss":"` + TokenIssuer +
		`","exp":` + strconv.FormatInt(now.Add(time.Hour).Unix(), 10) + `}`
	tampered := parts[0] + "." + base64.RawURLEncoding.EncodeToString([]byte(forged)) + "." + parts[2]
	if _, ok := signer.Verify(tampered, now); ok {
		t.Fatalf("expected tampered token to fail verification")
	}
}
