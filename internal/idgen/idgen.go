// Package idgen is the identifier service (C1): device codes, tunnel/device
// ids, signed session tokens, and request correlation ids.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

const deviceCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DeviceCodeExists is asked of the caller so NewDeviceCode can retry on
// collision without importing the persistence gateway.
type DeviceCodeExists func(code string) (bool, error)

// NewDeviceCode generates a 6-character uppercase alphanumeric device code,
// retrying up to 10 times if exists reports a collision.
func NewDeviceCode(exists DeviceCodeExists) (string, error) {
	const maxAttempts = 10
	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := randomFromAlphabet(deviceCodeAlphabet, 6)
		if err != nil {
			return "", err
		}
		if exists == nil {
			return code, nil
		}
		taken, err := exists(code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("idgen: exhausted %d attempts generating a unique device code", maxAttempts)
}

// NewDeviceID returns an id of the form device_<unix-ms>_<9 base36 chars>.
func NewDeviceID(now time.Time) (string, error) {
	suffix, err := randomFromAlphabet("abcdefghijklmnopqrstuvwxyz0123456789", 9)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("device_%d_%s", now.UnixMilli(), suffix), nil
}

// NewCorrelationID returns a 128-bit, UUID-v4-quality request correlation id
// that is never reused within a process lifetime.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewTunnelID returns an opaque tunnel id of UUID-v4 quality, used as the
// stable primary identity of a Tunnel (distinct from its subdomain).
func NewTunnelID() string {
	return uuid.NewString()
}

func randomFromAlphabet(alphabet string, length int) (string, error) {
	var sb strings.Builder
	sb.Grow(length)
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("idgen: generate random index: %w", err)
		}
		sb.WriteByte(alphabet[n.Int64()])
	}
	return sb.String(), nil
}
