// Package config loads the tunnel server's environment-variable
// configuration, in the same read-validate-default shape the teacher's
// gateway config loader uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the server needs at boot. Only PORT, BASE_URL,
// JWT_SECRET and DATABASE_URL are named by the spec; the rest are internal
// tunables an implementer must choose, defaulted here the way the teacher
// defaults its own (undocumented-by-spec) knobs.
type Config struct {
	Port        int
	BaseURL     string
	JWTSecret   string
	DatabaseURL string

	MaxRequestBodyBytes int64
	RequestDeadline     time.Duration
	SessionTTL          time.Duration

	MetricsFlushInterval time.Duration
	MetricsBufferCap     int
	LiveStatsDecayEvery  time.Duration
	LiveStatsDecayAfter  time.Duration
	DailyRollupInterval  time.Duration

	DeviceCodeRatePerMin   float64
	DeviceVerifyRatePerMin float64
	PollRatePerMin         float64
}

// Load reads the process environment and returns a validated Config, or an
// error describing the first problem found.
func Load() (Config, error) {
	cfg := Config{
		Port:        readEnvInt("PORT", 8080),
		BaseURL:     readEnv("BASE_URL", "http://localhost:8080"),
		JWTSecret:   strings.TrimSpace(os.Getenv("JWT_SECRET")),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),

		MaxRequestBodyBytes: 10 << 20,
		RequestDeadline:     10 * time.Second,
		SessionTTL:          90 * time.Second,

		MetricsFlushInterval: 2 * time.Minute,
		MetricsBufferCap:     100,
		LiveStatsDecayEvery:  10 * time.Minute,
		LiveStatsDecayAfter:  10 * time.Minute,
		DailyRollupInterval:  24 * time.Hour,

		DeviceCodeRatePerMin:   5,
		DeviceVerifyRatePerMin: 10,
		PollRatePerMin:         30,
	}

	if maxBody := strings.TrimSpace(os.Getenv("MAX_REQUEST_BODY_BYTES")); maxBody != "" {
		value, err := strconv.ParseInt(maxBody, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse MAX_REQUEST_BODY_BYTES: %w", err)
		}
		cfg.MaxRequestBodyBytes = value
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("PORT must be a valid TCP port, got %d", cfg.Port)
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		return Config{}, fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return cfg, nil
}

func readEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func readEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
