package agent

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the agent needs to dial the gateway, authenticate
// the tunnel, and forward requests to the local target once connected.
type Config struct {
	GatewayBaseURL string
	SessionToken   string

	AgentID     string
	TunnelName  string
	Subdomain   string
	Description string
	LocalPort   int
	LocalTarget string

	RequestTimeout       time.Duration
	MaxResponseBodyBytes int64
	PingInterval         time.Duration
	MinReconnectBackoff  time.Duration
	MaxReconnectBackoff  time.Duration

	ProxyURL      string
	NoProxy       string
	TLSSkipVerify bool
	CAFile        string

	LogLevel  string
	EventHook RuntimeEventHook
}

// LoadConfigFromEnv reads the process environment and returns a validated
// Config, or an error describing the first problem found.
func LoadConfigFromEnv() (Config, error) {
	agentID := readEnv("TUNNELGATE_AGENT_ID", "")

	cfg := Config{
		GatewayBaseURL:       readEnv("TUNNELGATE_GATEWAY_URL", "http://localhost:8080"),
		SessionToken:         strings.TrimSpace(os.Getenv("TUNNELGATE_TOKEN")),
		AgentID:              agentID,
		TunnelName:           readEnv("TUNNELGATE_TUNNEL_NAME", "tunnel"),
		Subdomain:            readEnv("TUNNELGATE_SUBDOMAIN", ""),
		Description:          readEnv("TUNNELGATE_DESCRIPTION", ""),
		LocalTarget:          readEnv("TUNNELGATE_LOCAL_TARGET", "http://127.0.0.1:3000"),
		RequestTimeout:       45 * time.Second,
		MaxResponseBodyBytes: 20 << 20,
		PingInterval:         30 * time.Second,
		MinReconnectBackoff:  time.Second,
		MaxReconnectBackoff:  10 * time.Second,
		ProxyURL:             readEnv("TUNNELGATE_PROXY_URL", ""),
		NoProxy:              readEnv("TUNNELGATE_NO_PROXY", ""),
		TLSSkipVerify:        false,
		CAFile:               readEnv("TUNNELGATE_CA_FILE", ""),
		LogLevel:             readEnv("TUNNELGATE_LOG_LEVEL", "info"),
	}

	if tlsSkipVerifyRaw := strings.TrimSpace(os.Getenv("TUNNELGATE_TLS_SKIP_VERIFY")); tlsSkipVerifyRaw != "" {
		parsed, err := strconv.ParseBool(tlsSkipVerifyRaw)
		if err != nil {
			return Config{}, fmt.Errorf("parse TUNNELGATE_TLS_SKIP_VERIFY: %w", err)
		}
		cfg.TLSSkipVerify = parsed
	}

	if timeoutStr := strings.TrimSpace(os.Getenv("TUNNELGATE_REQUEST_TIMEOUT")); timeoutStr != "" {
		timeout, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return Config{}, fmt.Errorf("parse TUNNELGATE_REQUEST_TIMEOUT: %w", err)
		}
		cfg.RequestTimeout = timeout
	}

	if pingStr := strings.TrimSpace(os.Getenv("TUNNELGATE_PING_INTERVAL")); pingStr != "" {
		ping, err := time.ParseDuration(pingStr)
		if err != nil {
			return Config{}, fmt.Errorf("parse TUNNELGATE_PING_INTERVAL: %w", err)
		}
		cfg.PingInterval = ping
	}

	if maxRespBodyStr := strings.TrimSpace(os.Getenv("TUNNELGATE_MAX_RESPONSE_BODY_BYTES")); maxRespBodyStr != "" {
		value, err := strconv.ParseInt(maxRespBodyStr, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse TUNNELGATE_MAX_RESPONSE_BODY_BYTES: %w", err)
		}
		cfg.MaxResponseBodyBytes = value
	}
	if cfg.MaxResponseBodyBytes <= 0 {
		return Config{}, fmt.Errorf("TUNNELGATE_MAX_RESPONSE_BODY_BYTES must be > 0")
	}

	parsedBase, err := url.Parse(cfg.GatewayBaseURL)
	if err != nil {
		return Config{}, fmt.Errorf("parse TUNNELGATE_GATEWAY_URL: %w", err)
	}
	if parsedBase.Scheme != "http" && parsedBase.Scheme != "https" {
		return Config{}, fmt.Errorf("TUNNELGATE_GATEWAY_URL must use http or https")
	}

	parsedTarget, err := url.Parse(cfg.LocalTarget)
	if err != nil || (parsedTarget.Scheme != "http" && parsedTarget.Scheme != "https") {
		return Config{}, fmt.Errorf("TUNNELGATE_LOCAL_TARGET must be a valid http(s) URL")
	}
	if port := parsedTarget.Port(); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.LocalPort = p
		}
	}

	if strings.TrimSpace(cfg.ProxyURL) != "" {
		if _, err := url.Parse(cfg.ProxyURL); err != nil {
			return Config{}, fmt.Errorf("parse TUNNELGATE_PROXY_URL: %w", err)
		}
	}
	if strings.TrimSpace(cfg.CAFile) != "" {
		if _, err := os.Stat(cfg.CAFile); err != nil {
			return Config{}, fmt.Errorf("check TUNNELGATE_CA_FILE: %w", err)
		}
	}

	if cfg.SessionToken == "" {
		return Config{}, fmt.Errorf("TUNNELGATE_TOKEN cannot be empty")
	}

	return cfg, nil
}

// gatewayWebSocketURL rewrites the configured http(s) gateway base URL into
// the ws(s) URL the registry's upgrade endpoint listens on.
func gatewayWebSocketURL(baseURL string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse gateway base URL: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/__tunnelgate/ws"
	return parsed.String(), nil
}

func readEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
