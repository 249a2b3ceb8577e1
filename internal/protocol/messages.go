// Package protocol defines the JSON frames exchanged between the tunnel
// server and an agent over the persistent bidirectional transport, and the
// canonical tunnel record shared with the persistence gateway.
package protocol

import "time"

// FrameType identifies which payload fields of a Frame are populated.
type FrameType string

const (
	FrameRegister   FrameType = "register"
	FrameWelcome    FrameType = "welcome"
	FrameRegistered FrameType = "registered"
	FrameError      FrameType = "error"
	FrameRequest    FrameType = "request"
	FrameResponse   FrameType = "response"
	FramePing       FrameType = "ping"
	FramePong       FrameType = "pong"
)

// Close codes used when the server terminates an agent transport.
const (
	CloseNormal             = 1000
	CloseAuthFailed         = 4001
	CloseDuplicateTunnel    = 4002
	CloseRegistrationFailed = 4003
	CloseSessionStale       = 4004
)

// Frame is the envelope every message on the agent transport decodes into;
// Type selects which of the remaining fields apply.
type Frame struct {
	Type FrameType `json:"type"`

	// register (client->server)
	AgentID     string `json:"agentId,omitempty"`
	Token       string `json:"token,omitempty"`
	TunnelName  string `json:"tunnelName,omitempty"`
	Subdomain   string `json:"subdomain,omitempty"`
	LocalPort   int    `json:"localPort,omitempty"`
	Description string `json:"description,omitempty"`

	// welcome / ping / pong
	Timestamp time.Time `json:"timestamp,omitempty"`

	// registered (server->client)
	Tunnel *TunnelRecord `json:"tunnel,omitempty"`
	URL    string        `json:"url,omitempty"`

	// error (server->client)
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	// request (server->client) / response (client->server)
	ID         string              `json:"id,omitempty"`
	Method     string              `json:"method,omitempty"`
	Path       string              `json:"path,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body,omitempty"`
	StatusCode int                 `json:"statusCode,omitempty"`
}

// TunnelRecord is the canonical tunnel representation returned to an agent
// on successful registration and persisted by the store gateway.
type TunnelRecord struct {
	ID               string    `json:"id"`
	Subdomain        string    `json:"subdomain"`
	OwnerUserID      string    `json:"ownerUserId"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	LocalPort        int       `json:"localPort,omitempty"`
	Protocol         string    `json:"protocol"`
	CustomDomain     string    `json:"customDomain,omitempty"`
	IsActive         bool      `json:"isActive"`
	ConnectedAt      time.Time `json:"connectedAt,omitempty"`
	LastConnected    time.Time `json:"lastConnected,omitempty"`
	LastDisconnected time.Time `json:"lastDisconnected,omitempty"`
	TotalRequests    int64     `json:"totalRequests"`
	TotalBandwidth   int64     `json:"totalBandwidth"`
}
