package store

import "time"

// Tunnel is a named, owned forwarding endpoint (spec §3).
type Tunnel struct {
	ID               string
	Subdomain        string
	OwnerUserID      string
	Name             string
	Description      string
	LocalPort        int
	Protocol         string
	CustomDomain     string
	IsActive         bool
	ConnectedAt      time.Time
	LastConnected    time.Time
	LastDisconnected time.Time
	TotalRequests    int64
	TotalBandwidth   int64
}

// User is the external identity referenced by tunnels and device-auth codes.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// DeviceAuthCode is a short-lived out-of-band activation code.
type DeviceAuthCode struct {
	Code      string
	ExpiresAt time.Time
	UserID    string // empty until claimed
	Token     string // empty until claimed
	IsUsed    bool   // true once the code has been claimed and a session token minted for it
	CreatedAt time.Time
}

// LiveStats is the rolling, eagerly-mutated counter set for one tunnel.
type LiveStats struct {
	TunnelID          string
	RequestsLast5Min  int64
	RequestsLast1Hour int64
	AvgResponseTimeMs float64
	ErrorRate         int64
	LastUpdated       time.Time
}

// LiveStatsDelta is applied to LiveStats via an atomic increment at the
// storage layer (spec §5: "database-level atomic increment").
type LiveStatsDelta struct {
	Requests5MinDelta  int64
	Requests1HourDelta int64
	AvgResponseTimeMs  float64 // last-wins, not an increment
	ErrorDelta         int64
}

// TopEntry is one (label, count) pair of a top-k mapping.
type TopEntry struct {
	Label string
	Count int64
}

// HourlyKey identifies one HourlyStats row.
type HourlyKey struct {
	TunnelID string
	Hour     time.Time // truncated to the hour, UTC
}

// HourlyBatch is what one telemetry flush contributes to an hourly bucket.
type HourlyBatch struct {
	Total           int64
	Success         int64
	Error           int64
	ResponseTimeSum int64 // ms, used to recompute the batch mean
	BandwidthBytes  int64
	UniqueIPs       int64
	TopPaths        []TopEntry
	TopCountries    []TopEntry
	StatusCodes     []TopEntry
}

// HourlyStats is the unique-on-(tunnelId,hour) aggregate row.
type HourlyStats struct {
	TunnelID          string
	Hour              time.Time
	Total             int64
	Success           int64
	Error             int64
	AvgResponseTimeMs float64
	BandwidthBytes    int64
	UniqueIPs         int64
	TopPaths          []TopEntry
	TopCountries      []TopEntry
	StatusCodes       []TopEntry
}

// DailyKey identifies one DailyStats row.
type DailyKey struct {
	TunnelID string
	Date     time.Time // truncated to the day, UTC
}

// DailyStats is the unique-on-(tunnelId,date) daily rollup.
type DailyStats struct {
	TunnelID          string
	Date              time.Time
	Total             int64
	Success           int64
	Error             int64
	AvgResponseTimeMs float64
	BandwidthBytes    int64
	PeakHour          int
}

// RequestLog is one row per completed public request.
type RequestLog struct {
	TunnelID     string
	Path         string
	Method       string
	StatusCode   int
	ResponseTime int64 // ms
	RequestSize  int64
	ResponseSize int64
	ClientIP     string
	Country      string // empty if unresolved
	UserAgent    string // truncated to 500 bytes by the caller
	Timestamp    time.Time
}

// UpsertTunnelInput is the data a successful agent registration writes
// through to the Tunnel row (spec §4.1).
type UpsertTunnelInput struct {
	ID          string
	OwnerUserID string
	Subdomain   string
	Name        string
	Description string
	LocalPort   int
	Protocol    string
	Now         time.Time
}
