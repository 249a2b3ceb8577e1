// Package store is the persistence gateway (C2): tunnels, users,
// device-auth codes, and the three telemetry aggregate shapes, behind one
// driver-selected Store implementation.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store is the full persistence surface the gateway depends on. Every
// method takes a context so callers can bound slow queries the same way
// they bound everything else that touches the network.
type Store interface {
	Close()

	CreateUserIfMissing(ctx context.Context, userID, email string, now time.Time) (User, error)

	GetTunnelByID(ctx context.Context, id string) (Tunnel, bool, error)
	GetTunnelBySubdomain(ctx context.Context, subdomain string) (Tunnel, bool, error)
	IsSubdomainTaken(ctx context.Context, subdomain, excludingTunnelID string) (bool, error)
	UpsertTunnel(ctx context.Context, in UpsertTunnelInput) (Tunnel, error)
	MarkTunnelConnected(ctx context.Context, id string, now time.Time) error
	MarkTunnelDisconnected(ctx context.Context, id string, now time.Time) error
	IncrementTunnelTotals(ctx context.Context, id string, requests, bandwidth int64) error
	ListTunnelIDs(ctx context.Context) ([]string, error)

	GetLiveStats(ctx context.Context, tunnelID string) (LiveStats, bool, error)
	UpsertLiveStats(ctx context.Context, tunnelID string, delta LiveStatsDelta, now time.Time) error
	DecayStaleLiveStats(ctx context.Context, olderThan time.Time) (int64, error)

	UpsertHourlyStats(ctx context.Context, key HourlyKey, batch HourlyBatch) error
	ListHourlyStatsForDay(ctx context.Context, tunnelID string, day time.Time) ([]HourlyStats, error)

	UpsertDailyStats(ctx context.Context, key DailyKey, values DailyStats) error
	GetDailyStats(ctx context.Context, tunnelID string, date time.Time) (DailyStats, bool, error)

	InsertRequestLog(ctx context.Context, row RequestLog) error

	FindDeviceCode(ctx context.Context, code string) (DeviceAuthCode, bool, error)
	CreateDeviceCode(ctx context.Context, row DeviceAuthCode) error
	ClaimDeviceCode(ctx context.Context, code, userID, token string, now time.Time) (bool, error)
	DeleteExpiredDeviceCodes(ctx context.Context, now time.Time) (int64, error)
}

// Open selects a Store implementation by driver name. "memory" is the
// test-friendly, dependency-free default; "postgres" talks to a real
// Postgres-compatible database over a pgx connection pool.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch normalizeDriver(driver) {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func normalizeDriver(driver string) string {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "":
		return "memory"
	case "postgres", "postgresql", "pg":
		return "postgres"
	case "memory":
		return "memory"
	default:
		return driver
	}
}

// ErrNotFound is returned by updates whose target tunnel row does not exist
// (MarkTunnelConnected, MarkTunnelDisconnected, IncrementTunnelTotals).
// Lookups signal absence through their bool return instead.
var ErrNotFound = fmt.Errorf("store: not found")
