package store

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed postgres_migrations/*.sql
var postgresMigrationsFS embed.FS

// PostgresStore is the production Store: a pgx connection pool against a
// Postgres-compatible DATABASE_URL, with its schema applied on Open.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) applyMigrations(ctx context.Context) error {
	entries, err := fs.ReadDir(postgresMigrationsFS, "postgres_migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := postgresMigrationsFS.ReadFile("postgres_migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) CreateUserIfMissing(ctx context.Context, userID, email string, now time.Time) (User, error) {
	const q = `
		INSERT INTO users (id, email, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET id = users.id
		RETURNING id, email, created_at`
	var u User
	err := s.pool.QueryRow(ctx, q, userID, email, now).Scan(&u.ID, &u.Email, &u.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("create user if missing: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetTunnelByID(ctx context.Context, id string) (Tunnel, bool, error) {
	return s.scanTunnel(ctx, `SELECT id, subdomain, owner_user_id, name, description, local_port,
		protocol, custom_domain, is_active, connected_at, last_connected, last_disconnected,
		total_requests, total_bandwidth FROM tunnels WHERE id = $1`, id)
}

func (s *PostgresStore) GetTunnelBySubdomain(ctx context.Context, subdomain string) (Tunnel, bool, error) {
	return s.scanTunnel(ctx, `SELECT id, subdomain, owner_user_id, name, description, local_port,
		protocol, custom_domain, is_active, connected_at, last_connected, last_disconnected,
		total_requests, total_bandwidth FROM tunnels WHERE subdomain = $1`, subdomain)
}

func (s *PostgresStore) scanTunnel(ctx context.Context, query string, arg any) (Tunnel, bool, error) {
	var t Tunnel
	var connectedAt, lastConnected, lastDisconnected *time.Time
	row := s.pool.QueryRow(ctx, query, arg)
	err := row.Scan(&t.ID, &t.Subdomain, &t.OwnerUserID, &t.Name, &t.Description, &t.LocalPort,
		&t.Protocol, &t.CustomDomain, &t.IsActive, &connectedAt, &lastConnected, &lastDisconnected,
		&t.TotalRequests, &t.TotalBandwidth)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Tunnel{}, false, nil
		}
		return Tunnel{}, false, fmt.Errorf("scan tunnel: %w", err)
	}
	if connectedAt != nil {
		t.ConnectedAt = *connectedAt
	}
	if lastConnected != nil {
		t.LastConnected = *lastConnected
	}
	if lastDisconnected != nil {
		t.LastDisconnected = *lastDisconnected
	}
	return t, true, nil
}

func (s *PostgresStore) IsSubdomainTaken(ctx context.Context, subdomain, excludingTunnelID string) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM tunnels WHERE subdomain = $1 AND id <> $2)`
	var taken bool
	if err := s.pool.QueryRow(ctx, q, subdomain, excludingTunnelID).Scan(&taken); err != nil {
		return false, fmt.Errorf("check subdomain taken: %w", err)
	}
	return taken, nil
}

func (s *PostgresStore) UpsertTunnel(ctx context.Context, in UpsertTunnelInput) (Tunnel, error) {
	const q = `
		INSERT INTO tunnels (id, subdomain, owner_user_id, name, description, local_port, protocol,
			is_active, connected_at, last_connected, total_requests, total_bandwidth)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8, $8, 0, 0)
		ON CONFLICT (id) DO UPDATE SET
			subdomain = EXCLUDED.subdomain,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			local_port = EXCLUDED.local_port,
			protocol = EXCLUDED.protocol,
			is_active = true,
			connected_at = EXCLUDED.connected_at,
			last_connected = EXCLUDED.last_connected
		RETURNING id, subdomain, owner_user_id, name, description, local_port, protocol,
			custom_domain, is_active, connected_at, last_connected, last_disconnected,
			total_requests, total_bandwidth`

	var t Tunnel
	var connectedAt, lastConnected, lastDisconnected *time.Time
	row := s.pool.QueryRow(ctx, q, in.ID, in.Subdomain, in.OwnerUserID, in.Name, in.Description,
		in.LocalPort, in.Protocol, in.Now)
	err := row.Scan(&t.ID, &t.Subdomain, &t.OwnerUserID, &t.Name, &t.Description, &t.LocalPort,
		&t.Protocol, &t.CustomDomain, &t.IsActive, &connectedAt, &lastConnected, &lastDisconnected,
		&t.TotalRequests, &t.TotalBandwidth)
	if err != nil {
		return Tunnel{}, fmt.Errorf("upsert tunnel: %w", err)
	}
	if connectedAt != nil {
		t.ConnectedAt = *connectedAt
	}
	if lastConnected != nil {
		t.LastConnected = *lastConnected
	}
	if lastDisconnected != nil {
		t.LastDisconnected = *lastDisconnected
	}
	return t, nil
}

func (s *PostgresStore) MarkTunnelConnected(ctx context.Context, id string, now time.Time) error {
	const q = `UPDATE tunnels SET is_active = true, connected_at = $2, last_connected = $2 WHERE id = $1`
	return s.exec1(ctx, q, id, now)
}

func (s *PostgresStore) MarkTunnelDisconnected(ctx context.Context, id string, now time.Time) error {
	const q = `UPDATE tunnels SET is_active = false, last_disconnected = $2 WHERE id = $1`
	return s.exec1(ctx, q, id, now)
}

func (s *PostgresStore) IncrementTunnelTotals(ctx context.Context, id string, requests, bandwidth int64) error {
	const q = `UPDATE tunnels SET total_requests = total_requests + $2, total_bandwidth = total_bandwidth + $3 WHERE id = $1`
	return s.exec1(ctx, q, id, requests, bandwidth)
}

func (s *PostgresStore) exec1(ctx context.Context, q string, args ...any) error {
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("exec %q: %w", q, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListTunnelIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM tunnels`)
	if err != nil {
		return nil, fmt.Errorf("list tunnel ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tunnel id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetLiveStats(ctx context.Context, tunnelID string) (LiveStats, bool, error) {
	const q = `SELECT tunnel_id, requests_last_5_min, requests_last_1_hour, avg_response_time_ms,
		error_rate, last_updated FROM live_stats WHERE tunnel_id = $1`
	var ls LiveStats
	err := s.pool.QueryRow(ctx, q, tunnelID).Scan(&ls.TunnelID, &ls.RequestsLast5Min,
		&ls.RequestsLast1Hour, &ls.AvgResponseTimeMs, &ls.ErrorRate, &ls.LastUpdated)
	if err != nil {
		if err == pgx.ErrNoRows {
			return LiveStats{}, false, nil
		}
		return LiveStats{}, false, fmt.Errorf("get live stats: %w", err)
	}
	return ls, true, nil
}

// UpsertLiveStats relies on Postgres's own atomic column addition
// (`requests_last_5_min + $n`) rather than a read-modify-write round trip,
// so concurrent per-request updates for the same tunnel never clobber each
// other.
func (s *PostgresStore) UpsertLiveStats(ctx context.Context, tunnelID string, delta LiveStatsDelta, now time.Time) error {
	const q = `
		INSERT INTO live_stats (tunnel_id, requests_last_5_min, requests_last_1_hour,
			avg_response_time_ms, error_rate, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tunnel_id) DO UPDATE SET
			requests_last_5_min = live_stats.requests_last_5_min + EXCLUDED.requests_last_5_min,
			requests_last_1_hour = live_stats.requests_last_1_hour + EXCLUDED.requests_last_1_hour,
			error_rate = live_stats.error_rate + EXCLUDED.error_rate,
			avg_response_time_ms = CASE WHEN EXCLUDED.avg_response_time_ms > 0
				THEN EXCLUDED.avg_response_time_ms ELSE live_stats.avg_response_time_ms END,
			last_updated = EXCLUDED.last_updated`
	_, err := s.pool.Exec(ctx, q, tunnelID, delta.Requests5MinDelta, delta.Requests1HourDelta,
		delta.AvgResponseTimeMs, delta.ErrorDelta, now)
	if err != nil {
		return fmt.Errorf("upsert live stats: %w", err)
	}
	return nil
}

func (s *PostgresStore) DecayStaleLiveStats(ctx context.Context, olderThan time.Time) (int64, error) {
	const q = `UPDATE live_stats SET requests_last_5_min = 0, requests_last_1_hour = 0, error_rate = 0
		WHERE last_updated < $1`
	tag, err := s.pool.Exec(ctx, q, olderThan)
	if err != nil {
		return 0, fmt.Errorf("decay live stats: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) UpsertHourlyStats(ctx context.Context, key HourlyKey, batch HourlyBatch) error {
	existing, found, err := s.getHourly(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		existing = HourlyStats{TunnelID: key.TunnelID, Hour: key.Hour}
	}

	combinedTotal := existing.Total + batch.Total
	avg := existing.AvgResponseTimeMs
	if combinedTotal > 0 {
		avg = (existing.AvgResponseTimeMs*float64(existing.Total) + float64(batch.ResponseTimeSum)) / float64(combinedTotal)
	}
	topPaths := mergeTopEntries(existing.TopPaths, batch.TopPaths)
	topCountries := mergeTopEntries(existing.TopCountries, batch.TopCountries)
	statusCodes := mergeTopEntries(existing.StatusCodes, batch.StatusCodes)

	pathsJSON, err := json.Marshal(topPaths)
	if err != nil {
		return fmt.Errorf("marshal top paths: %w", err)
	}
	countriesJSON, err := json.Marshal(topCountries)
	if err != nil {
		return fmt.Errorf("marshal top countries: %w", err)
	}
	statusJSON, err := json.Marshal(statusCodes)
	if err != nil {
		return fmt.Errorf("marshal status codes: %w", err)
	}

	const q = `
		INSERT INTO hourly_stats (tunnel_id, hour, total, success, error, avg_response_time_ms,
			bandwidth_bytes, unique_ips, top_paths, top_countries, status_codes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tunnel_id, hour) DO UPDATE SET
			total = EXCLUDED.total,
			success = EXCLUDED.success,
			error = EXCLUDED.error,
			avg_response_time_ms = EXCLUDED.avg_response_time_ms,
			bandwidth_bytes = EXCLUDED.bandwidth_bytes,
			unique_ips = EXCLUDED.unique_ips,
			top_paths = EXCLUDED.top_paths,
			top_countries = EXCLUDED.top_countries,
			status_codes = EXCLUDED.status_codes`
	_, err = s.pool.Exec(ctx, q, key.TunnelID, key.Hour, combinedTotal, existing.Success+batch.Success,
		existing.Error+batch.Error, avg, existing.BandwidthBytes+batch.BandwidthBytes,
		existing.UniqueIPs+batch.UniqueIPs, pathsJSON, countriesJSON, statusJSON)
	if err != nil {
		return fmt.Errorf("upsert hourly stats: %w", err)
	}
	return nil
}

func (s *PostgresStore) getHourly(ctx context.Context, key HourlyKey) (HourlyStats, bool, error) {
	const q = `SELECT total, success, error, avg_response_time_ms, bandwidth_bytes, unique_ips,
		top_paths, top_countries, status_codes FROM hourly_stats WHERE tunnel_id = $1 AND hour = $2`
	var row HourlyStats
	var pathsJSON, countriesJSON, statusJSON []byte
	err := s.pool.QueryRow(ctx, q, key.TunnelID, key.Hour).Scan(&row.Total, &row.Success, &row.Error,
		&row.AvgResponseTimeMs, &row.BandwidthBytes, &row.UniqueIPs, &pathsJSON, &countriesJSON, &statusJSON)
	if err != nil {
		if err == pgx.ErrNoRows {
			return HourlyStats{}, false, nil
		}
		return HourlyStats{}, false, fmt.Errorf("get hourly stats: %w", err)
	}
	row.TunnelID = key.TunnelID
	row.Hour = key.Hour
	if err := json.Unmarshal(pathsJSON, &row.TopPaths); err != nil {
		return HourlyStats{}, false, fmt.Errorf("unmarshal top paths: %w", err)
	}
	if err := json.Unmarshal(countriesJSON, &row.TopCountries); err != nil {
		return HourlyStats{}, false, fmt.Errorf("unmarshal top countries: %w", err)
	}
	if err := json.Unmarshal(statusJSON, &row.StatusCodes); err != nil {
		return HourlyStats{}, false, fmt.Errorf("unmarshal status codes: %w", err)
	}
	return row, true, nil
}

func (s *PostgresStore) ListHourlyStatsForDay(ctx context.Context, tunnelID string, day time.Time) ([]HourlyStats, error) {
	dayStart := day.Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)
	const q = `SELECT hour, total, success, error, avg_response_time_ms, bandwidth_bytes, unique_ips,
		top_paths, top_countries, status_codes FROM hourly_stats
		WHERE tunnel_id = $1 AND hour >= $2 AND hour < $3 ORDER BY hour`
	rows, err := s.pool.Query(ctx, q, tunnelID, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("list hourly stats: %w", err)
	}
	defer rows.Close()

	var out []HourlyStats
	for rows.Next() {
		var row HourlyStats
		var pathsJSON, countriesJSON, statusJSON []byte
		if err := rows.Scan(&row.Hour, &row.Total, &row.Success, &row.Error, &row.AvgResponseTimeMs,
			&row.BandwidthBytes, &row.UniqueIPs, &pathsJSON, &countriesJSON, &statusJSON); err != nil {
			return nil, fmt.Errorf("scan hourly stats: %w", err)
		}
		row.TunnelID = tunnelID
		_ = json.Unmarshal(pathsJSON, &row.TopPaths)
		_ = json.Unmarshal(countriesJSON, &row.TopCountries)
		_ = json.Unmarshal(statusJSON, &row.StatusCodes)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertDailyStats(ctx context.Context, key DailyKey, values DailyStats) error {
	const q = `
		INSERT INTO daily_stats (tunnel_id, date, total, success, error, avg_response_time_ms,
			bandwidth_bytes, peak_hour)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tunnel_id, date) DO UPDATE SET
			total = EXCLUDED.total,
			success = EXCLUDED.success,
			error = EXCLUDED.error,
			avg_response_time_ms = EXCLUDED.avg_response_time_ms,
			bandwidth_bytes = EXCLUDED.bandwidth_bytes,
			peak_hour = EXCLUDED.peak_hour`
	_, err := s.pool.Exec(ctx, q, key.TunnelID, key.Date.Truncate(24*time.Hour), values.Total,
		values.Success, values.Error, values.AvgResponseTimeMs, values.BandwidthBytes, values.PeakHour)
	if err != nil {
		return fmt.Errorf("upsert daily stats: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDailyStats(ctx context.Context, tunnelID string, date time.Time) (DailyStats, bool, error) {
	const q = `SELECT total, success, error, avg_response_time_ms, bandwidth_bytes, peak_hour
		FROM daily_stats WHERE tunnel_id = $1 AND date = $2`
	var d DailyStats
	err := s.pool.QueryRow(ctx, q, tunnelID, date.Truncate(24*time.Hour)).Scan(&d.Total, &d.Success,
		&d.Error, &d.AvgResponseTimeMs, &d.BandwidthBytes, &d.PeakHour)
	if err != nil {
		if err == pgx.ErrNoRows {
			return DailyStats{}, false, nil
		}
		return DailyStats{}, false, fmt.Errorf("get daily stats: %w", err)
	}
	d.TunnelID = tunnelID
	d.Date = date.Truncate(24 * time.Hour)
	return d, true, nil
}

func (s *PostgresStore) InsertRequestLog(ctx context.Context, row RequestLog) error {
	const q = `
		INSERT INTO request_logs (tunnel_id, path, method, status_code, response_time, request_size,
			response_size, client_ip, country, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.pool.Exec(ctx, q, row.TunnelID, row.Path, row.Method, row.StatusCode, row.ResponseTime,
		row.RequestSize, row.ResponseSize, row.ClientIP, row.Country, row.UserAgent, row.Timestamp)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindDeviceCode(ctx context.Context, code string) (DeviceAuthCode, bool, error) {
	const q = `SELECT code, expires_at, user_id, token, is_used, created_at FROM device_auth_codes WHERE code = $1`
	var d DeviceAuthCode
	err := s.pool.QueryRow(ctx, q, code).Scan(&d.Code, &d.ExpiresAt, &d.UserID, &d.Token, &d.IsUsed, &d.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return DeviceAuthCode{}, false, nil
		}
		return DeviceAuthCode{}, false, fmt.Errorf("find device code: %w", err)
	}
	return d, true, nil
}

func (s *PostgresStore) CreateDeviceCode(ctx context.Context, row DeviceAuthCode) error {
	const q = `INSERT INTO device_auth_codes (code, expires_at, user_id, token, is_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, q, row.Code, row.ExpiresAt, row.UserID, row.Token, row.IsUsed, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("create device code: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimDeviceCode(ctx context.Context, code, userID, token string, now time.Time) (bool, error) {
	const q = `UPDATE device_auth_codes SET user_id = $2, token = $3, is_used = true
		WHERE code = $1 AND is_used = false AND expires_at > $4`
	tag, err := s.pool.Exec(ctx, q, code, userID, token, now)
	if err != nil {
		return false, fmt.Errorf("claim device code: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteExpiredDeviceCodes(ctx context.Context, now time.Time) (int64, error) {
	const q = `DELETE FROM device_auth_codes WHERE expires_at <= $1`
	tag, err := s.pool.Exec(ctx, q, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired device codes: %w", err)
	}
	return tag.RowsAffected(), nil
}
