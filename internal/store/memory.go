package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a typed, mutex-guarded, in-process Store. It backs unit
// tests and a dependency-free local run; nothing about its semantics is
// allowed to diverge from PostgresStore.
type MemoryStore struct {
	mu sync.RWMutex

	tunnels         map[string]Tunnel
	subdomainToID   map[string]string
	users           map[string]User
	liveStats       map[string]LiveStats
	hourly          map[HourlyKey]HourlyStats
	daily           map[DailyKey]DailyStats
	deviceCodes     map[string]DeviceAuthCode
	requestLogs     []RequestLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tunnels:       make(map[string]Tunnel),
		subdomainToID: make(map[string]string),
		users:         make(map[string]User),
		liveStats:     make(map[string]LiveStats),
		hourly:        make(map[HourlyKey]HourlyStats),
		daily:         make(map[DailyKey]DailyStats),
		deviceCodes:   make(map[string]DeviceAuthCode),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) CreateUserIfMissing(ctx context.Context, userID, email string, now time.Time) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		return u, nil
	}
	u := User{ID: userID, Email: email, CreatedAt: now}
	s.users[userID] = u
	return u, nil
}

func (s *MemoryStore) GetTunnelByID(ctx context.Context, id string) (Tunnel, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tunnels[id]
	return t, ok, nil
}

func (s *MemoryStore) GetTunnelBySubdomain(ctx context.Context, subdomain string) (Tunnel, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.subdomainToID[subdomain]
	if !ok {
		return Tunnel{}, false, nil
	}
	t, ok := s.tunnels[id]
	return t, ok, nil
}

func (s *MemoryStore) IsSubdomainTaken(ctx context.Context, subdomain, excludingTunnelID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.subdomainToID[subdomain]
	if !ok {
		return false, nil
	}
	return id != excludingTunnelID, nil
}

func (s *MemoryStore) UpsertTunnel(ctx context.Context, in UpsertTunnelInput) (Tunnel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, had := s.tunnels[in.ID]
	if had && existing.Subdomain != in.Subdomain {
		delete(s.subdomainToID, existing.Subdomain)
	}

	t := Tunnel{
		ID:             in.ID,
		Subdomain:      in.Subdomain,
		OwnerUserID:    in.OwnerUserID,
		Name:           in.Name,
		Description:    in.Description,
		LocalPort:      in.LocalPort,
		Protocol:       in.Protocol,
		IsActive:       true,
		ConnectedAt:    in.Now,
		LastConnected:  in.Now,
		TotalRequests:  existing.TotalRequests,
		TotalBandwidth: existing.TotalBandwidth,
	}
	if had {
		t.OwnerUserID = existing.OwnerUserID
		t.CustomDomain = existing.CustomDomain
		t.LastDisconnected = existing.LastDisconnected
	}
	s.tunnels[in.ID] = t
	s.subdomainToID[in.Subdomain] = in.ID
	return t, nil
}

func (s *MemoryStore) MarkTunnelConnected(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tunnels[id]
	if !ok {
		return ErrNotFound
	}
	t.IsActive = true
	t.ConnectedAt = now
	t.LastConnected = now
	s.tunnels[id] = t
	return nil
}

func (s *MemoryStore) MarkTunnelDisconnected(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tunnels[id]
	if !ok {
		return ErrNotFound
	}
	t.IsActive = false
	t.LastDisconnected = now
	s.tunnels[id] = t
	return nil
}

func (s *MemoryStore) IncrementTunnelTotals(ctx context.Context, id string, requests, bandwidth int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tunnels[id]
	if !ok {
		return ErrNotFound
	}
	t.TotalRequests += requests
	t.TotalBandwidth += bandwidth
	s.tunnels[id] = t
	return nil
}

func (s *MemoryStore) ListTunnelIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tunnels))
	for id := range s.tunnels {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) GetLiveStats(ctx context.Context, tunnelID string) (LiveStats, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ls, ok := s.liveStats[tunnelID]
	return ls, ok, nil
}

func (s *MemoryStore) UpsertLiveStats(ctx context.Context, tunnelID string, delta LiveStatsDelta, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := s.liveStats[tunnelID]
	ls.TunnelID = tunnelID
	ls.RequestsLast5Min += delta.Requests5MinDelta
	ls.RequestsLast1Hour += delta.Requests1HourDelta
	ls.ErrorRate += delta.ErrorDelta
	if delta.AvgResponseTimeMs > 0 {
		ls.AvgResponseTimeMs = delta.AvgResponseTimeMs
	}
	ls.LastUpdated = now
	s.liveStats[tunnelID] = ls
	return nil
}

func (s *MemoryStore) DecayStaleLiveStats(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var decayed int64
	for id, ls := range s.liveStats {
		if ls.LastUpdated.Before(olderThan) {
			ls.RequestsLast5Min = 0
			ls.RequestsLast1Hour = 0
			ls.ErrorRate = 0
			s.liveStats[id] = ls
			decayed++
		}
	}
	return decayed, nil
}

func (s *MemoryStore) UpsertHourlyStats(ctx context.Context, key HourlyKey, batch HourlyBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.hourly[key]
	row.TunnelID = key.TunnelID
	row.Hour = key.Hour

	combinedTotal := row.Total + batch.Total
	if combinedTotal > 0 {
		combinedMs := row.AvgResponseTimeMs*float64(row.Total) + float64(batch.ResponseTimeSum)
		row.AvgResponseTimeMs = combinedMs / float64(combinedTotal)
	}
	row.Total = combinedTotal
	row.Success += batch.Success
	row.Error += batch.Error
	row.BandwidthBytes += batch.BandwidthBytes
	row.UniqueIPs += batch.UniqueIPs
	row.TopPaths = mergeTopEntries(row.TopPaths, batch.TopPaths)
	row.TopCountries = mergeTopEntries(row.TopCountries, batch.TopCountries)
	row.StatusCodes = mergeTopEntries(row.StatusCodes, batch.StatusCodes)

	s.hourly[key] = row
	return nil
}

func (s *MemoryStore) ListHourlyStatsForDay(ctx context.Context, tunnelID string, day time.Time) ([]HourlyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dayStart := day.Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)
	var rows []HourlyStats
	for key, row := range s.hourly {
		if key.TunnelID != tunnelID {
			continue
		}
		if row.Hour.Before(dayStart) || !row.Hour.Before(dayEnd) {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Hour.Before(rows[j].Hour) })
	return rows, nil
}

func (s *MemoryStore) UpsertDailyStats(ctx context.Context, key DailyKey, values DailyStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key.Date = key.Date.Truncate(24 * time.Hour)
	values.TunnelID = key.TunnelID
	values.Date = key.Date
	s.daily[key] = values
	return nil
}

func (s *MemoryStore) GetDailyStats(ctx context.Context, tunnelID string, date time.Time) (DailyStats, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.daily[DailyKey{TunnelID: tunnelID, Date: date.Truncate(24 * time.Hour)}]
	return row, ok, nil
}

func (s *MemoryStore) InsertRequestLog(ctx context.Context, row RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestLogs = append(s.requestLogs, row)
	return nil
}

func (s *MemoryStore) FindDeviceCode(ctx context.Context, code string) (DeviceAuthCode, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deviceCodes[code]
	return d, ok, nil
}

func (s *MemoryStore) CreateDeviceCode(ctx context.Context, row DeviceAuthCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceCodes[row.Code] = row
	return nil
}

func (s *MemoryStore) ClaimDeviceCode(ctx context.Context, code, userID, token string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deviceCodes[code]
	if !ok || d.IsUsed || !now.Before(d.ExpiresAt) {
		return false, nil
	}
	d.UserID = userID
	d.Token = token
	d.IsUsed = true
	s.deviceCodes[code] = d
	return true, nil
}

func (s *MemoryStore) DeleteExpiredDeviceCodes(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for code, d := range s.deviceCodes {
		if !now.Before(d.ExpiresAt) {
			delete(s.deviceCodes, code)
			deleted++
		}
	}
	return deleted, nil
}
