package store

import (
	"context"
	"testing"
	"time"
)

func TestUpsertTunnelAndLookup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.CreateUserIfMissing(ctx, "user-1", "a@x.test", now); err != nil {
		t.Fatalf("CreateUserIfMissing: %v", err)
	}

	tunnel, err := s.UpsertTunnel(ctx, UpsertTunnelInput{
		ID: "tun-1", OwnerUserID: "user-1", Subdomain: "my-app",
		Name: "my-app", Protocol: "http", LocalPort: 3000, Now: now,
	})
	if err != nil {
		t.Fatalf("UpsertTunnel: %v", err)
	}
	if !tunnel.IsActive {
		t.Fatalf("expected new tunnel to be active")
	}

	byID, ok, err := s.GetTunnelByID(ctx, "tun-1")
	if err != nil || !ok {
		t.Fatalf("GetTunnelByID: ok=%v err=%v", ok, err)
	}
	if byID.Subdomain != "my-app" {
		t.Fatalf("unexpected subdomain %q", byID.Subdomain)
	}

	bySub, ok, err := s.GetTunnelBySubdomain(ctx, "my-app")
	if err != nil || !ok || bySub.ID != "tun-1" {
		t.Fatalf("GetTunnelBySubdomain mismatch: %+v ok=%v err=%v", bySub, ok, err)
	}

	taken, err := s.IsSubdomainTaken(ctx, "my-app", "tun-2")
	if err != nil || !taken {
		t.Fatalf("expected subdomain to be reported taken, got taken=%v err=%v", taken, err)
	}
	taken, err = s.IsSubdomainTaken(ctx, "my-app", "tun-1")
	if err != nil || taken {
		t.Fatalf("expected owner's own tunnel to not count as taken, got taken=%v err=%v", taken, err)
	}
}

func TestUpsertTunnelRenameReleasesOldSubdomain(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	s.CreateUserIfMissing(ctx, "user-1", "a@x.test", now)
	s.UpsertTunnel(ctx, UpsertTunnelInput{ID: "tun-1", OwnerUserID: "user-1", Subdomain: "old-name", Now: now})
	s.UpsertTunnel(ctx, UpsertTunnelInput{ID: "tun-1", OwnerUserID: "user-1", Subdomain: "new-name", Now: now})

	if _, ok, _ := s.GetTunnelBySubdomain(ctx, "old-name"); ok {
		t.Fatalf("expected old subdomain to no longer resolve")
	}
	if taken, _ := s.IsSubdomainTaken(ctx, "old-name", ""); taken {
		t.Fatalf("expected old subdomain to be free after rename")
	}
}

func TestMarkTunnelConnectedDisconnected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	s.CreateUserIfMissing(ctx, "user-1", "a@x.test", now)
	s.UpsertTunnel(ctx, UpsertTunnelInput{ID: "tun-1", OwnerUserID: "user-1", Subdomain: "app", Now: now})

	if err := s.MarkTunnelDisconnected(ctx, "tun-1", now.Add(time.Minute)); err != nil {
		t.Fatalf("MarkTunnelDisconnected: %v", err)
	}
	tunnel, _, _ := s.GetTunnelByID(ctx, "tun-1")
	if tunnel.IsActive {
		t.Fatalf("expected tunnel to be inactive")
	}

	if err := s.MarkTunnelConnected(ctx, "tun-1", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("MarkTunnelConnected: %v", err)
	}
	tunnel, _, _ = s.GetTunnelByID(ctx, "tun-1")
	if !tunnel.IsActive {
		t.Fatalf("expected tunnel to be active again")
	}

	if err := s.MarkTunnelConnected(ctx, "missing", now); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for missing tunnel, got %v", err)
	}
}

func TestUpsertLiveStatsAccumulates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	s.UpsertLiveStats(ctx, "tun-1", LiveStatsDelta{Requests5MinDelta: 3, Requests1HourDelta: 3, AvgResponseTimeMs: 50}, now)
	s.UpsertLiveStats(ctx, "tun-1", LiveStatsDelta{Requests5MinDelta: 2, Requests1HourDelta: 2, ErrorDelta: 1}, now.Add(time.Second))

	ls, ok, err := s.GetLiveStats(ctx, "tun-1")
	if err != nil || !ok {
		t.Fatalf("GetLiveStats: ok=%v err=%v", ok, err)
	}
	if ls.RequestsLast5Min != 5 || ls.RequestsLast1Hour != 5 || ls.ErrorRate != 1 {
		t.Fatalf("unexpected accumulated live stats: %+v", ls)
	}
	if ls.AvgResponseTimeMs != 50 {
		t.Fatalf("expected last positive avg response time to stick, got %v", ls.AvgResponseTimeMs)
	}
}

func TestDecayStaleLiveStats(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()
	s.UpsertLiveStats(ctx, "tun-1", LiveStatsDelta{Requests5MinDelta: 5}, base)

	decayed, err := s.DecayStaleLiveStats(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("DecayStaleLiveStats: %v", err)
	}
	if decayed != 1 {
		t.Fatalf("expected 1 row decayed, got %d", decayed)
	}
	ls, _, _ := s.GetLiveStats(ctx, "tun-1")
	if ls.RequestsLast5Min != 0 {
		t.Fatalf("expected decayed counters to reset to zero, got %+v", ls)
	}
}

func TestUpsertHourlyStatsMergesTopEntries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	hour := time.Now().UTC().Truncate(time.Hour)
	key := HourlyKey{TunnelID: "tun-1", Hour: hour}

	err := s.UpsertHourlyStats(ctx, key, HourlyBatch{
		Total: 10, Success: 9, Error: 1, ResponseTimeSum: 1000,
		TopPaths: []TopEntry{{Label: "/a", Count: 5}, {Label: "/b", Count: 3}},
	})
	if err != nil {
		t.Fatalf("UpsertHourlyStats (1): %v", err)
	}
	err = s.UpsertHourlyStats(ctx, key, HourlyBatch{
		Total: 5, Success: 5, ResponseTimeSum: 250,
		TopPaths: []TopEntry{{Label: "/a", Count: 2}, {Label: "/c", Count: 4}},
	})
	if err != nil {
		t.Fatalf("UpsertHourlyStats (2): %v", err)
	}

	rows, err := s.ListHourlyStatsForDay(ctx, "tun-1", hour)
	if err != nil {
		t.Fatalf("ListHourlyStatsForDay: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 hourly row, got %d", len(rows))
	}
	row := rows[0]
	if row.Total != 15 || row.Success != 14 || row.Error != 1 {
		t.Fatalf("unexpected combined totals: %+v", row)
	}
	wantAvg := float64(1250) / 15
	if diff := row.AvgResponseTimeMs - wantAvg; diff > 0.001 || diff < -0.001 {
		t.Fatalf("expected avg response time %v, got %v", wantAvg, row.AvgResponseTimeMs)
	}
	if len(row.TopPaths) == 0 || row.TopPaths[0].Label != "/a" || row.TopPaths[0].Count != 7 {
		t.Fatalf("expected merged top path /a with count 7, got %+v", row.TopPaths)
	}
}

func TestDeviceCodeLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.CreateDeviceCode(ctx, DeviceAuthCode{Code: "ABC123", ExpiresAt: now.Add(time.Minute), CreatedAt: now}); err != nil {
		t.Fatalf("CreateDeviceCode: %v", err)
	}

	claimed, err := s.ClaimDeviceCode(ctx, "ABC123", "user-1", "token-xyz", now)
	if err != nil || !claimed {
		t.Fatalf("expected claim to succeed, got claimed=%v err=%v", claimed, err)
	}
	claimed, err = s.ClaimDeviceCode(ctx, "ABC123", "user-2", "token-2", now)
	if err != nil || claimed {
		t.Fatalf("expected second claim to fail, got claimed=%v err=%v", claimed, err)
	}

	d, ok, err := s.FindDeviceCode(ctx, "ABC123")
	if err != nil || !ok || d.UserID != "user-1" || !d.IsUsed {
		t.Fatalf("unexpected device code state: %+v ok=%v err=%v", d, ok, err)
	}
}

func TestClaimDeviceCodeRejectsExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	s.CreateDeviceCode(ctx, DeviceAuthCode{Code: "EXP001", ExpiresAt: now.Add(-time.Second), CreatedAt: now.Add(-time.Minute)})

	claimed, err := s.ClaimDeviceCode(ctx, "EXP001", "user-1", "token", now)
	if err != nil || claimed {
		t.Fatalf("expected expired code claim to fail, got claimed=%v err=%v", claimed, err)
	}
}

func TestDeleteExpiredDeviceCodes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	s.CreateDeviceCode(ctx, DeviceAuthCode{Code: "LIVE01", ExpiresAt: now.Add(time.Hour), CreatedAt: now})
	s.CreateDeviceCode(ctx, DeviceAuthCode{Code: "DEAD01", ExpiresAt: now.Add(-time.Hour), CreatedAt: now.Add(-2 * time.Hour)})

	deleted, err := s.DeleteExpiredDeviceCodes(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredDeviceCodes: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted code, got %d", deleted)
	}
	if _, ok, _ := s.FindDeviceCode(ctx, "LIVE01"); !ok {
		t.Fatalf("expected unexpired code to remain")
	}
	if _, ok, _ := s.FindDeviceCode(ctx, "DEAD01"); ok {
		t.Fatalf("expected expired code to be gone")
	}
}

func TestOpenSelectsMemoryDriverByDefault(t *testing.T) {
	s, err := Open(context.Background(), "", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("expected default driver to be *MemoryStore, got %T", s)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mongo", ""); err == nil {
		t.Fatalf("expected an error for an unsupported driver")
	}
}
