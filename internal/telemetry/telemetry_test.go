package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelgate/tunnelgate/internal/geo"
	"github.com/tunnelgate/tunnelgate/internal/store"
)

func newTestRecorder() (*Recorder, store.Store) {
	st := store.NewMemoryStore()
	rec := NewRecorder(st, geo.StaticResolver{Fallback: "US"}, zerolog.Nop(), Settings{})
	return rec, st
}

func TestCaptureUpdatesLiveStatsImmediately(t *testing.T) {
	rec, st := newTestRecorder()
	ctx := context.Background()
	now := time.Now().UTC()

	rec.Capture(ctx, Event{TunnelID: "tun-1", Path: "/a", Method: "GET", StatusCode: 200, ResponseTimeMs: 40, ClientIP: "8.8.8.8", Timestamp: now})

	ls, ok, err := st.GetLiveStats(ctx, "tun-1")
	if err != nil || !ok {
		t.Fatalf("GetLiveStats: ok=%v err=%v", ok, err)
	}
	if ls.RequestsLast5Min != 1 {
		t.Fatalf("expected live stats to update synchronously, got %+v", ls)
	}
}

func TestFlushWritesRequestLogAndHourlyRollup(t *testing.T) {
	rec, st := newTestRecorder()
	ctx := context.Background()
	hour := time.Now().UTC().Truncate(time.Hour)

	rec.Capture(ctx, Event{TunnelID: "tun-1", Path: "/a", Method: "GET", StatusCode: 200, ResponseTimeMs: 10, ClientIP: "8.8.8.8", Timestamp: hour.Add(time.Minute)})
	rec.Capture(ctx, Event{TunnelID: "tun-1", Path: "/a", Method: "GET", StatusCode: 500, ResponseTimeMs: 30, ClientIP: "9.9.9.9", Timestamp: hour.Add(2 * time.Minute)})

	if err := rec.flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	rows, err := st.ListHourlyStatsForDay(ctx, "tun-1", hour)
	if err != nil {
		t.Fatalf("ListHourlyStatsForDay: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 hourly row, got %d", len(rows))
	}
	row := rows[0]
	if row.Total != 2 || row.Success != 1 || row.Error != 1 {
		t.Fatalf("unexpected hourly totals: %+v", row)
	}
	if len(row.TopPaths) != 1 || row.TopPaths[0].Label != "GET /a" || row.TopPaths[0].Count != 2 {
		t.Fatalf("unexpected top paths: %+v", row.TopPaths)
	}

	rec.mu.Lock()
	bufLen := len(rec.buffer)
	rec.mu.Unlock()
	if bufLen != 0 {
		t.Fatalf("expected buffer to be drained after flush, got %d", bufLen)
	}
}

func TestCaptureThresholdTriggersFlushSignal(t *testing.T) {
	rec, _ := newTestRecorder()
	ctx := context.Background()
	for i := 0; i < rec.settings.BufferCapacity; i++ {
		rec.Capture(ctx, Event{TunnelID: "tun-1", Path: "/a", StatusCode: 200})
	}
	select {
	case <-rec.flushSignal:
	default:
		t.Fatalf("expected a flush signal once the buffer reached capacity")
	}
}

func TestRollupDayAggregatesHourlyIntoDaily(t *testing.T) {
	rec, st := newTestRecorder()
	ctx := context.Background()
	day := time.Now().UTC().Truncate(24 * time.Hour)

	if err := st.UpsertHourlyStats(ctx, store.HourlyKey{TunnelID: "tun-1", Hour: day.Add(9 * time.Hour)}, store.HourlyBatch{
		Total: 5, Success: 5, ResponseTimeSum: 100,
	}); err != nil {
		t.Fatalf("seed hour 9: %v", err)
	}
	if err := st.UpsertHourlyStats(ctx, store.HourlyKey{TunnelID: "tun-1", Hour: day.Add(14 * time.Hour)}, store.HourlyBatch{
		Total: 20, Success: 18, Error: 2, ResponseTimeSum: 800,
	}); err != nil {
		t.Fatalf("seed hour 14: %v", err)
	}

	if err := rec.RollupDay(ctx, "tun-1", day); err != nil {
		t.Fatalf("RollupDay: %v", err)
	}

	daily, ok, err := st.GetDailyStats(ctx, "tun-1", day)
	if err != nil || !ok {
		t.Fatalf("GetDailyStats: ok=%v err=%v", ok, err)
	}
	if daily.Total != 25 || daily.Success != 23 || daily.Error != 2 {
		t.Fatalf("unexpected daily totals: %+v", daily)
	}
	if daily.PeakHour != 14 {
		t.Fatalf("expected peak hour 14, got %d", daily.PeakHour)
	}
}
