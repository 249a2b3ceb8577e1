// Package telemetry is the request-metrics pipeline (C4): every completed
// public request is captured, immediately reflected in live stats, buffered,
// and periodically rolled up into hourly and daily aggregates.
package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelgate/tunnelgate/internal/geo"
	"github.com/tunnelgate/tunnelgate/internal/store"
)

// defaultBufferCapacity is the number of buffered events that triggers an
// immediate flush instead of waiting for the periodic tick, used whenever
// Settings.BufferCapacity is left at zero.
const defaultBufferCapacity = 100

// defaultFlushInterval is the periodic safety-net flush cadence; most
// flushes are threshold-triggered and land well before this fires.
const defaultFlushInterval = 2 * time.Minute

// defaultDecayEvery/defaultDecayAfter govern how often stale live-stats
// counters are reset, and how old "stale" means. A tunnel that stops
// serving requests should not show a five-minute-old burst forever.
const defaultDecayEvery = 10 * time.Minute
const defaultDecayAfter = 10 * time.Minute

// defaultDailyRollupInterval is the steady-state cadence once the first
// midnight rollup has run.
const defaultDailyRollupInterval = 24 * time.Hour

// Settings are the recorder's cadence and capacity knobs, passed in from
// internal/config.Config. config.Load sets them to fixed values; no env var
// overrides them. Zero fields fall back to the defaults above.
type Settings struct {
	BufferCapacity      int
	FlushInterval       time.Duration
	DecayEvery          time.Duration
	DecayAfter          time.Duration
	DailyRollupInterval time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.BufferCapacity <= 0 {
		s.BufferCapacity = defaultBufferCapacity
	}
	if s.FlushInterval <= 0 {
		s.FlushInterval = defaultFlushInterval
	}
	if s.DecayEvery <= 0 {
		s.DecayEvery = defaultDecayEvery
	}
	if s.DecayAfter <= 0 {
		s.DecayAfter = defaultDecayAfter
	}
	if s.DailyRollupInterval <= 0 {
		s.DailyRollupInterval = defaultDailyRollupInterval
	}
	return s
}

// Event is one completed public request, ready to be recorded.
type Event struct {
	TunnelID       string
	Method         string
	Path           string
	StatusCode     int
	ResponseTimeMs int64
	RequestBytes   int64
	ResponseBytes  int64
	ClientIP       string
	UserAgent      string
	Timestamp      time.Time
}

// maxUserAgentBytes bounds what gets persisted from a client-controlled
// header.
const maxUserAgentBytes = 500

// Recorder owns the buffer, the live-stats fast path, and the rollup
// schedulers. One Recorder is shared by every request-serving goroutine.
type Recorder struct {
	store    store.Store
	resolver geo.Resolver
	log      zerolog.Logger
	settings Settings

	mu     sync.Mutex
	buffer []Event

	flushSignal chan struct{}
	stop        chan struct{}
	wg          sync.WaitGroup
}

func NewRecorder(st store.Store, resolver geo.Resolver, log zerolog.Logger, settings Settings) *Recorder {
	return &Recorder{
		store:       st,
		resolver:    resolver,
		log:         log.With().Str("component", "telemetry").Logger(),
		settings:    settings.withDefaults(),
		flushSignal: make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
}

// Capture records one completed request. It updates live stats inline
// (cheap, per-tunnel, no lock contention with other tunnels at the store
// layer) and buffers the event for the next rollup flush.
func (r *Recorder) Capture(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if len(ev.UserAgent) > maxUserAgentBytes {
		ev.UserAgent = ev.UserAgent[:maxUserAgentBytes]
	}

	delta := store.LiveStatsDelta{
		Requests5MinDelta:  1,
		Requests1HourDelta: 1,
		AvgResponseTimeMs:  float64(ev.ResponseTimeMs),
	}
	if ev.StatusCode >= 400 {
		delta.ErrorDelta = 1
	}
	if err := r.store.UpsertLiveStats(ctx, ev.TunnelID, delta, ev.Timestamp); err != nil {
		r.log.Error().Err(err).Str("tunnel_id", ev.TunnelID).Msg("live stats update failed")
	}

	r.mu.Lock()
	r.buffer = append(r.buffer, ev)
	full := len(r.buffer) >= r.settings.BufferCapacity
	r.mu.Unlock()

	if full {
		select {
		case r.flushSignal <- struct{}{}:
		default:
		}
	}
}

// Run starts the background flush, decay, and rollup loops. It blocks
// until ctx is cancelled or Shutdown is called. Run does not flush on
// return; the final flush is performed by Shutdown.
func (r *Recorder) Run(ctx context.Context) {
	r.wg.Add(3)
	go r.flushLoop(ctx)
	go r.decayLoop(ctx)
	go r.dailyRollupLoop(ctx)
	r.wg.Wait()
}

// Shutdown stops the background loops and performs one bounded final
// flush; it is safe to call even if Run was never started.
func (r *Recorder) Shutdown(ctx context.Context) {
	close(r.stop)
	r.wg.Wait()
	r.safeFlush(ctx)
}

func (r *Recorder) flushLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.settings.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeFlush(ctx)
		case <-r.flushSignal:
			r.safeFlush(ctx)
		}
	}
}

// safeFlush recovers from any panic in the aggregation path so one bad
// event never takes down the recorder's background loop.
func (r *Recorder) safeFlush(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("telemetry flush panicked, dropping batch")
		}
	}()
	if err := r.flush(ctx); err != nil {
		r.log.Error().Err(err).Msg("telemetry flush failed")
	}
}

func (r *Recorder) flush(ctx context.Context) error {
	r.mu.Lock()
	events := r.buffer
	r.buffer = nil
	r.mu.Unlock()

	if len(events) == 0 {
		return nil
	}

	type bucketKey struct {
		tunnelID string
		hour     time.Time
	}
	buckets := make(map[bucketKey]*store.HourlyBatch)

	for _, ev := range events {
		if err := r.store.InsertRequestLog(ctx, toRequestLog(ev, r.resolver)); err != nil {
			r.log.Error().Err(err).Str("tunnel_id", ev.TunnelID).Msg("request log insert failed")
		}

		key := bucketKey{tunnelID: ev.TunnelID, hour: ev.Timestamp.UTC().Truncate(time.Hour)}
		b, ok := buckets[key]
		if !ok {
			b = &store.HourlyBatch{}
			buckets[key] = b
		}
		b.Total++
		if ev.StatusCode >= 200 && ev.StatusCode < 400 {
			b.Success++
		} else {
			b.Error++
		}
		b.ResponseTimeSum += ev.ResponseTimeMs
		b.BandwidthBytes += ev.RequestBytes + ev.ResponseBytes
		b.TopPaths = incrementTop(b.TopPaths, ev.Method+" "+ev.Path)
		b.TopCountries = incrementTop(b.TopCountries, r.resolver.ResolveCountry(ev.ClientIP))
		b.StatusCodes = incrementTop(b.StatusCodes, statusCodeLabel(ev.StatusCode))
	}

	for key, batch := range buckets {
		batch.UniqueIPs = int64(len(uniqueIPsFor(events, key.tunnelID, key.hour)))
		err := r.store.UpsertHourlyStats(ctx, store.HourlyKey{TunnelID: key.tunnelID, Hour: key.hour}, *batch)
		if err != nil {
			r.log.Error().Err(err).Str("tunnel_id", key.tunnelID).Msg("hourly rollup failed")
		}
	}
	return nil
}

func toRequestLog(ev Event, resolver geo.Resolver) store.RequestLog {
	return store.RequestLog{
		TunnelID:     ev.TunnelID,
		Path:         ev.Path,
		Method:       ev.Method,
		StatusCode:   ev.StatusCode,
		ResponseTime: ev.ResponseTimeMs,
		RequestSize:  ev.RequestBytes,
		ResponseSize: ev.ResponseBytes,
		ClientIP:     ev.ClientIP,
		Country:      resolver.ResolveCountry(ev.ClientIP),
		UserAgent:    ev.UserAgent,
		Timestamp:    ev.Timestamp,
	}
}

func incrementTop(entries []store.TopEntry, label string) []store.TopEntry {
	if label == "" {
		return entries
	}
	for i := range entries {
		if entries[i].Label == label {
			entries[i].Count++
			return entries
		}
	}
	return append(entries, store.TopEntry{Label: label, Count: 1})
}

func statusCodeLabel(code int) string {
	if code == 0 {
		return ""
	}
	return strconv.Itoa(code)
}

func uniqueIPsFor(events []Event, tunnelID string, hour time.Time) map[string]struct{} {
	set := make(map[string]struct{})
	for _, ev := range events {
		if ev.TunnelID == tunnelID && ev.Timestamp.UTC().Truncate(time.Hour).Equal(hour) {
			set[ev.ClientIP] = struct{}{}
		}
	}
	return set
}

func (r *Recorder) decayLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.settings.DecayEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.decay(ctx)
		}
	}
}

func (r *Recorder) decay(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("telemetry decay panicked")
		}
	}()
	cutoff := time.Now().UTC().Add(-r.settings.DecayAfter)
	decayed, err := r.store.DecayStaleLiveStats(ctx, cutoff)
	if err != nil {
		r.log.Error().Err(err).Msg("live stats decay failed")
		return
	}
	if decayed > 0 {
		r.log.Debug().Int64("count", decayed).Msg("decayed stale live stats")
	}
}

func (r *Recorder) dailyRollupLoop(ctx context.Context) {
	defer r.wg.Done()
	now := time.Now()
	nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	timer := time.NewTimer(time.Until(nextMidnight))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-timer.C:
			r.rollupPreviousDay(ctx)
			timer.Reset(r.settings.DailyRollupInterval)
		}
	}
}

// RollupDay aggregates one tunnel's hourly rows for day into its DailyStats
// row. rollupPreviousDay calls it for every tunnel; it is exported so tests
// can drive a rollup directly without waiting for the midnight timer.
func (r *Recorder) RollupDay(ctx context.Context, tunnelID string, day time.Time) error {
	hours, err := r.store.ListHourlyStatsForDay(ctx, tunnelID, day)
	if err != nil {
		return err
	}
	if len(hours) == 0 {
		return nil
	}

	var total, success, errCount, bandwidth int64
	var weightedMs float64
	peakHour, peakTotal := 0, int64(-1)
	for _, h := range hours {
		total += h.Total
		success += h.Success
		errCount += h.Error
		bandwidth += h.BandwidthBytes
		weightedMs += h.AvgResponseTimeMs * float64(h.Total)
		if h.Total > peakTotal {
			peakTotal = h.Total
			peakHour = h.Hour.Hour()
		}
	}
	avg := 0.0
	if total > 0 {
		avg = weightedMs / float64(total)
	}

	return r.store.UpsertDailyStats(ctx, store.DailyKey{TunnelID: tunnelID, Date: day}, store.DailyStats{
		Total:             total,
		Success:           success,
		Error:             errCount,
		AvgResponseTimeMs: avg,
		BandwidthBytes:    bandwidth,
		PeakHour:          peakHour,
	})
}

func (r *Recorder) rollupPreviousDay(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("daily rollup panicked")
		}
	}()
	yesterday := time.Now().UTC().Add(-24 * time.Hour).Truncate(24 * time.Hour)
	ids, err := r.store.ListTunnelIDs(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("daily rollup: list tunnels failed")
		return
	}
	for _, id := range ids {
		if err := r.RollupDay(ctx, id, yesterday); err != nil {
			r.log.Error().Err(err).Str("tunnel_id", id).Msg("daily rollup failed")
		}
	}
}
