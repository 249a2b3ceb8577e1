package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelgate/tunnelgate/internal/store"
)

// expiredDeviceCodeSweepInterval governs how often abandoned device codes
// are purged; it is independent of the telemetry recorder's own cadences.
const expiredDeviceCodeSweepInterval = 5 * time.Minute

// staleSessionSweepInterval governs how often the registry is checked for
// agents that have gone silent without closing their connection cleanly.
const staleSessionSweepInterval = 15 * time.Second

// scheduler is C8's housekeeping half: the telemetry flush/decay/rollup
// loops live inside internal/telemetry.Recorder, so this only owns the
// ticks that package has no reason to know about.
type scheduler struct {
	store    store.Store
	registry *Registry
	log      zerolog.Logger
}

func newScheduler(st store.Store, registry *Registry, log zerolog.Logger) *scheduler {
	return &scheduler{store: st, registry: registry, log: log.With().Str("component", "scheduler").Logger()}
}

func (s *scheduler) run(ctx context.Context) {
	deviceCodeTicker := time.NewTicker(expiredDeviceCodeSweepInterval)
	defer deviceCodeTicker.Stop()
	sessionTicker := time.NewTicker(staleSessionSweepInterval)
	defer sessionTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deviceCodeTicker.C:
			s.sweepExpiredDeviceCodes(ctx)
		case <-sessionTicker.C:
			s.registry.sweepStaleSessions()
		}
	}
}

func (s *scheduler) sweepExpiredDeviceCodes(ctx context.Context) {
	deleted, err := s.store.DeleteExpiredDeviceCodes(ctx, time.Now().UTC())
	if err != nil {
		s.log.Error().Err(err).Msg("device code sweep failed")
		return
	}
	if deleted > 0 {
		s.log.Debug().Int64("count", deleted).Msg("swept expired device codes")
	}
}
