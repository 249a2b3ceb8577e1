// Package gateway wires the tunnel server's HTTP surface: agent websocket
// registration (C5), request/response multiplexing (C6), the public proxy
// front end (C7), and the background scheduler (C8).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelgate/tunnelgate/internal/config"
	"github.com/tunnelgate/tunnelgate/internal/geo"
	"github.com/tunnelgate/tunnelgate/internal/idgen"
	"github.com/tunnelgate/tunnelgate/internal/store"
	"github.com/tunnelgate/tunnelgate/internal/telemetry"
)

// Server owns every gateway component's lifecycle: construction, serving,
// and graceful shutdown in the order the spec requires — stop accepting
// requests, flush telemetry, close agent sessions, release storage.
type Server struct {
	cfg      config.Config
	store    store.Store
	signer   *idgen.Signer
	registry *Registry
	mux      *Multiplexer
	recorder *telemetry.Recorder
	frontend *Frontend
	limiter  *RateLimiter
	log      zerolog.Logger

	httpServer *http.Server
	listener   net.Listener
}

func NewServer(cfg config.Config, st store.Store, log zerolog.Logger) (*Server, error) {
	signer, err := idgen.NewSigner(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("build token signer: %w", err)
	}

	resolver := geo.StaticResolver{Fallback: "XX"}
	recorder := telemetry.NewRecorder(st, resolver, log, telemetry.Settings{
		BufferCapacity:      cfg.MetricsBufferCap,
		FlushInterval:       cfg.MetricsFlushInterval,
		DecayEvery:          cfg.LiveStatsDecayEvery,
		DecayAfter:          cfg.LiveStatsDecayAfter,
		DailyRollupInterval: cfg.DailyRollupInterval,
	})

	mplex := NewMultiplexer(log, cfg.RequestDeadline)
	registry := NewRegistry(st, signer, cfg.BaseURL, mplex, log, cfg.SessionTTL)
	mplex.bindRegistry(registry)

	frontend := NewFrontend(st, mplex, recorder, cfg.MaxRequestBodyBytes, log)

	return &Server{
		cfg:      cfg,
		store:    st,
		signer:   signer,
		registry: registry,
		mux:      mplex,
		recorder: recorder,
		frontend: frontend,
		limiter:  NewRateLimiter(),
		log:      log,
	}, nil
}

// Start runs the gateway until ctx is cancelled, then performs an ordered
// graceful shutdown and returns.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/__tunnelgate/ws", s.registry.ServeWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/device/code", s.handleDeviceCode)
	mux.HandleFunc("/device/claim", s.handleDeviceClaim)
	mux.HandleFunc("/device/token", s.handleDeviceToken)
	mux.HandleFunc("/", s.frontend.ServeHTTP)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = listener

	recorderCtx, cancelRecorder := context.WithCancel(context.Background())
	go s.recorder.Run(recorderCtx)

	scheduler := newScheduler(s.store, s.registry, s.log)
	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	go scheduler.run(schedulerCtx)

	errCh := make(chan error, 1)
	go func() {
		if serveErr := s.httpServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serve gateway: %w", serveErr)
		}
	}()

	select {
	case <-ctx.Done():
		return s.shutdown(cancelRecorder, cancelScheduler)
	case err := <-errCh:
		s.log.Error().Err(err).Msg("gateway serve loop exited")
		_ = s.shutdown(cancelRecorder, cancelScheduler)
		return err
	}
}

// shutdown runs the spec's ordered graceful-shutdown sequence: stop
// accepting new requests, bounded best-effort telemetry flush, close every
// agent session with the normal close code, then release persistence.
func (s *Server) shutdown(cancelRecorder, cancelScheduler context.CancelFunc) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("shutdown http server: %w", err)
	}

	cancelScheduler()
	s.recorder.Shutdown(shutdownCtx)
	cancelRecorder()

	s.registry.CloseAll()
	s.store.Close()

	return firstErr
}

func (s *Server) Addr() string {
	if s.listener == nil {
		if s.httpServer == nil {
			return ""
		}
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
