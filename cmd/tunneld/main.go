// Command tunneld runs the tunnel server: agent registration, request
// multiplexing, the public proxy front end, and the background scheduler.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelgate/tunnelgate/internal/config"
	"github.com/tunnelgate/tunnelgate/internal/gateway"
	"github.com/tunnelgate/tunnelgate/internal/store"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "tunneld").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver := "memory"
	if cfg.DatabaseURL != "" {
		driver = "postgres"
	}
	st, err := store.Open(ctx, driver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}

	server, err := gateway.NewServer(cfg, st, log)
	if err != nil {
		log.Fatal().Err(err).Msg("construct server")
	}

	log.Info().Int("port", cfg.Port).Str("base_url", cfg.BaseURL).Msg("starting tunneld")
	if err := server.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
	log.Info().Msg("tunneld shutdown complete")
}
