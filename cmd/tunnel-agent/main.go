// Command tunnel-agent dials a tunnel server, registers one tunnel, and
// forwards incoming requests to a local target. It is a minimal reference
// client: the spec treats a full-featured CLI (profiles, pairing, a native
// tray app) as an out-of-scope collaborator.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tunnelgate/tunnelgate/internal/agent"
)

func main() {
	cfg, err := agent.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("load agent config: %v", err)
	}

	logger := log.New(os.Stdout, "[tunnel-agent] ", log.LstdFlags|log.Lmicroseconds)
	cfg.EventHook = func(ev agent.RuntimeEvent) {
		if ev.Error != "" {
			logger.Printf("state=%s msg=%q err=%q", ev.State, ev.Message, ev.Error)
			return
		}
		logger.Printf("state=%s msg=%q", ev.State, ev.Message)
	}

	a := agent.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Printf("starting tunnel-agent: gateway=%s target=%s", cfg.GatewayBaseURL, cfg.LocalTarget)
	if err := a.Run(ctx); err != nil {
		log.Fatalf("agent stopped with error: %v", err)
	}
	logger.Printf("tunnel-agent shutdown complete")
}
