package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	raw, err := LoadRoutes(cfg.RoutesFile, cfg.Network)
	if err != nil {
		log.Fatalf("routes: %v", err)
	}
	rules, err := CompileRoutes(raw)
	if err != nil {
		log.Fatalf("routes: %v", err)
	}

	gateway, err := SelectGateway(cfg.Mode, rules, cfg)
	if err != nil {
		log.Fatalf("x402: %v", err)
	}
	if gateway.FallbackFromReal {
		log.Printf("x402: stub enforcement active after fallback: %s", gateway.Reason)
	} else {
		log.Printf("x402: gateway mode %s", gateway.Mode)
	}

	reader := NewRegistryClient(cfg.RPCURL, cfg.RegistryAddress)
	hub := NewWSHub()
	watcher := NewWatcher(reader, cfg.Scoring, cfg.PollInterval, hub)
	go watcher.Run(context.Background())

	srv := NewServer(cfg, gateway, rules, reader, watcher, hub)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", srv.handleHealth)
	mux.HandleFunc("GET /pricing", srv.handlePricing)
	mux.HandleFunc("GET /reputation/{agentId}", srv.handleReputation)
	mux.HandleFunc("GET /reputation/{agentId}/report", srv.handleReport)
	mux.HandleFunc("/ws/reputation", hub.handleFeed)
	mux.HandleFunc("/", srv.handleIndex)

	limiter := NewRateLimiter(cfg.RateLimitPerMin, time.Minute)
	handler := RateLimitMiddleware(limiter, gateway.Wrap(mux))

	log.Printf("Agent Reputation API listening on :%s (network %s)", cfg.Port, cfg.Network)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, handler))
}
