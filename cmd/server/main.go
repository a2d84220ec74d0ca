package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/agent-nexus/backend/internal/adapter"
	"github.com/agent-nexus/backend/internal/config"
	"github.com/agent-nexus/backend/internal/fsmon"
	"github.com/agent-nexus/backend/internal/lifecycle"
	"github.com/agent-nexus/backend/internal/logging"
	"github.com/agent-nexus/backend/internal/monitor"
	"github.com/agent-nexus/backend/internal/pricing"
	"github.com/agent-nexus/backend/internal/procmon"
	"github.com/agent-nexus/backend/internal/reconcile"
	"github.com/agent-nexus/backend/internal/usage"
	"github.com/agent-nexus/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	logger := logging.New(cfg.Logging.Level)
	defer logger.Sync()

	clk := clock.New()
	adapters := adapter.All()

	runtimeDir := cfg.Usage.RuntimeDir
	if !filepath.IsAbs(runtimeDir) {
		if home, err := os.UserHomeDir(); err == nil {
			runtimeDir = filepath.Join(home, runtimeDir)
		}
	}

	auditPath := filepath.Join(runtimeDir, "usage-cost-history.jsonl")
	audit, err := usage.OpenAuditLog(auditPath)
	if err != nil {
		logger.Warn("cost audit log unavailable", zap.Error(err))
		audit = nil
	}

	fetcher := pricing.NewFetcher("", filepath.Join(runtimeDir, "pricing-cache.json"),
		cfg.Usage.PricingTTL, nil, clk, logging.Component(logger, "pricing"))
	pricer := pricing.NewService(fetcher)
	history := pricing.NewHistory(nil, clk, logging.Component(logger, "pricing-history"))

	engine := usage.NewEngine(pricer, audit, clk, logging.Component(logger, "usage"))
	live := usage.NewLive()
	for _, a := range adapters {
		if a.DirectCostAuthoritative() {
			engine.TrustDirectCost(a.Name())
		}
	}

	// The registry's listener set is completed once the hub exists; no
	// events flow until the monitor starts.
	fan := &lifecycle.Fanout{}
	registry := lifecycle.NewRegistry(lifecycle.Config{
		IdleTimeout:      cfg.Session.IdleTimeout,
		CooldownFraction: cfg.Session.CooldownFraction,
		CooldownMin:      cfg.Session.CooldownMin,
		CooldownMax:      cfg.Session.CooldownMax,
	}, clk, logging.Component(logger, "lifecycle"), fan)

	hub := ws.NewHub(registry, engine, cfg.Monitor.BroadcastThrottle, logging.Component(logger, "ws"))
	*fan = append(*fan, monitor.NewLiveTracker(live), hub)

	scanner := procmon.NewScanner(logging.Component(logger, "procmon"),
		cfg.Monitor.QueryTimeout, cfg.Monitor.MaxConcurrentPIDs)

	watcher, err := fsmon.NewWatcher(logging.Component(logger, "fsmon"))
	if err != nil {
		logger.Warn("filesystem watching unavailable, relying on periodic scans", zap.Error(err))
		watcher = nil
	}

	mon := monitor.New(cfg, adapters, registry, engine, scanner, watcher, hub, clk,
		logging.Component(logger, "monitor"))

	// External reconciliation covers tools priced from token counts;
	// tools with authoritative self-reported costs need no overlay.
	var reconciled []adapter.Adapter
	for _, a := range adapters {
		if !a.DirectCostAuthoritative() {
			reconciled = append(reconciled, a)
		}
	}
	reconciler := reconcile.New(reconciled, engine, history, pricer,
		cfg.Usage.ExternalRefreshInterval, clk, logging.Component(logger, "reconcile"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go registry.Run(ctx)
	go fetcher.Run(ctx, cfg.Usage.PricingRefreshInterval)
	go mon.Run(ctx)
	go mon.Backfill(ctx)
	go reconciler.Run(ctx)

	pricingInfo := func(context.Context) (string, int) {
		table, source := fetcher.Current()
		return source, table.Len()
	}
	server := ws.NewServer(hub, registry, engine, pricingInfo, auditPath,
		cfg.Server.AuthToken, cfg.Server.AllowedOrigins, logging.Component(logger, "http"))

	mux := http.NewServeMux()
	server.SetupRoutes(mux)
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"tools":  mon.Health(),
			"agents": live.Counts(),
		})
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux, logger); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
