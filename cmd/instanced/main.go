package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tryptoph/CTF-Paltform/internal/api"
	"github.com/tryptoph/CTF-Paltform/internal/auth"
	"github.com/tryptoph/CTF-Paltform/internal/config"
	"github.com/tryptoph/CTF-Paltform/internal/metrics"
	"github.com/tryptoph/CTF-Paltform/internal/observability"
	"github.com/tryptoph/CTF-Paltform/internal/orchestrator"
	"github.com/tryptoph/CTF-Paltform/internal/pool"
	"github.com/tryptoph/CTF-Paltform/internal/proxy"
	"github.com/tryptoph/CTF-Paltform/internal/runtime"
	"github.com/tryptoph/CTF-Paltform/internal/state"
	"github.com/tryptoph/CTF-Paltform/internal/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("config error: %v", err))
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel)

	settings, err := config.OpenSettings(cfg.Storage.SettingsFile)
	if err != nil {
		logger.Error("settings_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	st, err := state.New(cfg.Storage.StateFile)
	if err != nil {
		logger.Error("state_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	ports, err := pool.NewPortPool(settings.Int(config.KeyPortRangeStart), settings.Int(config.KeyPortRangeEnd))
	if err != nil {
		logger.Error("port_pool_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	// ports already held by restored instances must not be issued again
	for _, inst := range st.ListAll() {
		ports.Withhold(inst.Port)
	}
	subnets, err := pool.NewSubnetPool(settings.Get(config.KeySubnetCIDR))
	if err != nil {
		logger.Error("subnet_pool_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx := context.Background()
	rt, err := runtime.New(ctx, cfg.Docker.Endpoint, logger)
	if err != nil {
		logger.Error("runtime_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	engine := orchestrator.New(cfg, settings, st, ports, subnets, rt, logger)
	syncer := proxy.NewSynchronizer(settings, engine.Routes, logger)
	engine.SetSyncer(syncer)

	if len(os.Args) > 1 && os.Args[1] == "sweep" {
		summary := engine.SweepExpired(ctx)
		report := map[string]any{
			"status":       "ok",
			"expired":      summary.Expired,
			"removed":      summary.Removed,
			"failed":       summary.Failed,
			"swept_at_utc": time.Now().UTC().Format(time.RFC3339),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return
	}

	reg := metrics.New()
	apiServer := api.New(cfg, engine, reg, logger)

	routes := apiServer.Routes()
	protected := auth.Middleware(cfg.Auth, routes)
	rateLimited := auth.NewRateLimiter(cfg.RateLimit, reg).Middleware(protected)
	var root http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.Server.HealthPublic && (r.URL.Path == "/healthz" || r.URL.Path == "/readyz") {
			routes.ServeHTTP(w, r)
			return
		}
		rateLimited.ServeHTTP(w, r)
	})
	root = observability.Middleware(logger, reg, root)

	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      root,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()
	sw := sweeper.New(engine, syncer, time.Duration(cfg.Sweep.IntervalSeconds)*time.Second, logger)
	sweepDone := make(chan struct{})
	go func() {
		sw.Run(loopCtx)
		close(sweepDone)
	}()
	go gaugeLoop(loopCtx, engine, reg)

	go func() {
		logger.Info("instanced_start", slog.String("listen_addr", cfg.Server.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cancelLoops()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", slog.String("error", err.Error()))
	}
	// an in-flight sweep finishes before we exit
	select {
	case <-sweepDone:
	case <-shutdownCtx.Done():
		logger.Warn("sweeper_shutdown_timeout")
	}
	logger.Info("instanced_stopped")
}

func gaugeLoop(ctx context.Context, engine *orchestrator.Engine, reg *metrics.Registry) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			available, issued := engine.PoolStats()
			reg.SetPortPool(available, issued)
		}
	}
}
