package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"mailcast/internal/campaign"
	"mailcast/internal/config"
	"mailcast/internal/httpapi"
	"mailcast/internal/logging"
	"mailcast/internal/mailer"
	"mailcast/internal/observability"
	"mailcast/internal/recipient"
	"mailcast/internal/scheduler"
	"mailcast/internal/store/pg"
	"mailcast/internal/worker"
)

func main() {
	cfg := config.LoadScheduler()
	logging.Init("scheduler", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("scheduler db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)
	transport := mailer.NewSendGrid(cfg.SendGridAPIKey, cfg.FromEmail, cfg.FromName)
	limiter := rate.NewLimiter(rate.Limit(cfg.SendRPSPerPod), cfg.SendBurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sendgrid",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	staleAfter := time.Duration(cfg.StaleAfterSeconds) * time.Second
	machine := &campaign.Machine{Store: store}
	dispatcher := &worker.Dispatcher{
		Store:           store,
		Transport:       transport,
		Finisher:        machine,
		Limiter:         limiter,
		Breaker:         cb,
		StaleAfter:      staleAfter,
		TrackingBaseURL: cfg.TrackingBaseURL,
	}

	sched := &scheduler.Scheduler{
		Store:             store,
		Resolver:          &recipient.Resolver{Directory: store},
		Dispatcher:        dispatcher,
		Finisher:          machine,
		MaxBatchSize:      cfg.MaxBatchSize,
		MaxSendRate:       cfg.MaxSendRate,
		MaxConcurrent:     cfg.MaxConcurrentBatches,
		StaleAfter:        staleAfter,
		ResolveRetryDelay: time.Duration(cfg.ResolveRetrySeconds) * time.Second,
		PollLimit:         cfg.PollLimit,
	}

	// health + metrics server
	s := httpapi.New()
	s.Mux.HandleFunc("/healthz", httpapi.Healthz())
	s.Mux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second, func(c context.Context) error {
		return db.Ping(c)
	}))
	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(s.Mux),
	}
	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("scheduler health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	c := cron.New()
	ticking := make(chan struct{}, 1)
	_, err = c.AddFunc("@every "+cfg.TickInterval, func() {
		// overlapping ticks are skipped; claims make overlap safe but
		// there is no point stacking passes on a slow one
		select {
		case ticking <- struct{}{}:
			defer func() { <-ticking }()
		default:
			slog.Warn("tick still running, skipping")
			return
		}
		if err := sched.Tick(ctx); err != nil {
			slog.Error("scheduler tick failed", "err", err)
		}
	})
	if err != nil {
		slog.Error("invalid tick interval", "err", err, "interval", cfg.TickInterval)
		os.Exit(1)
	}

	slog.Info("scheduler starting", "interval", cfg.TickInterval)
	c.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("scheduler shutdown", "signal", sig.String())
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("scheduler health server failed", "err", err)
		}
	}

	cancel()
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
		slog.Info("scheduler shutdown timeout waiting for tick")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
}
