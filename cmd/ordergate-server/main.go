package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ordergate/internal/audit"
	"ordergate/internal/breaker"
	"ordergate/internal/broker"
	"ordergate/internal/config"
	"ordergate/internal/httpapi"
	"ordergate/internal/oms"
	"ordergate/internal/queue"
	"ordergate/internal/risk"
	"ordergate/internal/store"
	"ordergate/internal/util"
)

func main() {
	// Load config.
	cfgPath := "config/ordergate.yaml"
	if p := os.Getenv("ORDERGATE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	// Storage.
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = filepath.Join(cfg.Storage.DataDir, "ordergate.db")
	}
	if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("creating data dir: %v", err)
		}
	}
	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	rec := audit.NewStoreRecorder(st, logger)

	// Broker.
	var bkr broker.Broker
	switch cfg.Trading.Broker {
	case "", "simulator":
		bkr = broker.NewSimulator()
	case "alpaca":
		bkr = broker.NewAlpacaBroker(
			cfg.Alpaca.APIKey, cfg.Alpaca.APISecret,
			cfg.Alpaca.BaseURL, cfg.Alpaca.DataURL)
	default:
		log.Fatalf("unknown broker %q", cfg.Trading.Broker)
	}
	logger.Info("broker selected", "broker", bkr.Name())

	// Circuit breaker around the brokerage.
	brk := breaker.New(bkr.Name(), breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
		OnStateChange: func(name string, from, to breaker.State) {
			logger.Warn("circuit state change", "circuit", name, "from", from, "to", to)
		},
	})

	// Risk engine, then the queue feeding rate-limit signals back into it.
	rk := risk.NewEngine(cfg.Risk, rec, logger)

	queueOpts := []queue.Option{
		queue.WithOnRateLimited(rk.NoteRateLimited),
	}
	if cfg.Queue.MaxRetries > 0 {
		queueOpts = append(queueOpts, queue.WithDefaults(
			cfg.Queue.MaxRetries,
			time.Duration(cfg.Queue.RetryDelaySeconds)*time.Second))
	}
	if cfg.Queue.SubmitRatePerMin > 0 {
		queueOpts = append(queueOpts,
			queue.WithRateLimiter(util.NewRateLimiter(cfg.Queue.SubmitRatePerMin)))
	}
	q := queue.New(bkr, brk, st, rec, logger, queueOpts...)
	rk.SetSweepers(q, q)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if n, err := q.RestoreFromStore(ctx); err != nil {
		logger.Error("queue restore failed", "error", err)
	} else if n > 0 {
		logger.Info("restored open orders", "count", n)
	}

	o := oms.New(st, rk, q, bkr, rec, logger)

	// Background cadence: drain the queue and sync broker-side status.
	processEvery := time.Duration(cfg.Trading.ProcessIntervalSeconds) * time.Second
	if processEvery <= 0 {
		processEvery = 5 * time.Second
	}
	syncEvery := time.Duration(cfg.Trading.SyncIntervalSeconds) * time.Second
	if syncEvery <= 0 {
		syncEvery = 15 * time.Second
	}
	go runLoops(ctx, o, processEvery, syncEvery)

	// HTTP server.
	api := httpapi.NewServer(o, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}

	go func() {
		logger.Info("ordergate listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// runLoops drives queue processing and broker status sync until the context
// ends.
func runLoops(ctx context.Context, o *oms.OMS, processEvery, syncEvery time.Duration) {
	processTick := time.NewTicker(processEvery)
	defer processTick.Stop()
	syncTick := time.NewTicker(syncEvery)
	defer syncTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-processTick.C:
			o.ProcessQueue(ctx)
		case <-syncTick.C:
			if _, err := o.SyncOrderStatuses(ctx); err != nil {
				slog.Warn("status sync failed", "error", err)
			}
		}
	}
}
