package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/simfleet/topup/engine/config"
	"github.com/simfleet/topup/engine/events"
	"github.com/simfleet/topup/engine/locking"
	"github.com/simfleet/topup/engine/observability"
	"github.com/simfleet/topup/engine/provider"
	"github.com/simfleet/topup/engine/queue"
	"github.com/simfleet/topup/engine/recharge"
	"github.com/simfleet/topup/engine/retry"
	"github.com/simfleet/topup/engine/scheduler"
	"github.com/simfleet/topup/engine/selector"
	"github.com/simfleet/topup/engine/settlement"
	"github.com/simfleet/topup/engine/store"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("configuration invalid")
	}
	if level, perr := logrus.ParseLevel(cfg.LogLevel); perr == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, log)
	if err != nil {
		log.WithError(err).Fatal("postgres unavailable")
	}
	defer pool.Close()

	redisClient, err := store.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, log)
	if err != nil {
		log.WithError(err).Fatal("redis unavailable")
	}
	defer redisClient.Close()

	hub := events.NewHub(log)
	sink := events.NewMultiSink(events.NewLogSink(log), hub)
	locker := locking.NewRedisLocker(redisClient, log)
	writer := settlement.NewWriter(settlement.NewPostgresDB(pool), cfg.Location, log)
	policy := retry.Default()

	clients := make([]provider.Client, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		clients = append(clients, provider.NewHTTPClient(provider.Config{
			Name:           pc.Name,
			BaseURL:        pc.RechargeURL,
			BalanceURL:     pc.BalanceURL,
			User:           pc.User,
			Password:       pc.Password,
			Timeout:        cfg.ProviderTimeout,
			CallsPerMinute: pc.CallsPerMinute,
		}, log))
	}
	registry := provider.NewRegistry(clients, store.NewLookupCache(), log)

	onCorrupt := func(svc recharge.Service, quarantined string, parseErr error) {
		observability.QueueCorruptionsTotal.WithLabelValues(string(svc)).Inc()
		sink.Publish(ctx, events.TopicQueueCorruption, map[string]string{
			"service": string(svc), "quarantined": quarantined, "error": parseErr.Error(),
		})
	}
	newQueue := func(svc recharge.Service) queue.Store {
		q, qerr := queue.NewFileStore(cfg.QueueDir, svc, log, onCorrupt)
		if qerr != nil {
			log.WithError(qerr).WithField("service", svc).Fatal("queue store unavailable")
		}
		return q
	}

	var metricsSource selector.MetricsSource = noMetrics{}
	if cfg.EliotMetricsURL != "" {
		metricsSource = selector.NewHTTPMetricsSource(cfg.EliotMetricsURL, 5*time.Second)
	}

	gpsSel := selector.NewGPSSelector(pool, selector.Params{
		SuppressionDays: cfg.GPS.SuppressionDays,
		ActivityCapDays: cfg.GPS.ActivityCapDays,
		Location:        cfg.Location,
		ExtraBlocked:    cfg.BlocklistExtra,
	}, log)
	vozSel := selector.NewVOZSelector(pool, selector.Params{
		SuppressionDays: cfg.VOZ.SuppressionDays,
		Location:        cfg.Location,
		ExtraBlocked:    cfg.BlocklistExtra,
	}, log)
	eliotSel := selector.NewELIOTSelector(pool, metricsSource, selector.Params{
		SuppressionDays: cfg.ELIOT.SuppressionDays,
		ActivityCapDays: cfg.ELIOT.ActivityCapDays,
		Location:        cfg.Location,
		ExtraBlocked:    cfg.BlocklistExtra,
	}, log)

	workers := Workers{
		GPS: NewWorker(
			&gpsPipeline{sel: gpsSel, writer: writer, cfg: cfg.GPS, amounts: cfg, loc: cfg.Location, actor: cfg.Actor},
			locker, newQueue(recharge.ServiceGPS), registry, policy, sink, cfg, log,
		),
		VOZ: NewWorker(
			&vozPipeline{sel: vozSel, writer: writer, cfg: cfg.VOZ, amounts: cfg, loc: cfg.Location, actor: cfg.Actor},
			locker, newQueue(recharge.ServiceVOZ), registry, policy, sink, cfg, log,
		),
		ELIOT: NewWorker(
			&eliotPipeline{sel: eliotSel, writer: writer, cfg: cfg.ELIOT, amounts: cfg, loc: cfg.Location, actor: cfg.Actor},
			locker, newQueue(recharge.ServiceELIOT), registry, policy, sink, cfg, log,
		),
	}

	orch := NewOrchestrator(scheduler.New(cfg.Location, log), sink, workers, cfg, log)
	if err := orch.Start(ctx); err != nil {
		log.WithError(err).Fatal("orchestrator start failed")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/events", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	log.WithField("addr", cfg.MetricsAddr).Info("engine running")

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	orch.Stop()
}

// noMetrics is the metrics source used when no time-series store is
// configured: every endpoint reads as never having reported.
type noMetrics struct{}

func (noMetrics) LastMetric(ctx context.Context, uuid string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
