package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/simfleet/topup/engine/config"
	"github.com/simfleet/topup/engine/events"
	"github.com/simfleet/topup/engine/locking"
	"github.com/simfleet/topup/engine/observability"
	"github.com/simfleet/topup/engine/provider"
	"github.com/simfleet/topup/engine/queue"
	"github.com/simfleet/topup/engine/recharge"
	"github.com/simfleet/topup/engine/retry"
	"github.com/simfleet/topup/engine/settlement"
)

// ServicePipeline is the service-specific half of a tick. The Worker owns
// everything the three services share: the lock, the queue, the retry loop
// and the settlement bookkeeping.
type ServicePipeline interface {
	Service() recharge.Service
	GetCandidates(ctx context.Context, now time.Time) ([]recharge.Candidate, error)
	Classify(candidates []recharge.Candidate, now time.Time) recharge.Classification
	Settle(ctx context.Context, items []recharge.PendingRecharge, opts settlement.Options) (settlement.Result, error)
	Config() config.ServiceConfig
	// UnitAmount resolves the money charged per recharge for this service's
	// product code, including per-code overrides.
	UnitAmount() float64
}

// TickSummary is what one tick reports when it ends.
type TickSummary struct {
	Service    recharge.Service `json:"service"`
	Outcome    string           `json:"outcome"`
	Candidates int              `json:"candidates"`
	ToRecharge int              `json:"to_recharge"`
	Grace      int              `json:"grace"`
	Stable     int              `json:"stable"`
	Succeeded  int              `json:"succeeded"`
	Failed     int              `json:"failed"`
	Duplicates int              `json:"duplicates"`
	QueueDepth int              `json:"queue_depth"`
	PendingIDs []string         `json:"pending_ids,omitempty"`
}

// Tick outcomes.
const (
	outcomeCompleted           = "completed"
	outcomeLockContention      = "lock_contention"
	outcomeRecoveryBlocked     = "recovery_blocked"
	outcomeNoCandidates        = "no_candidates"
	outcomeNoRecharges         = "no_recharges_needed"
	outcomeInsufficientBalance = "insufficient_balance"
	outcomeError               = "error"
)

// Worker runs one service's recharge pipeline. Workers of different
// services run in parallel; inside one worker everything is sequential.
type Worker struct {
	pipeline ServicePipeline
	locker   locking.Locker
	queue    queue.Store
	registry *provider.Registry
	policy   retry.Policy
	sink     events.Sink

	lockTTL        time.Duration
	interCallDelay time.Duration
	loc            *time.Location
	log            *logrus.Entry

	// sleep is context-aware and replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewWorker(
	pipeline ServicePipeline,
	locker locking.Locker,
	q queue.Store,
	registry *provider.Registry,
	policy retry.Policy,
	sink events.Sink,
	cfg *config.Config,
	log *logrus.Logger,
) *Worker {
	return &Worker{
		pipeline:       pipeline,
		locker:         locker,
		queue:          q,
		registry:       registry,
		policy:         policy,
		sink:           sink,
		lockTTL:        cfg.LockTTL,
		interCallDelay: cfg.InterCallDelay,
		loc:            cfg.Location,
		log:            log.WithFields(logrus.Fields{"component": "pipeline", "service": pipeline.Service()}),
		sleep:          ctxSleep,
	}
}

// Tick runs one scheduled execution for this worker's service.
func (w *Worker) Tick(ctx context.Context) {
	svc := w.pipeline.Service()
	started := time.Now()
	defer func() {
		observability.TickDuration.WithLabelValues(string(svc)).Observe(time.Since(started).Seconds())
	}()

	token, ok, err := w.locker.Acquire(ctx, svc.LockKey(), w.lockTTL)
	if err != nil {
		w.log.WithError(err).Error("lock acquire failed, tick aborted")
		observability.TicksTotal.WithLabelValues(string(svc), outcomeError).Inc()
		return
	}
	if !ok {
		w.log.Info("tick skipped: lock held elsewhere")
		observability.LockContentionTotal.WithLabelValues(string(svc)).Inc()
		observability.TicksTotal.WithLabelValues(string(svc), outcomeLockContention).Inc()
		w.sink.Publish(ctx, events.TopicLockContention, map[string]string{"service": string(svc)})
		return
	}
	defer func() {
		// Release on every exit path; the background context covers the
		// case where the tick's own context was what got cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.locker.Release(rctx, svc.LockKey(), token)
	}()

	w.sink.Publish(ctx, events.TopicTickStart, map[string]string{"service": string(svc)})
	summary := w.run(ctx, token, started)

	depth, _ := w.queue.Depth(ctx)
	summary.QueueDepth = depth
	observability.QueueDepth.WithLabelValues(string(svc)).Set(float64(depth))
	observability.TicksTotal.WithLabelValues(string(svc), summary.Outcome).Inc()
	w.sink.Publish(ctx, events.TopicTickSummary, summary)
	w.log.WithFields(logrus.Fields{
		"outcome":     summary.Outcome,
		"candidates":  summary.Candidates,
		"to_recharge": summary.ToRecharge,
		"grace":       summary.Grace,
		"stable":      summary.Stable,
		"succeeded":   summary.Succeeded,
		"failed":      summary.Failed,
		"duplicates":  summary.Duplicates,
		"queue_depth": summary.QueueDepth,
		"pending":     summary.PendingIDs,
	}).Info("tick finished")
}

// run executes the tick body while the lock is held.
func (w *Worker) run(ctx context.Context, token string, started time.Time) TickSummary {
	svc := w.pipeline.Service()
	summary := TickSummary{Service: svc}

	// Money already spent gets booked before any new money goes out.
	clean, err := w.Recover(ctx)
	if err != nil {
		w.log.WithError(err).Error("recovery failed")
	}
	if !clean {
		summary.Outcome = outcomeRecoveryBlocked
		summary.PendingIDs = w.pendingIDs(ctx)
		w.sink.Publish(ctx, events.TopicRecoveryBlocked, summary)
		return summary
	}

	now := time.Now().In(w.loc)
	candidates, err := w.pipeline.GetCandidates(ctx, now)
	if err != nil {
		w.log.WithError(err).Error("candidate selection failed")
		summary.Outcome = outcomeError
		return summary
	}
	summary.Candidates = len(candidates)
	if len(candidates) == 0 {
		summary.Outcome = outcomeNoCandidates
		return summary
	}

	cls := w.pipeline.Classify(candidates, now)
	summary.ToRecharge = len(cls.Recharge)
	summary.Grace = len(cls.Grace)
	summary.Stable = len(cls.Stable)
	observability.ClassifiedTotal.WithLabelValues(string(svc), "recharge").Add(float64(len(cls.Recharge)))
	observability.ClassifiedTotal.WithLabelValues(string(svc), "grace").Add(float64(len(cls.Grace)))
	observability.ClassifiedTotal.WithLabelValues(string(svc), "stable").Add(float64(len(cls.Stable)))

	if len(cls.Recharge) == 0 {
		summary.Outcome = outcomeNoRecharges
		return summary
	}

	svcCfg := w.pipeline.Config()
	unitAmount := w.pipeline.UnitAmount()
	providers, snapshots := w.registry.Eligible(ctx, unitAmount)
	for _, s := range snapshots {
		if s.Err == "" {
			observability.ProviderBalance.WithLabelValues(s.Name).Set(s.Balance)
		}
	}
	w.sink.Publish(ctx, events.TopicProviderBalances, snapshots)
	if len(providers) == 0 {
		w.log.WithField("unit_amount", unitAmount).Warn("no provider can cover the unit amount")
		summary.Outcome = outcomeInsufficientBalance
		return summary
	}

	var settled []recharge.PendingRecharge
	for i, cand := range cls.Recharge {
		if ctx.Err() != nil {
			break
		}

		noteCtx := recharge.NoteContext{
			CurrentIndex:    i + 1,
			TotalToRecharge: len(cls.Recharge),
			GraceCount:      len(cls.Grace),
			TotalCandidates: len(candidates),
		}
		item, ok := w.rechargeOne(ctx, cand, providers, svcCfg, unitAmount, noteCtx)
		if !ok {
			summary.Failed++
			continue
		}

		// The append must be durable before this device counts as done;
		// a provider charge without a queue entry is a lost settlement.
		if err := w.queue.Append(ctx, item); err != nil {
			w.log.WithError(err).WithFields(logrus.Fields{"sim": item.SIM, "folio": item.Folio}).
				Error("queue append failed after provider success; aborting device loop")
			summary.Failed++
			break
		}
		settled = append(settled, item)
		summary.Succeeded++

		if time.Since(started) > w.lockTTL/2 {
			if _, err := w.locker.Extend(ctx, svc.LockKey(), token, w.lockTTL); err != nil {
				w.log.WithError(err).Warn("lock extension failed")
			}
		}
		if w.interCallDelay > 0 && i < len(cls.Recharge)-1 {
			if err := w.sleep(ctx, w.interCallDelay); err != nil {
				break
			}
		}
	}

	if len(settled) > 0 {
		res, err := w.pipeline.Settle(ctx, settled, settlement.Options{})
		dup := w.applySettlement(ctx, settled, res, err)
		summary.Duplicates = dup
	}

	summary.Outcome = outcomeCompleted
	summary.PendingIDs = w.pendingIDs(ctx)
	return summary
}

// rechargeOne drives the attempt loop for a single device, including
// provider failover after the current provider's retry budget is spent.
func (w *Worker) rechargeOne(ctx context.Context, cand recharge.Candidate, providers []provider.Client, svcCfg config.ServiceConfig, unitAmount float64, noteCtx recharge.NoteContext) (recharge.PendingRecharge, bool) {
	svc := w.pipeline.Service()
	provIdx := 0
	attempt := 0

	for {
		prov := providers[provIdx]
		callStart := time.Now()
		res, err := prov.Recharge(ctx, cand.Device.SIM, svcCfg.ProductCode)
		observability.ProviderCallDuration.WithLabelValues(prov.Name()).Observe(time.Since(callStart).Seconds())

		if err == nil && res.Success {
			observability.ProviderCallsTotal.WithLabelValues(prov.Name(), "success").Inc()
			item := recharge.PendingRecharge{
				ID:                 uuid.New().String(),
				Service:            svc,
				SIM:                cand.Device.SIM,
				Provider:           prov.Name(),
				Amount:             unitAmount,
				ValidityDays:       svcCfg.ValidityDays,
				Folio:              res.Folio,
				TransID:            res.TransID,
				FinalBalance:       res.FinalBalance,
				Carrier:            res.Carrier,
				Timeout:            res.TimeoutObserved,
				IP:                 res.IP,
				Raw:                res.Raw,
				Device:             cand.Device,
				MinutesSinceReport: cand.MinutesSinceReport,
				Note:               noteCtx,
				Status:             recharge.StatusPendingDB,
				CreatedAt:          time.Now(),
			}
			w.sink.Publish(ctx, events.TopicRechargeSuccess, map[string]any{
				"service": svc, "sim": item.SIM, "folio": item.Folio, "provider": item.Provider,
			})
			return item, true
		}

		cat := retry.Categorize(err)
		attempt++
		observability.ProviderCallsTotal.WithLabelValues(prov.Name(), "failure").Inc()
		w.log.WithError(err).WithFields(logrus.Fields{
			"sim":      cand.Device.SIM,
			"provider": prov.Name(),
			"attempt":  attempt,
			"category": cat.String(),
		}).Warn("recharge call failed")

		decision := w.policy.Decide(cat, attempt)
		if decision.Retry {
			if err := w.sleep(ctx, decision.Delay); err != nil {
				return recharge.PendingRecharge{}, false
			}
			continue
		}

		// Budget spent on this provider. Transient failures earn a shot at
		// the next provider; business and fatal declines end the device.
		if (cat == retry.Retriable || cat == retry.RateLimited) && provIdx+1 < len(providers) {
			provIdx++
			attempt = 0
			w.log.WithField("provider", providers[provIdx].Name()).Info("provider failover")
			continue
		}

		w.sink.Publish(ctx, events.TopicRechargeFailure, map[string]any{
			"service": svc, "sim": cand.Device.SIM, "provider": prov.Name(), "category": cat.String(),
		})
		return recharge.PendingRecharge{}, false
	}
}

// applySettlement reconciles the queue with a settlement result and returns
// the duplicate count.
func (w *Worker) applySettlement(ctx context.Context, items []recharge.PendingRecharge, res settlement.Result, err error) int {
	svc := string(w.pipeline.Service())
	if err != nil {
		w.log.WithError(err).Error("settlement transaction failed; items left for recovery")
		for _, item := range items {
			observability.SettlementsTotal.WithLabelValues(svc, "insert_failed").Inc()
			if uerr := w.queue.Update(ctx, item.ID, func(p *recharge.PendingRecharge) {
				p.Status = recharge.StatusInsertFailed
				p.Attempts++
			}); uerr != nil {
				w.log.WithError(uerr).WithField("id", item.ID).Error("queue update failed")
			}
		}
		return 0
	}

	for _, id := range res.Settled {
		observability.SettlementsTotal.WithLabelValues(svc, "settled").Inc()
		if rerr := w.queue.Remove(ctx, id); rerr != nil {
			w.log.WithError(rerr).WithField("id", id).Error("queue remove failed for settled item")
		}
	}
	for _, id := range res.Duplicates {
		observability.SettlementsTotal.WithLabelValues(svc, "duplicate").Inc()
		if rerr := w.queue.Remove(ctx, id); rerr != nil {
			w.log.WithError(rerr).WithField("id", id).Error("queue remove failed for duplicate item")
		}
	}
	for _, id := range res.Unverified {
		observability.SettlementsTotal.WithLabelValues(svc, "verify_failed").Inc()
		if uerr := w.queue.Update(ctx, id, func(p *recharge.PendingRecharge) {
			p.Status = recharge.StatusVerifyFailed
			p.Attempts++
		}); uerr != nil {
			w.log.WithError(uerr).WithField("id", id).Error("queue update failed")
		}
	}
	return len(res.Duplicates)
}

func (w *Worker) pendingIDs(ctx context.Context) []string {
	items, err := w.queue.Snapshot(ctx)
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
