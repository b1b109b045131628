package main

import (
	"context"

	"github.com/samber/lo"

	"github.com/simfleet/topup/engine/observability"
	"github.com/simfleet/topup/engine/recharge"
	"github.com/simfleet/topup/engine/settlement"
)

// Recover drains this service's pending queue by settling everything in it.
// It returns clean=true only when the queue ended empty; until then the
// pipeline refuses to spend new money. The caller must hold the service
// lock.
func (w *Worker) Recover(ctx context.Context) (clean bool, err error) {
	svc := string(w.pipeline.Service())

	snapshot, err := w.queue.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	items := lo.Filter(snapshot, func(p recharge.PendingRecharge, _ int) bool {
		return statusNeedsRecovery(p.Status)
	})
	if len(items) == 0 {
		return true, nil
	}

	w.log.WithField("pending", len(items)).Info("recovery: settling pending charges")
	res, serr := w.pipeline.Settle(ctx, items, settlement.Options{Recovery: true})
	w.applySettlement(ctx, items, res, serr)

	depth, derr := w.queue.Depth(ctx)
	if derr != nil {
		return false, derr
	}
	if depth == 0 {
		observability.RecoveryRunsTotal.WithLabelValues(svc, "clean").Inc()
		return true, serr
	}
	observability.RecoveryRunsTotal.WithLabelValues(svc, "blocked").Inc()
	w.log.WithField("remaining", depth).Warn("recovery left items pending; new recharges are blocked")
	return false, serr
}

// RecoverStandalone acquires the service lock just long enough to run
// recovery. It is used once at process start, before any scheduling.
func (w *Worker) RecoverStandalone(ctx context.Context) {
	svc := w.pipeline.Service()

	token, ok, err := w.locker.Acquire(ctx, svc.LockKey(), w.lockTTL)
	if err != nil {
		w.log.WithError(err).Error("startup recovery: lock acquire failed")
		return
	}
	if !ok {
		w.log.Info("startup recovery skipped: lock held elsewhere")
		return
	}
	defer w.locker.Release(ctx, svc.LockKey(), token)

	if _, err := w.Recover(ctx); err != nil {
		w.log.WithError(err).Error("startup recovery failed")
	}
}

// statusNeedsRecovery reports whether a queue item is waiting on the system
// of record. Every persisted status qualifies; the helper exists so the
// pipeline reads as the contract does.
func statusNeedsRecovery(s recharge.Status) bool {
	switch s {
	case recharge.StatusPendingDB, recharge.StatusInsertFailed, recharge.StatusVerifyFailed:
		return true
	}
	return false
}
