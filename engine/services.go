package main

import (
	"context"
	"time"

	"github.com/simfleet/topup/engine/config"
	"github.com/simfleet/topup/engine/recharge"
	"github.com/simfleet/topup/engine/selector"
	"github.com/simfleet/topup/engine/settlement"
)

// The three ServicePipeline implementations. Each binds its selector, its
// config block and the shared settlement writer; behavioral differences
// between the classes live here, not in the Worker.

type gpsPipeline struct {
	sel     selector.Selector
	writer  *settlement.Writer
	cfg     config.ServiceConfig
	amounts *config.Config
	loc     *time.Location
	actor   string
}

func (p *gpsPipeline) Service() recharge.Service { return recharge.ServiceGPS }

func (p *gpsPipeline) GetCandidates(ctx context.Context, now time.Time) ([]recharge.Candidate, error) {
	return p.sel.Candidates(ctx, now)
}

func (p *gpsPipeline) Classify(candidates []recharge.Candidate, now time.Time) recharge.Classification {
	return recharge.Classify(candidates, recharge.Thresholds{
		MinutesThreshold: p.cfg.MinutesThreshold,
		Now:              now,
		EndOfToday:       recharge.EndOfDay(now, p.loc),
	})
}

func (p *gpsPipeline) Settle(ctx context.Context, items []recharge.PendingRecharge, opts settlement.Options) (settlement.Result, error) {
	opts.Actor = p.actor
	return p.writer.Settle(ctx, recharge.ServiceGPS, items, opts)
}

func (p *gpsPipeline) Config() config.ServiceConfig { return p.cfg }

func (p *gpsPipeline) UnitAmount() float64 {
	return p.amounts.UnitAmount(recharge.ServiceGPS, p.cfg.ProductCode)
}

// vozPipeline: voice lines carry no reporting signal, so every expired line
// recharges; the classifier still runs to keep the stable split.
type vozPipeline struct {
	sel     selector.Selector
	writer  *settlement.Writer
	cfg     config.ServiceConfig
	amounts *config.Config
	loc     *time.Location
	actor   string
}

func (p *vozPipeline) Service() recharge.Service { return recharge.ServiceVOZ }

func (p *vozPipeline) GetCandidates(ctx context.Context, now time.Time) ([]recharge.Candidate, error) {
	return p.sel.Candidates(ctx, now)
}

func (p *vozPipeline) Classify(candidates []recharge.Candidate, now time.Time) recharge.Classification {
	// Candidates carry NoReportData, so no voice line ever lands in grace.
	return recharge.Classify(candidates, recharge.Thresholds{
		MinutesThreshold: p.cfg.MinutesThreshold,
		Now:              now,
		EndOfToday:       recharge.EndOfDay(now, p.loc),
	})
}

func (p *vozPipeline) Settle(ctx context.Context, items []recharge.PendingRecharge, opts settlement.Options) (settlement.Result, error) {
	opts.Actor = p.actor
	return p.writer.Settle(ctx, recharge.ServiceVOZ, items, opts)
}

func (p *vozPipeline) Config() config.ServiceConfig { return p.cfg }

// Voice is where per-code amounts matter: the package price varies by
// product code, so the resolver is consulted on every tick.
func (p *vozPipeline) UnitAmount() float64 {
	return p.amounts.UnitAmount(recharge.ServiceVOZ, p.cfg.ProductCode)
}

type eliotPipeline struct {
	sel     selector.Selector
	writer  *settlement.Writer
	cfg     config.ServiceConfig
	amounts *config.Config
	loc     *time.Location
	actor   string
}

func (p *eliotPipeline) Service() recharge.Service { return recharge.ServiceELIOT }

func (p *eliotPipeline) GetCandidates(ctx context.Context, now time.Time) ([]recharge.Candidate, error) {
	return p.sel.Candidates(ctx, now)
}

func (p *eliotPipeline) Classify(candidates []recharge.Candidate, now time.Time) recharge.Classification {
	return recharge.Classify(candidates, recharge.Thresholds{
		MinutesThreshold: p.cfg.MinutesThreshold,
		Now:              now,
		EndOfToday:       recharge.EndOfDay(now, p.loc),
	})
}

func (p *eliotPipeline) Settle(ctx context.Context, items []recharge.PendingRecharge, opts settlement.Options) (settlement.Result, error) {
	opts.Actor = p.actor
	return p.writer.Settle(ctx, recharge.ServiceELIOT, items, opts)
}

func (p *eliotPipeline) Config() config.ServiceConfig { return p.cfg }

func (p *eliotPipeline) UnitAmount() float64 {
	return p.amounts.UnitAmount(recharge.ServiceELIOT, p.cfg.ProductCode)
}
