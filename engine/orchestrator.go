package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/simfleet/topup/engine/config"
	"github.com/simfleet/topup/engine/events"
	"github.com/simfleet/topup/engine/recharge"
	"github.com/simfleet/topup/engine/scheduler"
)

// Workers holds one worker per service class. The set is closed, so this is
// a fixed record rather than a keyed collection.
type Workers struct {
	GPS   *Worker
	VOZ   *Worker
	ELIOT *Worker
}

// ForEach visits the workers in the fixed service order.
func (ws Workers) ForEach(fn func(*Worker)) {
	fn(ws.GPS)
	fn(ws.VOZ)
	fn(ws.ELIOT)
}

// Orchestrator owns the scheduler, the event sink and the three workers.
// Workers borrow the lock client, queue stores and provider clients wired
// in main; the orchestrator only controls their lifecycle.
type Orchestrator struct {
	sched   *scheduler.Scheduler
	sink    events.Sink
	workers Workers
	cfg     *config.Config
	log     *logrus.Entry
}

func NewOrchestrator(sched *scheduler.Scheduler, sink events.Sink, workers Workers, cfg *config.Config, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		sched:   sched,
		sink:    sink,
		workers: workers,
		cfg:     cfg,
		log:     log.WithField("component", "orchestrator"),
	}
}

// Start runs startup recovery for every service, registers the schedules
// and begins ticking.
func (o *Orchestrator) Start(ctx context.Context) error {
	// Queues left over from a crash are settled before the first tick can
	// fire; each service recovers under its own lock.
	o.workers.ForEach(func(w *Worker) {
		w.RecoverStandalone(ctx)
	})

	if err := o.sched.Register(recharge.ServiceGPS, scheduler.Schedule{
		Mode:         scheduler.ModeInterval,
		EveryMinutes: o.cfg.GPS.MinutesThreshold,
	}, o.workers.GPS.Tick); err != nil {
		return err
	}

	vozSchedule := scheduler.Schedule{Mode: scheduler.ModeFixed, FixedTimes: o.cfg.VOZ.FixedTimes}
	if o.cfg.VOZ.ScheduleMode == string(scheduler.ModeInterval) {
		vozSchedule = scheduler.Schedule{Mode: scheduler.ModeInterval, EveryMinutes: o.cfg.VOZ.MinutesThreshold}
	}
	if err := o.sched.Register(recharge.ServiceVOZ, vozSchedule, o.workers.VOZ.Tick); err != nil {
		return err
	}

	if err := o.sched.Register(recharge.ServiceELIOT, scheduler.Schedule{
		Mode:         scheduler.ModeInterval,
		EveryMinutes: o.cfg.ELIOT.MinutesThreshold,
	}, o.workers.ELIOT.Tick); err != nil {
		return err
	}

	o.sched.Start(ctx)
	o.log.Info("orchestrator started")
	return nil
}

// Stop fires no new ticks, waits for in-flight ones and closes the sink.
func (o *Orchestrator) Stop() {
	o.sched.Stop()
	o.sink.Close()
	o.log.Info("orchestrator stopped")
}
