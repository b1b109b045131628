// Package scheduler fires the per-service recharge ticks on wall-clock
// schedules in a fixed operational timezone.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/simfleet/topup/engine/recharge"
)

// Mode selects the schedule form.
type Mode string

const (
	// ModeInterval fires every N minutes aligned to round wall-clock
	// boundaries (N=10 fires at HH:00, HH:10, ...).
	ModeInterval Mode = "interval"
	// ModeFixed fires at specific times of day.
	ModeFixed Mode = "fixed"
)

// Schedule describes when one service ticks.
type Schedule struct {
	Mode         Mode
	EveryMinutes int
	// FixedTimes holds "HH:MM" entries for ModeFixed.
	FixedTimes []string
}

// CronSpec renders the schedule as a cron expression. Interval schedules use
// the step form, which cron aligns to round boundaries.
func (s Schedule) CronSpec() (string, error) {
	switch s.Mode {
	case ModeInterval:
		if s.EveryMinutes < 1 || s.EveryMinutes > 59 {
			return "", fmt.Errorf("interval minutes out of range: %d", s.EveryMinutes)
		}
		return fmt.Sprintf("*/%d * * * *", s.EveryMinutes), nil
	case ModeFixed:
		if len(s.FixedTimes) == 0 {
			return "", fmt.Errorf("fixed schedule without times")
		}
		type hm struct{ h, m int }
		var times []hm
		for _, raw := range s.FixedTimes {
			parts := strings.Split(strings.TrimSpace(raw), ":")
			if len(parts) != 2 {
				return "", fmt.Errorf("bad fixed time %q", raw)
			}
			h, err := strconv.Atoi(parts[0])
			if err != nil || h < 0 || h > 23 {
				return "", fmt.Errorf("bad hour in %q", raw)
			}
			m, err := strconv.Atoi(parts[1])
			if err != nil || m < 0 || m > 59 {
				return "", fmt.Errorf("bad minute in %q", raw)
			}
			times = append(times, hm{h, m})
		}
		// All times must share a minute for a single cron entry; the
		// operational schedules (01:00, 04:00) do.
		minute := times[0].m
		var hours []string
		for _, t := range times {
			if t.m != minute {
				return "", fmt.Errorf("fixed times must share the minute: %v", s.FixedTimes)
			}
			hours = append(hours, strconv.Itoa(t.h))
		}
		return fmt.Sprintf("%d %s * * *", minute, strings.Join(hours, ",")), nil
	}
	return "", fmt.Errorf("unknown schedule mode %q", s.Mode)
}

// Scheduler owns the cron runner. Each registered service gets its own
// entry; an entry that fires while its previous run is still going is
// skipped, not queued.
type Scheduler struct {
	cron *cron.Cron
	loc  *time.Location
	log  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
}

func New(loc *time.Location, log *logrus.Logger) *Scheduler {
	entry := log.WithField("component", "scheduler")
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{entry})),
		),
		loc: loc,
		log: entry,
	}
}

// Register adds one service's schedule. The handler receives a context that
// is cancelled when the scheduler stops.
func (s *Scheduler) Register(svc recharge.Service, sched Schedule, handler func(context.Context)) error {
	spec, err := sched.CronSpec()
	if err != nil {
		return fmt.Errorf("schedule for %s: %w", svc, err)
	}
	_, err = s.cron.AddFunc(spec, func() {
		if s.ctx == nil || s.ctx.Err() != nil {
			return
		}
		handler(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("register %s (%q): %w", svc, spec, err)
	}
	s.log.WithFields(logrus.Fields{"service": svc, "spec": spec}).Info("schedule registered")
	return nil
}

// Start begins firing ticks.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
}

// Stop fires no new ticks and waits for in-flight handlers to finish.
func (s *Scheduler) Stop() {
	stopped := s.cron.Stop()
	<-stopped.Done()
	if s.cancel != nil {
		s.cancel()
	}
}

// cronLogger adapts logrus to cron's logger; it only ever logs skips and
// internal errors.
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.entry.WithField("detail", fmt.Sprint(kv...)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.entry.WithError(err).WithField("detail", fmt.Sprint(kv...)).Error(msg)
}
