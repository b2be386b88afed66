// Package sweeper runs the periodic SLA maintenance loop: breach detection,
// escalation of standing breaches, and approaching-breach warnings.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/avsafe/caseflow/internal/notify"
	"github.com/avsafe/caseflow/internal/sla"
	"github.com/avsafe/caseflow/internal/store"
	"github.com/avsafe/caseflow/pkg/schema"
)

// Config tunes the sweep cadence and warning windows.
type Config struct {
	// CronSchedule gates how often a full sweep runs, standard 5-field syntax.
	CronSchedule string
	// WarningDays is the approaching-breach window before the due date.
	WarningDays int
	// EscalationInterval is the minimum gap between repeat notifications for
	// a standing breach.
	EscalationInterval time.Duration
}

// DefaultConfig sweeps every five minutes, warns three days out, and
// re-escalates standing breaches daily.
func DefaultConfig() Config {
	return Config{
		CronSchedule:       "*/5 * * * *",
		WarningDays:        3,
		EscalationInterval: 24 * time.Hour,
	}
}

// Sweeper drives the SLA service on a cron cadence. Failures in one cycle
// are logged and retried on the next; the loop itself never dies on them.
type Sweeper struct {
	store  store.Store
	sla    *sla.Service
	sink   notify.Sink
	cfg    Config
	logger *slog.Logger

	schedule cron.Schedule
	nextRun  time.Time
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	sweepMu  sync.Mutex // serializes sweeps; a slow cycle must not overlap the next
	warnedMu sync.Mutex
	warned   map[string]struct{} // tracker IDs already warned this process lifetime
}

// NewSweeper creates a sweeper. The cron schedule is validated here so bad
// configuration fails at startup, not at the first tick.
func NewSweeper(s store.Store, slaSvc *sla.Service, sink notify.Sink, cfg Config, logger *slog.Logger) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.CronSchedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.CronSchedule, err)
	}
	return &Sweeper{
		store:    s,
		sla:      slaSvc,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		schedule: schedule,
		now:      func() time.Time { return time.Now().UTC() },
		warned:   make(map[string]struct{}),
	}, nil
}

// Start launches the background loop. The first sweep runs immediately so a
// restart never extends an already-overdue breach window.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("sweeper started", slog.String("schedule", s.cfg.CronSchedule))
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	// Run an initial sweep immediately.
	s.Sweep(ctx)
	s.nextRun = s.schedule.Next(s.now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if now := s.now(); !now.Before(s.nextRun) {
				s.Sweep(ctx)
				s.nextRun = s.schedule.Next(now)
			}
		}
	}
}

// Sweep runs one full maintenance cycle: record new breaches, escalate
// standing ones, warn on approaching due dates. Safe to call directly; the
// loop and any manual trigger serialize on the same mutex.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	s.sweepBreaches(ctx)
	s.sweepEscalations(ctx)
	s.sweepApproaching(ctx)
}

func (s *Sweeper) sweepBreaches(ctx context.Context) {
	result, err := s.sla.CheckForBreaches(ctx)
	if err != nil {
		s.logger.Error("breach sweep failed", slog.String("error", err.Error()))
		return
	}
	if result.Failed > 0 {
		s.logger.Error("breach sweep completed with failures",
			slog.Int("breached", len(result.Breached)),
			slog.Int("failed", result.Failed),
		)
	}
	for _, breach := range result.Breached {
		s.sink.NotifyBreach(ctx, breach, 0)
	}
}

// sweepEscalations re-notifies standing breaches whose last escalation is
// older than the configured interval.
func (s *Sweeper) sweepEscalations(ctx context.Context) {
	now := s.now()
	breached := schema.TrackerBreached
	trackers, err := s.store.ListTrackers(ctx, store.TrackerFilter{Status: &breached})
	if err != nil {
		s.logger.Error("escalation sweep failed", slog.String("error", err.Error()))
		return
	}

	for _, t := range trackers {
		// A breach that has never been escalated counts from the breach
		// itself, so the initial breach notification is not immediately
		// followed by an escalation for the same tracker.
		last := t.BreachedAt
		if t.LastEscalatedAt != nil {
			last = t.LastEscalatedAt
		}
		if last != nil && now.Sub(*last) < s.cfg.EscalationInterval {
			continue
		}
		if err := s.sla.IncrementEscalation(ctx, t.ID); err != nil {
			s.logger.Error("failed to escalate breach",
				slog.String("tracker_id", t.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		breachedAt := now
		if t.BreachedAt != nil {
			breachedAt = *t.BreachedAt
		}
		s.sink.NotifyBreach(ctx, schema.BreachResult{
			TrackerID:   t.ID,
			EntityType:  t.EntityType,
			EntityID:    t.EntityID,
			StateCode:   t.StateCode,
			DueAt:       t.DueAt,
			BreachedAt:  breachedAt,
			DaysOverdue: int(now.Sub(t.DueAt) / (24 * time.Hour)),
		}, t.EscalationCount+1)
	}
}

func (s *Sweeper) sweepApproaching(ctx context.Context) {
	infos, err := s.sla.GetApproachingBreaches(ctx, s.cfg.WarningDays)
	if err != nil {
		s.logger.Error("approaching-breach sweep failed", slog.String("error", err.Error()))
		return
	}
	for _, info := range infos {
		if !s.markWarned(info.TrackerID) {
			continue
		}
		s.sink.NotifyApproaching(ctx, info)
	}
}

// markWarned returns true the first time a tracker enters the warning
// window. Warnings repeat after a restart; that is acceptable for an
// advisory signal.
func (s *Sweeper) markWarned(trackerID string) bool {
	s.warnedMu.Lock()
	defer s.warnedMu.Unlock()
	if _, ok := s.warned[trackerID]; ok {
		return false
	}
	s.warned[trackerID] = struct{}{}
	return true
}

// Stop gracefully shuts down the sweeper.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("sweeper stopped")
	return nil
}
