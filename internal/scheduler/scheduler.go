// Package scheduler keeps one recurring timer per monitored target and turns
// each tick into a check run followed by result processing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/webguard/internal/domain"
	"github.com/hamed0406/webguard/internal/engine"
	"github.com/hamed0406/webguard/internal/obs"
	"github.com/hamed0406/webguard/internal/repo"
)

type TargetReader interface {
	GetTarget(ctx context.Context, id domain.TargetID) (*domain.Target, error)
	ListTargets(ctx context.Context, enabledOnly bool) ([]domain.Target, error)
}

type Checker interface {
	RunChecks(ctx context.Context, t domain.Target, opt engine.Options) domain.Results
}

type ResultProcessor interface {
	ProcessResults(ctx context.Context, t domain.Target, res domain.Results) []Alert
}

type Config struct {
	Targets     TargetReader
	Engine      Checker
	Alerter     ResultProcessor
	Timers      Timers
	MinInterval time.Duration
	Logger      *zap.Logger
}

type Scheduler struct {
	targets TargetReader
	engine  Checker
	alerter ResultProcessor
	timers  Timers
	min     time.Duration
	log     *zap.Logger
}

const DefaultMinInterval = 60 * time.Second

func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Timers == nil {
		cfg.Timers = NewTickerPool(32, cfg.Logger)
	}
	return &Scheduler{
		targets: cfg.Targets,
		engine:  cfg.Engine,
		alerter: cfg.Alerter,
		timers:  cfg.Timers,
		min:     cfg.MinInterval,
		log:     cfg.Logger.With(zap.String("component", "scheduler")),
	}
}

func timerKey(id domain.TargetID) string { return fmt.Sprintf("target:%d", id) }

// Schedule installs or replaces the timer for id. Disabled targets are left
// alone.
func (s *Scheduler) Schedule(ctx context.Context, id domain.TargetID) error {
	t, err := s.targets.GetTarget(ctx, id)
	if err != nil {
		return fmt.Errorf("schedule target %d: %w", id, err)
	}
	return s.schedule(*t)
}

func (s *Scheduler) schedule(t domain.Target) error {
	if !t.MonitoringEnabled {
		s.log.Debug("schedule_skipped_disabled", zap.Int64("target_id", int64(t.ID)))
		return nil
	}
	interval := t.Interval(s.min)
	if err := s.timers.Schedule(timerKey(t.ID), interval, s.tick(t.ID)); err != nil {
		return fmt.Errorf("schedule target %d: %w", t.ID, err)
	}
	s.log.Info("target_scheduled",
		zap.Int64("target_id", int64(t.ID)),
		zap.String("url", t.URL),
		zap.Duration("interval", interval),
	)
	return nil
}

// Unschedule stops future ticks for id. Unknown ids are a no-op.
func (s *Scheduler) Unschedule(id domain.TargetID) {
	if !s.timers.Cancel(timerKey(id)) {
		s.log.Debug("unschedule_not_scheduled", zap.Int64("target_id", int64(id)))
		return
	}
	s.log.Info("target_unscheduled", zap.Int64("target_id", int64(id)))
}

// ScheduleAll rebuilds the schedule from the enabled targets in the store.
// Individual failures are logged and do not stop the rest.
func (s *Scheduler) ScheduleAll(ctx context.Context) (int, error) {
	ts, err := s.targets.ListTargets(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("list targets: %w", err)
	}
	n := 0
	for _, t := range ts {
		if err := s.schedule(t); err != nil {
			s.log.Warn("schedule_all_target_error", zap.Int64("target_id", int64(t.ID)), zap.Error(err))
			continue
		}
		n++
	}
	s.log.Info("schedule_all_done", zap.Int("scheduled", n), zap.Int("enabled", len(ts)))
	return n, nil
}

// tick re-reads the target so deletion or disabling between ticks is seen.
func (s *Scheduler) tick(id domain.TargetID) func(ctx context.Context) {
	return func(ctx context.Context) {
		start := time.Now()
		log := s.log.With(zap.Int64("target_id", int64(id)))
		defer func() {
			if r := recover(); r != nil {
				obs.TickPanics.Inc()
				log.Error("scheduler_tick_panic", zap.Any("panic", r))
			}
		}()

		t, err := s.targets.GetTarget(ctx, id)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			log.Info("tick_target_gone")
			s.Unschedule(id)
			return
		case err != nil:
			log.Warn("tick_target_lookup_error", zap.Error(err))
			return
		case !t.MonitoringEnabled:
			log.Debug("tick_target_disabled")
			return
		}

		res := s.engine.RunChecks(ctx, *t, engine.OptionsFor(*t))
		alerts := s.alerter.ProcessResults(ctx, *t, res)

		obs.TickDuration.Observe(time.Since(start).Seconds())
		log.Debug("tick_done",
			zap.String("uptime", string(res.Uptime.Status)),
			zap.Int("alerts", len(alerts)),
			zap.Bool("degraded", res.Degraded()),
		)
	}
}

// Shutdown stops all timers and waits for in-flight ticks within ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	err := s.timers.Shutdown(ctx)
	if err != nil {
		s.log.Warn("scheduler_shutdown", zap.Error(err))
	} else {
		s.log.Info("scheduler_stopped")
	}
	return err
}
