// Package scheduler runs the payment matcher on its configured interval and the reminder
// sweep once a day.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/minipass/reconciler/internal/matcher"
	"github.com/minipass/reconciler/internal/reminder"
	"github.com/minipass/reconciler/internal/settings"
	"github.com/minipass/reconciler/pkg/logger"
)

// retryInterval is used when the matcher settings cannot be read.
const retryInterval = 5 * time.Minute

type PaymentJob interface {
	RunCycle(ctx context.Context, opts matcher.RunOptions) (*matcher.CycleReport, error)
}

type ReminderJob interface {
	Sweep(ctx context.Context, opts reminder.SweepOptions) (*reminder.SweepReport, error)
}

type MatcherSettings interface {
	Matcher(ctx context.Context) (settings.MatcherSettings, error)
}

type Scheduler struct {
	logger    *logger.Logger
	settings  MatcherSettings
	payments  PaymentJob
	reminders ReminderJob

	location     *time.Location
	reminderHour int
	now          func() time.Time

	wg sync.WaitGroup
}

func New(
	logger *logger.Logger,
	settings MatcherSettings,
	payments PaymentJob,
	reminders ReminderJob,
	location *time.Location,
	reminderHour int,
) *Scheduler {
	if location == nil {
		location = time.UTC
	}
	return &Scheduler{
		logger:       logger,
		settings:     settings,
		payments:     payments,
		reminders:    reminders,
		location:     location,
		reminderHour: reminderHour,
		now:          time.Now,
	}
}

// Start launches both jobs. They stop when ctx is cancelled; Wait blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.paymentLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.reminderLoop(ctx)
	}()
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) paymentLoop(ctx context.Context) {
	interval := s.paymentInterval(ctx)
	for {
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		interval = s.runPayments(ctx)
	}
}

func (s *Scheduler) paymentInterval(ctx context.Context) time.Duration {
	cfg, err := s.settings.Matcher(ctx)
	if err != nil {
		return retryInterval
	}
	return cfg.Interval
}

// runPayments runs one matching cycle when the bot is enabled and returns the delay until
// the next one. Settings are re-read on every tick so edits apply without a restart.
func (s *Scheduler) runPayments(ctx context.Context) time.Duration {
	cfg, err := s.settings.Matcher(ctx)
	if err != nil {
		s.logger.Error("Payment matcher not started, invalid configuration", "error", err)
		return retryInterval
	}
	if !cfg.Enabled {
		s.logger.Debug("Payment matcher disabled")
		return cfg.Interval
	}
	s.safeCall(func() {
		if _, err := s.payments.RunCycle(ctx, matcher.RunOptions{}); err != nil {
			s.logger.Error("Payment matching cycle failed", "error", err)
		}
	}, "paymentCycle")
	return cfg.Interval
}

func (s *Scheduler) reminderLoop(ctx context.Context) {
	for {
		now := s.now()
		next := nextDailyRun(now, s.reminderHour, s.location)
		s.logger.Debug("Next reminder sweep scheduled", "at", next)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.runReminders(ctx)
	}
}

func (s *Scheduler) runReminders(ctx context.Context) {
	s.safeCall(func() {
		if _, err := s.reminders.Sweep(ctx, reminder.SweepOptions{}); err != nil {
			s.logger.Error("Reminder sweep failed", "error", err)
		}
	}, "reminderSweep")
}

// nextDailyRun returns the first instant strictly after now at hour:00 local time.
func nextDailyRun(now time.Time, hour int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, loc)
	}
	return next
}

// safeCall runs a function with panic recovery
func (s *Scheduler) safeCall(fn func(), context string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}
