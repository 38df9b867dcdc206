package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minipass/reconciler/internal/matcher"
	"github.com/minipass/reconciler/internal/reminder"
	"github.com/minipass/reconciler/internal/settings"
	"github.com/minipass/reconciler/pkg/logger"
)

type fakeSettings struct {
	cfg settings.MatcherSettings
	err error
}

func (f *fakeSettings) Matcher(context.Context) (settings.MatcherSettings, error) {
	return f.cfg, f.err
}

type fakePayments struct {
	calls atomic.Int32
	panic bool
}

func (f *fakePayments) RunCycle(context.Context, matcher.RunOptions) (*matcher.CycleReport, error) {
	f.calls.Add(1)
	if f.panic {
		panic("boom")
	}
	return &matcher.CycleReport{}, nil
}

type fakeReminders struct {
	calls atomic.Int32
}

func (f *fakeReminders) Sweep(context.Context, reminder.SweepOptions) (*reminder.SweepReport, error) {
	f.calls.Add(1)
	return &reminder.SweepReport{}, errors.New("smtp down")
}

func TestRunPaymentsHonoursEnabledFlag(t *testing.T) {
	cfg := &fakeSettings{cfg: settings.MatcherSettings{Enabled: false, Interval: 30 * time.Minute}}
	jobs := &fakePayments{}
	s := New(logger.NewNop(), cfg, jobs, &fakeReminders{}, time.UTC, 9)
	ctx := context.Background()

	if got := s.runPayments(ctx); got != 30*time.Minute {
		t.Errorf("interval = %v", got)
	}
	if jobs.calls.Load() != 0 {
		t.Error("disabled matcher ran")
	}

	cfg.cfg.Enabled = true
	cfg.cfg.Interval = 10 * time.Minute
	if got := s.runPayments(ctx); got != 10*time.Minute {
		t.Errorf("interval = %v", got)
	}
	if jobs.calls.Load() != 1 {
		t.Errorf("calls = %d", jobs.calls.Load())
	}

	cfg.err = settings.ErrInvalidSetting
	if got := s.runPayments(ctx); got != retryInterval {
		t.Errorf("invalid settings interval = %v", got)
	}
	if jobs.calls.Load() != 1 {
		t.Error("cycle ran with invalid settings")
	}
}

func TestJobPanicsAreRecovered(t *testing.T) {
	cfg := &fakeSettings{cfg: settings.MatcherSettings{Enabled: true, Interval: time.Minute}}
	jobs := &fakePayments{panic: true}
	reminders := &fakeReminders{}
	s := New(logger.NewNop(), cfg, jobs, reminders, time.UTC, 9)

	s.runPayments(context.Background())
	s.runReminders(context.Background())
	if jobs.calls.Load() != 1 || reminders.calls.Load() != 1 {
		t.Error("jobs not invoked")
	}
}

func TestNextDailyRun(t *testing.T) {
	toronto, err := time.LoadLocation("America/Toronto")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before hour", time.Date(2025, 10, 14, 7, 30, 0, 0, toronto), time.Date(2025, 10, 14, 9, 0, 0, 0, toronto)},
		{"exactly at hour", time.Date(2025, 10, 14, 9, 0, 0, 0, toronto), time.Date(2025, 10, 15, 9, 0, 0, 0, toronto)},
		{"after hour", time.Date(2025, 10, 14, 22, 0, 0, 0, toronto), time.Date(2025, 10, 15, 9, 0, 0, 0, toronto)},
		{"utc input", time.Date(2025, 10, 14, 14, 0, 0, 0, time.UTC), time.Date(2025, 10, 15, 9, 0, 0, 0, toronto)},
		{"dst end", time.Date(2025, 11, 1, 10, 0, 0, 0, toronto), time.Date(2025, 11, 2, 9, 0, 0, 0, toronto)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextDailyRun(tt.now, 9, toronto); !got.Equal(tt.want) {
				t.Errorf("nextDailyRun = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	cfg := &fakeSettings{cfg: settings.MatcherSettings{Enabled: true, Interval: time.Hour}}
	s := New(logger.NewNop(), cfg, &fakePayments{}, &fakeReminders{}, time.UTC, 9)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
