// Package reminder sends late-payment reminders for passports that stay unpaid past the
// grace period.
package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/minipass/reconciler/internal/metrics"
	"github.com/minipass/reconciler/internal/models"
	"github.com/minipass/reconciler/internal/settings"
	"github.com/minipass/reconciler/pkg/logger"
)

const JobName = "send_reminders"

type SettingsSource interface {
	Reminder(ctx context.Context) (settings.ReminderSettings, error)
}

type Store interface {
	models.PassportRepository
	models.UserRepository
	models.ActivityRepository
	models.ReminderRepository
}

type Sweeper struct {
	logger   *logger.Logger
	settings SettingsSource
	store    Store
	email    models.EmailGateway
	metrics  metrics.Recorder
	location *time.Location
	now      func() time.Time
}

// New builds a sweeper. ReminderLog days are calendar days in location.
func New(
	logger *logger.Logger,
	settings SettingsSource,
	store Store,
	email models.EmailGateway,
	recorder metrics.Recorder,
	location *time.Location,
) *Sweeper {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if location == nil {
		location = time.UTC
	}
	return &Sweeper{
		logger:   logger,
		settings: settings,
		store:    store,
		email:    email,
		metrics:  recorder,
		location: location,
		now:      time.Now,
	}
}

type SweepOptions struct {
	// Force ignores the reminder interval. At most one ReminderLog row per passport and
	// day is still written.
	Force  bool
	DryRun bool
}

type SweepReport struct {
	Candidates int
	Sent       int
	Skipped    int
	Blocked    int
	Failed     int
}

// Sweep sends one reminder to every overdue passport not reminded within the interval.
// Individual send failures are counted and retried by the next sweep.
func (s *Sweeper) Sweep(ctx context.Context, opts SweepOptions) (report *SweepReport, err error) {
	start := s.now()
	defer func() {
		s.metrics.RecordCycle(JobName, s.now().Sub(start), err)
	}()

	cfg, err := s.settings.Reminder(ctx)
	if err != nil {
		return nil, fmt.Errorf("reminder settings: %w", err)
	}
	now := s.now()
	cutoff := now.AddDate(0, 0, -cfg.GraceDays)
	remindedSince := now.AddDate(0, 0, -cfg.IntervalDays)
	today := now.In(s.location).Format("2006-01-02")

	passports, err := s.store.ListUnpaidCreatedBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	report = &SweepReport{Candidates: len(passports)}
	if len(passports) == 0 {
		return report, nil
	}

	userIDs := make([]int64, 0, len(passports))
	activityIDs := make([]int64, 0, len(passports))
	for _, p := range passports {
		userIDs = append(userIDs, p.UserID)
		activityIDs = append(activityIDs, p.ActivityID)
	}
	users, err := s.store.GetUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	activities, err := s.store.GetActivities(ctx, activityIDs)
	if err != nil {
		return nil, err
	}

	for _, p := range passports {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		user, ok := users[p.UserID]
		if !ok || user.Email == "" {
			s.logger.Debug("Skipping reminder, passport holder has no email", "passport_id", p.ID)
			report.Skipped++
			continue
		}
		if !opts.Force {
			latest, err := s.store.LatestReminder(ctx, p.ID)
			if err != nil {
				return report, err
			}
			if latest != nil && latest.SentAt.After(remindedSince) {
				s.logger.Debug("Skipping reminder, already reminded",
					"passport_id", p.ID, "last_sent", latest.SentAt)
				report.Skipped++
				continue
			}
		}

		daysOverdue := int(now.Sub(p.CreatedAt).Hours() / 24)
		if opts.DryRun {
			s.logger.Info("Would send reminder", "passport_id", p.ID, "to", user.Email, "days_overdue", daysOverdue)
			report.Sent++
			continue
		}

		activityName := ""
		if a, ok := activities[p.ActivityID]; ok {
			activityName = a.Name
		}
		res := s.email.Send(ctx, models.EmailRequest{
			To:           user.Email,
			TemplateName: models.TemplateLatePayment,
			PassCode:     p.PassCode,
			Context: map[string]interface{}{
				"user_name":    user.Name,
				"activity":     activityName,
				"created_date": p.CreatedAt.In(s.location).Format("2006-01-02"),
				"days_overdue": daysOverdue,
				"amount":       p.SoldAmount.StringFixed(2),
				"pass_code":    p.PassCode,
			},
		})
		switch res.Status {
		case models.EmailSent:
			report.Sent++
			s.metrics.RecordReminderSent()
			added, err := s.store.AddReminder(ctx, &models.ReminderLog{
				PassportID:  p.ID,
				SentAt:      now.UTC(),
				SentDay:     today,
				DaysOverdue: daysOverdue,
			})
			if err != nil {
				s.logger.Error("Failed to record reminder", "passport_id", p.ID, "error", err)
			} else if !added {
				s.logger.Debug("Reminder already recorded today", "passport_id", p.ID)
			}
		case models.EmailBlockedOptOut:
			report.Blocked++
		default:
			report.Failed++
			s.logger.Warn("Reminder not sent", "passport_id", p.ID, "to", user.Email, "reason", res.Reason)
		}
	}

	s.logger.Info("Reminder sweep finished",
		"candidates", report.Candidates,
		"sent", report.Sent,
		"skipped", report.Skipped,
		"blocked", report.Blocked,
		"failed", report.Failed,
		"force", opts.Force,
		"dry_run", opts.DryRun)
	return report, nil
}
