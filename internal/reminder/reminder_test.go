package reminder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"

	"github.com/minipass/reconciler/internal/models"
	"github.com/minipass/reconciler/internal/repository"
	"github.com/minipass/reconciler/internal/settings"
	"github.com/minipass/reconciler/pkg/logger"
)

type fakeGateway struct {
	mu       sync.Mutex
	requests []models.EmailRequest
	result   models.SendResult
}

func (f *fakeGateway) Send(_ context.Context, req models.EmailRequest) models.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.result.Status == "" {
		return models.SendResult{Status: models.EmailSent}
	}
	return f.result
}

func (f *fakeGateway) SendAsync(req models.EmailRequest) {}

type staticSettings struct{ cfg settings.ReminderSettings }

func (s staticSettings) Reminder(context.Context) (settings.ReminderSettings, error) {
	return s.cfg, nil
}

var now = time.Date(2025, 10, 14, 9, 0, 0, 0, time.UTC)

func newTestSweeper(t *testing.T) (*Sweeper, *repository.PostgresDB, *fakeGateway) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := repository.New(sqlite.Open(fmt.Sprintf("file:reminder_%s?mode=memory&cache=shared", name)), logger.NewNop())
	if err != nil {
		t.Fatalf("repository.New: %v", err)
	}
	sqlDB, err := db.Conn.DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	gw := &fakeGateway{}
	s := New(logger.NewNop(), staticSettings{settings.ReminderSettings{GraceDays: 7, IntervalDays: 7}}, db, gw, nil, time.UTC)
	s.now = func() time.Time { return now }
	return s, db, gw
}

func seed(t *testing.T, db *repository.PostgresDB, id int64, created time.Time) {
	t.Helper()
	if err := db.Conn.Create(&models.User{ID: id, Name: fmt.Sprintf("User %d", id), Email: fmt.Sprintf("u%d@example.com", id)}).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := db.Conn.Create(&models.Passport{
		ID:         id,
		UserID:     id,
		ActivityID: 1,
		PassCode:   fmt.Sprintf("P%d", id),
		SoldAmount: decimal.RequireFromString("25"),
		CreatedAt:  created,
	}).Error; err != nil {
		t.Fatalf("create passport: %v", err)
	}
}

func reminders(t *testing.T, db *repository.PostgresDB) []models.ReminderLog {
	t.Helper()
	var rows []models.ReminderLog
	if err := db.Conn.Order("id").Find(&rows).Error; err != nil {
		t.Fatalf("list reminders: %v", err)
	}
	return rows
}

func TestSweepSkipsRecentlyReminded(t *testing.T) {
	s, db, gw := newTestSweeper(t)
	ctx := context.Background()
	seed(t, db, 1, now.AddDate(0, 0, -10))
	yesterday := now.AddDate(0, 0, -1)
	if _, err := db.AddReminder(ctx, &models.ReminderLog{PassportID: 1, SentAt: yesterday, SentDay: yesterday.Format("2006-01-02"), DaysOverdue: 9}); err != nil {
		t.Fatalf("AddReminder: %v", err)
	}

	report, err := s.Sweep(ctx, SweepOptions{})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Skipped != 1 || report.Sent != 0 {
		t.Errorf("report = %+v", report)
	}
	if len(gw.requests) != 0 {
		t.Error("reminder sent despite yesterday's reminder")
	}
	if len(reminders(t, db)) != 1 {
		t.Error("new reminder row written")
	}
}

func TestSweepSendsOnceAndRecords(t *testing.T) {
	s, db, gw := newTestSweeper(t)
	ctx := context.Background()
	seed(t, db, 1, now.AddDate(0, 0, -10))
	seed(t, db, 2, now.AddDate(0, 0, -3))

	report, err := s.Sweep(ctx, SweepOptions{})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Candidates != 1 || report.Sent != 1 {
		t.Fatalf("report = %+v", report)
	}
	req := gw.requests[0]
	if req.To != "u1@example.com" || req.TemplateName != models.TemplateLatePayment || req.Context["days_overdue"] != 10 {
		t.Errorf("request = %+v", req)
	}
	rows := reminders(t, db)
	if len(rows) != 1 || rows[0].SentDay != "2025-10-14" || rows[0].DaysOverdue != 10 {
		t.Fatalf("reminder rows = %+v", rows)
	}

	if _, err := s.Sweep(ctx, SweepOptions{}); err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if len(gw.requests) != 1 || len(reminders(t, db)) != 1 {
		t.Error("second sweep on the same day sent again")
	}

	if _, err := s.Sweep(ctx, SweepOptions{Force: true}); err != nil {
		t.Fatalf("forced Sweep: %v", err)
	}
	if len(gw.requests) != 2 {
		t.Error("force should bypass the interval")
	}
	if len(reminders(t, db)) != 1 {
		t.Error("force wrote a second row for the same day")
	}
}

func TestSweepFailureIsRetried(t *testing.T) {
	s, db, gw := newTestSweeper(t)
	ctx := context.Background()
	seed(t, db, 1, now.AddDate(0, 0, -10))
	gw.result = models.SendResult{Status: models.EmailFailed, Reason: "transient: 421"}

	report, err := s.Sweep(ctx, SweepOptions{})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Failed != 1 || len(reminders(t, db)) != 0 {
		t.Fatalf("report = %+v", report)
	}

	gw.result = models.SendResult{}
	if report, _ = s.Sweep(ctx, SweepOptions{}); report.Sent != 1 {
		t.Errorf("retry report = %+v", report)
	}
}

func TestSweepDryRun(t *testing.T) {
	s, db, gw := newTestSweeper(t)
	seed(t, db, 1, now.AddDate(0, 0, -10))

	report, err := s.Sweep(context.Background(), SweepOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Sent != 1 || len(gw.requests) != 0 || len(reminders(t, db)) != 0 {
		t.Errorf("dry run report = %+v, requests = %d", report, len(gw.requests))
	}
}
