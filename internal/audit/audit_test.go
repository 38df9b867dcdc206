package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"

	"github.com/minipass/reconciler/internal/models"
	"github.com/minipass/reconciler/internal/repository"
	"github.com/minipass/reconciler/pkg/logger"
)

func newTestRepo(t *testing.T) *repository.PostgresDB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := repository.New(sqlite.Open(fmt.Sprintf("file:audit_%s?mode=memory&cache=shared", name)), logger.NewNop())
	if err != nil {
		t.Fatalf("repository.New: %v", err)
	}
	sqlDB, err := db.Conn.DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedPaid(t *testing.T, db *repository.PostgresDB, id int64, markedBy *string) {
	t.Helper()
	paidAt := time.Now().Add(-time.Hour)
	if err := db.Conn.Create(&models.User{ID: id, Name: "Jean Bélanger", Email: fmt.Sprintf("u%d@example.com", id)}).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	p := &models.Passport{
		ID:           id,
		UserID:       id,
		ActivityID:   1,
		PassCode:     fmt.Sprintf("P%d", id),
		SoldAmount:   decimal.RequireFromString("50"),
		Paid:         true,
		PaidDate:     &paidAt,
		CreatedAt:    time.Now().AddDate(0, 0, -3),
		MarkedPaidBy: markedBy,
	}
	if err := db.Conn.Create(p).Error; err != nil {
		t.Fatalf("create passport: %v", err)
	}
}

func TestWriterIsAppendOnly(t *testing.T) {
	db := newTestRepo(t)
	w := NewWriter(db, logger.NewNop())
	ctx := context.Background()

	row := &models.EbankPayment{Subject: "s", ParsedName: "X", ParsedAmount: decimal.NewFromInt(5), Result: models.ResultNoMatch}
	if err := w.AddEbankPayment(ctx, row); err != nil {
		t.Fatalf("AddEbankPayment: %v", err)
	}
	if row.ID == 0 || row.ReceivedAt.IsZero() {
		t.Fatalf("row not stamped: %+v", row)
	}
	if err := w.AddEbankPayment(ctx, row); !errors.Is(err, ErrAppendOnly) {
		t.Errorf("re-adding a stored row: err = %v", err)
	}

	entry := &models.EmailLog{ToAddress: "a@example.com", Subject: "s", Result: models.EmailSent}
	if err := w.AddEmailLog(ctx, entry); err != nil {
		t.Fatalf("AddEmailLog: %v", err)
	}
	if err := w.AddEmailLog(ctx, entry); !errors.Is(err, ErrAppendOnly) {
		t.Errorf("re-adding an email log: err = %v", err)
	}
}

func TestAlreadyPaidNoteRoundTripsThroughBackfillPattern(t *testing.T) {
	at := time.Date(2025, 9, 5, 14, 30, 0, 0, time.UTC)
	note := AlreadyPaidNote("Jean Bélanger", decimal.RequireFromString("50"), 90, "admin@club.ca", &at)
	want := "MATCH FOUND: Jean Bélanger ($50.00, Passport #90) - Already marked PAID by admin@club.ca on 2025-09-05 14:30"
	if note != want {
		t.Fatalf("note = %q", note)
	}
	m := matchFoundNote.FindStringSubmatch(note)
	if m == nil || m[1] != "Jean Bélanger" || m[2] != "50.00" || m[3] != "90" {
		t.Errorf("pattern groups = %v", m)
	}
}

func TestBackfill(t *testing.T) {
	db := newTestRepo(t)
	w := NewWriter(db, logger.NewNop())
	ctx := context.Background()

	admin := "admin@club.ca"
	seedPaid(t, db, 1, nil)
	seedPaid(t, db, 2, &admin)

	rows := []*models.EbankPayment{
		{ParsedName: "JEAN BELANGER", ParsedAmount: decimal.RequireFromString("50"), Result: models.ResultNoMatch,
			Note: AlreadyPaidNote("Jean Bélanger", decimal.RequireFromString("50"), 1, "", nil)},
		{ParsedName: "JEAN BELANGER", ParsedAmount: decimal.RequireFromString("50"), Result: models.ResultNoMatch,
			Note: AlreadyPaidNote("Jean Bélanger", decimal.RequireFromString("50"), 2, admin, nil)},
		{ParsedName: "NOBODY", ParsedAmount: decimal.RequireFromString("10"), Result: models.ResultNoMatch,
			Note: "No matching passport found."},
		{ParsedName: "GHOST", ParsedAmount: decimal.RequireFromString("50"), Result: models.ResultNoMatch,
			Note: "MATCH FOUND: Ghost ($50.00, Passport #404) - Already marked PAID by x"},
	}
	for _, r := range rows {
		if err := w.AddEbankPayment(ctx, r); err != nil {
			t.Fatalf("AddEbankPayment: %v", err)
		}
	}

	dry, err := w.Backfill(ctx, db, true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if dry.Converted != 2 || dry.Skipped != 2 {
		t.Fatalf("dry run report = %+v", dry)
	}
	if still, _ := db.ListEbankPayments(ctx, models.ResultNoMatch); len(still) != 4 {
		t.Fatalf("dry run wrote rows: %d NO_MATCH left", len(still))
	}

	report, err := w.Backfill(ctx, db, false)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if report.Converted != 2 || len(report.UpdatedPassports) != 1 || report.UpdatedPassports[0] != 1 {
		t.Fatalf("report = %+v", report)
	}

	matched, err := db.ListEbankPayments(ctx, models.ResultMatched)
	if err != nil {
		t.Fatalf("ListEbankPayments: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("matched rows = %d", len(matched))
	}
	for _, r := range matched {
		if r.MarkAsPaid {
			t.Errorf("row %d: backfilled rows must keep mark_as_paid=false", r.ID)
		}
		if r.NameScore != 100 {
			t.Errorf("row %d: name score = %d", r.ID, r.NameScore)
		}
		if !strings.HasPrefix(r.Note, "Converted from NO_MATCH") {
			t.Errorf("row %d: note = %q", r.ID, r.Note)
		}
	}

	p1, _ := db.GetPassport(ctx, 1)
	if p1.MarkedPaidBy == nil || *p1.MarkedPaidBy != models.BotActor {
		t.Errorf("passport 1 marked_paid_by = %v", p1.MarkedPaidBy)
	}
	p2, _ := db.GetPassport(ctx, 2)
	if p2.MarkedPaidBy == nil || *p2.MarkedPaidBy != admin {
		t.Errorf("passport 2 marked_paid_by overwritten: %v", p2.MarkedPaidBy)
	}

	again, err := w.Backfill(ctx, db, false)
	if err != nil || again.Converted != 0 {
		t.Errorf("second run = %+v, %v", again, err)
	}
}
