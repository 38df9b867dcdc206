package audit

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minipass/reconciler/internal/interac"
	"github.com/minipass/reconciler/internal/models"
)

// "MATCH FOUND: Jean Bélanger ($50.00, Passport #90) - Already marked PAID by ..."
var matchFoundNote = regexp.MustCompile(`MATCH FOUND: (.+?) \(\$(.+?), Passport #(\d+)\)`)

// AlreadyPaidNote is the note of a MATCHED row whose passport was paid before the bot saw
// the payment. Backfill recognizes historical NO_MATCH rows by this shape.
func AlreadyPaidNote(name string, amount decimal.Decimal, passportID int64, paidBy string, paidAt *time.Time) string {
	if paidBy == "" {
		paidBy = "unknown admin"
	}
	note := fmt.Sprintf("MATCH FOUND: %s ($%s, Passport #%d) - Already marked PAID by %s",
		name, amount.StringFixed(2), passportID, paidBy)
	if paidAt != nil {
		note += " on " + paidAt.UTC().Format("2006-01-02 15:04")
	}
	return note
}

type PassportReader interface {
	GetPassport(ctx context.Context, id int64) (*models.Passport, error)
}

type BackfillReport struct {
	Examined  int
	Converted int
	Skipped   int
	// UpdatedPassports lists passports whose marked_paid_by was filled in.
	UpdatedPassports []int64
}

// Backfill reclassifies NO_MATCH rows whose note records a match against an already paid
// passport. It never sends email. With dryRun nothing is written.
func (w *Writer) Backfill(ctx context.Context, passports PassportReader, dryRun bool) (*BackfillReport, error) {
	rows, err := w.repo.ListEbankPayments(ctx, models.ResultNoMatch)
	if err != nil {
		return nil, err
	}
	report := &BackfillReport{Examined: len(rows)}
	for _, row := range rows {
		m := matchFoundNote.FindStringSubmatch(row.Note)
		if m == nil {
			report.Skipped++
			continue
		}
		name := m[1]
		amount, err := decimal.NewFromString(m[2])
		if err != nil {
			w.logger.Warn("Skipping row with unreadable amount", "id", row.ID, "amount", m[2])
			report.Skipped++
			continue
		}
		id, err := strconv.ParseInt(m[3], 10, 64)
		if err != nil {
			report.Skipped++
			continue
		}

		passport, err := passports.GetPassport(ctx, id)
		if errors.Is(err, models.ErrIntegrity) {
			w.logger.Warn("Passport not found, skipping row", "id", row.ID, "passport_id", id)
			report.Skipped++
			continue
		}
		if err != nil {
			return report, err
		}
		if !passport.Paid {
			w.logger.Warn("Passport not paid, skipping row", "id", row.ID, "passport_id", id)
			report.Skipped++
			continue
		}

		row.Result = models.ResultMatched
		row.MatchedPassportID = &id
		row.MatchedName = &name
		row.MatchedAmount = decimal.NewNullDecimal(amount)
		row.MarkAsPaid = false
		row.NameScore = interac.Similarity(
			interac.NormalizeName(row.ParsedName, true),
			interac.NormalizeName(name, true))
		row.Note = fmt.Sprintf("Converted from NO_MATCH to MATCHED by backfill. Original match: %s ($%s, Passport #%d). Bot found match but passport was already paid.",
			name, amount.StringFixed(2), id)

		report.Converted++
		if dryRun {
			if passport.MarkedPaidBy == nil {
				report.UpdatedPassports = append(report.UpdatedPassports, id)
			}
			continue
		}
		updated, err := w.repo.BackfillMatch(ctx, row, models.BotActor)
		if err != nil {
			return report, err
		}
		if updated {
			report.UpdatedPassports = append(report.UpdatedPassports, id)
		}
		w.logger.Info("Converted payment row", "id", row.ID, "passport_id", id, "marked_paid_by_set", updated)
	}
	return report, nil
}
