// Package audit appends the payment and email audit trail and reclassifies historical
// payment rows.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/minipass/reconciler/internal/models"
	"github.com/minipass/reconciler/pkg/logger"
)

var ErrAppendOnly = errors.New("audit rows are append-only")

// Writer is the only component that inserts EbankPayment and EmailLog rows.
type Writer struct {
	logger *logger.Logger
	repo   models.AuditRepository
	now    func() time.Time
}

func NewWriter(repo models.AuditRepository, logger *logger.Logger) *Writer {
	return &Writer{
		logger: logger,
		repo:   repo,
		now:    time.Now,
	}
}

func (w *Writer) AddEbankPayment(ctx context.Context, payment *models.EbankPayment) error {
	if payment.ID != 0 {
		return fmt.Errorf("%w: ebank_payment #%d", ErrAppendOnly, payment.ID)
	}
	if payment.ReceivedAt.IsZero() {
		payment.ReceivedAt = w.now()
	}
	payment.ReceivedAt = payment.ReceivedAt.UTC()
	if err := w.repo.AddEbankPayment(ctx, payment); err != nil {
		return err
	}
	w.logger.Debug("Payment audit row written",
		"id", payment.ID,
		"result", payment.Result,
		"name", payment.ParsedName,
		"amount", payment.ParsedAmount.StringFixed(2))
	return nil
}

func (w *Writer) AddEmailLog(ctx context.Context, entry *models.EmailLog) error {
	if entry.ID != 0 {
		return fmt.Errorf("%w: email_log #%d", ErrAppendOnly, entry.ID)
	}
	if entry.SentAt.IsZero() {
		entry.SentAt = w.now()
	}
	entry.SentAt = entry.SentAt.UTC()
	return w.repo.AddEmailLog(ctx, entry)
}

func (w *Writer) FindMatchedPayment(ctx context.Context, messageID, from, subject string, receivedAt time.Time) (*models.EbankPayment, error) {
	return w.repo.FindMatchedPayment(ctx, messageID, from, subject, receivedAt)
}

func (w *Writer) ListEbankPayments(ctx context.Context, result models.PaymentResult) ([]*models.EbankPayment, error) {
	return w.repo.ListEbankPayments(ctx, result)
}
