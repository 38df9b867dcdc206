package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrIntegrity wraps database errors caused by the data itself (missing rows,
// constraint violations) rather than by the infrastructure.
var ErrIntegrity = errors.New("integrity violation")

type PassportRepository interface {
	// ListUnpaidPassports returns every passport with paid=false.
	ListUnpaidPassports(ctx context.Context) ([]*Passport, error)
	// ListUnpaidCreatedBefore returns unpaid passports sold at or before cutoff.
	ListUnpaidCreatedBefore(ctx context.Context, cutoff time.Time) ([]*Passport, error)
	// ListPaidByAmount returns paid passports sold within one cent of amount.
	ListPaidByAmount(ctx context.Context, amount decimal.Decimal) ([]*Passport, error)
	GetPassport(ctx context.Context, id int64) (*Passport, error)
	// MarkPaid re-reads the passport under a row lock and sets paid, paid_date and
	// marked_paid_by when it is still unpaid.
	MarkPaid(ctx context.Context, id int64, actor string, at time.Time) (*MarkPaidResult, error)
}

type UserRepository interface {
	GetUsers(ctx context.Context, ids []int64) (map[int64]*User, error)
	// FindUserByEmail returns nil, nil when no user has that address.
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	SetEmailOptOut(ctx context.Context, email string, optOut bool) error
}

type ActivityRepository interface {
	GetActivities(ctx context.Context, ids []int64) (map[int64]*Activity, error)
}

type AuditRepository interface {
	AddEbankPayment(ctx context.Context, payment *EbankPayment) error
	AddEmailLog(ctx context.Context, entry *EmailLog) error
	ListEbankPayments(ctx context.Context, result PaymentResult) ([]*EbankPayment, error)
	// FindMatchedPayment returns the MATCHED row of a notification, keyed by Message-ID or,
	// without one, by sender, subject and date. It returns nil, nil when there is none.
	FindMatchedPayment(ctx context.Context, messageID, from, subject string, receivedAt time.Time) (*EbankPayment, error)
	// BackfillMatch rewrites a historical row and fills passport.marked_paid_by when it
	// is still empty, in one transaction. It reports whether the passport was updated.
	BackfillMatch(ctx context.Context, payment *EbankPayment, actor string) (bool, error)
}

type ReminderRepository interface {
	// LatestReminder returns nil, nil when the passport was never reminded.
	LatestReminder(ctx context.Context, passportID int64) (*ReminderLog, error)
	// AddReminder returns false when a row for the same passport and day already exists.
	AddReminder(ctx context.Context, entry *ReminderLog) (bool, error)
}

type SettingsRepository interface {
	// GetSetting returns nil, nil when the key is not stored.
	GetSetting(ctx context.Context, key string) (*Setting, error)
	ListSettings(ctx context.Context) ([]*Setting, error)
	SaveSetting(ctx context.Context, setting *Setting) error
}

type Repository interface {
	PassportRepository
	UserRepository
	ActivityRepository
	AuditRepository
	ReminderRepository
	SettingsRepository

	Ping(ctx context.Context) error
	Close() error
}
