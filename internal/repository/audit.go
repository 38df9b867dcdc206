package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/minipass/reconciler/internal/models"
)

func (db *PostgresDB) AddEbankPayment(ctx context.Context, payment *models.EbankPayment) error {
	if err := db.Conn.WithContext(ctx).Create(payment).Error; err != nil {
		return wrapErr("failed to add ebank payment", err)
	}
	return nil
}

func (db *PostgresDB) AddEmailLog(ctx context.Context, entry *models.EmailLog) error {
	if err := db.Conn.WithContext(ctx).Create(entry).Error; err != nil {
		return wrapErr("failed to add email log", err)
	}
	return nil
}

func (db *PostgresDB) ListEbankPayments(ctx context.Context, result models.PaymentResult) ([]*models.EbankPayment, error) {
	var payments []*models.EbankPayment
	q := db.Conn.WithContext(ctx).Order("id")
	if result != "" {
		q = q.Where("result = ?", result)
	}
	if err := q.Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("failed to list ebank payments: %w", err)
	}
	return payments, nil
}

func (db *PostgresDB) FindMatchedPayment(ctx context.Context, messageID, from, subject string, receivedAt time.Time) (*models.EbankPayment, error) {
	q := db.Conn.WithContext(ctx).Where("result = ?", models.ResultMatched)
	if messageID != "" {
		q = q.Where("message_id = ?", messageID)
	} else {
		q = q.Where("from_email = ? AND subject = ? AND timestamp = ?", from, subject, receivedAt.UTC())
	}
	var payment models.EbankPayment
	if err := q.Order("id").First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find matched payment: %w", err)
	}
	return &payment, nil
}

func (db *PostgresDB) BackfillMatch(ctx context.Context, payment *models.EbankPayment, actor string) (bool, error) {
	var updated bool
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.EbankPayment{}).Where("id = ?", payment.ID).Updates(map[string]interface{}{
			"result":          payment.Result,
			"matched_pass_id": payment.MatchedPassportID,
			"matched_name":    payment.MatchedName,
			"matched_amt":     payment.MatchedAmount,
			"mark_as_paid":    payment.MarkAsPaid,
			"name_score":      payment.NameScore,
			"note":            payment.Note,
		}).Error; err != nil {
			return err
		}
		if payment.MatchedPassportID == nil {
			return nil
		}
		res := tx.Model(&models.Passport{}).
			Where("id = ? AND paid = ? AND marked_paid_by IS NULL", *payment.MatchedPassportID, true).
			Update("marked_paid_by", actor)
		if res.Error != nil {
			return res.Error
		}
		updated = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, wrapErr("failed to backfill ebank payment", err)
	}
	return updated, nil
}

func (db *PostgresDB) LatestReminder(ctx context.Context, passportID int64) (*models.ReminderLog, error) {
	var entries []*models.ReminderLog
	if err := db.Conn.WithContext(ctx).
		Where("pass_id = ?", passportID).
		Order("reminder_sent_at DESC").
		Limit(1).
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to get latest reminder: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func (db *PostgresDB) AddReminder(ctx context.Context, entry *models.ReminderLog) (bool, error) {
	res := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(entry)
	if res.Error != nil {
		return false, wrapErr("failed to add reminder log", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (db *PostgresDB) GetSetting(ctx context.Context, key string) (*models.Setting, error) {
	var settings []*models.Setting
	if err := db.Conn.WithContext(ctx).Where(&models.Setting{Key: key}).Limit(1).Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	if len(settings) == 0 {
		return nil, nil
	}
	return settings[0], nil
}

func (db *PostgresDB) ListSettings(ctx context.Context) ([]*models.Setting, error) {
	var settings []*models.Setting
	if err := db.Conn.WithContext(ctx).Order(clause.OrderByColumn{Column: clause.Column{Name: "key"}}).Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	return settings, nil
}

func (db *PostgresDB) SaveSetting(ctx context.Context, setting *models.Setting) error {
	if setting.UpdatedAt.IsZero() {
		setting.UpdatedAt = time.Now()
	}
	if err := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "encrypted", "updated_at"}),
	}).Create(setting).Error; err != nil {
		return fmt.Errorf("failed to save setting %s: %w", setting.Key, err)
	}
	return nil
}
