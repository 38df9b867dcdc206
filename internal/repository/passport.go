package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/minipass/reconciler/internal/models"
)

func (db *PostgresDB) ListUnpaidPassports(ctx context.Context) ([]*models.Passport, error) {
	var passports []*models.Passport
	if err := db.Conn.WithContext(ctx).Where("paid = ?", false).Order("id").Find(&passports).Error; err != nil {
		return nil, fmt.Errorf("failed to list unpaid passports: %w", err)
	}
	return passports, nil
}

func (db *PostgresDB) ListUnpaidCreatedBefore(ctx context.Context, cutoff time.Time) ([]*models.Passport, error) {
	var passports []*models.Passport
	if err := db.Conn.WithContext(ctx).
		Where("paid = ? AND created_dt <= ?", false, cutoff).
		Order("created_dt").
		Find(&passports).Error; err != nil {
		return nil, fmt.Errorf("failed to list overdue passports: %w", err)
	}
	return passports, nil
}

// ListPaidByAmount returns paid passports sold within one cent of amount, most recently paid first.
func (db *PostgresDB) ListPaidByAmount(ctx context.Context, amount decimal.Decimal) ([]*models.Passport, error) {
	cent := decimal.New(1, -2)
	var passports []*models.Passport
	if err := db.Conn.WithContext(ctx).
		Where("paid = ? AND sold_amt BETWEEN ? AND ?", true, amount.Sub(cent), amount.Add(cent)).
		Order("paid_date DESC").
		Find(&passports).Error; err != nil {
		return nil, fmt.Errorf("failed to list paid passports: %w", err)
	}
	return passports, nil
}

func (db *PostgresDB) GetPassport(ctx context.Context, id int64) (*models.Passport, error) {
	var passport models.Passport
	if err := db.Conn.WithContext(ctx).Where("id = ?", id).First(&passport).Error; err != nil {
		return nil, wrapErr("failed to get passport", err)
	}
	return &passport, nil
}

func (db *PostgresDB) MarkPaid(ctx context.Context, id int64, actor string, at time.Time) (*models.MarkPaidResult, error) {
	result := &models.MarkPaidResult{}
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var passport models.Passport
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&passport).Error; err != nil {
			return err
		}
		if passport.Paid {
			result.Passport = &passport
			return nil
		}

		res := tx.Model(&models.Passport{}).
			Where("id = ? AND paid = ?", id, false).
			Updates(map[string]interface{}{
				"paid":           true,
				"paid_date":      at,
				"marked_paid_by": actor,
			})
		if res.Error != nil {
			return res.Error
		}
		result.Transitioned = res.RowsAffected == 1

		if err := tx.Where("id = ?", id).First(&passport).Error; err != nil {
			return err
		}
		result.Passport = &passport
		return nil
	})
	if err != nil {
		return nil, wrapErr("failed to mark passport paid", err)
	}
	return result, nil
}

func (db *PostgresDB) GetUsers(ctx context.Context, ids []int64) (map[int64]*models.User, error) {
	users := make(map[int64]*models.User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}
	var rows []*models.User
	if err := db.Conn.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	for _, u := range rows {
		users[u.ID] = u
	}
	return users, nil
}

func (db *PostgresDB) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := db.Conn.WithContext(ctx).Where("LOWER(email) = LOWER(?)", email).Order("id").Limit(1).Find(&user).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (db *PostgresDB) SetEmailOptOut(ctx context.Context, email string, optOut bool) error {
	if err := db.Conn.WithContext(ctx).Model(&models.User{}).
		Where("LOWER(email) = LOWER(?)", email).
		Update("email_opt_out", optOut).Error; err != nil {
		return fmt.Errorf("failed to update email opt-out: %w", err)
	}
	return nil
}

func (db *PostgresDB) GetActivities(ctx context.Context, ids []int64) (map[int64]*models.Activity, error) {
	activities := make(map[int64]*models.Activity, len(ids))
	if len(ids) == 0 {
		return activities, nil
	}
	var rows []*models.Activity
	if err := db.Conn.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get activities: %w", err)
	}
	for _, a := range rows {
		activities[a.ID] = a
	}
	return activities, nil
}
