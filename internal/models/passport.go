package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BotActor is recorded in Passport.MarkedPaidBy when the payment matcher marks a passport paid.
const BotActor = "gmail-bot@system"

// Passport represents a sold pass.
type Passport struct {
	// ID is the unique identifier for the passport.
	ID int64 `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	// UserID references the holder of the passport.
	UserID int64 `json:"user_id" gorm:"column:user_id;index;not null"`
	// ActivityID references the activity the passport was sold for.
	ActivityID int64 `json:"activity_id" gorm:"column:activity_id;index;not null"`
	// PassCode is the opaque code printed on the pass (QR payload).
	PassCode string `json:"pass_code" gorm:"column:pass_code;size:16;uniqueIndex;not null"`
	// SoldAmount is the price the passport was sold at.
	SoldAmount decimal.Decimal `json:"sold_amt" gorm:"column:sold_amt;type:numeric(10,2)"`
	// UsesRemaining is the number of sessions left on the pass.
	UsesRemaining int `json:"uses_remaining" gorm:"column:uses_remaining;default:0"`
	// Paid is true once payment has been received.
	Paid bool `json:"paid" gorm:"column:paid;index"`
	// PaidDate is set together with Paid.
	PaidDate *time.Time `json:"paid_date" gorm:"column:paid_date"`
	// CreatedAt is the date when the passport was sold.
	CreatedAt time.Time `json:"created_dt" gorm:"column:created_dt;index"`
	// MarkedPaidBy is the actor (admin email or BotActor) who marked the passport paid.
	MarkedPaidBy *string `json:"marked_paid_by" gorm:"column:marked_paid_by;size:120"`
}

func (Passport) TableName() string {
	return "passport"
}

// User is the holder of one or more passports.
type User struct {
	ID          int64  `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	Name        string `json:"name" gorm:"column:name;size:100;not null"`
	Email       string `json:"email" gorm:"column:email;size:100;index"`
	PhoneNumber string `json:"phone_number" gorm:"column:phone_number;size:20"`
	// EmailOptOut blocks every outbound email to this user.
	EmailOptOut bool `json:"email_opt_out" gorm:"column:email_opt_out;not null;default:false"`
}

func (User) TableName() string {
	return "user"
}

// Activity is what a passport is sold for.
type Activity struct {
	ID   int64  `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	Name string `json:"name" gorm:"column:name;size:150;not null"`
}

func (Activity) TableName() string {
	return "activity"
}

// MarkPaidResult is returned by the paid transition.
type MarkPaidResult struct {
	// Passport is the row as read inside the transaction, after the update when one happened.
	Passport *Passport
	// Transitioned is false when the passport was already paid before the call.
	Transitioned bool
}
