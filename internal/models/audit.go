package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentResult classifies one processed payment notification.
type PaymentResult string

const (
	ResultMatched         PaymentResult = "MATCHED"
	ResultNoMatch         PaymentResult = "NO_MATCH"
	ResultAmbiguous       PaymentResult = "AMBIGUOUS"
	ResultManualProcessed PaymentResult = "MANUAL_PROCESSED"
	ResultParseError      PaymentResult = "PARSE_ERROR"
)

// EmailResult classifies one outbound email attempt.
type EmailResult string

const (
	EmailSent          EmailResult = "SENT"
	EmailFailed        EmailResult = "FAILED"
	EmailBlockedOptOut EmailResult = "BLOCKED_OPT_OUT"
)

// EbankPayment is the audit row written for every processed inbound payment email.
type EbankPayment struct {
	ID int64 `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	// ReceivedAt is the notification's Date header, or the processing time when it has none.
	ReceivedAt time.Time `json:"timestamp" gorm:"column:timestamp;index"`
	// MessageID is the notification's Message-ID; it identifies re-read messages.
	MessageID string `json:"message_id" gorm:"column:message_id;size:255;index"`
	// FromAddress is the notification sender (the bank).
	FromAddress string `json:"from_email" gorm:"column:from_email;size:150"`
	Subject     string `json:"subject" gorm:"column:subject;type:text"`
	// ParsedName is the payer name as it appears in the subject.
	ParsedName string `json:"bank_info_name" gorm:"column:bank_info_name;size:100"`
	// ParsedAmount is the transferred amount.
	ParsedAmount decimal.Decimal `json:"bank_info_amt" gorm:"column:bank_info_amt;type:numeric(10,2)"`
	// MatchedPassportID is set for MATCHED rows.
	MatchedPassportID *int64              `json:"matched_pass_id" gorm:"column:matched_pass_id;index"`
	MatchedName       *string             `json:"matched_name" gorm:"column:matched_name;size:100"`
	MatchedAmount     decimal.NullDecimal `json:"matched_amt" gorm:"column:matched_amt;type:numeric(10,2)"`
	// NameScore is the fuzzy similarity (0-100) of the chosen or best candidate.
	NameScore int           `json:"name_score" gorm:"column:name_score"`
	Result    PaymentResult `json:"result" gorm:"column:result;size:50;index"`
	// MarkAsPaid is true only when this row caused the passport paid transition.
	MarkAsPaid bool   `json:"mark_as_paid" gorm:"column:mark_as_paid;default:false"`
	Note       string `json:"note" gorm:"column:note;type:text"`
}

func (EbankPayment) TableName() string {
	return "ebank_payment"
}

// EmailLog is the audit row written for every outbound email attempt.
type EmailLog struct {
	ID           int64     `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	SentAt       time.Time `json:"timestamp" gorm:"column:timestamp;index"`
	ToAddress    string    `json:"to_email" gorm:"column:to_email;size:150;not null"`
	Subject      string    `json:"subject" gorm:"column:subject;size:255;not null"`
	PassCode     *string   `json:"pass_code" gorm:"column:pass_code;size:16"`
	TemplateName string    `json:"template_name" gorm:"column:template_name;size:100"`
	// ContextSnapshot keeps the few context values useful when auditing a send.
	ContextSnapshot datatypes.JSON `json:"context_json" gorm:"column:context_json"`
	Result          EmailResult    `json:"result" gorm:"column:result;size:50;index"`
	ErrorMessage    *string        `json:"error_message" gorm:"column:error_message;type:text"`
}

func (EmailLog) TableName() string {
	return "email_log"
}

// ReminderLog records one late payment reminder. At most one row exists per passport and day.
type ReminderLog struct {
	ID         int64     `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	PassportID int64     `json:"pass_id" gorm:"column:pass_id;not null;uniqueIndex:idx_reminder_passport_day"`
	SentAt     time.Time `json:"reminder_sent_at" gorm:"column:reminder_sent_at;index"`
	// SentDay is the local calendar day (YYYY-MM-DD) of SentAt.
	SentDay     string `json:"sent_day" gorm:"column:sent_day;size:10;not null;uniqueIndex:idx_reminder_passport_day"`
	DaysOverdue int    `json:"days_overdue" gorm:"column:days_overdue"`
}

func (ReminderLog) TableName() string {
	return "reminder_log"
}

// Setting is a raw key/value pair. Encrypted values hold a Fernet token.
type Setting struct {
	Key       string    `json:"key" gorm:"column:key;primaryKey;size:100"`
	Value     string    `json:"value" gorm:"column:value;type:text"`
	Encrypted bool      `json:"encrypted" gorm:"column:encrypted;default:false"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (Setting) TableName() string {
	return "setting"
}
