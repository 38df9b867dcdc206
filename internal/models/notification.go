package models

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType is the "type" field of a notification event.
type EventType string

const (
	EventPayment   EventType = "payment"
	EventSignup    EventType = "signup"
	EventHeartbeat EventType = "heartbeat"
	EventError     EventType = "error"
)

// EventPayload is implemented by the fixed set of payload records.
type EventPayload interface {
	EventType() EventType
}

// PaymentPayload is published when a passport becomes paid.
type PaymentPayload struct {
	PassportID int64      `json:"passport_id"`
	UserName   string     `json:"user_name"`
	Email      string     `json:"email"`
	Amount     float64    `json:"amount"`
	Activity   string     `json:"activity"`
	ActivityID *int64     `json:"activity_id,omitempty"`
	Avatar     string     `json:"avatar"`
	PaidDate   *time.Time `json:"paid_date"`
}

func (PaymentPayload) EventType() EventType { return EventPayment }

// SignupPayload is published by the signup handlers.
type SignupPayload struct {
	SignupID          int64      `json:"signup_id"`
	UserName          string     `json:"user_name"`
	Email             string     `json:"email"`
	Phone             string     `json:"phone"`
	Activity          string     `json:"activity"`
	ActivityID        *int64     `json:"activity_id,omitempty"`
	PassportType      string     `json:"passport_type"`
	PassportTypePrice float64    `json:"passport_type_price"`
	Avatar            string     `json:"avatar"`
	CreatedAt         *time.Time `json:"created_at"`
}

func (SignupPayload) EventType() EventType { return EventSignup }

type HeartbeatPayload struct{}

func (HeartbeatPayload) EventType() EventType { return EventHeartbeat }

type ErrorPayload struct {
	Message string
}

func (ErrorPayload) EventType() EventType { return EventError }

// NotificationEvent is a transient event fanned out to admin SSE streams.
type NotificationEvent struct {
	ID string
	// Timestamp is the publisher's wall clock time, sent to clients in ISO 8601.
	Timestamp time.Time
	// ServerTimestamp is stamped by the broker on publish and drives the replay window.
	ServerTimestamp time.Time
	Payload         EventPayload
}

// Type returns the event type derived from the payload.
func (e NotificationEvent) Type() EventType {
	if e.Payload == nil {
		return EventHeartbeat
	}
	return e.Payload.EventType()
}

// MarshalJSON renders the wire shape expected by the dashboard.
func (e NotificationEvent) MarshalJSON() ([]byte, error) {
	ts := e.Timestamp.UTC().Format(time.RFC3339Nano)
	switch p := e.Payload.(type) {
	case PaymentPayload, SignupPayload:
		return json.Marshal(struct {
			Type      EventType    `json:"type"`
			ID        string       `json:"id"`
			Timestamp string       `json:"timestamp"`
			Data      EventPayload `json:"data"`
		}{e.Type(), e.ID, ts, p})
	case ErrorPayload:
		return json.Marshal(struct {
			Type      EventType `json:"type"`
			Message   string    `json:"message"`
			Timestamp string    `json:"timestamp"`
		}{EventError, p.Message, ts})
	default:
		return json.Marshal(struct {
			Type      EventType `json:"type"`
			Timestamp string    `json:"timestamp"`
		}{EventHeartbeat, ts})
	}
}

func NewPaymentEvent(p PaymentPayload, now time.Time) NotificationEvent {
	return NotificationEvent{
		ID:        fmt.Sprintf("payment_%d_%d", p.PassportID, now.Unix()),
		Timestamp: now,
		Payload:   p,
	}
}

func NewSignupEvent(p SignupPayload, now time.Time) NotificationEvent {
	return NotificationEvent{
		ID:        fmt.Sprintf("signup_%d_%d", p.SignupID, now.Unix()),
		Timestamp: now,
		Payload:   p,
	}
}

func NewHeartbeatEvent(now time.Time) NotificationEvent {
	return NotificationEvent{Timestamp: now, Payload: HeartbeatPayload{}}
}

func NewErrorEvent(message string, now time.Time) NotificationEvent {
	return NotificationEvent{Timestamp: now, Payload: ErrorPayload{Message: message}}
}

// GravatarURL returns the identicon avatar URL used by the dashboard toasts.
func GravatarURL(email string, size int) string {
	if email == "" {
		email = "unknown@example.com"
	}
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	return fmt.Sprintf("https://www.gravatar.com/avatar/%s?s=%d&d=identicon", hex.EncodeToString(sum[:]), size)
}
