package notificator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minipass/reconciler/internal/models"
	"github.com/minipass/reconciler/pkg/logger"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  map[string][]string
	err   error
	panic bool
}

func (r *recordingSender) SendNotification(_ context.Context, chatID, message string) error {
	if r.panic {
		panic("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = map[string][]string{}
	}
	r.sent[chatID] = append(r.sent[chatID], message)
	return r.err
}

func paymentEvent() models.NotificationEvent {
	return models.NewPaymentEvent(models.PaymentPayload{
		PassportID: 7,
		UserName:   "Marie Roy",
		Amount:     50,
		Activity:   "Hockey",
	}, time.Date(2025, 10, 14, 12, 0, 0, 0, time.UTC))
}

func TestFormatEvent(t *testing.T) {
	if got, want := FormatEvent(paymentEvent()), "Paiement reçu: Marie Roy a payé 50.00 $ pour Hockey (Passeport #7)"; got != want {
		t.Fatalf("payment = %q, want %q", got, want)
	}

	signup := FormatEvent(models.NewSignupEvent(models.SignupPayload{
		SignupID: 1, UserName: "Luc", Activity: "Yoga", PassportType: "Standard", Email: "luc@example.com",
	}, time.Now()))
	if !strings.HasPrefix(signup, "Nouvelle inscription: Luc pour Yoga (Standard)") || !strings.HasSuffix(signup, "luc@example.com") {
		t.Fatalf("signup = %q", signup)
	}

	if got := FormatEvent(models.NewHeartbeatEvent(time.Now())); got != "" {
		t.Fatalf("heartbeat = %q", got)
	}
	if got := FormatEvent(models.NewErrorEvent("x", time.Now())); got != "" {
		t.Fatalf("error = %q", got)
	}
}

func TestHandleEventFansOutToChats(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotificator(logger.NewNop(), sender, []string{"1", "2"})

	n.HandleEvent(paymentEvent())
	n.HandleEvent(models.NewHeartbeatEvent(time.Now()))

	for _, id := range []string{"1", "2"} {
		if len(sender.sent[id]) != 1 {
			t.Fatalf("chat %s got %d messages, want 1", id, len(sender.sent[id]))
		}
	}
}

func TestHandleEventSurvivesSenderFailures(t *testing.T) {
	n := NewNotificator(logger.NewNop(), &recordingSender{err: errors.New("unreachable")}, []string{"1"})
	n.HandleEvent(paymentEvent())

	n = NewNotificator(logger.NewNop(), &recordingSender{panic: true}, []string{"1"})
	n.HandleEvent(paymentEvent())
}
