package notificator

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/minipass/reconciler/internal/models"
	"github.com/minipass/reconciler/pkg/logger"
)

const sendTimeout = 10 * time.Second

// Sender delivers a plain text message to one chat
type Sender interface {
	SendNotification(ctx context.Context, chatID, message string) error
}

// Notificator relays broker events to the admin chats. Heartbeats and errors are stream
// concerns and are never relayed.
type Notificator struct {
	logger  *logger.Logger
	sender  Sender
	chatIDs []string
}

func NewNotificator(logger *logger.Logger, sender Sender, chatIDs []string) *Notificator {
	return &Notificator{logger: logger, sender: sender, chatIDs: chatIDs}
}

// safeCall runs a function with panic recovery (synchronous, no goroutine spawning)
func (n *Notificator) safeCall(fn func(), context string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// HandleEvent is registered as a broker listener.
func (n *Notificator) HandleEvent(event models.NotificationEvent) {
	message := FormatEvent(event)
	if message == "" || len(n.chatIDs) == 0 {
		return
	}
	for _, chatID := range n.chatIDs {
		chatID := chatID
		n.safeCall(func() {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := n.sender.SendNotification(ctx, chatID, message); err != nil {
				n.logger.Error("Failed to send notification", "chat_id", chatID, "event", event.ID, "error", err)
			}
		}, "telegramNotification")
	}
}

// FormatEvent renders the chat text for an event, or "" when the event is not relayed.
func FormatEvent(event models.NotificationEvent) string {
	switch p := event.Payload.(type) {
	case models.PaymentPayload:
		var b strings.Builder
		fmt.Fprintf(&b, "Paiement reçu: %s a payé %.2f $", p.UserName, p.Amount)
		if p.Activity != "" {
			fmt.Fprintf(&b, " pour %s", p.Activity)
		}
		fmt.Fprintf(&b, " (Passeport #%d)", p.PassportID)
		return b.String()
	case models.SignupPayload:
		var b strings.Builder
		fmt.Fprintf(&b, "Nouvelle inscription: %s", p.UserName)
		if p.Activity != "" {
			fmt.Fprintf(&b, " pour %s", p.Activity)
		}
		if p.PassportType != "" {
			fmt.Fprintf(&b, " (%s)", p.PassportType)
		}
		if p.Email != "" {
			fmt.Fprintf(&b, "\n%s", p.Email)
		}
		return b.String()
	default:
		return ""
	}
}
