package models

import (
	"context"
	"time"
)

// MessageRef identifies a message in the selected mailbox by UID.
type MessageRef struct {
	UID uint32
}

// MailMessage is the part of a notification email the matcher needs.
type MailMessage struct {
	Ref MessageRef
	// MessageID is the Message-ID header without angle brackets, empty when absent.
	MessageID string
	From      string
	Subject   string
	Body      string
	Date      time.Time
}

// MailboxDialer opens authenticated IMAP sessions with INBOX selected.
type MailboxDialer interface {
	Connect(ctx context.Context, host, user, password string) (MailboxSession, error)
}

type MailboxSession interface {
	// EnsureFolder creates the folder unless LIST already shows it (case-insensitive).
	EnsureFolder(name string) error
	// ListUnreadFrom returns unseen messages from sender, in receipt order.
	ListUnreadFrom(sender string) ([]MessageRef, error)
	// ListFrom returns every message from sender regardless of the seen flag.
	ListFrom(sender string) ([]MessageRef, error)
	FetchHeaderAndBody(ref MessageRef) (*MailMessage, error)
	// MoveToFolder copies, flags \Deleted and expunges one message.
	MoveToFolder(ref MessageRef, folder string) error
	Close() error
}
