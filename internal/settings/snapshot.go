package settings

import (
	"context"
	"fmt"
	"time"
)

type IMAPSettings struct {
	Host     string
	Username string
	Password string
}

// MatcherSettings is everything one matching cycle reads, resolved once per cycle.
type MatcherSettings struct {
	Enabled   bool
	Interval  time.Duration
	Threshold int
	Sender    string
	// SubjectPrefix selects bank notifications; other mail from Sender is ignored.
	SubjectPrefix   string
	ProcessedFolder string
	HyphenAsSpace   bool
	IMAP            IMAPSettings
}

type ReminderSettings struct {
	GraceDays    int
	IntervalDays int
}

type SMTPSettings struct {
	Host       string
	Port       int
	UseTLS     bool
	UseSSL     bool
	Username   string
	Password   string
	Sender     string
	SenderName string
	ReplyTo    string
}

// IMAP resolves the mailbox endpoint. The host falls back from IMAP_SERVER to MAIL_SERVER
// and then to Gmail; credentials fall back to the SMTP account.
func (p *Provider) IMAP(ctx context.Context) (IMAPSettings, error) {
	var s IMAPSettings
	var err error
	for _, key := range []string{KeyIMAPServer, KeyMailServer} {
		if s.Host, err = p.String(ctx, key); err != nil {
			return s, err
		}
		if s.Host != "" {
			break
		}
	}
	if s.Host == "" {
		s.Host = defaultIMAPHost
	}

	if s.Username, err = p.String(ctx, KeyIMAPUsername); err != nil {
		return s, err
	}
	if s.Username == "" {
		if s.Username, err = p.Required(ctx, KeyMailUsername); err != nil {
			return s, err
		}
	}
	if s.Password, err = p.String(ctx, KeyIMAPPassword); err != nil {
		return s, err
	}
	if s.Password == "" {
		if s.Password, err = p.Required(ctx, KeyMailPassword); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Matcher reads and validates the matching cycle settings.
func (p *Provider) Matcher(ctx context.Context) (MatcherSettings, error) {
	var s MatcherSettings
	var err error
	if s.Enabled, err = p.Bool(ctx, KeyPaymentBotEnabled); err != nil {
		return s, err
	}
	if s.Interval, err = p.Minutes(ctx, KeyPaymentBotInterval); err != nil {
		return s, err
	}
	if s.Threshold, err = p.IntRange(ctx, KeyNameThreshold, 0, 100); err != nil {
		return s, err
	}
	if s.Sender, err = p.Required(ctx, KeyBankEmailFrom); err != nil {
		return s, err
	}
	if s.SubjectPrefix, err = p.String(ctx, KeyBankEmailSubject); err != nil {
		return s, err
	}
	if s.ProcessedFolder, err = p.Required(ctx, KeyProcessedFolder); err != nil {
		return s, err
	}
	if s.HyphenAsSpace, err = p.Bool(ctx, KeyHyphenAsSpace); err != nil {
		return s, err
	}
	if s.IMAP, err = p.IMAP(ctx); err != nil {
		return s, err
	}
	return s, nil
}

func (p *Provider) Reminder(ctx context.Context) (ReminderSettings, error) {
	var s ReminderSettings
	var err error
	if s.GraceDays, err = p.IntRange(ctx, KeyCallBackDays, 0, 365); err != nil {
		return s, err
	}
	if s.IntervalDays, err = p.IntRange(ctx, KeyReminderInterval, 1, 365); err != nil {
		return s, err
	}
	return s, nil
}

func (p *Provider) SMTP(ctx context.Context) (SMTPSettings, error) {
	var s SMTPSettings
	var err error
	if s.Host, err = p.Required(ctx, KeyMailServer); err != nil {
		return s, err
	}
	if s.Port, err = p.IntRange(ctx, KeyMailPort, 1, 65535); err != nil {
		return s, err
	}
	if s.UseTLS, err = p.Bool(ctx, KeyMailUseTLS); err != nil {
		return s, err
	}
	if s.UseSSL, err = p.Bool(ctx, KeyMailUseSSL); err != nil {
		return s, err
	}
	if s.UseTLS && s.UseSSL {
		return s, fmt.Errorf("%w: %s and %s are mutually exclusive", ErrInvalidSetting, KeyMailUseTLS, KeyMailUseSSL)
	}
	if s.Username, err = p.String(ctx, KeyMailUsername); err != nil {
		return s, err
	}
	if s.Password, err = p.String(ctx, KeyMailPassword); err != nil {
		return s, err
	}
	if s.Sender, err = p.String(ctx, KeyMailSender); err != nil {
		return s, err
	}
	if s.Sender == "" {
		s.Sender = s.Username
	}
	if s.Sender == "" {
		return s, fmt.Errorf("%w: %s", ErrMissingSetting, KeyMailSender)
	}
	if s.SenderName, err = p.String(ctx, KeyMailSenderName); err != nil {
		return s, err
	}
	if s.ReplyTo, err = p.String(ctx, KeyMailReplyTo); err != nil {
		return s, err
	}
	if s.ReplyTo == "" {
		s.ReplyTo = s.Sender
	}
	return s, nil
}
