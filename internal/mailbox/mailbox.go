// Package mailbox talks IMAP to the inbox receiving payment notifications.
package mailbox

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/minipass/reconciler/internal/models"
	"github.com/minipass/reconciler/pkg/logger"
)

const (
	DefaultTimeout = 30 * time.Second

	imapsPort    = "993"
	startTLSPort = "143"
	maxBodyBytes = 1 << 20
)

var headerFields = []string{"SUBJECT", "FROM", "DATE", "MESSAGE-ID"}

// Dialer opens IMAP sessions: implicit TLS on 993 first, then STARTTLS on 143.
// Plaintext sessions are never used.
type Dialer struct {
	logger  *logger.Logger
	timeout time.Duration
	// TLSConfig overrides the client TLS configuration when set.
	TLSConfig *tls.Config
}

var _ models.MailboxDialer = (*Dialer)(nil)

func NewDialer(logger *logger.Logger) *Dialer {
	return &Dialer{logger: logger, timeout: DefaultTimeout}
}

func (d *Dialer) tlsConfig(host string) *tls.Config {
	if d.TLSConfig != nil {
		return d.TLSConfig.Clone()
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

// Connect logs in and selects INBOX. host may carry an explicit port, in which case
// only implicit TLS on that port is attempted.
func (d *Dialer) Connect(ctx context.Context, host, user, password string) (models.MailboxSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := d.dial(ctx, host)
	if err != nil {
		return nil, err
	}
	c.Timeout = d.timeout

	if err := c.Login(user, password); err != nil {
		_ = c.Logout()
		return nil, classify("login", err)
	}
	if _, err := c.Select(imap.InboxName, false); err != nil {
		_ = c.Logout()
		return nil, classify("select", err)
	}
	d.logger.Debug("IMAP session opened", "host", host, "user", user)
	return newSession(c, d.logger), nil
}

func (d *Dialer) dial(ctx context.Context, host string) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: d.timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	if h, port, err := net.SplitHostPort(host); err == nil {
		c, err := client.DialWithDialerTLS(dialer, net.JoinHostPort(h, port), d.tlsConfig(h))
		if err != nil {
			return nil, classify("dial", err)
		}
		return c, nil
	}

	c, err := client.DialWithDialerTLS(dialer, net.JoinHostPort(host, imapsPort), d.tlsConfig(host))
	if err == nil {
		return c, nil
	}
	d.logger.Warn("IMAPS connection failed, trying STARTTLS", "host", host, "error", err)

	c, err = client.DialWithDialer(dialer, net.JoinHostPort(host, startTLSPort))
	if err != nil {
		return nil, classify("dial", err)
	}
	c.Timeout = d.timeout
	if err := c.StartTLS(d.tlsConfig(host)); err != nil {
		_ = c.Terminate()
		return nil, classify("starttls", err)
	}
	return c, nil
}

// Session is an authenticated IMAP connection with INBOX selected.
type Session struct {
	logger *logger.Logger
	c      *client.Client
}

var _ models.MailboxSession = (*Session)(nil)

func newSession(c *client.Client, logger *logger.Logger) *Session {
	return &Session{logger: logger, c: c}
}

func (s *Session) EnsureFolder(name string) error {
	mailboxes := make(chan *imap.MailboxInfo, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.c.List("", "*", mailboxes)
	}()

	found := false
	for m := range mailboxes {
		if strings.EqualFold(m.Name, name) {
			found = true
		}
	}
	if err := <-done; err != nil {
		return classify("list", err)
	}
	if found {
		return nil
	}

	s.logger.Info("Creating IMAP folder", "folder", name)
	if err := s.c.Create(name); err != nil {
		if isAlreadyExists(err) {
			return nil
		}
		return classify("create", err)
	}
	return nil
}

func (s *Session) ListUnreadFrom(sender string) ([]models.MessageRef, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("From", sender)
	criteria.WithoutFlags = []string{imap.SeenFlag}
	return s.search(criteria)
}

func (s *Session) ListFrom(sender string) ([]models.MessageRef, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("From", sender)
	return s.search(criteria)
}

func (s *Session) search(criteria *imap.SearchCriteria) ([]models.MessageRef, error) {
	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, classify("search", err)
	}
	// UIDs grow with arrival, so sorting gives receipt order.
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	refs := make([]models.MessageRef, 0, len(uids))
	for _, uid := range uids {
		refs = append(refs, models.MessageRef{UID: uid})
	}
	return refs, nil
}

// FetchHeaderAndBody reads the subject, sender, date and text body without setting \Seen.
func (s *Session) FetchHeaderAndBody(ref models.MessageRef) (*models.MailMessage, error) {
	seq := new(imap.SeqSet)
	seq.AddNum(ref.UID)

	header := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier, Fields: headerFields},
		Peek:         true,
	}
	text := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.TextSpecifier},
		Peek:         true,
	}
	items := []imap.FetchItem{header.FetchItem(), text.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(seq, items, messages)
	}()
	var msg *imap.Message
	for m := range messages {
		if m.Uid == ref.UID || msg == nil {
			msg = m
		}
	}
	if err := <-done; err != nil {
		return nil, classify("fetch", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("imap fetch: message uid %d not found", ref.UID)
	}

	out := &models.MailMessage{Ref: ref}
	for section, literal := range msg.Body {
		if literal == nil {
			continue
		}
		switch section.Specifier {
		case imap.HeaderSpecifier:
			if err := parseHeader(literal, out); err != nil {
				return nil, err
			}
		case imap.TextSpecifier:
			body, err := io.ReadAll(io.LimitReader(literal, maxBodyBytes))
			if err != nil {
				return nil, classify("fetch", err)
			}
			out.Body = string(body)
		}
	}
	return out, nil
}

func parseHeader(r io.Reader, out *models.MailMessage) error {
	h, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return fmt.Errorf("failed to read message header: %w", err)
	}
	mh := mail.Header{Header: gomessage.Header{Header: h}}

	subject, err := mh.Subject()
	if err != nil {
		// Undecodable encoded-words; keep the raw value.
		subject = mh.Get("Subject")
	}
	out.Subject = subject

	if addrs, err := mh.AddressList("From"); err == nil && len(addrs) > 0 {
		out.From = addrs[0].Address
	} else {
		out.From = strings.TrimSpace(mh.Get("From"))
	}
	if date, err := mh.Date(); err == nil {
		out.Date = date
	}
	if id, err := mh.MessageID(); err == nil {
		out.MessageID = id
	} else {
		out.MessageID = strings.Trim(strings.TrimSpace(mh.Get("Message-Id")), "<>")
	}
	return nil
}

// MoveToFolder copies the message, flags the original \Deleted and expunges right away.
// Nothing is deleted when the copy fails.
func (s *Session) MoveToFolder(ref models.MessageRef, folder string) error {
	seq := new(imap.SeqSet)
	seq.AddNum(ref.UID)

	if err := s.c.UidCopy(seq, folder); err != nil {
		return classify("copy", err)
	}
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.c.UidStore(seq, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return classify("store", err)
	}
	if err := s.c.Expunge(nil); err != nil {
		return classify("expunge", err)
	}
	return nil
}

func (s *Session) Close() error {
	if s.c.State() == imap.LogoutState {
		return nil
	}
	if err := s.c.Logout(); err != nil {
		return classify("logout", err)
	}
	return nil
}
