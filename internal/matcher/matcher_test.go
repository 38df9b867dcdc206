package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"

	"github.com/minipass/reconciler/internal/audit"
	"github.com/minipass/reconciler/internal/mailbox"
	"github.com/minipass/reconciler/internal/mailer"
	"github.com/minipass/reconciler/internal/models"
	"github.com/minipass/reconciler/internal/repository"
	"github.com/minipass/reconciler/internal/settings"
	"github.com/minipass/reconciler/pkg/logger"
)

const bankSender = "notify@payments.interac.ca"

type fakeMailbox struct {
	mu       sync.Mutex
	nextUID  uint32
	inbox    []models.MailMessage
	folders  map[string][]models.MailMessage
	moveErr  error
	fetchErr error
	closed   int
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{folders: map[string][]models.MailMessage{}}
}

func (f *fakeMailbox) deliver(from, subject string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextUID++
	f.inbox = append(f.inbox, models.MailMessage{
		Ref:       models.MessageRef{UID: f.nextUID},
		MessageID: fmt.Sprintf("%d@bank.example", f.nextUID),
		From:      from,
		Subject:   subject,
		Date:      time.Now(),
	})
}

func (f *fakeMailbox) Connect(context.Context, string, string, string) (models.MailboxSession, error) {
	return f, nil
}

func (f *fakeMailbox) EnsureFolder(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.folders[name]; !ok {
		f.folders[name] = nil
	}
	return nil
}

func (f *fakeMailbox) ListUnreadFrom(sender string) ([]models.MessageRef, error) {
	return f.ListFrom(sender)
}

// ListFrom matches on a substring, like IMAP SEARCH FROM.
func (f *fakeMailbox) ListFrom(sender string) ([]models.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var refs []models.MessageRef
	for _, m := range f.inbox {
		if strings.Contains(m.From, sender) {
			refs = append(refs, m.Ref)
		}
	}
	return refs, nil
}

func (f *fakeMailbox) FetchHeaderAndBody(ref models.MessageRef) (*models.MailMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	for _, m := range f.inbox {
		if m.Ref == ref {
			cp := m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("uid %d not found", ref.UID)
}

func (f *fakeMailbox) MoveToFolder(ref models.MessageRef, folder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moveErr != nil {
		return f.moveErr
	}
	for i, m := range f.inbox {
		if m.Ref == ref {
			f.folders[folder] = append(f.folders[folder], m)
			f.inbox = append(f.inbox[:i], f.inbox[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("uid %d not found", ref.UID)
}

func (f *fakeMailbox) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeMailbox) inboxLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inbox)
}

func (f *fakeMailbox) folderLen(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.folders[name])
}

type staticSettings struct{ cfg settings.MatcherSettings }

func (s staticSettings) Matcher(context.Context) (settings.MatcherSettings, error) {
	return s.cfg, nil
}

type staticSMTP struct{}

func (staticSMTP) SMTP(context.Context) (settings.SMTPSettings, error) {
	return settings.SMTPSettings{Host: "smtp.example.com", Port: 587, Sender: "club@example.com"}, nil
}

type recordingTransport struct {
	mu sync.Mutex
	to []string
}

func (r *recordingTransport) Send(_ context.Context, _ settings.SMTPSettings, _ string, to []string, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.to = append(r.to, to...)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.NotificationEvent
}

func (p *recordingPublisher) Publish(ev models.NotificationEvent) models.NotificationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return ev
}

type env struct {
	db        *repository.PostgresDB
	mailbox   *fakeMailbox
	transport *recordingTransport
	published *recordingPublisher
	matcher   *Matcher
}

var testCfg = settings.MatcherSettings{
	Enabled:         true,
	Interval:        30 * time.Minute,
	Threshold:       85,
	Sender:          bankSender,
	SubjectPrefix:   "Virement Interac :",
	ProcessedFolder: "PaymentProcessed",
	HyphenAsSpace:   true,
}

func newEnv(t *testing.T) *env {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := repository.New(sqlite.Open(fmt.Sprintf("file:matcher_%s?mode=memory&cache=shared", name)), logger.NewNop())
	if err != nil {
		t.Fatalf("repository.New: %v", err)
	}
	sqlDB, err := db.Conn.DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	writer := audit.NewWriter(db, logger.NewNop())
	transport := &recordingTransport{}
	gateway, err := mailer.NewGateway(logger.NewNop(), staticSMTP{}, db, writer, transport, nil, mailer.Options{SendRate: 1000})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	if err := db.Conn.Create(&models.Activity{ID: 1, Name: "Hockey"}).Error; err != nil {
		t.Fatalf("create activity: %v", err)
	}

	e := &env{
		db:        db,
		mailbox:   newFakeMailbox(),
		transport: transport,
		published: &recordingPublisher{},
	}
	e.matcher = New(logger.NewNop(), staticSettings{testCfg}, e.mailbox, db, writer, gateway, e.published, nil)
	return e
}

func (e *env) seed(t *testing.T, id int64, userName, amount string, paidBy *string) {
	t.Helper()
	user := &models.User{ID: id, Name: userName, Email: fmt.Sprintf("user%d@example.com", id)}
	if err := e.db.Conn.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	p := &models.Passport{
		ID:         id,
		UserID:     id,
		ActivityID: 1,
		PassCode:   fmt.Sprintf("CODE%d", id),
		SoldAmount: decimal.RequireFromString(amount),
		CreatedAt:  time.Now().AddDate(0, 0, -2),
	}
	if paidBy != nil {
		at := time.Now().Add(-time.Hour)
		p.Paid = true
		p.PaidDate = &at
		p.MarkedPaidBy = paidBy
	}
	if err := e.db.Conn.Create(p).Error; err != nil {
		t.Fatalf("create passport: %v", err)
	}
}

func (e *env) payments(t *testing.T) []*models.EbankPayment {
	t.Helper()
	rows, err := e.db.ListEbankPayments(context.Background(), "")
	if err != nil {
		t.Fatalf("ListEbankPayments: %v", err)
	}
	return rows
}

func (e *env) emailLogs(t *testing.T) []*models.EmailLog {
	t.Helper()
	var logs []*models.EmailLog
	if err := e.db.Conn.Find(&logs).Error; err != nil {
		t.Fatalf("list email logs: %v", err)
	}
	return logs
}

func TestCleanMatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, 42, "Jean Bélanger", "50.00", nil)
	e.mailbox.deliver(bankSender, "Virement Interac : Vous avez reçu 50,00 $ de JEAN BELANGER et ce montant a été déposé")

	report, err := e.matcher.RunCycle(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(report.Decisions) != 1 || !report.Decisions[0].Transitioned || !report.Decisions[0].Archived {
		t.Fatalf("decisions = %+v", report.Decisions)
	}

	p, err := e.db.GetPassport(ctx, 42)
	if err != nil {
		t.Fatalf("GetPassport: %v", err)
	}
	if !p.Paid || p.PaidDate == nil || p.MarkedPaidBy == nil || *p.MarkedPaidBy != models.BotActor {
		t.Errorf("passport = %+v", p)
	}

	rows := e.payments(t)
	if len(rows) != 1 {
		t.Fatalf("payment rows = %d", len(rows))
	}
	r := rows[0]
	if r.Result != models.ResultMatched || r.MatchedPassportID == nil || *r.MatchedPassportID != 42 || !r.MarkAsPaid {
		t.Errorf("row = %+v", r)
	}
	if r.NameScore < 85 {
		t.Errorf("name score = %d", r.NameScore)
	}
	if r.ParsedName != "JEAN BELANGER" || !r.ParsedAmount.Equal(decimal.RequireFromString("50")) {
		t.Errorf("parsed = %q %s", r.ParsedName, r.ParsedAmount)
	}

	logs := e.emailLogs(t)
	if len(logs) != 1 || logs[0].Result != models.EmailSent || logs[0].TemplateName != models.TemplatePaymentReceived {
		t.Errorf("email logs = %+v", logs)
	}
	if len(e.transport.to) != 1 || e.transport.to[0] != "user42@example.com" {
		t.Errorf("emails sent to %v", e.transport.to)
	}

	if len(e.published.events) != 1 {
		t.Fatalf("events = %d", len(e.published.events))
	}
	payload, ok := e.published.events[0].Payload.(models.PaymentPayload)
	if !ok || payload.PassportID != 42 || payload.Activity != "Hockey" || payload.Amount != 50 {
		t.Errorf("event payload = %+v", e.published.events[0].Payload)
	}

	if e.mailbox.inboxLen() != 0 || e.mailbox.folderLen("PaymentProcessed") != 1 {
		t.Errorf("inbox=%d processed=%d", e.mailbox.inboxLen(), e.mailbox.folderLen("PaymentProcessed"))
	}

	// The same notification delivered again must not pay or email twice.
	e.mailbox.deliver(bankSender, "Virement Interac : Vous avez reçu 50,00 $ de JEAN BELANGER et ce montant a été déposé")
	if _, err := e.matcher.RunCycle(ctx, RunOptions{}); err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	rows = e.payments(t)
	if len(rows) != 2 || rows[1].Result != models.ResultMatched || rows[1].MarkAsPaid {
		t.Fatalf("replayed row = %+v", rows[len(rows)-1])
	}
	if len(e.emailLogs(t)) != 1 || len(e.published.events) != 1 {
		t.Error("replayed notification sent a second confirmation")
	}
}

func TestAlreadyPaid(t *testing.T) {
	e := newEnv(t)
	admin := "admin@club.ca"
	e.seed(t, 42, "Jean Bélanger", "50.00", &admin)
	e.mailbox.deliver(bankSender, "Virement Interac : Vous avez reçu 50,00 $ de JEAN BELANGER et ce montant a été déposé")

	if _, err := e.matcher.RunCycle(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	p, _ := e.db.GetPassport(context.Background(), 42)
	if p.MarkedPaidBy == nil || *p.MarkedPaidBy != admin {
		t.Errorf("passport changed: %+v", p)
	}
	rows := e.payments(t)
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0].Result != models.ResultMatched || rows[0].MarkAsPaid {
		t.Errorf("row = %+v", rows[0])
	}
	if !strings.Contains(rows[0].Note, "Already marked PAID by admin@club.ca") {
		t.Errorf("note = %q", rows[0].Note)
	}
	if len(e.emailLogs(t)) != 0 || len(e.published.events) != 0 {
		t.Error("already paid passport must not trigger email or event")
	}
	if e.mailbox.folderLen("PaymentProcessed") != 1 {
		t.Error("already paid notification should be archived")
	}
}

func TestAmbiguousMatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, 1, "MARIE ROY", "25.00", nil)
	e.seed(t, 2, "MARIE ROI", "25.00", nil)
	e.mailbox.deliver(bankSender, "Virement Interac : Vous avez reçu 25,00 $ de MARIE ROY et ce montant a été déposé")

	report, err := e.matcher.RunCycle(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Count(models.ResultAmbiguous) != 1 {
		t.Fatalf("decisions = %+v", report.Decisions)
	}
	for _, id := range []int64{1, 2} {
		if p, _ := e.db.GetPassport(ctx, id); p.Paid {
			t.Errorf("passport %d was marked paid", id)
		}
	}
	rows := e.payments(t)
	if len(rows) != 1 || rows[0].Result != models.ResultAmbiguous || rows[0].MatchedPassportID != nil {
		t.Errorf("rows = %+v", rows)
	}
	if e.mailbox.inboxLen() != 1 || len(e.emailLogs(t)) != 0 {
		t.Error("ambiguous notification must stay in the inbox without email")
	}
}

func TestNoMatchAndParseError(t *testing.T) {
	e := newEnv(t)
	e.seed(t, 1, "Jean Bélanger", "50.00", nil)
	e.mailbox.deliver(bankSender, "Virement Interac : Vous avez reçu 100,00 $ de UNKNOWN PERSON et ce montant a été déposé")
	e.mailbox.deliver(bankSender, "Virement Interac : Votre virement a été annulé")

	report, err := e.matcher.RunCycle(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Count(models.ResultNoMatch) != 1 || report.Count(models.ResultParseError) != 1 {
		t.Fatalf("decisions = %+v", report.Decisions)
	}
	rows := e.payments(t)
	if len(rows) != 2 || rows[0].Note != noMatchNote {
		t.Errorf("rows = %+v", rows)
	}
	if e.mailbox.inboxLen() != 2 {
		t.Errorf("inbox = %d, both messages must stay", e.mailbox.inboxLen())
	}
}

func TestIgnoresForeignSenderAndSubject(t *testing.T) {
	e := newEnv(t)
	e.seed(t, 1, "Jean Bélanger", "50.00", nil)
	e.mailbox.deliver("notify@payments.interac.ca.phish.example", "Virement Interac : Vous avez reçu 50,00 $ de JEAN BELANGER et ce montant a été déposé")
	e.mailbox.deliver(bankSender, "Votre relevé mensuel est disponible")

	report, err := e.matcher.RunCycle(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Ignored != 2 || len(report.Decisions) != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(e.payments(t)) != 0 {
		t.Error("ignored messages must not produce audit rows")
	}
	if p, _ := e.db.GetPassport(context.Background(), 1); p.Paid {
		t.Error("foreign sender paid a passport")
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	e := newEnv(t)
	e.seed(t, 42, "Jean Bélanger", "50.00", nil)
	e.mailbox.deliver(bankSender, "Virement Interac : Vous avez reçu 50,00 $ de JEAN BELANGER et ce montant a été déposé")

	report, err := e.matcher.RunCycle(context.Background(), RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(report.Decisions) != 1 || report.Decisions[0].Result != models.ResultMatched || report.Decisions[0].PassportID != 42 {
		t.Fatalf("decisions = %+v", report.Decisions)
	}
	if p, _ := e.db.GetPassport(context.Background(), 42); p.Paid {
		t.Error("dry run marked passport paid")
	}
	if len(e.payments(t)) != 0 || len(e.emailLogs(t)) != 0 || len(e.published.events) != 0 {
		t.Error("dry run wrote audit rows, sent email or published")
	}
	if e.mailbox.inboxLen() != 1 {
		t.Error("dry run moved the message")
	}
}

func TestTransientFetchAbortsCycle(t *testing.T) {
	e := newEnv(t)
	e.mailbox.deliver(bankSender, "Virement Interac : Vous avez reçu 50,00 $ de JEAN BELANGER et ce montant a été déposé")
	e.mailbox.fetchErr = &mailbox.TransientError{Op: "fetch", Err: errors.New("connection reset")}

	if _, err := e.matcher.RunCycle(context.Background(), RunOptions{}); !mailbox.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if len(e.payments(t)) != 0 {
		t.Error("aborted cycle wrote rows")
	}
	if e.mailbox.closed != 1 {
		t.Error("session not closed")
	}
}

func TestArchiveFailureIsRepairedByArchiveMatched(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, 42, "Jean Bélanger", "50.00", nil)
	e.mailbox.deliver(bankSender, "Virement Interac : Vous avez reçu 50,00 $ de JEAN BELANGER et ce montant a été déposé")
	e.mailbox.deliver(bankSender, "Virement Interac : Vous avez reçu 100,00 $ de UNKNOWN PERSON et ce montant a été déposé")
	e.mailbox.moveErr = errors.New("NO [TRYCREATE] folder missing")

	report, err := e.matcher.RunCycle(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.ArchiveFailures != 1 {
		t.Fatalf("archive failures = %d", report.ArchiveFailures)
	}
	if p, _ := e.db.GetPassport(ctx, 42); !p.Paid {
		t.Fatal("commit must survive an archive failure")
	}

	e.mailbox.moveErr = nil
	dry, err := e.matcher.ArchiveMatched(ctx, RunOptions{DryRun: true})
	if err != nil || dry.Matched != 1 || dry.Moved != 0 {
		t.Fatalf("dry archive = %+v, %v", dry, err)
	}
	archived, err := e.matcher.ArchiveMatched(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("ArchiveMatched: %v", err)
	}
	if archived.Scanned != 2 || archived.Moved != 1 {
		t.Errorf("archive report = %+v", archived)
	}
	if e.mailbox.inboxLen() != 1 || e.mailbox.folderLen("PaymentProcessed") != 1 {
		t.Errorf("inbox=%d processed=%d", e.mailbox.inboxLen(), e.mailbox.folderLen("PaymentProcessed"))
	}
}

func TestRereadAfterArchiveFailureDoesNotPayAgain(t *testing.T) {
	tests := []struct {
		name      string
		messageID bool
	}{
		{name: "by message id", messageID: true},
		{name: "by sender subject and date", messageID: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			e.seed(t, 42, "Jean Bélanger", "50.00", nil)
			e.mailbox.deliver(bankSender, "Virement Interac : Vous avez reçu 50,00 $ de JEAN BELANGER et ce montant a été déposé")
			if !tt.messageID {
				e.mailbox.inbox[0].MessageID = ""
			}
			e.mailbox.moveErr = errors.New("NO [TRYCREATE] folder missing")

			first, err := e.matcher.RunCycle(ctx, RunOptions{})
			if err != nil {
				t.Fatalf("RunCycle: %v", err)
			}
			if first.ArchiveFailures != 1 || e.mailbox.inboxLen() != 1 {
				t.Fatalf("archive failures = %d, inbox = %d", first.ArchiveFailures, e.mailbox.inboxLen())
			}

			e.mailbox.moveErr = nil
			e.seed(t, 43, "Jean Bélanger", "50.00", nil)
			second, err := e.matcher.RunCycle(ctx, RunOptions{})
			if err != nil {
				t.Fatalf("second RunCycle: %v", err)
			}

			if p, _ := e.db.GetPassport(ctx, 43); p.Paid {
				t.Fatal("re-read notification paid a second passport")
			}
			if len(second.Decisions) != 1 {
				t.Fatalf("decisions = %+v", second.Decisions)
			}
			d := second.Decisions[0]
			if d.Result != models.ResultMatched || d.PassportID != 42 || !d.Recorded || !d.Archived || d.Transitioned {
				t.Errorf("decision = %+v", d)
			}
			if second.ArchiveFailures != 0 {
				t.Errorf("archive failures = %d", second.ArchiveFailures)
			}
			if rows := e.payments(t); len(rows) != 1 {
				t.Errorf("payment rows = %d", len(rows))
			}
			if len(e.emailLogs(t)) != 1 || len(e.transport.to) != 1 || len(e.published.events) != 1 {
				t.Errorf("confirmations: logs=%d sent=%d events=%d",
					len(e.emailLogs(t)), len(e.transport.to), len(e.published.events))
			}
			if e.mailbox.inboxLen() != 0 || e.mailbox.folderLen("PaymentProcessed") != 1 {
				t.Errorf("inbox=%d processed=%d", e.mailbox.inboxLen(), e.mailbox.folderLen("PaymentProcessed"))
			}
		})
	}
}
