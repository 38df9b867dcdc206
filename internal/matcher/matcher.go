// Package matcher reconciles Interac e-Transfer notifications in the bank mailbox against
// unpaid passports.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minipass/reconciler/internal/audit"
	"github.com/minipass/reconciler/internal/interac"
	"github.com/minipass/reconciler/internal/mailbox"
	"github.com/minipass/reconciler/internal/metrics"
	"github.com/minipass/reconciler/internal/models"
	"github.com/minipass/reconciler/internal/settings"
	"github.com/minipass/reconciler/pkg/logger"
)

const (
	JobName = "match_payments"

	matchedNote = "Matched by Gmail Bot."
	noMatchNote = "No matching passport found."
)

var cent = decimal.New(1, -2)

type SettingsSource interface {
	Matcher(ctx context.Context) (settings.MatcherSettings, error)
}

// Store is the slice of the repository the matcher reads and writes.
type Store interface {
	models.PassportRepository
	models.UserRepository
	models.ActivityRepository
}

type PaymentLog interface {
	AddEbankPayment(ctx context.Context, payment *models.EbankPayment) error
	ListEbankPayments(ctx context.Context, result models.PaymentResult) ([]*models.EbankPayment, error)
	FindMatchedPayment(ctx context.Context, messageID, from, subject string, receivedAt time.Time) (*models.EbankPayment, error)
}

type Publisher interface {
	Publish(event models.NotificationEvent) models.NotificationEvent
}

type Matcher struct {
	logger    *logger.Logger
	settings  SettingsSource
	dialer    models.MailboxDialer
	store     Store
	payments  PaymentLog
	email     models.EmailGateway
	publisher Publisher
	metrics   metrics.Recorder
	now       func() time.Time
}

func New(
	logger *logger.Logger,
	settings SettingsSource,
	dialer models.MailboxDialer,
	store Store,
	payments PaymentLog,
	email models.EmailGateway,
	publisher Publisher,
	recorder metrics.Recorder,
) *Matcher {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Matcher{
		logger:    logger,
		settings:  settings,
		dialer:    dialer,
		store:     store,
		payments:  payments,
		email:     email,
		publisher: publisher,
		metrics:   recorder,
		now:       time.Now,
	}
}

type RunOptions struct {
	// DryRun evaluates every message but writes nothing, sends nothing and moves nothing.
	DryRun bool
}

// Decision is the outcome for one notification.
type Decision struct {
	UID        uint32
	Subject    string
	Result     models.PaymentResult
	PassportID int64
	Score      int
	// Transitioned is true when this cycle marked the passport paid (or would have, in a dry run).
	Transitioned bool
	// Recorded is true when an earlier cycle already wrote the MATCHED row for this message.
	Recorded bool
	Archived bool
	Note     string
}

type CycleReport struct {
	Messages        int
	Ignored         int
	ArchiveFailures int
	Decisions       []Decision
}

func (r *CycleReport) Count(result models.PaymentResult) int {
	n := 0
	for _, d := range r.Decisions {
		if d.Result == result {
			n++
		}
	}
	return n
}

// RunCycle processes every unread notification from the configured sender in receipt
// order. Connection and transient mailbox errors abort the cycle; per-message outcomes
// are recorded as audit rows. Cancelling ctx stops the cycle between messages.
func (m *Matcher) RunCycle(ctx context.Context, opts RunOptions) (report *CycleReport, err error) {
	start := m.now()
	defer func() {
		m.metrics.RecordCycle(JobName, m.now().Sub(start), err)
	}()

	cfg, err := m.settings.Matcher(ctx)
	if err != nil {
		return nil, fmt.Errorf("matcher settings: %w", err)
	}

	session, err := m.dialer.Connect(ctx, cfg.IMAP.Host, cfg.IMAP.Username, cfg.IMAP.Password)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			m.logger.Warn("Failed to close mailbox session", "error", cerr)
		}
	}()

	if !opts.DryRun {
		if err := session.EnsureFolder(cfg.ProcessedFolder); err != nil {
			return nil, err
		}
	}

	refs, err := session.ListUnreadFrom(cfg.Sender)
	if err != nil {
		return nil, err
	}
	report = &CycleReport{Messages: len(refs)}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		msg, err := session.FetchHeaderAndBody(ref)
		if err != nil {
			if mailbox.IsTransient(err) {
				return report, err
			}
			d, err := m.recordFetchFailure(ctx, ref, err, opts)
			if err != nil {
				return report, err
			}
			report.Decisions = append(report.Decisions, d)
			continue
		}
		if !m.isNotification(cfg, msg) {
			m.logger.Debug("Ignoring message", "uid", ref.UID, "from", msg.From, "subject", msg.Subject)
			report.Ignored++
			continue
		}

		d, err := m.process(ctx, cfg, session, msg, opts)
		if err != nil {
			return report, err
		}
		if d.Result == models.ResultMatched && !opts.DryRun && !d.Archived {
			report.ArchiveFailures++
		}
		report.Decisions = append(report.Decisions, d)
	}

	m.logger.Info("Payment matching cycle finished",
		"messages", report.Messages,
		"ignored", report.Ignored,
		"matched", report.Count(models.ResultMatched),
		"no_match", report.Count(models.ResultNoMatch),
		"ambiguous", report.Count(models.ResultAmbiguous),
		"parse_error", report.Count(models.ResultParseError),
		"archive_failures", report.ArchiveFailures,
		"dry_run", opts.DryRun)
	return report, nil
}

// isNotification applies the exact sender check (SEARCH FROM is a substring match) and
// the subject prefix.
func (m *Matcher) isNotification(cfg settings.MatcherSettings, msg *models.MailMessage) bool {
	if !strings.EqualFold(strings.TrimSpace(msg.From), cfg.Sender) {
		return false
	}
	if cfg.SubjectPrefix == "" {
		return true
	}
	subject := strings.ToLower(strings.Join(strings.Fields(msg.Subject), " "))
	prefix := strings.ToLower(strings.Join(strings.Fields(cfg.SubjectPrefix), " "))
	return strings.HasPrefix(subject, prefix)
}

func (m *Matcher) recordFetchFailure(ctx context.Context, ref models.MessageRef, cause error, opts RunOptions) (Decision, error) {
	row := &models.EbankPayment{
		ReceivedAt: m.now(),
		Result:     models.ResultParseError,
		Note:       fmt.Sprintf("Could not read message uid %d: %v", ref.UID, cause),
	}
	m.logger.Warn("Failed to fetch payment notification", "uid", ref.UID, "error", cause)
	return m.finish(ctx, row, Decision{UID: ref.UID}, opts)
}

type candidate struct {
	passport *models.Passport
	user     *models.User
	score    int
}

func (m *Matcher) process(ctx context.Context, cfg settings.MatcherSettings, session models.MailboxSession, msg *models.MailMessage, opts RunOptions) (Decision, error) {
	row := &models.EbankPayment{
		ReceivedAt:  msg.Date.UTC().Truncate(time.Microsecond),
		MessageID:   msg.MessageID,
		FromAddress: msg.From,
		Subject:     msg.Subject,
	}
	d := Decision{UID: msg.Ref.UID, Subject: msg.Subject}

	if msg.MessageID != "" || !msg.Date.IsZero() {
		prior, err := m.payments.FindMatchedPayment(ctx, row.MessageID, row.FromAddress, row.Subject, row.ReceivedAt)
		if err != nil {
			return d, err
		}
		if prior != nil {
			return m.recorded(cfg, session, msg, prior, d, opts), nil
		}
	}
	if msg.Date.IsZero() {
		row.ReceivedAt = m.now()
	}

	payment, err := interac.ParseSubject(msg.Subject)
	if err != nil {
		row.Result = models.ResultParseError
		row.Note = "Could not parse payment notification: " + err.Error()
		return m.finish(ctx, row, d, opts)
	}
	row.ParsedName = payment.Name
	row.ParsedAmount = payment.Amount
	name := interac.NormalizeName(payment.Name, cfg.HyphenAsSpace)

	unpaid, err := m.store.ListUnpaidPassports(ctx)
	if err != nil {
		return d, err
	}
	candidates, err := m.score(ctx, unpaid, name, cfg.HyphenAsSpace)
	if err != nil {
		return d, err
	}
	eligible, best := eligibleMatches(candidates, payment.Amount, cfg.Threshold)
	row.NameScore = best

	var transitioned *models.MarkPaidResult
	var chosen candidate
	switch len(eligible) {
	case 0:
		paid, err := m.alreadyPaidMatch(ctx, payment, name, cfg)
		if err != nil {
			return d, err
		}
		if paid == nil {
			row.Result = models.ResultNoMatch
			row.Note = noMatchNote
			break
		}
		chosen = *paid
		fillMatch(row, chosen)
		row.Note = audit.AlreadyPaidNote(chosen.user.Name, chosen.passport.SoldAmount, chosen.passport.ID,
			deref(chosen.passport.MarkedPaidBy), chosen.passport.PaidDate)

	case 1:
		chosen = eligible[0]
		if opts.DryRun {
			fillMatch(row, chosen)
			row.MarkAsPaid = true
			row.Note = matchedNote
			d.Transitioned = true
			break
		}
		res, err := m.store.MarkPaid(ctx, chosen.passport.ID, models.BotActor, m.now().UTC())
		if errors.Is(err, models.ErrIntegrity) {
			row.Result = models.ResultNoMatch
			row.Note = fmt.Sprintf("Passport #%d could not be marked paid: %v", chosen.passport.ID, err)
			break
		}
		if err != nil {
			return d, err
		}
		chosen.passport = res.Passport
		fillMatch(row, chosen)
		if res.Transitioned {
			row.MarkAsPaid = true
			row.Note = matchedNote
			d.Transitioned = true
			transitioned = res
		} else {
			row.Note = audit.AlreadyPaidNote(chosen.user.Name, res.Passport.SoldAmount, res.Passport.ID,
				deref(res.Passport.MarkedPaidBy), res.Passport.PaidDate)
		}

	default:
		row.Result = models.ResultAmbiguous
		row.Note = ambiguousNote(payment, eligible)
	}

	d, err = m.finish(ctx, row, d, opts)
	if err != nil {
		return d, err
	}

	if transitioned != nil {
		m.announce(ctx, chosen)
	}
	if row.Result == models.ResultMatched && !opts.DryRun {
		d.Archived = m.archive(cfg, session, msg)
	}
	return d, nil
}

// recorded handles a message whose MATCHED row an earlier cycle wrote before its archive
// step failed. Nothing is written, paid or sent again; the message is only archived.
func (m *Matcher) recorded(cfg settings.MatcherSettings, session models.MailboxSession, msg *models.MailMessage, prior *models.EbankPayment, d Decision, opts RunOptions) Decision {
	d.Result = models.ResultMatched
	d.Recorded = true
	d.Score = prior.NameScore
	d.Note = fmt.Sprintf("Already recorded as payment #%d.", prior.ID)
	if prior.MatchedPassportID != nil {
		d.PassportID = *prior.MatchedPassportID
	}
	m.logger.Info("Notification already matched, archiving only",
		"uid", msg.Ref.UID, "payment_id", prior.ID, "passport_id", d.PassportID)
	if !opts.DryRun {
		d.Archived = m.archive(cfg, session, msg)
	}
	return d
}

func (m *Matcher) archive(cfg settings.MatcherSettings, session models.MailboxSession, msg *models.MailMessage) bool {
	if err := session.MoveToFolder(msg.Ref, cfg.ProcessedFolder); err != nil {
		m.logger.Warn("Failed to archive matched notification",
			"uid", msg.Ref.UID, "folder", cfg.ProcessedFolder, "error", err)
		return false
	}
	return true
}

// finish appends the audit row and fills in the decision.
func (m *Matcher) finish(ctx context.Context, row *models.EbankPayment, d Decision, opts RunOptions) (Decision, error) {
	d.Result = row.Result
	d.Score = row.NameScore
	d.Note = row.Note
	if row.MatchedPassportID != nil {
		d.PassportID = *row.MatchedPassportID
	}
	m.logger.Debug("Payment decision",
		"uid", d.UID,
		"name", row.ParsedName,
		"amount", row.ParsedAmount.StringFixed(2),
		"result", row.Result,
		"passport_id", d.PassportID,
		"score", row.NameScore)
	if opts.DryRun {
		return d, nil
	}
	if err := m.payments.AddEbankPayment(ctx, row); err != nil {
		return d, fmt.Errorf("failed to record payment audit row: %w", err)
	}
	m.metrics.RecordPayment(string(row.Result))
	return d, nil
}

func (m *Matcher) score(ctx context.Context, passports []*models.Passport, name string, hyphenAsSpace bool) ([]candidate, error) {
	if len(passports) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(passports))
	for _, p := range passports {
		ids = append(ids, p.UserID)
	}
	users, err := m.store.GetUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(passports))
	for _, p := range passports {
		u, ok := users[p.UserID]
		if !ok {
			continue
		}
		out = append(out, candidate{
			passport: p,
			user:     u,
			score:    interac.Similarity(name, interac.NormalizeName(u.Name, hyphenAsSpace)),
		})
	}
	return out, nil
}

// eligibleMatches keeps candidates at or above threshold whose amount is within one cent,
// best score first. best is the highest score seen whether or not it qualified.
func eligibleMatches(candidates []candidate, amount decimal.Decimal, threshold int) ([]candidate, int) {
	best := 0
	var eligible []candidate
	for _, c := range candidates {
		if c.score > best {
			best = c.score
		}
		if c.score >= threshold && amountMatches(c.passport.SoldAmount, amount) {
			eligible = append(eligible, c)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].score > eligible[j].score })
	return eligible, best
}

func amountMatches(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(cent)
}

// alreadyPaidMatch looks for a paid passport the notification would have matched, so that
// re-delivered or late notifications are recorded as MATCHED instead of NO_MATCH.
func (m *Matcher) alreadyPaidMatch(ctx context.Context, payment interac.Payment, name string, cfg settings.MatcherSettings) (*candidate, error) {
	paid, err := m.store.ListPaidByAmount(ctx, payment.Amount)
	if err != nil {
		return nil, err
	}
	candidates, err := m.score(ctx, paid, name, cfg.HyphenAsSpace)
	if err != nil {
		return nil, err
	}
	eligible, _ := eligibleMatches(candidates, payment.Amount, cfg.Threshold)
	if len(eligible) == 0 {
		return nil, nil
	}
	return &eligible[0], nil
}

func fillMatch(row *models.EbankPayment, c candidate) {
	id := c.passport.ID
	name := c.user.Name
	row.Result = models.ResultMatched
	row.MatchedPassportID = &id
	row.MatchedName = &name
	row.MatchedAmount = decimal.NewNullDecimal(c.passport.SoldAmount)
	row.NameScore = c.score
}

func ambiguousNote(payment interac.Payment, eligible []candidate) string {
	parts := make([]string, 0, len(eligible))
	for _, c := range eligible {
		parts = append(parts, fmt.Sprintf("%s (Passport #%d, %d%%)", c.user.Name, c.passport.ID, c.score))
	}
	return fmt.Sprintf("Ambiguous: %d unpaid passports match %s ($%s): %s",
		len(eligible), payment.Name, payment.Amount.StringFixed(2), strings.Join(parts, ", "))
}

// announce sends the payment confirmation and publishes the dashboard event for a passport
// that became paid in this cycle. Failures here never undo the transition.
func (m *Matcher) announce(ctx context.Context, c candidate) {
	activityName := ""
	activities, err := m.store.GetActivities(ctx, []int64{c.passport.ActivityID})
	if err != nil {
		m.logger.Warn("Failed to load activity", "activity_id", c.passport.ActivityID, "error", err)
	} else if a, ok := activities[c.passport.ActivityID]; ok {
		activityName = a.Name
	}

	if c.user.Email != "" {
		paidDate := ""
		if c.passport.PaidDate != nil {
			paidDate = c.passport.PaidDate.Format("2006-01-02 15:04")
		}
		res := m.email.Send(ctx, models.EmailRequest{
			To:           c.user.Email,
			TemplateName: models.TemplatePaymentReceived,
			PassCode:     c.passport.PassCode,
			Context: map[string]interface{}{
				"user_name":      c.user.Name,
				"amount":         c.passport.SoldAmount.StringFixed(2),
				"activity":       activityName,
				"pass_code":      c.passport.PassCode,
				"uses_remaining": c.passport.UsesRemaining,
				"paid_date":      paidDate,
			},
		})
		if !res.Delivered() {
			m.logger.Warn("Payment confirmation not delivered",
				"passport_id", c.passport.ID, "to", c.user.Email, "reason", res.Reason)
		}
	}

	if m.publisher == nil {
		return
	}
	activityID := c.passport.ActivityID
	m.publisher.Publish(models.NewPaymentEvent(models.PaymentPayload{
		PassportID: c.passport.ID,
		UserName:   c.user.Name,
		Email:      c.user.Email,
		Amount:     c.passport.SoldAmount.InexactFloat64(),
		Activity:   activityName,
		ActivityID: &activityID,
		Avatar:     models.GravatarURL(c.user.Email, 40),
		PaidDate:   c.passport.PaidDate,
	}, m.now()))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
