package matcher

import (
	"context"
	"fmt"

	"github.com/minipass/reconciler/internal/interac"
	"github.com/minipass/reconciler/internal/mailbox"
	"github.com/minipass/reconciler/internal/models"
)

type ArchiveReport struct {
	Scanned   int
	Matched   int
	Moved     int
	Failed    int
	Unrelated int
}

// ArchiveMatched moves inbox notifications that correspond to committed MATCHED rows
// into the processed folder. It repairs cycles whose archive step failed after commit.
func (m *Matcher) ArchiveMatched(ctx context.Context, opts RunOptions) (*ArchiveReport, error) {
	cfg, err := m.settings.Matcher(ctx)
	if err != nil {
		return nil, fmt.Errorf("matcher settings: %w", err)
	}

	rows, err := m.payments.ListEbankPayments(ctx, models.ResultMatched)
	if err != nil {
		return nil, err
	}
	var committed []interac.Payment
	for _, r := range rows {
		committed = append(committed, interac.Payment{
			Name:   interac.NormalizeName(r.ParsedName, cfg.HyphenAsSpace),
			Amount: r.ParsedAmount,
		})
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

	refs, err := session.ListFrom(cfg.Sender)
	if err != nil {
		return nil, err
	}
	report := &ArchiveReport{Scanned: len(refs)}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		msg, err := session.FetchHeaderAndBody(ref)
		if err != nil {
			if mailbox.IsTransient(err) {
				return report, err
			}
			m.logger.Warn("Skipping unreadable message", "uid", ref.UID, "error", err)
			report.Failed++
			continue
		}
		payment, err := interac.ParseSubject(msg.Subject)
		if err != nil || !m.isNotification(cfg, msg) {
			report.Unrelated++
			continue
		}
		name := interac.NormalizeName(payment.Name, cfg.HyphenAsSpace)
		if !containsPayment(committed, name, payment) {
			continue
		}
		report.Matched++
		if opts.DryRun {
			m.logger.Info("Would archive matched notification", "uid", ref.UID, "subject", msg.Subject)
			continue
		}
		if err := session.MoveToFolder(ref, cfg.ProcessedFolder); err != nil {
			if mailbox.IsTransient(err) {
				return report, err
			}
			m.logger.Warn("Failed to archive notification", "uid", ref.UID, "error", err)
			report.Failed++
			continue
		}
		report.Moved++
	}

	m.logger.Info("Archive of matched notifications finished",
		"scanned", report.Scanned,
		"matched", report.Matched,
		"moved", report.Moved,
		"failed", report.Failed,
		"dry_run", opts.DryRun)
	return report, nil
}

func containsPayment(committed []interac.Payment, name string, p interac.Payment) bool {
	for _, c := range committed {
		if c.Name == name && amountMatches(c.Amount, p.Amount) {
			return true
		}
	}
	return false
}
