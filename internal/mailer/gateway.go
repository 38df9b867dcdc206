// Package mailer renders and delivers templated emails and records every attempt.
package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/datatypes"

	"github.com/minipass/reconciler/internal/metrics"
	"github.com/minipass/reconciler/internal/models"
	"github.com/minipass/reconciler/internal/settings"
	"github.com/minipass/reconciler/pkg/logger"
	"github.com/minipass/reconciler/pkg/validation"
)

const logoCID = "logo"

// SMTPSource resolves transport settings for each send so edits apply immediately.
type SMTPSource interface {
	SMTP(ctx context.Context) (settings.SMTPSettings, error)
}

// EmailLogWriter receives one row per send attempt.
type EmailLogWriter interface {
	AddEmailLog(ctx context.Context, entry *models.EmailLog) error
}

type Options struct {
	PublicBaseURL     string
	UnsubscribeSecret string
	// LogoPNG is attached inline to every message when set.
	LogoPNG      []byte
	SendRate     float64
	Workers      int
	QueueLen     int
	Organization string
}

type Gateway struct {
	logger   *logger.Logger
	settings SMTPSource
	users    models.UserRepository
	audit    EmailLogWriter

	transport Transport
	templates *Templates
	limiter   *rate.Limiter
	metrics   metrics.Recorder
	opts      Options
	now       func() time.Time

	jobsMu    sync.RWMutex
	stopped   bool
	jobs      chan models.EmailRequest
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

var _ models.EmailGateway = (*Gateway)(nil)

func NewGateway(
	logger *logger.Logger,
	smtpSource SMTPSource,
	users models.UserRepository,
	audit EmailLogWriter,
	transport Transport,
	recorder metrics.Recorder,
	opts Options,
) (*Gateway, error) {
	templates, err := LoadTemplates()
	if err != nil {
		return nil, err
	}
	if opts.SendRate <= 0 {
		opts.SendRate = 2
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueLen <= 0 {
		opts.QueueLen = 64
	}
	if opts.Organization == "" {
		opts.Organization = "Minipass"
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Gateway{
		logger:    logger,
		settings:  smtpSource,
		users:     users,
		audit:     audit,
		transport: transport,
		templates: templates,
		limiter:   rate.NewLimiter(rate.Limit(opts.SendRate), 1),
		metrics:   recorder,
		opts:      opts,
		now:       time.Now,
		jobs:      make(chan models.EmailRequest, opts.QueueLen),
	}, nil
}

// Send renders and delivers one email synchronously. An EmailLog row is written for
// every outcome, including opt-out blocks.
func (g *Gateway) Send(ctx context.Context, req models.EmailRequest) models.SendResult {
	subject := subjectFor(req)
	result := g.send(ctx, req, subject)
	g.record(ctx, req, subject, result)
	return result
}

func (g *Gateway) send(ctx context.Context, req models.EmailRequest, subject string) models.SendResult {
	to, err := validation.ValidateAndNormalizeEmail(req.To)
	if err != nil {
		return failed("permanent: invalid recipient: " + err.Error())
	}

	user, err := g.users.FindUserByEmail(ctx, to)
	if err != nil {
		return failed("transient: opt-out lookup failed: " + err.Error())
	}
	if user != nil && user.EmailOptOut {
		g.logger.Info("Email blocked, recipient opted out", "to", to, "template", req.TemplateName)
		return models.SendResult{Status: models.EmailBlockedOptOut}
	}

	if !g.templates.Has(req.TemplateName) {
		return failed(fmt.Sprintf("permanent: unknown template %q", req.TemplateName))
	}
	cfg, err := g.settings.SMTP(ctx)
	if err != nil {
		return failed("permanent: smtp configuration: " + err.Error())
	}

	data := make(map[string]interface{}, len(req.Context)+4)
	for k, v := range req.Context {
		data[k] = v
	}
	data["organization"] = g.opts.Organization
	unsubscribeURL := UnsubscribeURL(g.opts.PublicBaseURL, g.opts.UnsubscribeSecret, to)
	data["unsubscribe_url"] = unsubscribeURL
	if unsubscribeURL == "" {
		data["unsubscribe_url"] = "mailto:" + cfg.Sender + "?subject=unsubscribe"
	}

	images := make(map[string][]byte, len(req.InlineImages)+1)
	for cid, img := range req.InlineImages {
		images[cid] = img
	}
	if len(g.opts.LogoPNG) > 0 {
		images[logoCID] = g.opts.LogoPNG
		data["logo_cid"] = logoCID
	}

	htmlBody, textBody, err := g.templates.Render(req.TemplateName, data)
	if err != nil {
		return failed("permanent: " + err.Error())
	}

	unsubscribe := []string{"mailto:" + cfg.Sender + "?subject=unsubscribe"}
	if unsubscribeURL != "" {
		unsubscribe = append(unsubscribe, unsubscribeURL)
	}
	msg, messageID, err := compose(envelope{
		FromName:    cfg.SenderName,
		From:        cfg.Sender,
		To:          to,
		ReplyTo:     cfg.ReplyTo,
		Subject:     subject,
		HTML:        htmlBody,
		Text:        textBody,
		Images:      images,
		Unsubscribe: unsubscribe,
		Date:        g.now(),
	})
	if err != nil {
		return failed("permanent: " + err.Error())
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return failed("transient: " + err.Error())
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := g.transport.Send(sendCtx, cfg, cfg.Sender, []string{to}, msg); err != nil {
		reason := classifySendError(err)
		g.logger.Warn("Email delivery failed", "to", to, "template", req.TemplateName, "reason", reason)
		return failed(reason)
	}
	g.logger.Info("Email sent", "to", to, "template", req.TemplateName, "message_id", messageID)
	return models.SendResult{Status: models.EmailSent}
}

func failed(reason string) models.SendResult {
	return models.SendResult{Status: models.EmailFailed, Reason: reason}
}

func (g *Gateway) record(ctx context.Context, req models.EmailRequest, subject string, result models.SendResult) {
	g.metrics.RecordEmail(req.TemplateName, string(result.Status))

	entry := &models.EmailLog{
		SentAt:          g.now().UTC(),
		ToAddress:       req.To,
		Subject:         subject,
		TemplateName:    req.TemplateName,
		ContextSnapshot: snapshot(req.Context),
		Result:          result.Status,
	}
	if req.PassCode != "" {
		code := req.PassCode
		entry.PassCode = &code
	}
	if result.Reason != "" {
		reason := result.Reason
		entry.ErrorMessage = &reason
	}
	// The audit row must survive a cancelled caller context.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := g.audit.AddEmailLog(logCtx, entry); err != nil {
		g.logger.Error("Failed to write email log", "to", req.To, "error", err)
	}
}

// snapshot keeps scalar context values only; image bytes and nested values are dropped.
func snapshot(ctx map[string]interface{}) datatypes.JSON {
	out := make(map[string]interface{}, len(ctx))
	for k, v := range ctx {
		switch v.(type) {
		case string, bool, int, int64, float64, fmt.Stringer:
			out[k] = v
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(data)
}

// Start launches the async send workers. They keep draining the queue after ctx is
// cancelled and exit once Stop closes it, so every queued send gets an email log row.
func (g *Gateway) Start(ctx context.Context) {
	g.startOnce.Do(func() {
		sendCtx := context.WithoutCancel(ctx)
		for i := 0; i < g.opts.Workers; i++ {
			g.wg.Add(1)
			go g.worker(sendCtx)
		}
	})
}

func (g *Gateway) worker(ctx context.Context) {
	defer g.wg.Done()
	for req := range g.jobs {
		g.safeCall(func() { g.Send(ctx, req) }, "asyncEmail")
	}
}

// SendAsync queues req and returns immediately. A full queue is recorded as a failed send.
func (g *Gateway) SendAsync(req models.EmailRequest) {
	g.jobsMu.RLock()
	defer g.jobsMu.RUnlock()
	if g.stopped {
		g.record(context.Background(), req, subjectFor(req), failed("transient: email gateway stopped"))
		return
	}
	select {
	case g.jobs <- req:
	default:
		g.logger.Error("Async email queue full", "to", req.To, "template", req.TemplateName)
		g.record(context.Background(), req, subjectFor(req), failed("transient: async queue full"))
	}
}

// Stop drains queued sends and waits for the workers.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		g.jobsMu.Lock()
		g.stopped = true
		close(g.jobs)
		g.jobsMu.Unlock()
	})
	g.wg.Wait()
}

// safeCall runs a function with panic recovery
func (g *Gateway) safeCall(fn func(), context string) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}
