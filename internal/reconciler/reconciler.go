package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/minipass/reconciler/internal/audit"
	"github.com/minipass/reconciler/internal/broker"
	"github.com/minipass/reconciler/internal/config"
	"github.com/minipass/reconciler/internal/http_api"
	"github.com/minipass/reconciler/internal/mailbox"
	"github.com/minipass/reconciler/internal/mailer"
	"github.com/minipass/reconciler/internal/matcher"
	"github.com/minipass/reconciler/internal/metrics"
	"github.com/minipass/reconciler/internal/models"
	"github.com/minipass/reconciler/internal/notificator"
	"github.com/minipass/reconciler/internal/reminder"
	"github.com/minipass/reconciler/internal/scheduler"
	"github.com/minipass/reconciler/internal/settings"
	"github.com/minipass/reconciler/pkg/logger"
)

// Reconciler is the main struct of the application.
// It wires the store, the gateways and the jobs, and serves the one-shot commands.
type Reconciler struct {
	logger *logger.Logger
	config *config.Config

	repo     models.Repository
	settings *settings.Provider
	registry *prometheus.Registry
	metrics  *metrics.Collector

	audit     *audit.Writer
	broker    *broker.Broker
	gateway   *mailer.Gateway
	matcher   *matcher.Matcher
	sweeper   *reminder.Sweeper
	scheduler *scheduler.Scheduler
	server    *http_api.HTTPServer
	telegram  *notificator.TelegramNotificator

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewReconciler builds every component on top of repo. It takes ownership of repo.
func NewReconciler(repo models.Repository, cfg *config.Config, logger *logger.Logger) (*Reconciler, error) {
	provider, err := settings.NewProvider(repo, cfg.EncryptionKey, logger.Named("settings"))
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	var logo []byte
	if cfg.EmailLogoPath != "" {
		if logo, err = os.ReadFile(cfg.EmailLogoPath); err != nil {
			return nil, fmt.Errorf("failed to read email logo: %w", err)
		}
	}

	tokens, err := cfg.AdminTokens()
	if err != nil {
		return nil, err
	}

	r := &Reconciler{
		logger:   logger,
		config:   cfg,
		repo:     repo,
		settings: provider,
		registry: registry,
		metrics:  collector,
	}

	r.audit = audit.NewWriter(repo, logger.Named("audit"))
	r.broker = broker.New(logger.Named("broker"), collector)

	r.gateway, err = mailer.NewGateway(logger.Named("mailer"), provider, repo, r.audit, &mailer.SMTPTransport{}, collector, mailer.Options{
		PublicBaseURL:     cfg.PublicBaseURL,
		UnsubscribeSecret: cfg.UnsubscribeSecret,
		LogoPNG:           logo,
		SendRate:          cfg.SMTPSendRate,
		Workers:           cfg.EmailAsyncWorkers,
		QueueLen:          cfg.EmailAsyncQueueLen,
	})
	if err != nil {
		return nil, err
	}

	location := cfg.Location()
	r.matcher = matcher.New(logger.Named("matcher"), provider, mailbox.NewDialer(logger.Named("imap")), repo, r.audit, r.gateway, r.broker, collector)
	r.sweeper = reminder.New(logger.Named("reminder"), provider, repo, r.gateway, collector, location)
	r.scheduler = scheduler.New(logger.Named("scheduler"), provider, r.matcher, r.sweeper, location, cfg.ReminderHour)

	r.server = http_api.NewHTTPServer(http_api.Deps{
		Broker:            r.broker,
		Users:             repo,
		DB:                repo,
		AdminTokens:       tokens,
		UnsubscribeSecret: cfg.UnsubscribeSecret,
		Gatherer:          registry,
	}, cfg.APIPort, logger.Named("http"))

	return r, nil
}

// Serve runs the scheduler, the HTTP API and the Telegram relay until ctx is done or the
// HTTP server fails.
func (r *Reconciler) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.startTelegram(ctx); err != nil {
		r.logger.Warn("Telegram relay disabled", "error", err)
	}

	r.gateway.Start(ctx)
	r.scheduler.Start(ctx)

	errCh := make(chan error, 1)
	r.safeGo(func() {
		errCh <- r.server.Start()
	}, "httpServer")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	cancel()

	if err := r.server.Shutdown(); err != nil {
		r.logger.Error("Failed to shut down HTTP server", "error", err)
	}
	r.scheduler.Wait()
	r.wg.Wait()
	return errors.Join(serveErr, r.Close())
}

func (r *Reconciler) startTelegram(ctx context.Context) error {
	chatIDs := r.config.TelegramChatIDs()
	if len(chatIDs) == 0 {
		return nil
	}
	token := r.config.TelegramBotToken
	if token == "" {
		var err error
		if token, err = r.settings.String(ctx, settings.KeyTelegramBotToken); err != nil {
			return err
		}
	}
	if token == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is not set")
	}

	tg, err := notificator.NewTelegramNotificator(r.logger.Named("telegram"), token)
	if err != nil {
		return err
	}
	r.telegram = tg
	r.broker.AddListener(notificator.NewNotificator(r.logger.Named("notificator"), tg, chatIDs).HandleEvent)
	r.safeGo(func() { tg.Start(ctx) }, "telegramBot")
	r.logger.Info("Telegram relay started", "chats", len(chatIDs))
	return nil
}

// MatchPayments runs one matcher cycle.
func (r *Reconciler) MatchPayments(ctx context.Context, dryRun bool) (*matcher.CycleReport, error) {
	return r.matcher.RunCycle(ctx, matcher.RunOptions{DryRun: dryRun})
}

// SendReminders runs one reminder sweep.
func (r *Reconciler) SendReminders(ctx context.Context, force, dryRun bool) (*reminder.SweepReport, error) {
	return r.sweeper.Sweep(ctx, reminder.SweepOptions{Force: force, DryRun: dryRun})
}

// ArchiveMatchedEmails moves already matched notifications that are still in the inbox.
func (r *Reconciler) ArchiveMatchedEmails(ctx context.Context, dryRun bool) (*matcher.ArchiveReport, error) {
	return r.matcher.ArchiveMatched(ctx, matcher.RunOptions{DryRun: dryRun})
}

// BackfillMatches reclassifies historical NO_MATCH rows.
func (r *Reconciler) BackfillMatches(ctx context.Context, dryRun bool) (*audit.BackfillReport, error) {
	return r.audit.Backfill(ctx, r.repo, dryRun)
}

// Close flushes queued email, stops the broker and releases the database.
func (r *Reconciler) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.gateway.Stop()
		r.broker.Shutdown()
		err = r.repo.Close()
	})
	return err
}

// safeGo launches a tracked goroutine with panic recovery
func (r *Reconciler) safeGo(fn func(), context string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Goroutine panicked",
					"context", context,
					"panic", rec,
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
