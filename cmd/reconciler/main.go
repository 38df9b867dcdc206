package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/minipass/reconciler/internal/config"
	"github.com/minipass/reconciler/internal/models"
	"github.com/minipass/reconciler/internal/reconciler"
	"github.com/minipass/reconciler/internal/repository"
	"github.com/minipass/reconciler/pkg/logger"
)

var dryRunFlag = &cli.BoolFlag{Name: "dry-run", Aliases: []string{"n"}, Usage: "Evaluate without writing, sending or moving anything"}

func main() {
	app := &cli.App{
		Name:  "reconciler",
		Usage: "Interac e-Transfer payment reconciliation for Minipass",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "postgres-user", Aliases: []string{"u"}, Usage: "Postgres user"},
			&cli.StringFlag{Name: "postgres-password", Aliases: []string{"p"}, Usage: "Postgres password"},
			&cli.StringFlag{Name: "postgres-host", Aliases: []string{"t"}, Usage: "Postgres host"},
			&cli.IntFlag{Name: "postgres-port", Aliases: []string{"P"}, Usage: "Postgres port"},
			&cli.StringFlag{Name: "postgres-db", Aliases: []string{"d"}, Usage: "Postgres database name"},
			&cli.IntFlag{Name: "api-port", Usage: "HTTP API port"},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the scheduler, the HTTP API and the notification relay",
				Action: serve,
			},
			{
				Name:  "match-payments",
				Usage: "Run one payment matching cycle",
				Flags: []cli.Flag{dryRunFlag},
				Action: func(c *cli.Context) error {
					return withReconciler(c, func(ctx context.Context, r *reconciler.Reconciler, log *logger.Logger) error {
						report, err := r.MatchPayments(ctx, c.Bool("dry-run"))
						if err != nil {
							return err
						}
						log.Info("Payment matching finished",
							"messages", report.Messages,
							"ignored", report.Ignored,
							"matched", report.Count(models.ResultMatched),
							"no_match", report.Count(models.ResultNoMatch),
							"ambiguous", report.Count(models.ResultAmbiguous),
							"parse_error", report.Count(models.ResultParseError),
							"archive_failures", report.ArchiveFailures,
							"dry_run", c.Bool("dry-run"))
						return nil
					})
				},
			},
			{
				Name:  "send-reminders",
				Usage: "Send late payment reminders",
				Flags: []cli.Flag{
					dryRunFlag,
					&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "Ignore the reminder interval"},
				},
				Action: func(c *cli.Context) error {
					return withReconciler(c, func(ctx context.Context, r *reconciler.Reconciler, log *logger.Logger) error {
						report, err := r.SendReminders(ctx, c.Bool("force"), c.Bool("dry-run"))
						if err != nil {
							return err
						}
						log.Info("Reminder sweep finished",
							"candidates", report.Candidates,
							"sent", report.Sent,
							"skipped", report.Skipped,
							"blocked", report.Blocked,
							"failed", report.Failed,
							"dry_run", c.Bool("dry-run"))
						return nil
					})
				},
			},
			{
				Name:  "archive-matched-emails",
				Usage: "Move matched payment notifications left in the inbox",
				Flags: []cli.Flag{dryRunFlag},
				Action: func(c *cli.Context) error {
					return withReconciler(c, func(ctx context.Context, r *reconciler.Reconciler, log *logger.Logger) error {
						report, err := r.ArchiveMatchedEmails(ctx, c.Bool("dry-run"))
						if err != nil {
							return err
						}
						log.Info("Archive finished",
							"scanned", report.Scanned,
							"matched", report.Matched,
							"moved", report.Moved,
							"failed", report.Failed,
							"unrelated", report.Unrelated,
							"dry_run", c.Bool("dry-run"))
						return nil
					})
				},
			},
			{
				Name:  "backfill-matches",
				Usage: "Reclassify NO_MATCH rows that matched an already paid passport",
				Flags: []cli.Flag{dryRunFlag},
				Action: func(c *cli.Context) error {
					return withReconciler(c, func(ctx context.Context, r *reconciler.Reconciler, log *logger.Logger) error {
						report, err := r.BackfillMatches(ctx, c.Bool("dry-run"))
						if err != nil {
							return err
						}
						log.Info("Backfill finished",
							"examined", report.Examined,
							"converted", report.Converted,
							"skipped", report.Skipped,
							"updated_passports", report.UpdatedPassports,
							"dry_run", c.Bool("dry-run"))
						return nil
					})
				},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func serve(c *cli.Context) error {
	return withReconciler(c, func(ctx context.Context, r *reconciler.Reconciler, _ *logger.Logger) error {
		return r.Serve(ctx)
	})
}

// withReconciler loads configuration, opens the store and runs fn until it returns or
// the process is interrupted.
func withReconciler(c *cli.Context, fn func(ctx context.Context, r *reconciler.Reconciler, log *logger.Logger) error) error {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	overrideConfig(c, cfg)

	// Initialize logger
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	// Initialize database
	db, err := repository.NewPostgresDB(cfg.PostgresDSN(), log.Named("repository"))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}

	r, err := reconciler.NewReconciler(db, cfg, log)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize: %v", err)
	}
	defer func() { _ = r.Close() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, r, log)
}

// overrideConfig applies the flags that are set on top of the environment
func overrideConfig(c *cli.Context, cfg *config.Config) {
	if c.IsSet("postgres-user") {
		cfg.PostgresUser = c.String("postgres-user")
	}
	if c.IsSet("postgres-password") {
		cfg.PostgresPassword = c.String("postgres-password")
	}
	if c.IsSet("postgres-host") {
		cfg.PostgresHost = c.String("postgres-host")
	}
	if c.IsSet("postgres-port") {
		cfg.PostgresPort = c.Int("postgres-port")
	}
	if c.IsSet("postgres-db") {
		cfg.PostgresDB = c.String("postgres-db")
	}
	if c.IsSet("api-port") {
		cfg.APIPort = c.Int("api-port")
	}
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}
}
