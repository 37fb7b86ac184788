package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"villageevents/config"
	"villageevents/internal/adapters/email"
	"villageevents/internal/domain"
	"villageevents/internal/repository/postgres"
	"villageevents/internal/scheduler"
	"villageevents/internal/services"
)

const shutdownTimeout = 30 * time.Second

func main() {
	app := &cli.App{
		Name:  "villageevents",
		Usage: "Materialize upcoming instances of recurring village events.",
		Commands: []*cli.Command{
			advanceCommand(),
			runCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func advanceCommand() *cli.Command {
	return &cli.Command{
		Name:  "advance",
		Usage: "Run the recurrence advancer once and exit.",
		Flags: []cli.Flag{
			&cli.TimestampFlag{Name: "now", Layout: time.RFC3339, Usage: "Evaluate rules as of this RFC3339 time instead of the current time."},
		},
		Action: func(c *cli.Context) error {
			deps, err := wire(c.Context)
			if err != nil {
				return err
			}
			defer deps.close()

			now := time.Now()
			if ts := c.Timestamp("now"); ts != nil {
				now = *ts
			}

			report, err := deps.job.RunOnce(c.Context, now)
			if err != nil {
				return fmt.Errorf("advance failed: %w", err)
			}
			fmt.Fprintf(c.App.Writer, "run %s created %d instance(s)\n", report.RunID, report.CreatedCount())
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the recurrence advancer on its schedule until interrupted.",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			deps, err := wire(ctx)
			if err != nil {
				return err
			}
			defer deps.close()

			s, err := scheduler.New(deps.advancer, deps.alerts, deps.logger, deps.cfg.Advance)
			if err != nil {
				return err
			}
			s.Start()

			<-ctx.Done()
			deps.logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return s.Stop(shutdownCtx)
		},
	}
}

type dependencies struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	advancer domain.RecurrenceAdvancer
	alerts   domain.AlertService
	job      *scheduler.AdvanceJob
}

func wire(ctx context.Context) (*dependencies, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := config.NewLogger()
	slog.SetDefault(logger)

	db, err := postgres.Open(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}

	mailer, err := email.NewMailer(email.MailerConfig{
		Provider:    cfg.Mailer.Provider,
		FromAddress: cfg.Mailer.FromAddress,
		FromName:    cfg.Mailer.FromName,
		SES: email.SESConfig{
			Region:             cfg.Mailer.SESRegion,
			AccessKeyID:        cfg.Mailer.SESAccessKeyID,
			SecretAccessKey:    cfg.Mailer.SESSecretAccessKey,
			InsecureSkipVerify: cfg.Mailer.SESInsecureSkipVerify,
		},
	}, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create mailer: %w", err)
	}
	renderer, err := email.NewTemplateRenderer()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load email templates: %w", err)
	}

	store := postgres.NewRecurrenceStore(db)
	advancer := services.NewRecurrenceAdvancer(store, logger, cfg.Advance.Timeout)
	alerts := services.NewAlertService(mailer, renderer, cfg.Mailer.OperatorEmail, logger)

	return &dependencies{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		advancer: advancer,
		alerts:   alerts,
		job:      scheduler.NewAdvanceJob(advancer, alerts, logger),
	}, nil
}

func (d *dependencies) close() {
	if err := d.db.Close(); err != nil {
		d.logger.Warn("failed to close database", "error", err)
	}
}
