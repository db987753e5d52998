// Package app builds the process from configuration. Nothing here is global:
// every component, the scheduler included, is constructed explicitly and
// owned by an App.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"crmflow/internal/automation"
	"crmflow/internal/config"
	"crmflow/internal/crm"
	"crmflow/internal/db"
	"crmflow/internal/digest"
	"crmflow/internal/domain"
	"crmflow/internal/engine"
	"crmflow/internal/events"
	"crmflow/internal/mail"
	"crmflow/internal/migrate"
	"crmflow/internal/mutator"
	"crmflow/internal/policy"
	"crmflow/internal/provider"
	"crmflow/internal/repo"
	"crmflow/internal/scheduler"
	"crmflow/internal/tracing"
	"crmflow/internal/webhook"
)

const (
	serviceName    = "crmflow"
	ServiceVersion = "0.3.0"
	webhookJobName = "webhooks"
)

type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	DB        *sql.DB
	Repo      repo.Repo
	Mutators  *mutator.Registry
	Policy    policy.Store
	Engine    engine.Engine
	Worker    automation.Worker
	Notifier  digest.Notifier
	Webhooks  webhook.Dispatcher
	Scheduler *scheduler.Scheduler

	tracing bool
}

// New opens the database, applies migrations and wires every component.
// Call Close when done.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	registry, err := mutator.Default(crm.Services(conn, nil))
	if err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.Repo{DB: conn}
	pol := policy.Store{DB: conn, Repo: r, Events: events.Writer{DB: conn}, Types: registry.Types}
	eng := engine.New(conn, registry, pol, logger.With("component", "engine"))

	a := &App{
		Config:   cfg,
		Logger:   logger,
		DB:       conn,
		Repo:     r,
		Mutators: registry,
		Policy:   pol,
		Engine:   eng,
	}

	search := provider.NewSearchClient(cfg.Discovery.URL, cfg.Discovery.APIKey, provider.NewHTTPClient(cfg.Discovery.Timeout))
	a.Worker = automation.Worker{
		Discoverer: search,
		Proposer:   eng,
		Dedupe:     r,
		Logger:     logger.With("component", "automation"),
	}

	mailer, err := newMailer(cfg.SMTP, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	var summarizer digest.Summarizer
	if cfg.LLM.URL != "" {
		llm := provider.NewLLMClient(cfg.LLM.URL, cfg.LLM.APIKey, cfg.LLM.Model, provider.NewHTTPClient(cfg.LLM.Timeout))
		summarizer = digest.LLMSummarizer{LLM: llm}
	}
	a.Notifier = digest.Notifier{
		Repo:       r,
		Summarizer: summarizer,
		Mailer:     mailer,
		Logger:     logger.With("component", "digest"),
	}

	a.Webhooks = webhook.Dispatcher{
		Store:  r,
		Hooks:  cfg.Webhooks.Hooks,
		Client: provider.NewHTTPClient(cfg.Webhooks.Timeout),
		Logger: logger.With("component", "webhook"),
	}

	a.Scheduler = scheduler.New(a.Jobs(), scheduler.Options{
		Recorder:    r,
		Proposals:   eng,
		Logger:      logger,
		StopTimeout: cfg.Scheduler.StopTimeout,
		AbortGrace:  cfg.Scheduler.AbortGrace,
		Heartbeat:   cfg.Scheduler.Heartbeat,
		StaleAfter:  cfg.Scheduler.StaleAfter,
	})
	return a, nil
}

func newMailer(cfg config.SMTPConfig, logger *slog.Logger) (digest.Mailer, error) {
	if cfg.Host == "" {
		logger.Warn("smtp not configured, digests are logged instead of sent")
		return mail.LogMailer{Logger: logger.With("component", "mail")}, nil
	}
	return mail.NewSMTPMailer(mail.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		Timeout:  cfg.Timeout,
	})
}

// Jobs returns the scheduler jobs for every enabled automation and digest,
// plus the webhook dispatcher when hooks are configured.
func (a *App) Jobs() []scheduler.Job {
	var jobs []scheduler.Job
	for _, ac := range a.Config.Automations {
		if !ac.Enabled {
			continue
		}
		jobs = append(jobs, a.automationJob(ac))
	}
	for _, dc := range a.Config.Digests {
		if !dc.Enabled {
			continue
		}
		jobs = append(jobs, a.digestJob(dc))
	}
	if len(a.Config.Webhooks.Hooks) > 0 {
		jobs = append(jobs, scheduler.Job{
			Name:       webhookJobName,
			Interval:   a.Config.Webhooks.Interval,
			RunOnStart: true,
			Run: func(ctx context.Context) (any, error) {
				return a.Webhooks.Run(ctx)
			},
		})
	}
	return jobs
}

func (a *App) automationJob(ac domain.AutomationConfig) scheduler.Job {
	return scheduler.Job{
		Name:     ac.Name,
		Interval: ac.Interval,
		Timeout:  ac.Timeout,
		Run: func(ctx context.Context) (any, error) {
			return a.Worker.Run(ctx, ac)
		},
	}
}

func (a *App) digestJob(dc config.DigestConfig) scheduler.Job {
	job := dc.Job
	return scheduler.Job{
		Name:     dc.Name,
		Interval: dc.Interval,
		Timeout:  dc.Timeout,
		Run: func(ctx context.Context) (any, error) {
			return a.Notifier.Run(ctx, job)
		},
	}
}

// Start enables tracing when configured, sweeps state left by a previous
// process and starts the scheduler.
func (a *App) Start(ctx context.Context) error {
	if a.Config.Tracing.Enabled {
		if err := tracing.Init(serviceName, ServiceVersion, a.Config.Tracing.Output); err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		a.tracing = true
	}
	if err := a.Scheduler.Reconcile(ctx, a.Config.Scheduler.StaleAfter); err != nil {
		return err
	}
	for _, se := range a.Scheduler.Start(ctx) {
		a.Logger.Warn("startup error", "job", se.Job, "err", se.Err)
	}
	return nil
}

// Close stops the scheduler (waiting for in-flight runs) and releases the
// database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Scheduler != nil {
		errs = append(errs, a.Scheduler.Stop(ctx))
	}
	if a.tracing {
		errs = append(errs, tracing.Shutdown(ctx))
	}
	errs = append(errs, a.DB.Close())
	return errors.Join(errs...)
}

// RunAutomation runs one configured automation once. It takes the same job
// claim as scheduled runs, so it returns scheduler.ErrAlreadyRunning while
// the automation is running here or in another process.
func (a *App) RunAutomation(ctx context.Context, name string) (automation.Summary, error) {
	for _, ac := range a.Config.Automations {
		if ac.Name == name {
			out, err := a.Scheduler.RunOnce(ctx, a.automationJob(ac))
			sum, _ := out.(automation.Summary)
			return sum, err
		}
	}
	return automation.Summary{}, fmt.Errorf("automation %q not configured", name)
}

// RunDigest runs one configured digest once under the shared job claim.
func (a *App) RunDigest(ctx context.Context, name string) (digest.Result, error) {
	for _, dc := range a.Config.Digests {
		if dc.Name == name {
			out, err := a.Scheduler.RunOnce(ctx, a.digestJob(dc))
			res, _ := out.(digest.Result)
			return res, err
		}
	}
	return digest.Result{}, fmt.Errorf("digest %q not configured", name)
}
