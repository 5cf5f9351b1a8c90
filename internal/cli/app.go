package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"idlink/internal/access"
	"idlink/internal/directory"
	"idlink/internal/mail"
	"idlink/internal/platform/config"
	"idlink/internal/platform/redis"
	"idlink/internal/ratelimit/store/bucket"
	httptransport "idlink/internal/transport/http"
	"idlink/internal/verification/issuer"
	"idlink/internal/verification/lock"
	"idlink/internal/verification/metrics"
	"idlink/internal/verification/ports"
	"idlink/internal/verification/service"
	"idlink/internal/verification/store/memory"
	"idlink/internal/verification/store/postgres"
	"idlink/internal/verification/store/sqlite"
	"idlink/pkg/platform/audit/publisher"
	"idlink/pkg/platform/audit/store/logsink"
	"idlink/pkg/platform/circuit"
)

const auditBuffer = 256

// Store is a mapping store that can create its own schema.
type Store interface {
	ports.Store
	EnsureSchema(ctx context.Context) error
}

// App holds every external handle a command needs. Close releases them in
// reverse order of construction.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   Store
	Service *service.Service
	Checks  map[string]httptransport.HealthCheck

	closers []func() error
}

// Build constructs the verification service and its dependencies from cfg.
// Metrics are registered on reg when it is non-nil.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (_ *App, err error) {
	app := &App{
		Config: cfg,
		Logger: logger,
		Checks: make(map[string]httptransport.HealthCheck),
	}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	app.Store = store
	app.closers = append(app.closers, closeStore)
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		app.Checks["store"] = p.Ping
	}

	var (
		locker  ports.Locker         = lock.NewKeyedLocker()
		limiter ports.AttemptLimiter = bucket.NewInMemoryBucketStore()
	)
	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if rc != nil {
		app.closers = append(app.closers, rc.Close)
		app.Checks["redis"] = rc.Health
		locker = lock.NewRedisLocker(rc.Client, lock.WithTTL(cfg.Redis.LockTTL))
		limiter = bucket.NewRedisBucketStore(rc.Client)
	}

	resolver := newResolver(cfg.Directory, logger)
	mailer := newMailer(cfg.Mail, logger)

	notifier, closeNotifier, err := newNotifier(cfg.Access, logger)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closeNotifier)

	auditor := publisher.NewPublisher(logsink.New(logger),
		publisher.WithAsyncBuffer(auditBuffer),
		publisher.WithLogger(logger),
	)
	app.closers = append(app.closers, func() error {
		auditor.Close()
		return nil
	})

	var m *metrics.Metrics
	if reg != nil {
		m = metrics.NewWith(reg)
	}

	codes, err := issuer.New(store, mailer, locker, issuer.Config{
		CodeLength: cfg.Verification.CodeLength,
		CodeTTL:    cfg.Verification.CodeTTL,
		SweepGrace: cfg.Verification.SweepGrace,
		MailDomain: cfg.Mail.Domain,
	},
		issuer.WithAuditor(auditor),
		issuer.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("build issuer: %w", err)
	}

	app.Service, err = service.New(store, resolver, codes, notifier, locker, service.Config{
		MailDomain:   cfg.Mail.Domain,
		CodeLength:   cfg.Verification.CodeLength,
		BeginLimit:   cfg.Verification.BeginLimit,
		ConfirmLimit: cfg.Verification.ConfirmLimit,
		LimitWindow:  cfg.Verification.LimitWindow,
	},
		service.WithLogger(logger),
		service.WithMetrics(m),
		service.WithAttemptLimiter(limiter),
		service.WithAuditor(auditor),
	)
	if err != nil {
		return nil, fmt.Errorf("build verification service: %w", err)
	}
	return app, nil
}

// Close releases every handle, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openStore opens the configured store and creates its tables if absent.
func openStore(ctx context.Context, cfg config.StoreConfig) (Store, func() error, error) {
	var (
		store   Store
		closeFn = func() error { return nil }
	)
	switch cfg.Driver {
	case "memory":
		store = memory.New()
	case "sqlite":
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		store, closeFn = s, s.Close
	case "postgres":
		s, err := postgres.Open(ctx, cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		store, closeFn = s, s.Close
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	if err := store.EnsureSchema(ctx); err != nil {
		_ = closeFn()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, closeFn, nil
}

func newResolver(cfg config.DirectoryConfig, logger *slog.Logger) ports.Resolver {
	if cfg.Provider == "static" {
		return directory.NewStaticResolver(cfg.Static)
	}
	return directory.NewLDAPResolver(directory.LDAPConfig{
		URL:          cfg.URL,
		BaseDN:       cfg.BaseDN,
		Filter:       cfg.Filter,
		BindDN:       cfg.BindDN,
		BindPassword: cfg.BindPassword,
		Timeout:      cfg.Timeout,
	}, directory.WithLogger(logger))
}

func newMailer(cfg config.MailConfig, logger *slog.Logger) ports.Mailer {
	if cfg.Provider == "log" {
		return mail.NewLogMailer(logger)
	}
	brevo := mail.NewBrevoMailer(mail.BrevoConfig{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		TemplateID: cfg.TemplateID,
		ReplyTo:    cfg.ReplyTo,
		Timeout:    cfg.Timeout,
	}, &http.Client{Timeout: cfg.Timeout})
	return mail.NewGuardedMailer(brevo, circuit.New("brevo"), logger)
}

func newNotifier(cfg config.AccessConfig, logger *slog.Logger) (ports.Notifier, func() error, error) {
	if cfg.Provider != "kafka" {
		return access.NewLogNotifier(cfg.Groups, logger), func() error { return nil }, nil
	}
	client, err := access.NewKafkaClient(cfg.Brokers, cfg.Topic)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error {
		client.Close()
		return nil
	}
	return access.NewKafkaNotifier(client, cfg.Topic, cfg.Groups, logger), closeFn, nil
}
