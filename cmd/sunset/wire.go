package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/yairfalse/sunset/executor"
	"github.com/yairfalse/sunset/governor"
	"github.com/yairfalse/sunset/internal/config"
	"github.com/yairfalse/sunset/notifier"
	"github.com/yairfalse/sunset/policy"
	"github.com/yairfalse/sunset/providers"
	_ "github.com/yairfalse/sunset/providers/aws"
	_ "github.com/yairfalse/sunset/providers/static"
	"github.com/yairfalse/sunset/storage"
	"github.com/yairfalse/sunset/storage/sqlstore"
	"github.com/yairfalse/sunset/telemetry"
	"github.com/yairfalse/sunset/wal"
)

// app is a fully wired governor plus everything that must be closed
type app struct {
	cfg      *config.Config
	logger   *telemetry.Logger
	otel     *telemetry.Providers
	store    storage.Store
	journal  *wal.WAL
	notifier notifier.Notifier
	provider providers.CloudProvider
	gov      *governor.Governor

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: telemetry.NewLogger("sunset")}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	var err error
	a.otel, err = telemetry.InitOTEL(ctx, cfg.OTELConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.closers = append(a.closers, a.otel.Shutdown)

	metrics, err := governor.NewMetrics(a.otel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	a.store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })

	var journal governor.Journal
	if !cfg.WAL.Disabled {
		a.journal, err = openJournal(ctx, cfg, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return a.journal.Close() })
		journal = a.journal
	}

	a.notifier, err = buildNotifier(ctx, cfg, telemetry.NewLogger("notifier"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.notifier.Close() })

	guard, err := buildGuard(ctx, cfg, a.logger)
	if err != nil {
		return nil, err
	}

	a.provider, err = providers.GetProvider(ctx, cfg.Provider.Name, cfg.ProviderSettings())
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	exec := executor.New(a.provider, cfg.ExecutorOptions(),
		executor.WithGuard(guard),
		executor.WithLogger(telemetry.NewLogger("executor")),
	)

	a.gov, err = governor.New(governor.Deps{
		Inventory: a.provider,
		Store:     a.store,
		Notifier:  a.notifier,
		Executor:  exec,
		Journal:   journal,
		Metrics:   metrics,
		Logger:    telemetry.NewLogger("governor"),
	}, cfg.ClassifierRules(), cfg.GovernorOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create governor: %w", err)
	}

	a.logger.Info().
		Str("provider", a.provider.Name()).
		Str("region", a.provider.Region()).
		Str("store", cfg.Store.Driver).
		Bool("dry_run", cfg.Rules.DryRun).
		Bool("force_delete", cfg.Rules.ForceDelete).
		Msg("governor ready")

	ready = true
	return a, nil
}

// Close releases resources in reverse order of acquisition
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Store.Driver {
	case "bolt":
		store, err := storage.NewBoltStore(cfg.Store.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		return store, nil
	default:
		store, err := sqlstore.Open(ctx, cfg.SQLStoreConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to open %s state store: %w", cfg.Store.Driver, err)
		}
		return store, nil
	}
}

// openJournal opens a fresh journal file and drops files past retention
func openJournal(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (*wal.WAL, error) {
	journalCfg := cfg.JournalConfig()
	w, err := wal.Open(journalCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	stats, err := wal.Cleanup(journalCfg, time.Now(), w.Path())
	if err != nil {
		logger.WithContext(ctx).Warn().Err(err).Msg("journal cleanup failed")
	} else if stats.FilesRemoved > 0 {
		logger.WithContext(ctx).Info().
			Int("files", stats.FilesRemoved).
			Int64("bytes", stats.BytesFreed).
			Msg("removed expired journal files")
	}
	return w, nil
}

func buildNotifier(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (notifier.Notifier, error) {
	var sinks []notifier.Notifier

	if cfg.Notifier.Log {
		sinks = append(sinks, notifier.NewLogNotifier(logger))
	}

	if webhookCfg, ok := cfg.WebhookSettings(); ok {
		webhook, err := notifier.NewWebhookNotifier(webhookCfg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, webhook)
	}

	if q := cfg.Notifier.SQS; q != nil {
		region := q.Region
		if region == "" {
			region = cfg.Provider.Region
		}
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
		if cfg.Provider.Profile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Provider.Profile))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config for SQS: %w", err)
		}
		queue, err := notifier.NewSQSNotifier(sqs.NewFromConfig(awsCfg), q.QueueURL)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, queue)
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return notifier.NewMulti(sinks...), nil
}

func buildGuard(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (*policy.Engine, error) {
	engine := policy.NewEngine()
	protect := cfg.Policy.ProtectProduction == nil || *cfg.Policy.ProtectProduction
	if err := engine.LoadDefaults(ctx, protect); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	if cfg.Policy.Dir != "" {
		n, err := engine.LoadDir(ctx, cfg.Policy.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
		logger.WithContext(ctx).Info().Int("policies", n).Str("dir", cfg.Policy.Dir).Msg("loaded policies")
	}
	return engine, nil
}
