package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/apiusage"
	"github.com/Ramsey-B/fern/internal/repositories/reference"
	"github.com/Ramsey-B/fern/internal/repositories/versioned"
	"github.com/Ramsey-B/fern/pkg/alias"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/fetcher"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/ingestion"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/mapping"
	"github.com/Ramsey-B/fern/pkg/quota"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/versioning"
)

// app holds the process-wide dependencies of one command run.
type app struct {
	cfg    *config.Config
	logger ectologger.Logger
	md     *mapping.Metadata
	dryRun bool

	startup  *startup.Startup
	db       database.DB
	redis    *redis.Client
	producer *kafka.Producer

	closers []func(ctx context.Context) error
}

type appOptions struct {
	dryRun       bool
	needMetadata bool
	needRedis    bool
	needKafka    bool
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, flush, err := logging.New(logging.Config{AppName: cfg.AppName, Level: cfg.LogLevel, Pretty: cfg.PrettyLogs})
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		dryRun:  opts.dryRun,
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
		closers: []func(context.Context) error{func(context.Context) error { flush(); return nil }},
	}

	if cfg.OTLPEnabled {
		shutdown, err := tracing.Setup(ctx, tracing.OTLPConfig{
			ServiceName: cfg.AppName,
			Endpoint:    cfg.OTLPEndpoint,
			Protocol:    cfg.OTLPProtocol,
			Insecure:    cfg.OTLPInsecure,
			Timeout:     10 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, shutdown)
	}

	if opts.needMetadata {
		if a.md, err = mapping.Load(cfg.MetadataPath); err != nil {
			return nil, err
		}
	}

	if opts.dryRun {
		return a, nil
	}

	a.startup.AddDependency(startup.Func{
		Name: "postgres",
		OnStart: func(ctx context.Context) error {
			db, err := database.Connect(ctx, database.Config{
				Host:            cfg.DatabaseHost,
				Port:            cfg.DatabasePort,
				User:            cfg.DatabaseUserName,
				Password:        cfg.DatabasePassword,
				Name:            cfg.DatabaseName,
				SSLMode:         cfg.DatabaseSSLMode,
				MaxOpenConns:    cfg.DatabaseMaxOpenConns,
				MaxIdleConns:    cfg.DatabaseMaxIdleConns,
				ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
			}, logger)
			if err != nil {
				return err
			}
			a.db = db
			return nil
		},
		OnStop: func(context.Context) error {
			if a.db == nil {
				return nil
			}
			return a.db.SQL().Close()
		},
	})

	if opts.needRedis && (cfg.QuotaBackend == config.QuotaBackendRedis || cfg.BatchLocksEnabled) {
		a.startup.AddDependency(startup.Func{
			Name: "redis",
			OnStart: func(context.Context) error {
				client, err := redis.NewClient(redis.Config{
					Host:     cfg.RedisHost,
					Port:     cfg.RedisPort,
					Password: cfg.RedisPassword,
					DB:       cfg.RedisDB,
				}, logger)
				if err != nil {
					return err
				}
				a.redis = client
				return nil
			},
			OnStop: func(context.Context) error {
				if a.redis == nil {
					return nil
				}
				return a.redis.Close()
			},
		})
	}

	if opts.needKafka && cfg.KafkaBrokers != "" {
		a.startup.AddDependency(startup.Func{
			Name: "kafka",
			OnStart: func(context.Context) error {
				a.producer = kafka.NewProducer(kafka.Config{
					Brokers: kafka.ParseBrokers(cfg.KafkaBrokers),
					Topic:   cfg.KafkaChangesTopic,
				}, logger)
				return nil
			},
			OnStop: func(context.Context) error {
				if a.producer == nil {
					return nil
				}
				return a.producer.Close()
			},
		})
	}

	if err := a.startup.Start(ctx); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.startup.Stop)
	return a, nil
}

// Close stops the dependencies in reverse order and flushes telemetry.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.WithContext(ctx).WithError(err).Warn("Shutdown step failed")
		}
	}
}

func (a *app) referenceStore() alias.ReadWriteStore {
	if a.dryRun {
		return alias.NewMemoryStore()
	}
	return reference.NewRepository(a.db, a.logger)
}

func (a *app) versionStore() versioning.Store {
	if a.dryRun {
		return versioning.NewMemoryStore()
	}
	return versioned.NewRepository(a.db, a.logger)
}

func (a *app) usageLog() quota.UsageLog {
	switch {
	case a.dryRun || a.cfg.QuotaBackend == config.QuotaBackendMemory:
		return quota.NewMemoryUsageLog()
	case a.cfg.QuotaBackend == config.QuotaBackendRedis:
		return redis.NewUsageLog(a.redis, "", a.cfg.QuotaWindow)
	default:
		return apiusage.NewRepository(a.db, a.logger)
	}
}

func (a *app) engine() (*versioning.Engine, error) {
	engine, err := versioning.NewEngine(a.versionStore(), versioning.DefaultKinds(), a.logger)
	if err != nil {
		return nil, err
	}
	engine.WithMaxRetries(a.cfg.UpsertMaxRetries)
	if a.producer != nil {
		engine.WithObserver(events.NewEmitter(a.producer, a.logger))
	}
	return engine, nil
}

// fetchers builds one quota-tracked HTTP fetcher per service that has credentials configured.
func (a *app) fetchers() (map[string]fetcher.Fetcher, error) {
	usage := a.usageLog()
	out := make(map[string]fetcher.Fetcher, len(a.md.Services))
	for _, svc := range a.md.Services {
		creds := config.Credentials(svc.CredentialsEnv)
		if len(creds) == 0 {
			a.logger.WithFields(map[string]any{"service_id": svc.ID, "env": svc.CredentialsEnv}).Warn("No credentials configured, service is disabled")
			continue
		}

		limit := a.cfg.TokenLimit
		if svc.TokenLimit > 0 {
			limit = svc.TokenLimit
		}
		tracker, err := quota.NewTracker(quota.Config{
			ServiceID:   svc.ID,
			Credentials: creds,
			Limit:       limit,
			Window:      a.cfg.QuotaWindow,
			SecretParam: svc.SecretParam,
		}, usage, a.logger)
		if err != nil {
			return nil, err
		}

		httpCfg := httpclient.DefaultConfig(svc.ID)
		httpCfg.Timeout = a.cfg.FetchTimeout
		out[svc.ID] = fetcher.NewHTTPFetcher(svc, tracker, httpCfg, a.logger)
	}
	return out, nil
}

func (a *app) orchestrator() (*ingestion.Orchestrator, error) {
	if a.md == nil {
		return nil, fmt.Errorf("metadata not loaded")
	}

	refs := a.referenceStore()
	resolver := alias.NewResolver(refs, a.md.AliasingTypes(), a.logger)

	fetchers, err := a.fetchers()
	if err != nil {
		return nil, err
	}

	registry, err := ingestion.RegistryFromMetadata(a.md,
		ingestion.NewSeedLoader(refs, a.md.Seeds, a.logger),
		ingestion.NewCrossRefLoader(a.md, fetchers, resolver, refs, a.logger),
	)
	if err != nil {
		return nil, err
	}

	engine, err := a.engine()
	if err != nil {
		return nil, err
	}

	var locker ingestion.BatchLocker
	if a.redis != nil && a.cfg.BatchLocksEnabled {
		locker = redis.NewLocker(a.redis, "")
	}

	return ingestion.NewOrchestrator(ingestion.Config{
		Registry: registry,
		Metadata: a.md,
		Fetchers: fetchers,
		Mapper:   mapping.NewMapper(resolver, a.logger),
		Engine:   engine,
		Locker:   locker,
		Workers:  a.cfg.FetchWorkers,
	}, a.logger)
}
