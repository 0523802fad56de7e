package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"gatekeeper/internal/audit/fallback"
	audithandler "gatekeeper/internal/audit/handler"
	auditmetrics "gatekeeper/internal/audit/metrics"
	auditports "gatekeeper/internal/audit/ports"
	auditservice "gatekeeper/internal/audit/service"
	"gatekeeper/internal/audit/signing"
	auditmemory "gatekeeper/internal/audit/store/memory"
	auditpostgres "gatekeeper/internal/audit/store/postgres"
	"gatekeeper/internal/audit/stream"
	"gatekeeper/internal/audit/workers/flusher"
	"gatekeeper/internal/authz/evaluator"
	authzhandler "gatekeeper/internal/authz/handler"
	authzmetrics "gatekeeper/internal/authz/metrics"
	authzmiddleware "gatekeeper/internal/authz/middleware"
	bghandler "gatekeeper/internal/breakglass/handler"
	bgmetrics "gatekeeper/internal/breakglass/metrics"
	"gatekeeper/internal/breakglass/notify"
	bgports "gatekeeper/internal/breakglass/ports"
	bgservice "gatekeeper/internal/breakglass/service"
	"gatekeeper/internal/breakglass/store/sessions"
	"gatekeeper/internal/breakglass/workers/sweeper"
	"gatekeeper/internal/platform/config"
	"gatekeeper/internal/platform/database"
	"gatekeeper/internal/platform/health"
	"gatekeeper/internal/platform/kafka"
	"gatekeeper/internal/platform/kafka/producer"
	"gatekeeper/internal/platform/redis"
	"gatekeeper/internal/platform/tracer"
	"gatekeeper/internal/policy"
	policyhandler "gatekeeper/internal/policy/handler"
	rlconfig "gatekeeper/internal/ratelimit/config"
	rlmetrics "gatekeeper/internal/ratelimit/metrics"
	rlmodels "gatekeeper/internal/ratelimit/models"
	rlports "gatekeeper/internal/ratelimit/ports"
	rlservice "gatekeeper/internal/ratelimit/service"
	"gatekeeper/internal/ratelimit/store/bucket"
	"gatekeeper/internal/ratelimit/workers/cleanup"
	"gatekeeper/internal/session"
	httptransport "gatekeeper/internal/transport/http"
	"gatekeeper/pkg/platform/middleware/metadata"
	"gatekeeper/pkg/platform/middleware/request"
)

const (
	poolStatsInterval = 15 * time.Second
	producerFlushWait = 5 * time.Second
)

// worker runs until ctx is done.
type worker func(ctx context.Context) error

type application struct {
	router   http.Handler
	registry *policy.Registry
	reloader *policy.FileReloader
	workers  []worker
	closers  []func() error
}

func (a *application) close(log *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn("close dependency", "error", err)
		}
	}
}

// backends holds the optional infrastructure clients. Nil members select the
// in-memory implementation of the matching store.
type backends struct {
	db    *database.Pool
	redis *redis.Client
	kafka *producer.Producer
}

// build assembles the application. On error every dependency opened so far
// is closed again.
func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *application, err error) {
	app := &application{}
	defer func() {
		if err != nil {
			app.close(log)
		}
	}()

	be, err := connect(ctx, cfg, log, app)
	if err != nil {
		return nil, err
	}

	// Policies
	buildOpts := policy.BuildOptions{AdminMFARequired: cfg.AdminMFARequired}
	snapshot, err := policy.LoadFile(cfg.PolicyFile, buildOpts)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	app.registry, err = policy.NewRegistry(snapshot)
	if err != nil {
		return nil, err
	}
	app.reloader, err = policy.NewFileReloader(cfg.PolicyFile, buildOpts, app.registry)
	if err != nil {
		return nil, err
	}

	// Audit
	auditor, err := buildAuditor(cfg, log, be, app)
	if err != nil {
		return nil, err
	}
	app.workers = append(app.workers, flusher.New(auditor, flusher.WithLogger(log)).Start)
	app.closers = append(app.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), producerFlushWait)
		defer cancel()
		return auditor.Close(ctx)
	})

	// Rate limiting
	limiter, err := buildLimiter(cfg, log, be, app)
	if err != nil {
		return nil, err
	}

	// Break-glass
	coord, err := buildBreakGlass(cfg, log, be, auditor, app)
	if err != nil {
		return nil, err
	}

	// Authorization
	failurePolicy, err := auditservice.ParseFailurePolicy(cfg.AuditFailurePolicy)
	if err != nil {
		return nil, err
	}
	eval, err := evaluator.New(limiter, auditor,
		evaluator.WithLogger(log),
		evaluator.WithMetrics(authzmetrics.New()),
		evaluator.WithTracer(tracer.NewOTel()),
		evaluator.WithFailurePolicy(failurePolicy),
		evaluator.WithBreakGlass(coord),
	)
	if err != nil {
		return nil, err
	}
	resolver, err := session.NewResolver(cfg.ProviderSigningKey,
		session.WithLogger(log),
		session.WithIssuer(cfg.ProviderIssuer),
		session.WithAudience(cfg.ProviderAudience),
	)
	if err != nil {
		return nil, fmt.Errorf("session resolver: %w", err)
	}
	authorizer := authzmiddleware.NewAuthorizer(eval, app.registry, resolver, log)

	// HTTP
	healthHandler := health.New(cfg.Environment)
	if be.db != nil {
		healthHandler.RegisterCheck("postgres", be.db.Health)
	}
	if be.redis != nil {
		healthHandler.RegisterCheck("redis", be.redis.Health)
	}
	if be.kafka != nil {
		healthHandler.RegisterCheck("kafka", kafka.NewHealthChecker(be.kafka).Check)
	}

	proxies, err := metadata.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	app.router = httptransport.NewRouter(httptransport.Params{
		Logger:      log,
		Production:  cfg.IsProduction(),
		Metadata:    metadata.NewMiddleware(proxies),
		Metrics:     request.NewMetrics(),
		GlobalLimit: cfg.GlobalIPLimit,
		Health:      healthHandler,
		Check:       authzhandler.New(authorizer, log),
		Guard:       authorizer,
		BreakGlass:  bghandler.New(coord, log),
		Audit:       audithandler.New(auditor, log),
		Policies:    policyhandler.New(app.reloader, log),
		AdminToken:  cfg.AdminAPIToken,
	})
	return app, nil
}

func connect(ctx context.Context, cfg *config.Config, log *slog.Logger, app *application) (backends, error) {
	var be backends

	db, err := database.New(ctx, database.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		return be, err
	}
	if db != nil {
		be.db = db
		app.closers = append(app.closers, db.Close)
		app.workers = append(app.workers, func(ctx context.Context) error {
			db.Start(ctx, poolStatsInterval)
			return nil
		})
	}

	rdb, err := redis.New(ctx, redis.DefaultConfig(cfg.RedisURL))
	if err != nil {
		return be, err
	}
	if rdb != nil {
		be.redis = rdb
		app.closers = append(app.closers, rdb.Close)
		app.workers = append(app.workers, func(ctx context.Context) error {
			rdb.Start(ctx, poolStatsInterval)
			return nil
		})
	}

	if cfg.KafkaEnabled() {
		prod, err := producer.New(producer.DefaultConfig(cfg.KafkaBrokers), log)
		if err != nil {
			return be, err
		}
		be.kafka = prod
		app.closers = append(app.closers, func() error { return prod.Close(producerFlushWait) })
		if err := prod.EnsureTopics(ctx, 3, 1, cfg.AuditStreamTopic, cfg.NotificationTopic); err != nil {
			log.Warn("kafka topics not ensured", "error", err)
		}
	}

	log.Info("backends selected",
		"postgres", be.db != nil,
		"redis", be.redis != nil,
		"kafka", be.kafka != nil,
	)
	return be, nil
}

func buildAuditor(cfg *config.Config, log *slog.Logger, be backends, app *application) (*auditservice.Logger, error) {
	secrets, err := signing.ParseKeySpec(cfg.AuditSigningKeys)
	if err != nil {
		return nil, fmt.Errorf("audit signing keys: %w", err)
	}
	keyring, err := signing.NewKeyring(secrets, cfg.AuditActiveKeyID)
	if err != nil {
		return nil, fmt.Errorf("audit keyring: %w", err)
	}

	var sink auditports.Store = auditmemory.New()
	if be.db != nil {
		sink = auditpostgres.New(be.db.DB())
	}

	var fb auditports.Fallback = fallback.NewLogFallback(log)
	if cfg.AuditFallbackPath != "" {
		file, err := fallback.OpenFile(cfg.AuditFallbackPath)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, file.Close)
		fb = file
	}

	opts := []auditservice.Option{
		auditservice.WithLogger(log),
		auditservice.WithMetrics(auditmetrics.New()),
		auditservice.WithFallback(fb),
		auditservice.WithBufferSize(cfg.AuditBufferSize),
	}
	if be.kafka != nil {
		mirror, err := stream.New(be.kafka, cfg.AuditStreamTopic)
		if err != nil {
			return nil, err
		}
		opts = append(opts, auditservice.WithMirror(mirror))
	}
	return auditservice.New(sink, keyring, opts...)
}

func buildLimiter(cfg *config.Config, log *slog.Logger, be backends, app *application) (*rlservice.Service, error) {
	rlCfg := &rlconfig.Config{
		Limits: map[rlmodels.Class]rlmodels.Limit{
			rlmodels.ClassPublic:        {RequestsPerWindow: cfg.RateLimitPublic, Window: cfg.RateLimitWindow},
			rlmodels.ClassAuthenticated: {RequestsPerWindow: cfg.RateLimitAuthenticated, Window: cfg.RateLimitWindow},
			rlmodels.ClassAdmin:         {RequestsPerWindow: cfg.RateLimitAdmin, Window: cfg.RateLimitWindow},
			rlmodels.ClassSensitive:     {RequestsPerWindow: cfg.RateLimitSensitive, Window: cfg.RateLimitWindow},
		},
		StoreTimeout: cfg.StoreTimeout,
	}
	m := rlmetrics.New()

	var (
		store   rlports.BucketStore
		sweeper rlports.Sweeper
	)
	switch {
	case be.redis != nil:
		// Redis counters expire on their own.
		store = bucket.NewRedis(be.redis.Client)
	case be.db != nil:
		pg := bucket.NewPostgres(be.db.DB())
		store, sweeper = pg, pg
	default:
		mem := bucket.NewInMemoryBucketStore()
		store, sweeper = mem, mem
	}
	if sweeper != nil {
		app.workers = append(app.workers, cleanup.New(sweeper,
			cleanup.WithLogger(log),
			cleanup.WithMetrics(m),
		).Start)
	}

	return rlservice.New(store,
		rlservice.WithConfig(rlCfg),
		rlservice.WithLogger(log),
		rlservice.WithMetrics(m),
	)
}

func buildBreakGlass(cfg *config.Config, log *slog.Logger, be backends, auditor *auditservice.Logger, app *application) (*bgservice.Coordinator, error) {
	var store bgports.Store
	switch {
	case be.redis != nil:
		store = sessions.NewRedis(be.redis.Client)
	case be.db != nil:
		store = sessions.NewPostgres(be.db.DB())
	default:
		store = sessions.NewInMemory()
	}

	var notifier bgports.Notifier = notify.NewLogNotifier(log)
	if cfg.RedisURL != "" {
		opt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse asynq redis uri: %w", err)
		}
		client := asynq.NewClient(opt)
		app.closers = append(app.closers, client.Close)
		tn, err := notify.NewTaskNotifier(client, log)
		if err != nil {
			return nil, err
		}
		notifier = tn
	}

	m := bgmetrics.New()
	coord, err := bgservice.New(store, auditor,
		bgservice.WithLogger(log),
		bgservice.WithMetrics(m),
		bgservice.WithNotifier(notifier),
		bgservice.WithEnabled(cfg.BreakGlassEnabled),
		bgservice.WithStoreTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, func() error {
		coord.Wait()
		return nil
	})
	app.workers = append(app.workers, sweeper.New(coord,
		sweeper.WithLogger(log),
		sweeper.WithInterval(cfg.BreakGlassSweepInterval),
		sweeper.WithMetrics(m),
	).Start)
	return coord, nil
}
