package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"factora/internal/access"
	"factora/internal/auditchain"
	jwttoken "factora/internal/jwt_token"
	"factora/internal/mutation"
	"factora/internal/notify"
	"factora/internal/outbox"
	"factora/internal/platform/config"
	"factora/internal/platform/httpserver"
	"factora/internal/platform/logger"
	"factora/internal/platform/metrics"
	"factora/internal/platform/migrations"
	"factora/internal/platform/redis"
	"factora/internal/principal"
	"factora/internal/record"
	httptransport "factora/internal/transport/http"
	id "factora/pkg/domain"
	"factora/pkg/platform/sentinel"
	"factora/pkg/platform/tx"
)

const (
	shutdownTimeout = 10 * time.Second
	transitField    = "destination_unit"
	statusField     = "status"
	inTransitStatus = "in_transit"
)

// main wires dependencies and owns the process lifecycle. Business logic
// lives in the internal service packages.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("factora stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("factora stopped")
}

type stores struct {
	db         *sql.DB
	principals principal.Store
	records    record.Store
	audit      auditchain.Store
	outbox     outbox.Store
	runner     tx.Runner
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}
	if err := bootstrapAdmin(ctx, cfg, st.principals, log); err != nil {
		return err
	}

	hasher, err := auditchain.NewHasher(cfg.Audit.HashAlgorithm)
	if err != nil {
		return err
	}
	chain := auditchain.New(st.audit,
		auditchain.WithHasher(hasher),
		auditchain.WithMetrics(m),
		auditchain.WithLogger(log),
	)

	transit := access.FieldTransit(transitField, statusField, inTransitStatus)
	evaluator := access.NewEvaluator(access.WithTransit(transit), access.WithMetrics(m))
	resolver := principal.NewCachedResolver(principal.NewResolver(st.principals),
		principal.WithCacheSize(cfg.Cache.PrincipalSize),
		principal.WithCacheTTL(cfg.Cache.PrincipalTTL),
		principal.WithCacheMetrics(m),
	)

	hub := notify.NewHub(evaluator, m)
	defer hub.Close()
	direct := notify.New(
		notify.WithSink(hub),
		notify.WithTransit(transit),
		notify.WithLogger(log),
		notify.WithMetrics(m),
	)

	health := map[string]httptransport.HealthChecker{}
	if st.db != nil {
		health["postgres"] = func(r *http.Request) error { return st.db.PingContext(r.Context()) }
	}

	ext, err := openExternalSinks(ctx, cfg, st.principals, health, log)
	if err != nil {
		return err
	}
	defer ext.close()

	serviceOpts := []mutation.Option{
		mutation.WithChainReader(chain, cfg.Audit.VerifyLimit),
		mutation.WithStatusField(statusField),
		mutation.WithLogger(log),
		mutation.WithMetrics(m),
		mutation.WithRouter(direct),
	}
	// With fan-in the hub hears every instance's commits through Redis,
	// including this one's, so publishing to it directly would duplicate.
	// The outbox still carries them to Redis.
	if !cfg.Redis.FanIn {
		serviceOpts = append(serviceOpts, mutation.WithPublisher(direct))
	}
	var worker *outbox.Worker
	if len(ext.sinks) > 0 {
		opts := []notify.Option{notify.WithLogger(log), notify.WithMetrics(m)}
		for _, s := range ext.sinks {
			opts = append(opts, notify.WithSink(s))
		}
		worker = outbox.NewWorker(st.outbox, st.runner, notify.New(opts...),
			outbox.WithPollInterval(cfg.Outbox.PollInterval),
			outbox.WithBatchSize(cfg.Outbox.BatchSize),
			outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
			outbox.WithLogger(log),
			outbox.WithMetrics(m),
		)
		serviceOpts = append(serviceOpts, mutation.WithOutbox(st.outbox))
	}

	service := mutation.New(resolver, st.principals, evaluator, st.records, chain, st.runner, serviceOpts...)
	admin := principal.NewAdmin(st.principals, st.runner,
		principal.WithInvalidator(resolver),
		principal.WithInvalidator(hub),
		principal.WithAdminLogger(log),
	)
	tokens := jwttoken.NewJWTService(cfg.Server.TokenSigningKey, cfg.Server.TokenIssuer)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Records:   httptransport.NewRecordHandler(service, log),
		Admin:     httptransport.NewAdminHandler(admin, log),
		Changes:   httptransport.NewChangesHandler(resolver, hub, log),
		Validator: jwttoken.NewJWTServiceAdapter(tokens),
		Logger:    log,
		Metrics:   m,
		Gatherer:  reg,
		Health:    health,
	})
	srv := httpserver.New(cfg.Server.Addr, router, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting factora", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if worker != nil {
		g.Go(func() error {
			if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("outbox worker: %w", err)
			}
			return nil
		})
	}
	if cfg.Redis.FanIn {
		g.Go(func() error {
			if err := ext.redis.Listen(gctx, notify.RelayPattern, direct.Relay()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("redis fan-in: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		// Change streams only end when their subscriptions close.
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func openStores(ctx context.Context, cfg config.Config, log *slog.Logger) (*stores, error) {
	if cfg.Database.URL == "" {
		log.Warn("DATABASE_URL not set, using in-memory stores")
		return &stores{
			principals: principal.NewInMemoryStore(),
			records:    record.NewInMemoryStore(),
			audit:      auditchain.NewInMemoryStore(),
			outbox:     outbox.NewInMemoryStore(),
			runner:     tx.NewMemoryRunner(),
		}, nil
	}

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if cfg.Database.Migrate {
		if err := migrations.Run(ctx, db, log); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	log.Info("connected to postgres")
	return &stores{
		db:         db,
		principals: principal.NewPostgresStore(db),
		records:    record.NewPostgresStore(db),
		audit:      auditchain.NewPostgresStore(db),
		outbox:     outbox.NewPostgresStore(db),
		runner:     tx.NewPostgresRunner(db, cfg.Server.TxTimeout),
	}, nil
}

type externalSinks struct {
	sinks  []notify.Sink
	redis  *redis.Client
	closer []func()
}

// close is always safe to call.
func (e *externalSinks) close() {
	for i := len(e.closer) - 1; i >= 0; i-- {
		e.closer[i]()
	}
}

// openExternalSinks connects the Redis and Kafka sinks that are configured.
func openExternalSinks(ctx context.Context, cfg config.Config, units principal.Store, health map[string]httptransport.HealthChecker, log *slog.Logger) (*externalSinks, error) {
	ext := &externalSinks{}

	redisClient, err := redis.New(ctx, cfg.Redis, log)
	if err != nil {
		return nil, err
	}
	if redisClient != nil {
		ext.redis = redisClient
		ext.closer = append(ext.closer, func() { _ = redisClient.Close() })
		health["redis"] = func(r *http.Request) error { return redisClient.Health(r.Context()) }
		ext.sinks = append(ext.sinks, notify.NewRedisSink(redisClient.Client))
		log.Info("redis notification sink enabled", "fan_in", cfg.Redis.FanIn)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		client, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.Kafka.Brokers...),
			kgo.ClientID("factora"),
		)
		if err != nil {
			ext.close()
			return nil, fmt.Errorf("kafka client: %w", err)
		}
		ext.closer = append(ext.closer, client.Close)
		sink := notify.NewKafkaSink(client, cfg.Kafka.TopicPrefix)

		channels := []string{notify.GlobalChannel}
		list, err := units.ListUnits(ctx)
		if err != nil {
			ext.close()
			return nil, fmt.Errorf("list units: %w", err)
		}
		for _, u := range list {
			channels = append(channels, notify.UnitChannel(u.ID))
		}
		if err := sink.EnsureTopics(ctx, cfg.Kafka.Partitions, cfg.Kafka.Replication, channels...); err != nil {
			log.Warn("kafka topics not ensured, relying on broker auto-create", "error", err)
		}
		health["kafka"] = func(r *http.Request) error { return client.Ping(r.Context()) }
		ext.sinks = append(ext.sinks, sink)
		log.Info("kafka notification sink enabled", "brokers", cfg.Kafka.Brokers)
	}
	return ext, nil
}

func bootstrapAdmin(ctx context.Context, cfg config.Config, store principal.Store, log *slog.Logger) error {
	if cfg.Server.BootstrapAdminID == "" {
		return nil
	}
	adminID, err := id.ParsePrincipalID(cfg.Server.BootstrapAdminID)
	if err != nil {
		return fmt.Errorf("bootstrap admin id: %w", err)
	}
	if _, err := store.FindPrincipal(ctx, adminID); err == nil {
		return nil
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return fmt.Errorf("load bootstrap admin: %w", err)
	}
	if err := store.SavePrincipal(ctx, &principal.Principal{
		ID:     adminID,
		Name:   "bootstrap admin",
		Role:   principal.RoleAdmin,
		Active: true,
	}); err != nil {
		return fmt.Errorf("create bootstrap admin: %w", err)
	}
	log.Info("bootstrap admin created", "principal_id", adminID.String())
	return nil
}
