// Command caracald runs the authority enforcement service: the evaluator
// API, the mandate and policy managers, the per-partition ledger writers and
// Merkle aggregators, and the event pipeline consumers.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/caracal-sh/caracal/pkg/api"
	"github.com/caracal-sh/caracal/pkg/archive"
	"github.com/caracal-sh/caracal/pkg/bus"
	"github.com/caracal-sh/caracal/pkg/config"
	"github.com/caracal-sh/caracal/pkg/contracts"
	"github.com/caracal-sh/caracal/pkg/crypto"
	"github.com/caracal-sh/caracal/pkg/evaluator"
	"github.com/caracal-sh/caracal/pkg/ledger"
	"github.com/caracal-sh/caracal/pkg/mandate"
	"github.com/caracal-sh/caracal/pkg/merkle"
	"github.com/caracal-sh/caracal/pkg/observability"
	"github.com/caracal-sh/caracal/pkg/pipeline"
	"github.com/caracal-sh/caracal/pkg/policy"
	"github.com/caracal-sh/caracal/pkg/pricebook"
	"github.com/caracal-sh/caracal/pkg/replay"
	"github.com/caracal-sh/caracal/pkg/spending"
	"github.com/caracal-sh/caracal/pkg/store"

	_ "github.com/lib/pq"
)

func main() {
	if err := run(); err != nil {
		slog.Error("caracald failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "caracald",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shCtx)
	}()

	keys := crypto.NewKeyRing([]byte(cfg.MasterSecret))

	var cache spending.Cache
	var eventBus bus.Bus
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		cache = spending.NewRedisCache(client, cfg.SpendRetention)
		busClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		host, _ := os.Hostname()
		eventBus = bus.NewRedisBus(busClient, cfg.Partitions, fmt.Sprintf("%s-%d", host, os.Getpid()))
	} else {
		cache = spending.NewMemoryCache(cfg.SpendRetention)
		eventBus = bus.NewMemoryBus(cfg.Partitions)
	}
	defer cache.Close()
	defer eventBus.Close()

	book, err := pricebook.Load(cfg.PricebookPath)
	if err != nil {
		log.Warn("pricebook unavailable, metering producers must price events themselves",
			"path", cfg.PricebookPath, "error", err)
		book = nil
	}

	conditions, err := policy.NewConditionEvaluator()
	if err != nil {
		return fmt.Errorf("condition evaluator: %w", err)
	}
	policies := policy.NewManager(st, conditions, log)
	mandates := mandate.NewManager(st, policies, keys, eventBus, cfg.Partitions, []byte(cfg.AdminSecret), log)

	engine, err := evaluator.NewEngine(st, policies, eventBus, log)
	if err != nil {
		return fmt.Errorf("evaluator: %w", err)
	}
	engine.SetDeadline(cfg.EvalDeadline)

	// The ledger below the sealed high-water mark must verify before any
	// consumer appends on top of it.
	rebuilder := replay.NewRebuilder(st, keys, log)
	for p := int32(0); p < cfg.Partitions; p++ {
		if err := rebuilder.VerifyPartition(ctx, p); err != nil {
			return err
		}
	}

	writers := make(map[int32]*ledger.Writer, cfg.Partitions)
	for p := int32(0); p < cfg.Partitions; p++ {
		agg := merkle.NewAggregator(p, st, keys, log)
		if err := agg.CatchUp(ctx); err != nil {
			return fmt.Errorf("partition %d catch-up: %w", p, err)
		}
		go agg.Run(ctx)

		w, err := ledger.NewWriter(ctx, p, st, cache, agg, log)
		if err != nil {
			return err
		}
		defer w.Close()
		writers[p] = w
	}

	if err := startPipeline(ctx, eventBus, writers, engine, book, obs, cfg, log); err != nil {
		return err
	}

	if cfg.ArchiveBucket != "" {
		objs, err := archive.NewS3Store(ctx, archive.S3Config{Bucket: cfg.ArchiveBucket, Region: cfg.ArchiveRegion})
		if err != nil {
			return fmt.Errorf("archive store: %w", err)
		}
		go runArchiver(ctx, archive.NewExporter(st, objs, log), cfg.Partitions, log)
	}

	limiter := api.NewRateLimiter(200, 50)
	spends := spending.NewReader(cache, st, cfg.SpendRetention)
	admin := api.NewAdmin(st, policies, mandates, spends, log)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(engine, admin, limiter, obs, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "port", cfg.Port, "partitions", cfg.Partitions)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch {
	case strings.HasPrefix(cfg.DatabaseURL, "postgres://"), strings.HasPrefix(cfg.DatabaseURL, "postgresql://"):
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(20)
		st, err := store.NewPostgresStore(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return st, func() { db.Close() }, nil
	case strings.HasPrefix(cfg.DatabaseURL, "sqlite://"):
		st, err := store.NewSQLiteStore(strings.TrimPrefix(cfg.DatabaseURL, "sqlite://"))
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	case strings.HasPrefix(cfg.DatabaseURL, "memory://"):
		return store.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported DATABASE_URL %q", cfg.DatabaseURL)
	}
}

// runArchiver exports the previous month for every partition once a day.
// ExportMonth is idempotent, so the repeated runs only upload after a month
// rolls over.
func runArchiver(ctx context.Context, exp *archive.Exporter, partitions int32, log *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		now := time.Now().UTC()
		// Last day of the previous month; AddDate on the current day would
		// normalize past short months.
		prev := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
		for p := int32(0); p < partitions; p++ {
			if _, err := exp.ExportMonth(ctx, p, prev); err != nil {
				log.Error("archive export failed", "partition", p, "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// startPipeline launches the consumer groups: ledger writers on metering and
// decisions, metrics on the same topics, audit on everything human-facing,
// and the evaluator cache invalidator on policy changes.
func startPipeline(ctx context.Context, eventBus bus.Bus, writers map[int32]*ledger.Writer, engine *evaluator.Engine, book *pricebook.Book, obs *observability.Provider, cfg *config.Config, log *slog.Logger) error {
	metrics, err := pipeline.NewMetrics(obs.Meter())
	if err != nil {
		return fmt.Errorf("pipeline metrics: %w", err)
	}
	ledgerHandler, err := pipeline.NewLedgerHandler(writers, cfg.Partitions, book)
	if err != nil {
		return err
	}
	metricsHandler, err := pipeline.NewMetricsHandler(obs.Meter())
	if err != nil {
		return fmt.Errorf("metrics handler: %w", err)
	}
	auditHandler := pipeline.NewAuditHandler(log)
	invalidator := pipeline.HandlerFunc(func(_ context.Context, msg bus.Message) error {
		var pe contracts.PolicyChangeEvent
		if err := json.Unmarshal(msg.Value, &pe); err != nil {
			return fmt.Errorf("decode policy change: %w", err)
		}
		if pe.MandateID != "" {
			if id, err := uuid.Parse(pe.MandateID); err == nil {
				engine.InvalidateMandate(id)
			}
		}
		if pe.PrincipalID != "" {
			if id, err := uuid.Parse(pe.PrincipalID); err == nil {
				engine.InvalidatePolicy(id)
			}
		}
		return nil
	})

	groups := []struct {
		topic   string
		group   string
		handler pipeline.Handler
	}{
		{contracts.TopicMetering, contracts.GroupLedgerWriter, ledgerHandler},
		{contracts.TopicDecisions, contracts.GroupLedgerWriter, ledgerHandler},
		{contracts.TopicMetering, contracts.GroupAggregatorMetrics, metricsHandler},
		{contracts.TopicDecisions, contracts.GroupAggregatorMetrics, metricsHandler},
		{contracts.TopicDecisions, contracts.GroupAuditLogger, auditHandler},
		{contracts.TopicLifecycle, contracts.GroupAuditLogger, auditHandler},
		{contracts.TopicDLQ, contracts.GroupAuditLogger, auditHandler},
		{contracts.TopicPolicyChanges, "evaluator-invalidator", invalidator},
	}
	for _, g := range groups {
		w, err := pipeline.NewWorker(ctx, eventBus, g.topic, g.group, g.handler, log, metrics)
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("pipeline worker stopped", "topic", g.topic, "group", g.group, "error", err)
			}
		}()
	}
	return nil
}
