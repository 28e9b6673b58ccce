package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"FundingLedger/internal/cache/redis"
	"FundingLedger/internal/config"
	"FundingLedger/internal/core"
	"FundingLedger/internal/ingestion"
	"FundingLedger/internal/observability"
	"FundingLedger/internal/persistence"
	"FundingLedger/internal/projection"
	"FundingLedger/internal/query"
	"FundingLedger/internal/server"

	"github.com/alexflint/go-arg"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type args struct {
	Config             string `arg:"-c,--config,env:FUNDING_CONFIG" help:"path to a TOML config file"`
	RebuildProjections bool   `arg:"--rebuild-projections" help:"truncate and re-derive projection tables from the event log before serving"`
}

func (args) Description() string {
	return "fundingd runs the funding-accrual settlement engine for one market"
}

func main() {
	var a args
	arg.MustParse(&a)

	logger := observability.NewLogger("main")
	if err := run(a, logger); err != nil {
		logger.Fatal().Err(err).Msg("fundingd exited")
	}
}

func run(a args, logger zerolog.Logger) error {
	cfg, err := config.Load(a.Config)
	if err != nil {
		return err
	}
	observability.SetLevel(cfg.LogLevel)
	skewScale, err := cfg.SkewScaleWad()
	if err != nil {
		return err
	}

	logger.Info().Str("market", cfg.Market.ID).Str("skew_scale", skewScale.String()).Msg("fundingd starting")

	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	signalCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime.Duration)

	if err := db.PingContext(signalCtx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")

	if cfg.Postgres.RunMigrations {
		applied, err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir).Up(signalCtx)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Int("applied", applied).Msg("migrations up to date")
	}

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// persist blocks (backpressure on the core), projection drops when full.
	persistChan := make(chan core.CoreOutput, cfg.Channels.Persist)
	projectionChan := make(chan core.CoreOutput, cfg.Channels.Projection)
	publishChan := make(chan core.CoreOutput, cfg.Channels.Publish)
	riskChan := make(chan core.CoreOutput, cfg.Channels.Risk)

	// --- Deterministic core ---
	coreCfg := core.Config{
		MarketID:            cfg.Market.ID,
		SkewScale:           skewScale,
		IdempotencyCapacity: cfg.Idempotency.LRUCapacity,
	}
	deterministicCore := core.NewDeterministicCore(coreCfg, persistChan, projectionChan, nil, metrics)

	snapMgr := persistence.NewSnapshotManager(db)

	if a.RebuildProjections {
		n, err := projection.RebuildProjections(signalCtx, db, snapMgr, coreCfg)
		if err != nil {
			return fmt.Errorf("rebuild projections: %w", err)
		}
		logger.Info().Int64("events", n).Msg("projections rebuilt")
	}

	// --- Recovery: snapshot + replay, then the Postgres dedup tier ---
	replayed, err := recoverState(signalCtx, deterministicCore, snapMgr, persistChan, metrics, logger)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	deterministicCore.AttachDBIdempotency(persistence.NewPostgresIdempotencyChecker(db, metrics))
	logger.Info().Int64("replayed", replayed).Int64("next_sequence", deterministicCore.GetSequence()).Msg("recovery complete")

	snaps := &snapshotter{core: deterministicCore, snapMgr: snapMgr, metrics: metrics, logger: observability.NewLogger("snapshot")}

	// --- NATS ---
	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if cfg.NATS.Enabled {
		nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(signalCtx, js); err != nil {
			return fmt.Errorf("ensure nats streams: %w", err)
		}
	}

	sink, err := newOutboundSink(signalCtx, cfg, js)
	if err != nil {
		return err
	}

	var riskClient *redis.Client
	if cfg.Redis.Enabled {
		riskClient, err = redis.New(signalCtx, redis.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		defer riskClient.Close()
	}

	// --- Workers ---
	// The persistence worker only stops once persistChan is closed, so
	// every output the core emitted reaches the event log.
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout.Duration, metrics)
	if sink != nil {
		persistWorker.ForwardTo(sink.Name(), publishChan)
	}
	if riskClient != nil {
		persistWorker.ForwardTo("risk", riskChan)
	}
	persistDone := make(chan error, 1)
	go func() { persistDone <- persistWorker.Run(context.Background()) }()

	workCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workers, wctx := errgroup.WithContext(workCtx)

	history := projection.NewSettlementHistory(cfg.History.Capacity)
	projWorker := projection.NewProjectionWorker(db, projectionChan, history, metrics)
	workers.Go(func() error { return projWorker.Run(wctx) })

	if sink != nil {
		publisher := ingestion.NewOutboundPublisher(sink, publishChan, metrics)
		workers.Go(func() error { return publisher.Run(wctx) })
	}
	if riskClient != nil {
		riskPublisher := redis.NewRiskPublisher(redis.NewRiskCache(riskClient), riskChan, metrics)
		workers.Go(func() error { return riskPublisher.Run(wctx) })
	}

	workers.Go(func() error { return serveMetrics(wctx, cfg.Server.MetricsAddr, reg, logger) })
	workers.Go(func() error {
		sampleChannels(wctx, metrics, map[string]chan core.CoreOutput{
			"persist":    persistChan,
			"projection": projectionChan,
			"publish":    publishChan,
			"risk":       riskChan,
		})
		return nil
	})

	// --- Ingress: servers, NATS pipeline, periodic snapshots ---
	// A failed worker cancels ingress too.
	ingressParent, stopIngressParent := signal.NotifyContext(wctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopIngressParent()
	ingress, ictx := errgroup.WithContext(ingressParent)

	commands := ingestion.NewCommandService(deterministicCore, ingestion.NewSystemClock(), cfg.Market.ID)
	queries := query.NewQueryService(deterministicCore, db, history, metrics)
	deps := &server.ServerDeps{
		Commands:      commands,
		Queries:       queries,
		Admin:         snaps,
		HealthChecker: healthChecker,
	}
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, deps)
	httpServer := server.NewHTTPServer(cfg.Server.HTTPAddr, deps)
	ingress.Go(func() error { return grpcServer.Start(ictx) })
	ingress.Go(func() error { return httpServer.Start(ictx) })

	var natsSubscriber *ingestion.NATSSubscriber
	if js != nil {
		rawChan := make(chan ingestion.RawEvent, cfg.Channels.Ingest)
		natsSubscriber = ingestion.NewNATSSubscriber(js, rawChan)
		if err := natsSubscriber.Subscribe(ictx, ingestion.DefaultSubjects()); err != nil {
			stopIngressParent()
			_ = ingress.Wait()
			return fmt.Errorf("nats subscribe: %w", err)
		}
		pipeline := ingestion.NewPipeline(deterministicCore, ingestion.DefaultSubjects(), cfg.Channels.Ingest, metrics)
		ingress.Go(func() error { return pipeline.Run(ictx, rawChan) })
	}

	ingress.Go(func() error {
		return snaps.runPeriodicSnapshots(ictx, cfg.Snapshot.Interval, cfg.Snapshot.CheckEvery.Duration)
	})

	healthChecker.SetReady(true)
	logger.Info().
		Int64("next_sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("fundingd ready")

	// --- Shutdown ---
	// Ingress stops first so nothing new reaches the core, then the event
	// log is drained, then the final snapshot, then the workers.
	ingressErr := ingress.Wait()
	healthChecker.SetReady(false)
	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}
	if ingressErr != nil && !errors.Is(ingressErr, context.Canceled) {
		logger.Error().Err(ingressErr).Msg("ingress failed, shutting down")
	} else {
		logger.Info().Msg("shutting down")
	}

	close(persistChan)
	if err := <-persistDone; err != nil {
		logger.Error().Err(err).Msg("persistence worker stopped with error")
	}

	finalCtx, cancelFinal := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFinal()
	if seq, err := snaps.TakeSnapshot(finalCtx); err != nil {
		logger.Warn().Err(err).Msg("final snapshot skipped")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	stopWorkers()
	if err := workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker failed")
		return err
	}

	logger.Info().Msg("fundingd shutdown complete")
	if ingressErr != nil && !errors.Is(ingressErr, context.Canceled) {
		return ingressErr
	}
	return nil
}

// newOutboundSink picks the configured publish target; nil means publishing
// is disabled.
func newOutboundSink(ctx context.Context, cfg *config.Config, js jetstream.JetStream) (ingestion.Sink, error) {
	switch cfg.Outbound.Sink {
	case "jetstream":
		if js == nil {
			return nil, errors.New("outbound sink jetstream needs nats.enabled")
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return nil, fmt.Errorf("ensure outbound stream: %w", err)
		}
		return ingestion.NewJetStreamSink(js), nil
	case "kafka":
		return ingestion.NewKafkaSink(strings.TrimSpace(cfg.Kafka.Brokers), cfg.Kafka.Topic), nil
	default:
		return nil, nil
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// sampleChannels reports channel depth once a second.
func sampleChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]chan core.CoreOutput) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, ch := range channels {
				metrics.SetChannelMetrics(name, len(ch), cap(ch))
			}
		}
	}
}
