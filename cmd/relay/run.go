package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loghub/trace-relay/internal/api"
	"github.com/loghub/trace-relay/internal/api/handler"
	"github.com/loghub/trace-relay/internal/config"
	"github.com/loghub/trace-relay/internal/db"
	"github.com/loghub/trace-relay/internal/deadletter"
	"github.com/loghub/trace-relay/internal/domain"
	"github.com/loghub/trace-relay/internal/ingest"
	"github.com/loghub/trace-relay/internal/lifecycle"
	"github.com/loghub/trace-relay/internal/logging"
	"github.com/loghub/trace-relay/internal/metrics"
	"github.com/loghub/trace-relay/internal/provider"
	"github.com/loghub/trace-relay/internal/queue"
	"github.com/loghub/trace-relay/internal/ratelimiter"
	"github.com/loghub/trace-relay/internal/retry"
	"github.com/loghub/trace-relay/internal/source"
	"github.com/loghub/trace-relay/internal/worker"
)

// errDeliveryDied makes the process exit non-zero so a supervisor restarts it.
var errDeliveryDied = errors.New("delivery worker exited unexpectedly")

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			return run(cfg, logger)
		},
	}
}

// closer is a shutdown step run after the drain protocol.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownCfg := lifecycle.Config{
		DrainPoll:    cfg.Shutdown.DrainPoll,
		DrainTimeout: cfg.Shutdown.DrainTimeout,
		JoinTimeout:  cfg.Shutdown.JoinTimeout,
	}.WithDefaults()

	var closers []closer
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownCfg.JoinTimeout)
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(cctx); err != nil {
				logger.Warn("close failed", zap.String("component", closers[i].name), zap.Error(err))
			}
		}
	}()

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	q := queue.New(cfg.Queue.Capacity)

	sink, lister, err := openDeadLetterSink(ctx, cfg)
	if err != nil {
		return err
	}
	closers = append(closers, closer{"deadletter", func(context.Context) error { return sink.Close() }})

	prov, provClose, err := buildProvider(ctx, cfg)
	if err != nil {
		return err
	}
	if provClose != nil {
		closers = append(closers, closer{"provider", provClose})
	}

	src, srcClose, err := buildSource(ctx, cfg, logger.With(zap.String("component", "source")))
	if err != nil {
		return err
	}
	closers = append(closers, closer{"source", srcClose})

	// ---- workers ----
	ing := ingest.NewWorker(q, ingest.Config{
		TokenField:     cfg.Relay.TokenField,
		TokenSentinel:  cfg.Relay.TokenSentinel,
		MinTokenLength: cfg.Relay.MinTokenLength,
		EnqueueTimeout: cfg.Queue.EnqueueTimeout,
		Checkpoint:     retry.Policy{Attempts: cfg.Checkpoint.Attempts, Delay: cfg.Checkpoint.Delay},
	}, logger.With(zap.String("component", "ingest")), m.IngestHooks())

	delivery := worker.NewDeliveryWorker(q, prov, sink, ratelimiter.New(cfg.Delivery.RateLimit), worker.Config{
		Retry:       retry.Policy{Attempts: cfg.Delivery.MaxRetries, Delay: cfg.Delivery.RetryDelay},
		PollTimeout: cfg.Delivery.PollTimeout,
		TokenField:  cfg.Relay.TokenField,
		SkipEmpty:   cfg.Delivery.SkipEmpty,
	}, logger.With(zap.String("component", "delivery")), m.DeliveryHooks())

	coord := lifecycle.New(src, ing.Handle, q, delivery, prov, shutdownCfg, logger.With(zap.String("component", "lifecycle")))

	reporterCtx, stopReporter := context.WithCancel(context.Background())
	reporterDone := make(chan struct{})
	reporter := worker.NewStatsReporter(delivery, q, cfg.Stats.Interval, logger.With(zap.String("component", "stats")), m.SetQueueDepth)
	go func() {
		defer close(reporterDone)
		reporter.Run(reporterCtx)
	}()

	// ---- admin HTTP server ----
	var srv *http.Server
	if cfg.Admin.Addr != "" {
		srv = &http.Server{
			Addr: cfg.Admin.Addr,
			Handler: api.NewRouter(api.Deps{
				Probe:       coord,
				Stats:       delivery,
				Queue:       q,
				DeadLetters: lister,
				Gatherer:    reg,
			}, logger.With(zap.String("component", "admin"))),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("admin server starting", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server error", zap.Error(err))
			}
		}()
	}

	if err := coord.Start(ctx); err != nil {
		stopReporter()
		<-reporterDone
		return err
	}

	// ---- wait for a stop signal or a dead delivery worker ----
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-coord.DeliveryDone():
		logger.Error("delivery worker is no longer running, shutting down")
		runErr = errDeliveryDied
	}
	stop()

	// Drain uses its own timeouts from config; a second signal kills the process.
	if err := coord.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown finished with error", zap.Error(err))
	}

	stopReporter()
	<-reporterDone

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error("admin server shutdown error", zap.Error(err))
		}
	}

	logger.Info("relay stopped", zap.Any("stats", delivery.Stats()))
	return runErr
}

func openDeadLetterSink(ctx context.Context, cfg *config.Config) (deadletter.Sink, handler.DeadLetterLister, error) {
	switch cfg.DeadLetter.Backend {
	case config.BackendFile:
		sink, err := deadletter.OpenFile(cfg.DeadLetter.Path)
		if err != nil {
			return nil, nil, err
		}
		return sink, sink, nil
	case config.BackendPostgres:
		if err := db.Migrate(cfg.DeadLetter.DatabaseURL); err != nil {
			return nil, nil, err
		}
		pool, err := db.Connect(ctx, cfg.DeadLetter.DatabaseURL, cfg.DeadLetter.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		sink := deadletter.NewPostgresSink(pool, pool.Close).WithAppendTimeout(cfg.DeadLetter.AppendTimeout)
		return sink, sink, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", domain.ErrUnknownBackend, cfg.DeadLetter.Backend)
	}
}

func buildProvider(ctx context.Context, cfg *config.Config) (provider.Provider, func(context.Context) error, error) {
	pc := cfg.Provider
	switch pc.Kind {
	case config.ProviderLangfuse:
		return provider.NewLangfuseProvider(pc.Host, pc.PublicKey, pc.SecretKey, pc.Timeout), nil, nil
	case config.ProviderOTLP:
		exp, err := provider.DialOTLP(ctx, pc.Host, pc.PublicKey, pc.SecretKey, pc.Timeout)
		if err != nil {
			return nil, nil, err
		}
		p := provider.NewOTLPProvider(exp, pc.ServiceName)
		return p, p.Shutdown, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, pc.Kind)
	}
}

func buildSource(ctx context.Context, cfg *config.Config, logger *zap.Logger) (source.Source, func(context.Context) error, error) {
	sc := cfg.Source
	host, _ := os.Hostname()
	opts := source.Options{
		Shards:          sc.Shards,
		Group:           sc.Group,
		Consumer:        source.ConsumerName(sc.ConsumerPrefix, time.Now()),
		BatchSize:       sc.BatchSize,
		PollInterval:    sc.PollInterval,
		StartFromLatest: sc.StartFromLatest,
		ClaimIdle:       sc.AckWait,
	}

	switch sc.Kind {
	case config.SourceRedis:
		client, err := source.DialRedis(ctx, sc.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return source.NewRedisStreams(client, opts, logger),
			func(context.Context) error { return client.Close() }, nil
	case config.SourceJetStream:
		nc, js, err := source.DialJetStream(sc.NATSURL, "trace-relay@"+host)
		if err != nil {
			return nil, nil, err
		}
		src := source.NewJetStream(js, source.JetStreamConfig{
			Stream:        sc.NATSStream,
			SubjectPrefix: sc.NATSSubjectPrefix,
			AckWait:       sc.AckWait,
		}, opts, logger)
		return src, func(context.Context) error { return nc.Drain() }, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", domain.ErrUnknownSource, sc.Kind)
	}
}
