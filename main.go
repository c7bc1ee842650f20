// Command cosilium runs the multi-agent deliberation service: an HTTP API
// that fans tasks out to heterogeneous model providers, runs adversarial
// cross-critique rounds, and synthesizes a consensus-scored answer.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cosilium-ai/cosilium/internal/budget"
	"github.com/cosilium-ai/cosilium/internal/config"
	"github.com/cosilium-ai/cosilium/internal/engine"
	"github.com/cosilium-ai/cosilium/internal/experiments"
	"github.com/cosilium-ai/cosilium/internal/health"
	"github.com/cosilium-ai/cosilium/internal/httpapi"
	"github.com/cosilium-ai/cosilium/internal/models"
	"github.com/cosilium-ai/cosilium/internal/pricing"
	"github.com/cosilium-ai/cosilium/internal/prompts"
	"github.com/cosilium-ai/cosilium/internal/providers"
	"github.com/cosilium-ai/cosilium/internal/runner"
	"github.com/cosilium-ai/cosilium/internal/sessioncache"
	"github.com/cosilium-ai/cosilium/internal/store"
	"github.com/cosilium-ai/cosilium/internal/streaming"
	"github.com/cosilium-ai/cosilium/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func buildStore(cfg config.DatabaseConfig, logger *zap.Logger) (store.Store, error) {
	if cfg.Driver == "memory" {
		logger.Info("using in-memory store, sessions will not survive restarts")
		return store.NewMemory(), nil
	}
	st, err := store.OpenSQL(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	logger.Info("store connected", zap.String("driver", cfg.Driver))
	return st, nil
}

// storeSink feeds runner metric rows into the store and mirrors each one
// onto the session stream as a droppable metric event.
type storeSink struct {
	st     store.Store
	stream *streaming.Manager
	logger *zap.Logger
}

func (s storeSink) RecordRunMetric(ctx context.Context, m models.RunMetric) {
	if err := s.st.RecordRunMetric(ctx, m); err != nil {
		s.logger.Warn("record run metric failed", zap.Error(err))
	}
	if s.stream != nil {
		if b, err := json.Marshal(m); err == nil {
			s.stream.Publish(m.SessionID, streaming.Event{
				Type:    streaming.TypeMetric,
				AgentID: m.AgentID,
				Phase:   m.Phase,
				Payload: b,
			})
		}
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Endpoint:     cfg.Tracing.Endpoint,
		ServiceName:  cfg.Tracing.ServiceName,
		SamplingRate: cfg.Tracing.SamplingRate,
	}, logger)
	if err != nil {
		return err
	}

	st, err := buildStore(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}
	cache := sessioncache.New(rdb, logger)

	registry := providers.Build(cfg.Credentials())
	if len(registry.Names()) == 0 {
		logger.Warn("no provider credentials configured, every deliberation will starve")
	} else {
		logger.Info("providers configured", zap.Strings("providers", registry.Names()))
	}

	stopPricing, err := pricing.Watch()
	if err != nil {
		logger.Warn("pricing watch unavailable", zap.Error(err))
	} else {
		defer stopPricing()
	}

	stream := streaming.NewManager(256)
	resolver := prompts.NewResolver(st, logger)
	limiter := budget.NewLimiter(cfg.Engine.AgentConcurrency, cfg.Engine.ProviderRPS)
	agentRunner := runner.New(registry, resolver, limiter, storeSink{st: st, stream: stream, logger: logger}, runner.Options{
		CallTimeout:  cfg.Engine.CallTimeout,
		MaxRetries:   cfg.Engine.MaxRetries,
		RetryBackoff: cfg.Engine.RetryBackoff,
		MaxTokens:    cfg.Engine.MaxTokensPerCall,
	}, logger)
	eng := engine.New(st, agentRunner, stream, cache, engine.Defaults{
		MaxIterations:      cfg.Engine.DefaultIterations,
		ConsensusThreshold: cfg.Engine.DefaultThreshold,
		BudgetUSD:          cfg.Engine.DefaultBudgetUSD,
		Temperature:        cfg.Engine.DefaultTemp,
	}, logger)

	executor := experiments.NewProviderExecutor(registry, resolver, cfg.Engine.CallTimeout, logger)
	exp := experiments.NewService(st, executor, logger)

	hm := health.NewManager(logger)
	hm.Register("store", true, func(ctx context.Context) error {
		_, err := st.ListSessions(ctx, 1)
		return err
	})
	if rdb != nil {
		hm.Register("redis", false, cache.Ping)
	}
	hm.Register("providers", false, func(context.Context) error {
		if len(registry.Names()) == 0 {
			return errors.New("no providers configured")
		}
		return nil
	})

	api := httpapi.NewServer(eng, st, cache, stream, resolver, exp, hm, httpapi.Options{
		SyncWaitLimit: cfg.Engine.SyncWaitLimit,
	}, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Prometheus scrapes a separate listener so the service port can sit
	// behind auth without hiding /metrics from the collector.
	var metricsSrv *http.Server
	if cfg.Server.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler: metricsMux,
		}
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if metricsSrv != nil {
		go func() {
			logger.Info("metrics listening", zap.Int("port", cfg.Server.MetricsPort))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", zap.Error(err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	return nil
}
