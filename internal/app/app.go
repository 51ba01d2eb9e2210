// Package app wires configuration into the record store, cache, queue,
// capability adapters and orchestrator shared by the API server and the
// standalone worker.
package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/api/handlers"
	"github.com/legal-doc-processor/backend/internal/cache"
	cachemem "github.com/legal-doc-processor/backend/internal/cache/memory"
	cacheredis "github.com/legal-doc-processor/backend/internal/cache/redis"
	"github.com/legal-doc-processor/backend/internal/capability"
	"github.com/legal-doc-processor/backend/internal/dispatch"
	"github.com/legal-doc-processor/backend/internal/extraction/httpapi"
	"github.com/legal-doc-processor/backend/internal/extraction/local"
	"github.com/legal-doc-processor/backend/internal/ingestion"
	"github.com/legal-doc-processor/backend/internal/kg/neo4j"
	"github.com/legal-doc-processor/backend/internal/llm"
	"github.com/legal-doc-processor/backend/internal/metrics"
	"github.com/legal-doc-processor/backend/internal/nlp"
	"github.com/legal-doc-processor/backend/internal/pipeline"
	queuemem "github.com/legal-doc-processor/backend/internal/queue/memory"
	queueredis "github.com/legal-doc-processor/backend/internal/queue/redis"
	"github.com/legal-doc-processor/backend/internal/resolver"
	"github.com/legal-doc-processor/backend/internal/storage/sqlite"
	"github.com/legal-doc-processor/backend/internal/worker"
	"github.com/legal-doc-processor/backend/pkg/config"
	"github.com/legal-doc-processor/backend/pkg/logger"
	"github.com/legal-doc-processor/backend/pkg/retry"
)

type App struct {
	Config       *config.Config
	Store        *sqlite.Client
	Cache        cache.Store
	Queue        dispatch.Queue
	Orchestrator *pipeline.Orchestrator
	Intake       *ingestion.Service

	redis   *goredis.Client
	closers []func(context.Context) error
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// New connects every backend named by cfg. On error, anything already
// opened is closed.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	metrics.Init()

	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.Store, err = sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create record store: %w", err)
	}
	a.onClose(func(context.Context) error { return a.Store.Close() })
	if err = a.Store.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Cache.Backend == "redis" || cfg.Queue.Backend == "redis" {
		a.redis, err = cacheredis.Connect(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return a.redis.Close() })
	}

	if cfg.Cache.Backend == "redis" {
		a.Cache = cacheredis.NewClient(a.redis)
	} else {
		a.Cache = cachemem.New()
	}

	if cfg.Queue.Backend == "redis" {
		a.Queue = queueredis.New(a.redis, cfg.Queue.Name, queueredis.WithVisibilityTimeout(cfg.Queue.VisibilityTimeout))
	} else {
		logger.Warn("Using in-process queue; work items do not survive a restart")
		a.Queue = queuemem.New()
	}

	extractor, err := newExtractor(cfg.Extraction)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Store:     a.Store,
		Cache:     a.Cache,
		Queue:     a.Queue,
		Extractor: extractor,
		Mentions:  newMentionExtractor(cfg.Mentions),
	}

	if cfg.Neo4j.Enabled {
		graph, err := neo4j.NewClient(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
		if err != nil {
			return nil, err
		}
		a.onClose(graph.Close)
		deps.Graph = graph
	}

	metric, err := resolver.ParseMetric(cfg.Resolver.Metric)
	if err != nil {
		return nil, err
	}

	a.Orchestrator, err = pipeline.New(deps, pipeline.Config{
		Retry: retry.Policy{
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			Backoff: retry.Backoff{
				Initial:        cfg.Pipeline.RetryBaseDelay,
				Max:            cfg.Pipeline.RetryMaxDelay,
				Multiplier:     2.0,
				JitterFraction: cfg.Pipeline.RetryJitter,
			},
		},
		LockLease:    cfg.Pipeline.LockLease,
		CacheVersion: cfg.Cache.Version,
		CacheTTL:     cfg.Cache.StageTTL,
		WorkerID:     cfg.Worker.ID,
		ChunkWindow:  cfg.Chunker.WindowSize,
		ChunkOverlap: cfg.Chunker.Overlap,
		Resolver: resolver.Config{
			Threshold:      cfg.Resolver.Threshold,
			Metric:         metric,
			MaxClusterSize: cfg.Resolver.MaxClusterSize,
		},
		MentionConcurrency: cfg.Mentions.Concurrency,
		ExtractionTimeout:  cfg.Extraction.Timeout,
		PollSchedule: retry.Backoff{
			Initial:        cfg.Extraction.PollInitial,
			Max:            cfg.Extraction.PollMax,
			Multiplier:     cfg.Extraction.PollMultiplier,
			JitterFraction: 0.1,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	a.Intake = ingestion.NewService(a.Store, a.Queue)

	logger.Info("Application initialized",
		zap.String("queue", cfg.Queue.Backend),
		zap.String("cache", cfg.Cache.Backend),
		zap.String("extraction", cfg.Extraction.Backend),
		zap.String("mentions", cfg.Mentions.Provider),
		zap.Bool("graph", cfg.Neo4j.Enabled),
	)
	return a, nil
}

func (a *App) Worker() (*worker.Worker, error) {
	return worker.New(a.Queue, a.Orchestrator, worker.Config{
		Concurrency:  a.Config.Worker.Concurrency,
		PollInterval: a.Config.Queue.PollInterval,
		ReapInterval: a.Config.Queue.ReapInterval,
	})
}

// Pingers lists the dependencies a readiness probe checks.
func (a *App) Pingers() map[string]handlers.Pinger {
	p := map[string]handlers.Pinger{
		"records": a.Store,
		"cache":   a.Cache,
	}
	if a.redis != nil {
		p["redis"] = pingFunc(func(ctx context.Context) error { return a.redis.Ping(ctx).Err() })
	}
	return p
}

// Close releases backends in reverse order of opening.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Warn("Failed to close backend", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func newExtractor(cfg config.ExtractionConfig) (capability.Extractor, error) {
	if cfg.Backend == "http" {
		c, err := httpapi.NewClient(cfg.Endpoint, cfg.APIKey, 0)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	e, err := local.New(cfg.SourceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to create local extractor: %w", err)
	}
	return e, nil
}

func newMentionExtractor(cfg config.MentionsConfig) capability.MentionExtractor {
	if cfg.Provider == "prose" {
		return nlp.New(cfg.DefaultConfidence)
	}
	return llm.NewClient(llm.Config{
		APIKey:            cfg.APIKey,
		BaseURL:           cfg.BaseURL,
		Model:             cfg.Model,
		Temperature:       cfg.Temperature,
		MaxTokens:         cfg.MaxTokens,
		DefaultConfidence: cfg.DefaultConfidence,
	})
}
