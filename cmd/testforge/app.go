package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/danshapiro/testforge/internal/config"
	"github.com/danshapiro/testforge/internal/events"
	"github.com/danshapiro/testforge/internal/forge/blob"
	"github.com/danshapiro/testforge/internal/forge/checkpoint"
	"github.com/danshapiro/testforge/internal/forge/engine"
	"github.com/danshapiro/testforge/internal/forge/history"
	"github.com/danshapiro/testforge/internal/forge/knowledge"
	"github.com/danshapiro/testforge/internal/forge/nodes"
	"github.com/danshapiro/testforge/internal/forge/orchestrator"
	"github.com/danshapiro/testforge/internal/forge/scheduler"
	"github.com/danshapiro/testforge/internal/forge/tools/browser"
	"github.com/danshapiro/testforge/internal/forge/tools/defects"
	"github.com/danshapiro/testforge/internal/forge/tools/executor"
	"github.com/danshapiro/testforge/internal/forge/tools/openapi"
	"github.com/danshapiro/testforge/internal/forge/tools/repo"
	"github.com/danshapiro/testforge/internal/forge/tools/traceinspect"
	"github.com/danshapiro/testforge/internal/forge/validate"
	"github.com/danshapiro/testforge/internal/llm"
	"github.com/danshapiro/testforge/internal/llm/providers/openai"
	"github.com/danshapiro/testforge/internal/logging"
)

const openAPITimeout = 30 * time.Second

// env is the loaded config plus the logger built from it.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
}

func loadEnv(g *globalFlags, stderr io.Writer, service string) (*env, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	lc := logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: service,
		LogDir:  cfg.Logging.Dir,
		Quiet:   g.quiet,
	}
	if g.logLevel != "" {
		lc.Level = g.logLevel
	}
	if g.logFormat != "" {
		lc.Format = g.logFormat
	}
	logger, closer, err := logging.New(lc, stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return &env{cfg: cfg, logger: logger, closer: closer}, nil
}

func (e *env) Close() error { return e.closer.Close() }

// app is the fully wired workflow: stores, knowledge, tools, engine and
// orchestrator.
type app struct {
	*env
	hist    *history.Store
	blobs   *blob.FSStore
	ckpt    *checkpoint.BadgerStore
	cache   *knowledge.Cache
	lessons *knowledge.Lessons
	hub     *events.Hub
	nats    *events.NATSPublisher
	exec    *executor.DockerExecutor
	orch    *orchestrator.Orchestrator
}

func newApp(ctx context.Context, e *env) (_ *app, err error) {
	cfg, logger := e.cfg, e.logger
	a := &app{env: e, hub: events.NewHub()}
	defer func() {
		if err != nil {
			a.closeStores()
		}
	}()

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if a.hist, err = history.Open(cfg.HistoryPath()); err != nil {
		return nil, err
	}
	if a.blobs, err = blob.NewFSStore(cfg.BlobDir()); err != nil {
		return nil, err
	}
	if a.ckpt, err = checkpoint.Open(checkpoint.Config{Path: cfg.CheckpointDir(), Logger: logger}); err != nil {
		return nil, err
	}

	if err := a.openKnowledge(ctx); err != nil {
		return nil, err
	}

	nav, err := repo.NewNavigator(cfg.CloneDir(), logger)
	if err != nil {
		return nil, err
	}
	var catalog *defects.Catalog
	if cfg.Defects.Path != "" {
		if catalog, err = defects.Load(cfg.Defects.Path, logger); err != nil {
			return nil, err
		}
	}

	registry, err := nodes.NewRegistry(nodes.Deps{
		LLM:   newLLMClient(cfg.LLM),
		Blobs: a.blobs,
		Validator: validate.New(validate.Config{
			RuffBin:   cfg.Validation.RuffBin,
			PytestBin: cfg.Validation.PytestBin,
			Collect:   cfg.Validation.Collect,
			Timeout:   cfg.Validation.Timeout,
		}, nil, logger),
		Cache:   a.cache,
		Lessons: a.lessons,
		Browser: browser.New(browser.Config{}, logger),
		Repos:   nav,
		OpenAPI: openapi.NewFetcher(openAPITimeout),
		Defects: catalog,
		Traces:  traceinspect.Inspect,
		Limits: nodes.Limits{
			MaxAttempts:      cfg.Workflow.MaxAttempts,
			ToolIterations:   cfg.Workflow.ToolIterations,
			BatchConcurrency: cfg.Workflow.BatchConcurrency,
		},
		Models: nodes.Models{Default: cfg.LLM.Model, Router: cfg.LLM.RouterModel},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(registry, a.ckpt, engine.Options{
		MaxAttempts:     cfg.Workflow.MaxAttempts,
		InterruptBefore: cfg.Workflow.InterruptBefore,
		StageTimeout:    cfg.Workflow.StageTimeout,
		StateDir:        cfg.StateDir,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	if a.exec, err = executor.NewDocker(executor.Config{
		Image:   cfg.Executor.Image,
		WorkDir: cfg.Executor.WorkDir,
		Timeout: cfg.Executor.Timeout,
	}, logger); err != nil {
		return nil, err
	}

	sink := events.Sink(a.hub.Sink)
	if cfg.Events.NATSURL != "" {
		if a.nats, err = events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.Subject, logger); err != nil {
			return nil, err
		}
		sink = events.Tee(a.hub.Sink, a.nats.Sink)
	}
	if a.orch, err = orchestrator.New(eng, a.hist, a.blobs, orchestrator.Options{Sink: sink, Logger: logger, Executor: a.exec}); err != nil {
		return nil, err
	}
	return a, nil
}

// openKnowledge builds the cache and lessons stores. Without a Weaviate URL
// both live in memory for the life of the process.
func (a *app) openKnowledge(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	var index knowledge.Index
	if cfg.Knowledge.WeaviateURL != "" {
		wi, err := knowledge.NewWeaviateIndex(cfg.Knowledge.WeaviateURL, logger)
		if err != nil {
			return err
		}
		index = wi
	} else {
		logger.Info("knowledge stores are in memory; set knowledge.weaviate_url to persist them")
		index = knowledge.NewMemoryIndex()
	}

	var embed knowledge.Embedder
	if cfg.LLM.APIKey != "" {
		embed = knowledge.NewOpenAIEmbedder(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.EmbeddingModel)
	} else {
		logger.Warn("no LLM API key; using offline hash embeddings")
		embed = knowledge.HashEmbedder{}
	}

	var err error
	if a.cache, err = knowledge.NewCache(ctx, index, embed, knowledge.CacheConfig{
		Class:     cfg.Knowledge.CacheClass,
		Threshold: cfg.Knowledge.CacheThreshold,
	}, logger); err != nil {
		return fmt.Errorf("knowledge cache: %w", err)
	}
	if a.lessons, err = knowledge.NewLessons(ctx, index, embed, cfg.Knowledge.LessonsClass, logger); err != nil {
		return fmt.Errorf("knowledge lessons: %w", err)
	}
	return nil
}

func newLLMClient(cfg config.LLM) *llm.Client {
	c := llm.NewClient()
	c.Register(openai.New(cfg.APIKey, cfg.BaseURL))
	c.Use(
		llm.WithRetry(cfg.MaxRetries, time.Second),
		llm.WithRateLimit(llm.NewLimiter(cfg.RequestsPerSecond, cfg.Burst)),
		llm.WithTimeout(cfg.Timeout),
		llm.WithDefaultModel(cfg.Model),
	)
	return c
}

// newScheduler wires the health-check loop to the Docker executor.
func (a *app) newScheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	cfg := a.cfg
	if n, err := a.exec.CleanupStale(ctx); err != nil {
		a.logger.Warn("removing stale runner containers failed", "error", err)
	} else if n > 0 {
		a.logger.Info("removed stale runner containers", "count", n)
	}
	return scheduler.New(scheduler.Config{
		Spec:         cfg.Scheduler.Spec,
		CheckTimeout: cfg.Scheduler.CheckTimeout,
		KnowledgeTTL: cfg.Knowledge.TTL,
	}, a.hist, a.blobs, a.exec, a.orch, a.logger, a.cache, a.lessons)
}

func (a *app) closeStores() error {
	var errs []error
	if a.nats != nil {
		errs = append(errs, a.nats.Close())
	}
	if a.ckpt != nil {
		errs = append(errs, a.ckpt.Close())
	}
	if a.hist != nil {
		errs = append(errs, a.hist.Close())
	}
	return errors.Join(errs...)
}

func (a *app) Close() error {
	return errors.Join(a.closeStores(), a.env.Close())
}
