// Package app assembles the research service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"research/backend/internal/analysis"
	"research/backend/internal/archive"
	"research/backend/internal/auth"
	"research/backend/internal/brave"
	"research/backend/internal/config"
	"research/backend/internal/customsearch"
	"research/backend/internal/datasource"
	"research/backend/internal/db"
	"research/backend/internal/gemini"
	"research/backend/internal/httpapi"
	"research/backend/internal/llm"
	"research/backend/internal/openai"
	"research/backend/internal/prompts"
	"research/backend/internal/research"
	"research/backend/internal/runstore"
	"research/backend/internal/search"

	"go.uber.org/zap"
)

// Options selects the optional surfaces a command needs.
type Options struct {
	RunStore bool
	Archive  bool
}

type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Orchestrator *research.Orchestrator
	DataSource   *datasource.Source
	Runs         *runstore.Store
	Archive      *archive.Archiver
	Verifier     *auth.Verifier

	closers []func() error
}

// Build wires every collaborator named by cfg. On error, anything already
// opened is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Verifier: auth.NewVerifier(cfg)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	completions, err := newCompletions(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	renderer, err := a.newPrompts(cfg, logger)
	if err != nil {
		return nil, err
	}

	searcher, err := a.newSearcher(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	deps := research.Dependencies{
		Completions: completions,
		Prompts:     renderer,
		Logger:      logger,
	}
	if searcher != nil {
		deps.Searcher = searcher
	}

	if cfg.DataSourceURL != "" {
		database, openErr := db.Open(ctx, cfg.DataSourceURL, cfg.DataSourceAuthToken)
		if openErr != nil {
			return nil, fmt.Errorf("open data source: %w", openErr)
		}
		a.closers = append(a.closers, database.Close)
		a.DataSource = datasource.New(database, cfg.AnalysisMaxRows, logger)
		deps.DataSource = a.DataSource
		deps.Analyzer = analysis.New(completions, renderer, cfg.AnalysisModel, analysis.WithLogger(logger))
		logger.Info("data source configured")
	}

	if opts.RunStore {
		database, openErr := db.Open(ctx, cfg.RunStoreURL, cfg.RunStoreAuthToken)
		if openErr != nil {
			return nil, fmt.Errorf("open run store: %w", openErr)
		}
		a.closers = append(a.closers, database.Close)
		store := runstore.NewStore(database)
		if migrateErr := store.Migrate(ctx); migrateErr != nil {
			return nil, migrateErr
		}
		a.Runs = &store
	}

	if opts.Archive {
		if a.Archive, err = newArchive(ctx, cfg); err != nil {
			return nil, err
		}
		if a.Archive != nil {
			logger.Info("report archive configured", zap.String("backend", a.Archive.Backend()))
		}
	}

	a.Orchestrator = research.NewOrchestrator(deps, Settings(cfg))
	return a, nil
}

// Settings converts process configuration into research core settings.
func Settings(cfg config.Config) research.Settings {
	return research.Settings{
		QueryModel:            cfg.QueryGeneratorModel,
		ReflectionModel:       cfg.ReflectionModel,
		AnswerModel:           cfg.AnswerModel,
		DefaultInitialQueries: cfg.NumberOfInitialQueries,
		DefaultMaxLoops:       cfg.MaxResearchLoops,
		AnalysisTables:        cfg.AnalysisTables,
		SearchResultsPerQuery: cfg.SearchResultsPerQuery,
		MaxParallelSubQueries: cfg.MaxParallelSubQueries,
		SubQueryTimeout:       cfg.SubQueryTimeout,
		RunTimeout:            cfg.RunTimeout,
	}
}

// HTTPDependencies exposes the built collaborators to the HTTP API without
// leaking typed nils into its interfaces.
func (a *App) HTTPDependencies() httpapi.Dependencies {
	deps := httpapi.Dependencies{
		Runner:   a.Orchestrator,
		Verifier: a.Verifier,
		Logger:   a.Logger,
	}
	if a.Runs != nil {
		deps.Runs = a.Runs
	}
	if a.DataSource != nil {
		deps.Schema = a.DataSource
	}
	if a.Archive != nil {
		deps.Archive = a.Archive
	}
	return deps
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newCompletions(ctx context.Context, cfg config.Config, logger *zap.Logger) (llm.CompletionService, error) {
	var backend llm.CompletionService
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		backend = openai.NewClient(cfg, &http.Client{})
	case config.ProviderGemini:
		client, err := gemini.NewClient(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		backend = client
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLMProvider)
	}

	backend = llm.WithTimeout(backend, cfg.LLMTimeout)
	backend = llm.WithRetry(backend, cfg.LLMProvider, llm.RetryPolicy{MaxRetries: cfg.LLMMaxRetries}, logger)
	backend = llm.WithRateLimit(backend, cfg.LLMRequestsPerSecond)
	return llm.Instrument(backend, cfg.LLMProvider), nil
}

func (a *App) newPrompts(cfg config.Config, logger *zap.Logger) (research.PromptRenderer, error) {
	if cfg.PromptTemplatesFile == "" {
		return prompts.Defaults(), nil
	}
	watcher, err := prompts.Watch(cfg.PromptTemplatesFile, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, watcher.Close)
	return watcher, nil
}

func (a *App) newSearcher(ctx context.Context, cfg config.Config, logger *zap.Logger) (search.Searcher, error) {
	var searcher search.Searcher
	switch cfg.SearchProvider {
	case config.SearchBrave:
		searcher = brave.NewClient(cfg, &http.Client{})
	case config.SearchGoogle:
		client, err := customsearch.NewClient(ctx, cfg.GoogleSearchAPIKey, cfg.GoogleSearchEngineID)
		if err != nil {
			return nil, err
		}
		searcher = client
	default:
		return nil, nil
	}

	searcher = search.Spaced(searcher, search.IntervalForRate(cfg.SearchRequestsPerSecond))
	if cfg.SearchCacheRedisURL != "" {
		client, err := search.NewRedisClient(cfg.SearchCacheRedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		searcher = search.Cached(searcher, client, cfg.SearchCacheTTL, logger)
	}
	logger.Info("web search grounding configured", zap.String("provider", cfg.SearchProvider))
	return searcher, nil
}

func newArchive(ctx context.Context, cfg config.Config) (*archive.Archiver, error) {
	switch {
	case cfg.ArchiveGCSBucket != "":
		store, err := archive.NewGCSStore(ctx, cfg.ArchiveGCSBucket)
		if err != nil {
			return nil, err
		}
		return archive.New(store), nil
	case cfg.ArchiveLocalDir != "":
		store, err := archive.NewLocalStore(cfg.ArchiveLocalDir)
		if err != nil {
			return nil, err
		}
		return archive.New(store), nil
	default:
		return nil, nil
	}
}
