package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docvault/internal/canonical"
	"github.com/sells-group/docvault/internal/contentstore"
	"github.com/sells-group/docvault/internal/extraction"
	"github.com/sells-group/docvault/internal/jobs"
	"github.com/sells-group/docvault/internal/organizer"
	"github.com/sells-group/docvault/internal/provider"
	"github.com/sells-group/docvault/internal/query"
	"github.com/sells-group/docvault/internal/search"
	"github.com/sells-group/docvault/internal/store"
	"github.com/sells-group/docvault/internal/verification"
	"github.com/sells-group/docvault/pkg/anthropic"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "docvault.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore connects and migrates. Callers close the store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// appEnv bundles the wired services. Callers should defer env.Close().
type appEnv struct {
	Store     store.Store
	Runner    *jobs.Runner
	Engine    *extraction.Engine
	Verifier  *verification.Service
	Organizer *organizer.Organizer
	Query     *query.Service
}

// Close waits for in-flight jobs and releases the store.
func (e *appEnv) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Runner.Wait(ctx); err != nil {
		zap.L().Warn("jobs still running at shutdown", zap.Error(err))
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func initLLM() anthropic.Client {
	if cfg.Anthropic.Key == "" {
		zap.L().Debug("DOCVAULT_ANTHROPIC_KEY not set, language model features disabled")
		return nil
	}
	return anthropic.NewClient(cfg.Anthropic.Key)
}

// initEnv validates the config for mode, opens the store and wires every
// service on top of it.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	content, err := contentstore.New(cfg.Storage.Root, cfg.Storage.MaxFileSize, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	llm := initLLM()
	providers, err := provider.New(cfg, llm)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	searcher := search.NewClient(cfg.Search, &http.Client{Timeout: 30 * time.Second})
	runner := jobs.NewRunner(st, cfg.Extraction.MaxConcurrent)
	verifier := verification.New(st, cfg.Extraction.ConfidenceThreshold)
	org := organizer.New(st)

	engine := extraction.New(extraction.Deps{
		Store:     st,
		Content:   content,
		Providers: providers,
		Verifier:  verifier,
		Organizer: org,
		Searcher:  searcher,
		Runner:    runner,
	}, cfg.Extraction)

	var gen query.Generator
	if llm != nil {
		gen = query.NewLLMGenerator(llm, cfg.Anthropic, provider.GuardConfig(cfg.Extraction))
	}
	qs := query.New(st, canonical.New(st), gen, searcher, cfg.Query)

	zap.L().Info("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("parser", providers.Parser.Name()),
		zap.String("extractor", providers.Extractor.Name()),
		zap.Bool("template_matching", providers.Matcher != nil),
		zap.Bool("search", cfg.Search.BaseURL != ""),
	)

	return &appEnv{
		Store:     st,
		Runner:    runner,
		Engine:    engine,
		Verifier:  verifier,
		Organizer: org,
		Query:     qs,
	}, nil
}
