package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/docsignal/overlay-eval/internal/engine"
	"github.com/docsignal/overlay-eval/internal/extract"
	"github.com/docsignal/overlay-eval/internal/store"
	anthropicpkg "github.com/docsignal/overlay-eval/pkg/anthropic"
)

// workflowEnv holds the initialized store and engine shared by the
// evaluate/resume/answer/serve commands.
type workflowEnv struct {
	Store  store.Store
	Engine *engine.Engine
}

// Close releases resources held by the environment.
func (we *workflowEnv) Close() {
	if we.Store != nil {
		_ = we.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "overlay-eval.db"
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

// initEnv sets up the store, the inference client, the document extractor,
// and the engine. Callers should defer env.Close().
func initEnv(ctx context.Context) (*workflowEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	llm := anthropicpkg.NewClient(cfg.Anthropic.Key,
		anthropicpkg.WithRateLimit(cfg.Anthropic.RequestsPerMinute),
	)
	extractor := extract.NewLocal(cfg.Extract.Root, cfg.Extract.PdfToTextPath)

	return &workflowEnv{
		Store:  st,
		Engine: engine.New(cfg, st, llm, extractor),
	}, nil
}
