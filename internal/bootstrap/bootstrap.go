// Package bootstrap assembles the store, providers and engine from
// configuration. The api, worker and jobctl binaries share it.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"doctranslate/internal/adapter/memstore"
	"doctranslate/internal/adapter/repo"
	"doctranslate/internal/chunker"
	"doctranslate/internal/db"
	"doctranslate/internal/domain"
	"doctranslate/internal/engine"
	"doctranslate/internal/events"
	"doctranslate/internal/infra"
	"doctranslate/internal/infra/credentials"
	"doctranslate/internal/pipeline"
	"doctranslate/internal/providers/llm"
	"doctranslate/internal/providers/translate"
	"doctranslate/internal/storage"
)

// Store bundles the job store with the credential lookup backed by the same
// database.
type Store struct {
	Jobs        domain.JobStore
	Credentials domain.CredentialSource
	// Keys manages stored provider keys. It is nil for the memory driver.
	Keys        credentials.KeyStore

	pool   *pgxpool.Pool
	sqlite *sql.DB
}

// Close releases the database handles.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.sqlite != nil {
		_ = s.sqlite.Close()
	}
}

// OpenStore connects the driver named by cfg.DBDriver. With migrate set,
// pending schema migrations are applied first.
func OpenStore(ctx context.Context, cfg *infra.Config, logger infra.Logger, migrate bool) (*Store, error) {
	env := credentials.FromConfig(cfg)
	switch cfg.DBDriver {
	case infra.DriverMemory:
		logger.Warn().Msg("bootstrap: using in-memory store, jobs are lost on restart")
		return &Store{Jobs: memstore.New(), Credentials: env}, nil

	case infra.DriverSQLite:
		sqlDB, err := infra.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := runMigrations(ctx, sqlDB, db.DialectSQLite, logger); err != nil {
				_ = sqlDB.Close()
				return nil, err
			}
		}
		runner := infra.NewLiteRunner(sqlDB, logger)
		tokens := credentials.NewLiteStore(runner)
		return &Store{
			Jobs:        repo.NewSQLiteJobStore(runner),
			Credentials: credentials.Chain{env, tokens},
			Keys:        tokens,
			sqlite:      sqlDB,
		}, nil

	default:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := runMigrations(ctx, infra.StdDB(pool), db.DialectPostgres, logger); err != nil {
				pool.Close()
				return nil, err
			}
		}
		runner := infra.NewSQLRunner(pool, logger)
		tokens := credentials.NewStore(runner)
		return &Store{
			Jobs:        repo.NewJobStore(runner),
			Credentials: credentials.Chain{env, tokens},
			Keys:        tokens,
			pool:        pool,
		}, nil
	}
}

func runMigrations(ctx context.Context, sqlDB *sql.DB, dialect string, logger infra.Logger) error {
	m, err := db.NewMigrator(sqlDB, dialect)
	if err != nil {
		return err
	}
	applied, err := m.Up(ctx)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		logger.Info().Str("dialect", dialect).Ints64("versions", applied).Msg("bootstrap: migrations applied")
	}
	return nil
}

// OpenMigrator opens a plain database/sql handle for the configured driver
// and wraps it in a migrator. The returned func closes the handle.
func OpenMigrator(ctx context.Context, cfg *infra.Config) (*db.Migrator, func(), error) {
	switch cfg.DBDriver {
	case infra.DriverSQLite:
		sqlDB, err := infra.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		m, err := db.NewMigrator(sqlDB, db.DialectSQLite)
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		return m, func() { _ = sqlDB.Close() }, nil
	case infra.DriverPostgres:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		stdDB := infra.StdDB(pool)
		m, err := db.NewMigrator(stdDB, db.DialectPostgres)
		if err != nil {
			_ = stdDB.Close()
			pool.Close()
			return nil, nil, err
		}
		return m, func() {
			_ = stdDB.Close()
			pool.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("migrations need a database driver, DB_DRIVER is %q", cfg.DBDriver)
	}
}

// NewChunker builds the token-aware chunker and the size table. The returned
// func releases the tokenizer.
func NewChunker(cfg *infra.Config, logger infra.Logger) (*chunker.Chunker, *chunker.SizeTable, func(), error) {
	var (
		counter chunker.Counter = chunker.CharCounter{}
		release                 = func() {}
	)
	tok, err := chunker.NewTiktokenCounter(cfg.TokenizerEncoding)
	if err != nil {
		logger.Warn().Err(err).Str("encoding", cfg.TokenizerEncoding).Msg("bootstrap: tokenizer unavailable, counting characters")
	} else {
		counter = tok
		release = func() { _ = tok.Close() }
	}
	c := chunker.New(counter, chunker.WithFallbackHook(func(err error) {
		logger.Warn().Err(err).Msg("chunker: tokenizer failed, using character approximation")
	}))

	var sizes *chunker.SizeTable
	if cfg.ChunkSizeTablePath != "" {
		sizes, err = chunker.LoadSizeTable(cfg.ChunkSizeTablePath)
	} else {
		sizes, err = chunker.DefaultSizeTable()
	}
	if err != nil {
		release()
		return nil, nil, nil, err
	}
	return c, sizes, release, nil
}

// NewRegistry builds the four translation adapters from cfg.
func NewRegistry(cfg *infra.Config, logger *infra.Logger) *translate.Registry {
	return translate.NewRegistry(translate.RegistryOptions{
		LocalURL:      cfg.LocalTranslateURL,
		GoogleURL:     cfg.GoogleTranslateURL,
		DeepLAPIKey:   cfg.DeepLAPIKey,
		DeepLBaseURL:  cfg.DeepLBaseURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIModel:   cfg.OpenAIModel,
		Timeout:       cfg.ProviderTimeout,
		Logger:        logger,
	})
}

// Runtime is a fully wired engine with its collaborators.
type Runtime struct {
	Engine *engine.Engine
	Broker *events.Broker
	Store  *Store
	Files  *storage.FileStore

	release func()
}

// Close stops the broker and releases the tokenizer and database. Call it
// after the engine's goroutines have returned.
func (r *Runtime) Close() {
	r.Broker.Close()
	r.release()
	r.Store.Close()
}

// Build opens the store, applies migrations and wires the engine. The
// engine is not started.
func Build(ctx context.Context, cfg *infra.Config, logger infra.Logger) (*Runtime, error) {
	store, err := OpenStore(ctx, cfg, logger, true)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	files, err := storage.NewFileStore(storagePath)
	if err != nil {
		store.Close()
		return nil, err
	}

	chunks, sizes, release, err := NewChunker(cfg, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("chunk sizes: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.ProviderTimeout}
	ollama := llm.NewClient(llm.Options{
		BaseURL:        cfg.OllamaBaseURL,
		HTTPClient:     httpClient,
		Logger:         &logger,
		RequestTimeout: cfg.ProviderTimeout,
	})
	broker := events.NewBroker(0, &logger)

	eng, err := engine.New(engine.Options{
		Store:       store.Jobs,
		Translators: NewRegistry(cfg, &logger),
		Enhancer:    pipeline.New(ollama, &logger),
		Publisher:   broker,
		Files:       files,
		Credentials: store.Credentials,
		Chunker:     chunks,
		Sizes:       sizes,
		Retry: engine.RetryPolicy{
			AutoRetry:   cfg.AutoRetry,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			MaxAttempts: cfg.RetryMaxAttempts,
		},
		Workers:          cfg.WorkerConcurrency,
		DispatchInterval: cfg.DispatchInterval,
		SweepInterval:    cfg.RetrySweepInterval,
		ProviderTimeout:  cfg.ProviderTimeout,
		DefaultLLMModel:  cfg.LLMDefaultModel,
		Logger:           &logger,
	})
	if err != nil {
		broker.Close()
		release()
		store.Close()
		return nil, err
	}

	logger.Info().
		Str("db_driver", cfg.DBDriver).
		Str("storage", storagePath).
		Msg("bootstrap: engine ready")

	return &Runtime{Engine: eng, Broker: broker, Store: store, Files: files, release: release}, nil
}
