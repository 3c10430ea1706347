package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/secretkv/internal/secrets"
	"github.com/rendis/secretkv/internal/store"
	"github.com/rendis/secretkv/internal/validation"
	"github.com/rendis/secretkv/internal/vault"
)

// openService builds the configured store backing and the vault around it.
func (c *cli) openService(ctx context.Context, df *dataFlags, logger *slog.Logger) (*vault.Service, error) {
	backend := c.backend(df)
	validator, err := validation.NewDocumentValidator()
	if err != nil {
		return nil, err
	}

	repo, err := openRepository(ctx, backend, c.cfg, logger, validator)
	if err != nil {
		return nil, err
	}

	engine := secrets.NewEngine(
		secrets.WithSeed(c.cfg.Seed),
		secrets.WithIterations(c.cfg.KDFIterations),
	)
	svc, err := vault.NewService(repo, engine,
		vault.WithLogger(logger),
		vault.WithBackend(backend),
		vault.WithKeyPolicy(c.cfg.KeyPolicy),
		vault.WithValidator(validator),
	)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	return svc, nil
}

func openRepository(ctx context.Context, backend string, cfg Config, logger *slog.Logger, validator *validation.DocumentValidator) (store.Repository, error) {
	switch backend {
	case backendFile:
		return store.NewFileRepository(cfg.StorePath,
			store.WithFileLogger(logger),
			store.WithFileValidator(validator),
		)
	case backendLibSQL:
		return store.NewLibSQLRepository(ctx, cfg.DBPath, store.WithLibSQLLogger(logger))
	case backendMemory:
		return store.NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}
