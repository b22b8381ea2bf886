package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rickgao/sockline/internal/auth"
	"github.com/rickgao/sockline/internal/config"
	"github.com/rickgao/sockline/internal/connection"
	"github.com/rickgao/sockline/internal/store"
	"github.com/rickgao/sockline/internal/store/badgerstore"
	"github.com/rickgao/sockline/internal/store/pgstore"
)

type tokenSource struct {
	provider connection.TokenProvider
	// refreshable sources can yield a different token after a rejection
	refreshable bool
}

// newTokenSource picks the first configured source: token, token_file, then
// signed tokens from key_id and private_key_path.
func newTokenSource(cfg config.AuthConfig) (tokenSource, error) {
	switch {
	case cfg.Token != "":
		return tokenSource{provider: auth.Static(cfg.Token)}, nil
	case cfg.TokenFile != "":
		return tokenSource{provider: auth.Shared(auth.File(cfg.TokenFile)), refreshable: true}, nil
	default:
		creds, err := auth.LoadCredentials(cfg.KeyID, cfg.PrivateKeyPath)
		if err != nil {
			return tokenSource{}, err
		}
		return tokenSource{provider: auth.Shared(creds.TokenProvider()), refreshable: true}, nil
	}
}

// openStore returns the store backing the persisted queue. It returns a nil
// store when persistence is off.
func openStore(ctx context.Context, cfg config.QueueConfig, logger *slog.Logger) (store.Store, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	noop := func() {}
	if !cfg.Persist {
		return nil, noop, nil
	}

	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), noop, nil

	case "badger":
		logger.Info("opening badger store", "dir", cfg.Store.Badger.Dir, "in_memory", cfg.Store.Badger.InMemory)
		st, err := badgerstore.Open(badgerstore.Config{
			Dir:      cfg.Store.Badger.Dir,
			InMemory: cfg.Store.Badger.InMemory,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, func() {
			if err := st.Close(); err != nil {
				logger.Warn("close badger store", "error", err)
			}
		}, nil

	case "postgres":
		pg := cfg.Store.Postgres
		logger.Info("connecting to postgres store",
			"host", pg.Host,
			"port", pg.Port,
			"database", pg.Name,
		)
		st, err := pgstore.Open(ctx, pg)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
