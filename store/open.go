package store

import (
	"context"
	"fmt"

	"memory-gateway/config"
)

/*
Open creates the backend selected by cfg.Store.Backend.
*/
func Open(ctx context.Context, cfg *config.Config) (VectorStore, error) {
	var (
		st  VectorStore
		err error
	)
	switch cfg.Store.Backend {
	case config.BackendLocal, "":
		var local *Local
		local, err = NewLocal(cfg.Store, cfg.Collections)
		st = local
	case config.BackendSQLite:
		var lite *SQLite
		lite, err = NewSQLite(ctx, cfg.Store.SQLitePath, cfg.Collections.DistanceType)
		st = lite
	case config.BackendChromem:
		var chrome *Chromem
		chrome, err = NewChromem(cfg.Store.ChromemPath)
		st = chrome
	case config.BackendQdrant:
		var remote *Qdrant
		remote, err = NewQdrant(cfg.Store, cfg.Collections.DistanceType)
		st = remote
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Store.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	return st, nil
}
