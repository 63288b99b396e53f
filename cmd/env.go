package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openpolicy/civicsync/internal/orchestrator"
	"github.com/openpolicy/civicsync/internal/registry"
	"github.com/openpolicy/civicsync/internal/store"
)

// appEnv holds the store and orchestrator shared by the serve, run and
// rollout commands.
type appEnv struct {
	Store store.Store
	State *orchestrator.State
}

// Close releases the orchestrator and the store.
func (e *appEnv) Close() {
	if e.State != nil {
		e.State.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store. Callers close it.
func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("admin"); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, store.Options{
		Driver:      cfg.Store.Driver,
		DatabaseURL: cfg.Store.DatabaseURL,
		SQLitePath:  cfg.Store.SQLitePath,
	})
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv validates the config for mode, loads the jurisdiction catalog and
// builds the orchestrator. A catalog error aborts startup. Callers should
// defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	jurisdictions, err := registry.Load(cfg.Orchestrator.CatalogPath)
	if err != nil {
		return nil, eris.Wrapf(err, "load catalog %s", cfg.Orchestrator.CatalogPath)
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	state, err := orchestrator.New(cfg, st, jurisdictions)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	zap.L().Debug("environment ready",
		zap.String("mode", mode),
		zap.String("store", cfg.Store.Driver),
		zap.Int("jurisdictions", len(jurisdictions)),
	)
	return &appEnv{Store: st, State: state}, nil
}
