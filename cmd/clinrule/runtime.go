package main

import (
	"context"
	"errors"
	"log/slog"

	"clinrule/internal/config"
	"clinrule/internal/metadata"
	"clinrule/internal/notify"
	"clinrule/internal/qc"
	"clinrule/internal/rulecache"
	"clinrule/internal/store"
	"clinrule/internal/validator"
)

// runtime is the wired set of components shared by serve and qc.
type runtime struct {
	store     *store.Store
	registry  *metadata.Registry
	cache     *rulecache.Cache
	validator *validator.Validator
	engine    *qc.Engine
	publisher *notify.Publisher
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	logger.Info("database connected", "dialect", db.Dialect.Name())

	rt := &runtime{
		store:    db,
		registry: metadata.NewRegistry(),
		cache:    rulecache.New(nil, logger),
	}
	if _, err := metadata.LoadAll(ctx, db, rt.registry, rt.cache, logger); err != nil {
		db.Close()
		return nil, err
	}

	rt.validator = validator.New(rt.registry, rt.cache, logger, validator.WithBudget(cfg.Validator.LatencyBudget))

	opts := []qc.Option{qc.WithWorkers(cfg.QC.Workers)}
	if cfg.NATS.URL != "" {
		pub, err := notify.Connect(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			// Run summaries are still stored; only the broadcast is lost.
			logger.Warn("qc notifications disabled", "error", err)
		} else {
			rt.publisher = pub
			opts = append(opts, qc.WithNotifier(pub))
		}
	}
	rt.engine = qc.NewEngine(rt.registry, rt.cache, db, db, logger, opts...)
	return rt, nil
}

func (rt *runtime) Close() error {
	var errs []error
	if rt.publisher != nil {
		errs = append(errs, rt.publisher.Close())
	}
	errs = append(errs, rt.store.Close())
	return errors.Join(errs...)
}
