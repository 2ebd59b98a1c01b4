package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"clinrule/internal/admin"
	"clinrule/internal/api"
	"clinrule/internal/apperr"
	"clinrule/internal/auth"
	"clinrule/internal/config"
	"clinrule/internal/qc"
	"clinrule/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduled QC loop.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg, log)
	},
}

func runServe(parent context.Context, cfg *config.Config, log *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.NewMigrator(cfg.Database, log).Up(); err != nil {
		return err
	}

	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	app := newApp(cfg, rt, log)

	if cfg.QC.Enabled {
		scheduler := qc.Scheduler{
			Runner:    rt.engine,
			RecordSet: cfg.QC.RecordSet,
			Interval:  cfg.QC.Interval,
			Logger:    log,
		}
		go scheduler.Run(ctx)
		log.Info("qc scheduler started", "record_set", cfg.QC.RecordSet, "interval", cfg.QC.Interval)
	}

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.Info("starting server", "addr", addr)
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	return app.ShutdownWithTimeout(10 * time.Second)
}

func newApp(cfg *config.Config, rt *runtime, log *slog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          apperr.Handler(log),
		BodyLimit:             cfg.Server.BodyLimit,
		DisableStartupMessage: true,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
		Output: os.Stderr,
	}))

	api.RegisterHealth(app, rt.store)
	if cfg.Metrics.Enabled {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}

	authMW := auth.AuthMiddleware(cfg.Auth.JWTSecret)
	if cfg.Auth.Disabled {
		log.Warn("auth disabled; every request acts as the local admin")
		authMW = auth.NoAuth()
	}

	admin.RegisterAdminRoutes(app, admin.NewHandler(rt.store, rt.registry, rt.cache, log), authMW, auth.RequireAdmin())
	api.RegisterRoutes(app, api.NewHandler(rt.validator, rt.engine, log), authMW)
	return app
}
