package store

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx5:// URLs
	_ "github.com/golang-migrate/migrate/v4/database/sqlite" // sqlite:// URLs
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"clinrule/internal/config"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

type Migrator struct {
	cfg    config.DatabaseConfig
	logger *slog.Logger
}

func NewMigrator(cfg config.DatabaseConfig, logger *slog.Logger) *Migrator {
	return &Migrator{cfg: cfg, logger: logger}
}

func (m *Migrator) open() (*migrate.Migrate, error) {
	dialect := NewDialect(m.cfg.Driver)
	src, err := iofs.New(migrationFS, dialect.MigrationsDir())
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	mg, err := migrate.NewWithSourceInstance("iofs", src, m.cfg.MigrateURL())
	if err != nil {
		return nil, fmt.Errorf("init migrate: %w", err)
	}
	return mg, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	mg, err := m.open()
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("no migrations to apply")
			return nil
		}
		return fmt.Errorf("migrate up: %w", err)
	}
	version, _, _ := mg.Version()
	m.logger.Info("migrations applied", "version", version)
	return nil
}

// Down rolls back every migration.
func (m *Migrator) Down() error {
	mg, err := m.open()
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// Version reports the applied schema version.
func (m *Migrator) Version() (uint, bool, error) {
	mg, err := m.open()
	if err != nil {
		return 0, false, err
	}
	defer mg.Close()

	version, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
