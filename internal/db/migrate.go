package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/rpattn/crudql/internal/sqlexpr"
)

//go:embed migrations
var migrationsFS embed.FS

// RunMigrations applies every pending up migration for the connection's
// dialect.
func (c *Connection) RunMigrations() error {
	return c.migrate(func(m *migrate.Migrate) error { return m.Up() })
}

// RollbackMigrations reverts the given number of migrations, or all of them
// when steps is zero.
func (c *Connection) RollbackMigrations(steps int) error {
	return c.migrate(func(m *migrate.Migrate) error {
		if steps > 0 {
			return m.Steps(-steps)
		}
		return m.Down()
	})
}

// MigrationVersion reports the applied schema version, 0 before any
// migration ran.
func (c *Connection) MigrationVersion() (version uint, dirty bool, err error) {
	err = c.migrate(func(m *migrate.Migrate) error {
		version, dirty, err = m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		return err
	})
	return version, dirty, err
}

func (c *Connection) migrate(fn func(*migrate.Migrate) error) error {
	src, err := iofs.New(migrationsFS, "migrations/"+c.Dialect.Name())
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	var driver database.Driver
	switch c.Dialect {
	case sqlexpr.Postgres:
		// a separate handle, since closing the driver closes its *sql.DB
		driver, err = pgxmigrate.WithInstance(stdlib.OpenDBFromPool(c.Pool), &pgxmigrate.Config{})
	default:
		driver, err = sqlitemigrate.WithInstance(c.DB, &sqlitemigrate.Config{})
	}
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to open migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, c.Dialect.Name(), driver)
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if c.Dialect == sqlexpr.Postgres {
		defer m.Close()
	} else {
		// the sqlite driver shares c.DB, which must stay open
		defer src.Close()
	}

	if err := fn(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	c.logger().Info("migrations applied", "dialect", c.Dialect.Name())
	return nil
}
