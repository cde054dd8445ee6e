package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/rpattn/crudql/internal/session"
	"github.com/rpattn/crudql/internal/sqlexpr"
)

// Config holds database configuration
type Config struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	// Path is the sqlite database file; ":memory:" opens a private
	// in-memory database.
	Path     string
	MaxConns int32
}

// Connection wraps the database handle sessions are opened on
type Connection struct {
	DB      *sql.DB
	Pool    *pgxpool.Pool
	Dialect sqlexpr.Dialect
	Logger  *slog.Logger
}

// NewConnection opens and pings the configured database
func NewConnection(ctx context.Context, config Config) (*Connection, error) {
	dialect, err := sqlexpr.DialectFor(config.Driver)
	if err != nil {
		return nil, err
	}

	var conn *Connection
	switch dialect {
	case sqlexpr.Postgres:
		conn, err = openPostgres(ctx, config)
	default:
		conn, err = openSQLite(config)
	}
	if err != nil {
		return nil, err
	}
	conn.Dialect = dialect

	// Test the connection
	if err := conn.DB.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, nil
}

func openPostgres(ctx context.Context, config Config) (*Connection, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Configure pool settings - more conservative to avoid connection issues
	poolConfig.MaxConns = 5
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Minute * 30
	poolConfig.MaxConnIdleTime = time.Minute * 5
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Connection{DB: stdlib.OpenDBFromPool(pool), Pool: pool}, nil
}

func openSQLite(config Config) (*Connection, error) {
	path := config.Path
	if path == "" {
		path = ":memory:"
	}
	memory := path == ":memory:" || strings.Contains(path, "mode=memory")

	dsn := "file:" + strings.TrimPrefix(path, "file:")
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if memory {
		// every new connection would see its own empty database
		db.SetMaxOpenConns(1)
	}
	return &Connection{DB: db}, nil
}

// Close closes the database handle and pool
func (c *Connection) Close() {
	if c.DB != nil {
		c.DB.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}

func (c *Connection) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Begin opens a transaction wrapped in a session; the caller commits or
// rolls back.
func (c *Connection) Begin(ctx context.Context) (*session.Session, error) {
	return session.Begin(ctx, c.DB, c.Dialect, session.WithLogger(c.logger()))
}

// WithSession executes a function within a transactional session. The
// session commits when fn succeeds and rolls back when it fails or panics.
func (c *Connection) WithSession(ctx context.Context, fn func(*session.Session) error) error {
	sess, err := c.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			if err := sess.Rollback(); err != nil {
				c.logger().Error("failed to rollback transaction", "error", err)
			}
			panic(p)
		}
	}()

	if err := fn(sess); err != nil {
		if rbErr := sess.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	return sess.Commit()
}

// DefaultConfig returns a default database configuration
func DefaultConfig() Config {
	return Config{
		Driver:   "postgres",
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "admin",
		DBName:   "crudql",
		SSLMode:  "disable",
		Path:     "crudql.db",
	}
}
