// Package database opens the task database. SQLite is the default backend
// and needs no configuration; PostgreSQL (through pgx) serves shared
// deployments. Both are plain database/sql handles. Backend adds
// placeholder rebinding, versioned migrations and health reporting on top.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
)

// BackendType identifies the type of database backend.
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
)

// Config selects and configures the backend.
type Config struct {
	// Backend is the backend type (default: "sqlite").
	Backend BackendType `yaml:"backend"`

	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	// Path to the database file (default: "./data/taskwire.db").
	Path string `yaml:"path"`

	// JournalMode (default: WAL).
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout in milliseconds (default: 5000).
	BusyTimeout int `yaml:"busy_timeout"`
}

// PostgreSQLConfig holds PostgreSQL configuration.
type PostgreSQLConfig struct {
	// URL is a full connection string and wins over the fields below
	// (supports ${ENV_VAR} expansion, e.g. ${DATABASE_URL}).
	URL string `yaml:"url"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// SSLMode: disable, require, verify-ca, verify-full.
	SSLMode string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// DefaultConfig returns the zero-configuration SQLite setup.
func DefaultConfig() Config {
	return Config{
		Backend: BackendSQLite,
		SQLite: SQLiteConfig{
			Path:        "./data/taskwire.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		PostgreSQL: PostgreSQLConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
	}
}

// Backend is an open database.
type Backend struct {
	Type BackendType
	DB   *sql.DB

	logger *slog.Logger
}

// Open connects to the configured backend and verifies connectivity.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "database")

	var (
		db  *sql.DB
		err error
	)
	switch cfg.Backend {
	case "", BackendSQLite:
		cfg.Backend = BackendSQLite
		db, err = openSQLite(ctx, cfg.SQLite)
	case BackendPostgreSQL:
		db, err = openPostgreSQL(ctx, cfg.PostgreSQL)
	default:
		return nil, fmt.Errorf("unsupported database backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("database opened", "backend", cfg.Backend)
	return &Backend{Type: cfg.Backend, DB: db, logger: logger}, nil
}

func openSQLite(ctx context.Context, cfg SQLiteConfig) (*sql.DB, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/taskwire.db"
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=on",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	// Writes are serialized by SQLite anyway; one connection avoids
	// SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func openPostgreSQL(ctx context.Context, cfg PostgreSQLConfig) (*sql.DB, error) {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = 5 * time.Minute
	}

	db, err := sql.Open("pgx", buildPostgreSQLDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// buildPostgreSQLDSN builds the pgx connection string.
func buildPostgreSQLDSN(cfg PostgreSQLConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	ssl := cfg.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	parts := []string{
		"host=" + host,
		"port=" + strconv.Itoa(port),
		"sslmode=" + ssl,
	}
	if cfg.Database != "" {
		parts = append(parts, "dbname="+cfg.Database)
	}
	if cfg.User != "" {
		parts = append(parts, "user="+cfg.User)
	}
	if cfg.Password != "" {
		parts = append(parts, "password="+quoteDSNValue(cfg.Password))
	}
	return strings.Join(parts, " ")
}

// quoteDSNValue quotes a keyword/value DSN value when it contains spaces
// or quotes.
func quoteDSNValue(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// Rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL. Queries
// must not contain literal question marks.
func (b *Backend) Rebind(query string) string {
	if b.Type != BackendPostgreSQL || !strings.Contains(query, "?") {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.DB.Close()
}
