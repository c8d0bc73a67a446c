package storage

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Dialect selects SQL syntax differences between backends.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLConfig configures a SQL-backed store and its connection pool.
type SQLConfig struct {
	// Driver is "postgres", "cockroach" or "sqlite".
	Driver          string        `yaml:"driver" json:"driver" jsonschema:"enum=postgres,enum=cockroach,enum=sqlite"`
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// DefaultSQLConfig returns default connection pool settings.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		Driver:          "postgres",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// driverAndDialect maps a configured driver to the database/sql driver name.
func driverAndDialect(driver string) (string, Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "postgres", "postgresql", "cockroach", "cockroachdb":
		return "postgres", DialectPostgres, nil
	case "sqlite", "sqlite3":
		return "sqlite", DialectSQLite, nil
	default:
		return "", "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

var positionalParam = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $N placeholders into the dialect's positional form.
func (d Dialect) rebind(query string) string {
	if d == DialectSQLite {
		return positionalParam.ReplaceAllString(query, "?$1")
	}
	return query
}
