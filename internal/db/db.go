package db

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverLibsql   = "libsql"
	DriverSQLite   = "sqlite"
)

func init() {
	// sqlx only knows the bindvar style of drivers it ships a table for.
	sqlx.BindDriver(DriverLibsql, sqlx.QUESTION)
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Open connects to a postgres://, libsql:// (or http/ws Turso endpoints),
// file: or plain path database and verifies the connection.
func Open(ctx context.Context, rawURL, authToken string) (*sqlx.DB, error) {
	driver, dsn, err := buildDSN(rawURL, authToken)
	if err != nil {
		return nil, err
	}

	database, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	if driver == DriverSQLite {
		// A single connection keeps :memory: and file databases consistent
		// across statements.
		database.SetMaxOpenConns(1)
	} else {
		database.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}

	return database, nil
}

func buildDSN(rawURL, authToken string) (driver, dsn string, err error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", "", fmt.Errorf("empty database url")
	}

	switch {
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		return DriverPostgres, trimmed, nil
	case strings.HasPrefix(trimmed, "file:"), trimmed == ":memory:":
		return DriverSQLite, trimmed, nil
	case strings.HasPrefix(trimmed, "libsql://"),
		strings.HasPrefix(trimmed, "https://"),
		strings.HasPrefix(trimmed, "http://"),
		strings.HasPrefix(trimmed, "wss://"),
		strings.HasPrefix(trimmed, "ws://"):
	default:
		if strings.Contains(trimmed, "://") {
			return "", "", fmt.Errorf("unsupported database url scheme: %s", trimmed)
		}
		return DriverSQLite, trimmed, nil
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", "", fmt.Errorf("parse database url: %w", err)
	}

	query := parsed.Query()
	if query.Get("authToken") == "" && strings.TrimSpace(authToken) != "" {
		query.Set("authToken", strings.TrimSpace(authToken))
		parsed.RawQuery = query.Encode()
	}

	return DriverLibsql, parsed.String(), nil
}
