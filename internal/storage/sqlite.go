package storage

import (
	"database/sql"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:shiftwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer keeps appends serialised and in-memory databases shared.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{
		db: db,
		d: dialect{
			goose:        goose.DialectSQLite3,
			migrations:   "migrations/sqlite",
			unixNanoTime: true,
		},
	}}, nil
}
