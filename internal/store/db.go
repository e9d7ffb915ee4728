package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the session-owned SQLite database holding conversations,
// messages, memberships, the intent queue and sync checkpoints. One
// instance per daemon; all store methods hang off it.
type DB struct {
	*sql.DB
}

// Open opens (creating on first use) the session database. WAL keeps
// readers paging history while the ingest path writes; foreign keys are
// on because the receipt tables cascade from messages.
func Open(path string) (*DB, error) {
	dsn := path + "?" + strings.Join([]string{
		"_journal_mode=WAL",
		"_busy_timeout=5000",
		"_foreign_keys=on",
	}, "&")

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
