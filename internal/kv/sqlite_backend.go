package kv

import (
	_ "modernc.org/sqlite"
)

const sqliteTableName = "kv"

var sqliteDialect = sqlDialect{
	driver:       "sqlite",
	maxOpenConns: 1,
	valueType:    "BLOB",
	timeType:     "INTEGER",
	now:          "(unixepoch())",
	setup: []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = FULL;",
		"PRAGMA busy_timeout = 5000;",
	},
	quoteIdent: quoteIdentifier,
	bind:       func(int) string { return "?" },
}

// NewSQLiteBackend opens (or creates) the database file at path.
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	return newSQLBackend(path, sqliteTableName, sqliteDialect)
}
