package kv

import (
	"strconv"

	_ "github.com/lib/pq"
)

const postgresTableName = "tvsync_kv"

var postgresDialect = sqlDialect{
	driver:     "postgres",
	valueType:  "BYTEA",
	timeType:   "TIMESTAMPTZ",
	now:        "NOW()",
	quoteIdent: quoteIdentifier,
	bind:       func(n int) string { return "$" + strconv.Itoa(n) },
}

func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	return newSQLBackend(dsn, postgresTableName, postgresDialect)
}
