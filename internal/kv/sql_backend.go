package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/tvsync/internal/tv"
)

const sqlOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver       string
	maxOpenConns int
	valueType    string
	timeType     string
	now          string
	setup        []string
	quoteIdent   func(string) string
	bind         func(n int) string
}

// SQLBackend stores each key as one row of a two-column table. The table is
// created on first use.
type SQLBackend struct {
	dsn       string
	tableName string
	dialect   sqlDialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLBackend(dsn, tableName string, dialect sqlDialect) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || strings.TrimSpace(tableName) == "" {
		return nil, tv.ErrInvalidInput
	}
	return &SQLBackend{
		dsn:       dsn,
		tableName: tableName,
		dialect:   dialect,
		openDB:    sql.Open,
	}, nil
}

func (b *SQLBackend) table() string {
	return b.dialect.quoteIdent(b.tableName)
}

func (b *SQLBackend) ensureReady(ctx context.Context) error {
	if b == nil {
		return tv.ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.dialect.maxOpenConns > 0 {
			db.SetMaxOpenConns(b.dialect.maxOpenConns)
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sqlOperationTimeout)
		defer cancel()

		for _, stmt := range b.dialect.setup {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("%s setup: %w", b.dialect.driver, err)
				return
			}
		}
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				entry_key TEXT PRIMARY KEY,
				entry_value %s NOT NULL,
				updated_at %s NOT NULL DEFAULT %s
			)`, b.table(), b.dialect.valueType, b.dialect.timeType, b.dialect.now)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLBackend) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return b.SetBatch(ctx, map[string][]byte{key: value})
}

func (b *SQLBackend) SetBatch(ctx context.Context, values map[string][]byte) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	upsert := fmt.Sprintf(`
		INSERT INTO %s (entry_key, entry_value, updated_at)
		VALUES (%s, %s, %s)
		ON CONFLICT (entry_key)
		DO UPDATE SET entry_value = excluded.entry_value, updated_at = %s`,
		b.table(), b.dialect.bind(1), b.dialect.bind(2), b.dialect.now, b.dialect.now)
	remove := fmt.Sprintf("DELETE FROM %s WHERE entry_key = %s", b.table(), b.dialect.bind(1))
	for _, key := range sortedKeys(values) {
		value := values[key]
		if value == nil {
			if _, err := tx.ExecContext(ctx, remove, key); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, upsert, key, value); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *SQLBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT entry_value FROM %s WHERE entry_key = %s", b.table(), b.dialect.bind(1))
	var value []byte
	err := b.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *SQLBackend) Remove(ctx context.Context, key string) error {
	return b.SetBatch(ctx, map[string][]byte{key: nil})
}

func (b *SQLBackend) Keys(ctx context.Context) ([]string, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	rows, err := b.db.QueryContext(ctx, fmt.Sprintf("SELECT entry_key FROM %s ORDER BY entry_key ASC", b.table()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (b *SQLBackend) Clear(ctx context.Context) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	_, err := b.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", b.table()))
	return err
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
