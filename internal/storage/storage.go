// Package storage is the thin SQL executor façade the sync engine core is
// built against. It exposes parameterised query, scan-to-row, multi-statement
// transactions, and a batched insert helper that respects a configurable
// parameter-count limit — nothing more. Concrete dialects (SQLite, Postgres,
// Durable Objects) live outside this package; it only needs database/sql's
// contract.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Tx is a Querier bound to an in-flight transaction.
type Tx interface {
	Querier
	Commit() error
	Rollback() error
}

// DB is a Querier that can also start transactions and reports the
// parameter-count limit its driver imposes on a single statement.
type DB interface {
	Querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	MaxBatchParams() int
}

// sqlDB adapts *sql.DB to DB. maxParams mirrors SQLite's default
// SQLITE_MAX_VARIABLE_NUMBER-derived ceiling; callers targeting a different
// dialect construct one with the value their driver actually enforces.
type sqlDB struct {
	*sql.DB
	maxParams int
}

// New wraps an already-opened *sql.DB as a storage.DB.
func New(db *sql.DB, maxParams int) DB {
	if maxParams <= 0 {
		maxParams = 900
	}
	return &sqlDB{DB: db, maxParams: maxParams}
}

func (d *sqlDB) MaxBatchParams() int { return d.maxParams }

func (d *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := d.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}

// BatchInsert inserts rows into table(columns...) in as few statements as
// the executor's parameter limit allows, splitting a batch that would
// otherwise exceed it. Every split shares the caller's transaction, so the
// overall insert remains atomic from the caller's point of view.
func BatchInsert(ctx context.Context, q Querier, maxParams int, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	width := len(columns)
	if width == 0 {
		return fmt.Errorf("batch insert %s: no columns", table)
	}
	rowsPerStmt := maxParams / width
	if rowsPerStmt < 1 {
		rowsPerStmt = 1
	}

	colList := strings.Join(columns, ", ")
	placeholderRow := "(" + strings.TrimSuffix(strings.Repeat("?,", width), ",") + ")"

	for start := 0; start < len(rows); start += rowsPerStmt {
		end := start + rowsPerStmt
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*width)
		for i, row := range chunk {
			if len(row) != width {
				return fmt.Errorf("batch insert %s: row %d has %d values, want %d", table, start+i, len(row), width)
			}
			placeholders[i] = placeholderRow
			args = append(args, row...)
		}

		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, colList, strings.Join(placeholders, ","))
		if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("batch insert %s rows [%d:%d]: %w", table, start, end, err)
		}
	}
	return nil
}
