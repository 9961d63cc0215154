package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trialdesk/trialdesk/internal/trials"
)

const defaultMaxResultRows = 200

// Executor runs validated SELECT statements against the AACT database inside
// a read-only transaction. The validator upstream is the primary gate; the
// read-only transaction makes the database reject anything that slips past it.
type Executor struct {
	db      *sql.DB
	maxRows int
	timeout time.Duration
}

type ExecutorConfig struct {
	MaxResultRows int
	QueryTimeout  time.Duration
}

func NewExecutor(db *sql.DB, cfg ExecutorConfig) *Executor {
	maxRows := cfg.MaxResultRows
	if maxRows <= 0 {
		maxRows = defaultMaxResultRows
	}
	return &Executor{db: db, maxRows: maxRows, timeout: cfg.QueryTimeout}
}

func (e *Executor) Query(ctx context.Context, query string) (*trials.ResultSet, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read result columns: %w", err)
	}

	result := &trials.ResultSet{Columns: cols}
	for rows.Next() {
		if len(result.Rows) >= e.maxRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result rows: %w", err)
	}
	return result, nil
}
