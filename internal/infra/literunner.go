package infra

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Row is a single-row result.
type Row interface {
	Scan(dest ...any) error
}

// LiteRows is a cursor over a SQLite result set.
type LiteRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// LiteExecutor is the query surface the SQLite stores are written against.
// Query texts carry the same "--sql <uuid>" marker as the Postgres ones.
type LiteExecutor interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
	Query(ctx context.Context, query string, args ...any) (LiteRows, error)
}

// LiteTxExecutor is a LiteExecutor that can also run fn in one transaction.
type LiteTxExecutor interface {
	LiteExecutor
	WithTx(ctx context.Context, fn func(tx LiteExecutor) error) error
}

// liteConn is implemented by *sql.DB and *sql.Tx.
type liteConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LiteRunner is the SQLite counterpart of SQLRunner: it strips the marker,
// runs the statement and logs it under the marker id.
type LiteRunner struct {
	DB        *sql.DB
	Logger    zerolog.Logger
	SlowQuery time.Duration

	conn liteConn
}

func NewLiteRunner(db *sql.DB, logger zerolog.Logger) *LiteRunner {
	return &LiteRunner{DB: db, Logger: logger, SlowQuery: DefaultSlowQuery, conn: db}
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func (r *LiteRunner) WithTx(ctx context.Context, fn func(tx LiteExecutor) error) error {
	if r.DB == nil {
		return errors.New("lite runner has no database")
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&LiteRunner{DB: r.DB, Logger: r.Logger, SlowQuery: r.SlowQuery, conn: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.Logger.Error().Err(rbErr).Msg("sql: rollback failed")
		}
		return err
	}
	return tx.Commit()
}

func (r *LiteRunner) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	id, body, err := extractMarker(query)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := r.target().ExecContext(ctx, body, args...)
	evt := observeStatement(r.Logger, r.SlowQuery, id, "exec", start, err)
	if err == nil {
		if n, nErr := res.RowsAffected(); nErr == nil {
			evt = evt.Int64("rows", n)
		}
	}
	evt.Send()
	return res, err
}

func (r *LiteRunner) QueryRow(ctx context.Context, query string, args ...any) Row {
	id, body, err := extractMarker(query)
	if err != nil {
		return failedRow{err: err}
	}
	return &liteRow{row: r.target().QueryRowContext(ctx, body, args...), runner: r, id: id, start: time.Now()}
}

func (r *LiteRunner) Query(ctx context.Context, query string, args ...any) (LiteRows, error) {
	id, body, err := extractMarker(query)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := r.target().QueryContext(ctx, body, args...)
	if err != nil {
		observeStatement(r.Logger, r.SlowQuery, id, "query", start, err).Send()
		return nil, err
	}
	return &liteRows{Rows: rows, runner: r, id: id, start: start}, nil
}

func (r *LiteRunner) target() liteConn {
	if r.conn != nil {
		return r.conn
	}
	return r.DB
}

type liteRow struct {
	row    *sql.Row
	runner *LiteRunner
	id     string
	start  time.Time
}

func (o *liteRow) Scan(dest ...any) error {
	err := o.row.Scan(dest...)
	observeStatement(o.runner.Logger, o.runner.SlowQuery, o.id, "query_row", o.start, err).Send()
	return err
}

type liteRows struct {
	*sql.Rows
	runner *LiteRunner
	id     string
	start  time.Time
	count  int64
	closed bool
}

func (o *liteRows) Next() bool {
	if o.Rows.Next() {
		o.count++
		return true
	}
	return false
}

func (o *liteRows) Close() error {
	err := o.Rows.Close()
	if o.closed {
		return err
	}
	o.closed = true
	cause := o.Rows.Err()
	if cause == nil {
		cause = err
	}
	observeStatement(o.runner.Logger, o.runner.SlowQuery, o.id, "query", o.start, cause).Int64("rows", o.count).Send()
	return err
}

var _ LiteTxExecutor = (*LiteRunner)(nil)
