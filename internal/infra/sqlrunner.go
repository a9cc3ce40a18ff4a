package infra

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// SQLExecutor is the query surface the Postgres stores are written against.
// Every query text must start with a "--sql <uuid>" marker line.
type SQLExecutor interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
}

// TxExecutor is an SQLExecutor that can also run fn inside one transaction.
// The executor passed to fn enforces the same markers.
type TxExecutor interface {
	SQLExecutor
	WithTx(ctx context.Context, fn func(tx SQLExecutor) error) error
}

// DefaultSlowQuery is the duration above which a statement is logged at warn.
const DefaultSlowQuery = 250 * time.Millisecond

var markerPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// pgxConn is implemented by *pgxpool.Pool and pgx.Tx.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// SQLRunner strips the marker from each query, runs it on the pool (or the
// current transaction) and logs it under the marker id.
type SQLRunner struct {
	Pool      *pgxpool.Pool
	Logger    zerolog.Logger
	SlowQuery time.Duration

	conn pgxConn
}

func NewSQLRunner(pool *pgxpool.Pool, logger zerolog.Logger) *SQLRunner {
	return &SQLRunner{Pool: pool, Logger: logger, SlowQuery: DefaultSlowQuery, conn: pool}
}

// IsNoRows reports whether err means the query matched nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func (r *SQLRunner) WithTx(ctx context.Context, fn func(tx SQLExecutor) error) error {
	if r.Pool == nil {
		return errors.New("sql runner has no pool")
	}
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(&SQLRunner{Pool: r.Pool, Logger: r.Logger, SlowQuery: r.SlowQuery, conn: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			r.Logger.Error().Err(rbErr).Msg("sql: rollback failed")
		}
		return err
	}
	return tx.Commit(ctx)
}

func (r *SQLRunner) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	id, body, err := extractMarker(query)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	start := time.Now()
	tag, err := r.target().Exec(ctx, body, args...)
	r.observe(id, "exec", start, err).Int64("rows", tag.RowsAffected()).Send()
	return tag, err
}

func (r *SQLRunner) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	id, body, err := extractMarker(query)
	if err != nil {
		return failedRow{err: err}
	}
	return &observedRow{row: r.target().QueryRow(ctx, body, args...), runner: r, id: id, start: time.Now()}
}

func (r *SQLRunner) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	id, body, err := extractMarker(query)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := r.target().Query(ctx, body, args...)
	if err != nil {
		r.observe(id, "query", start, err).Send()
		return nil, err
	}
	return &observedRows{Rows: rows, runner: r, id: id, start: start}, nil
}

func (r *SQLRunner) target() pgxConn {
	if r.conn != nil {
		return r.conn
	}
	return r.Pool
}

// observe picks the log level for a finished statement: error on failure,
// warn when slow, debug otherwise. No-rows is not a failure.
func (r *SQLRunner) observe(id, op string, start time.Time, err error) *zerolog.Event {
	return observeStatement(r.Logger, r.SlowQuery, id, op, start, err)
}

func observeStatement(logger zerolog.Logger, slow time.Duration, id, op string, start time.Time, err error) *zerolog.Event {
	took := time.Since(start)
	var evt *zerolog.Event
	switch {
	case err != nil && !IsNoRows(err):
		evt = logger.Error().Err(err)
	case slow > 0 && took > slow:
		evt = logger.Warn().Bool("slow", true)
	default:
		evt = logger.Debug()
	}
	return evt.Str("sql", id).Str("op", op).Dur("took", took)
}

type observedRow struct {
	row    pgx.Row
	runner *SQLRunner
	id     string
	start  time.Time
}

func (o *observedRow) Scan(dest ...any) error {
	err := o.row.Scan(dest...)
	o.runner.observe(o.id, "query_row", o.start, err).Send()
	return err
}

type observedRows struct {
	pgx.Rows
	runner *SQLRunner
	id     string
	start  time.Time
	closed bool
}

func (o *observedRows) Close() {
	o.Rows.Close()
	if o.closed {
		return
	}
	o.closed = true
	o.runner.observe(o.id, "query", o.start, o.Rows.Err()).Int64("rows", o.Rows.CommandTag().RowsAffected()).Send()
}

type failedRow struct{ err error }

func (f failedRow) Scan(...any) error { return f.err }

// extractMarker splits "--sql <uuid>\n<body>" into the marker id and body.
func extractMarker(query string) (id, body string, err error) {
	first, rest, _ := strings.Cut(strings.TrimSpace(query), "\n")
	id, ok := strings.CutPrefix(strings.TrimSpace(first), "--sql ")
	if !ok || !markerPattern.MatchString(id) {
		return "", "", errors.New("sql marker missing or invalid")
	}
	return id, strings.TrimSpace(rest), nil
}

var _ TxExecutor = (*SQLRunner)(nil)
