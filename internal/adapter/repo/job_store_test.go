package repo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"doctranslate/internal/domain"
	"doctranslate/internal/infra"
	"doctranslate/internal/sqlinline"
)

type execCall struct {
	query string
	args  []any
}

// stubExecutor answers QueryRow from rows in order and records Exec calls.
type stubExecutor struct {
	rows    [][]any
	rowErr  error
	sets    [][][]any
	execs   []execCall
	queries []execCall
	txs     int
}

func (s *stubExecutor) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.execs = append(s.execs, execCall{query: query, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (s *stubExecutor) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	s.queries = append(s.queries, execCall{query: query, args: args})
	if s.rowErr != nil {
		return stubRow{err: s.rowErr}
	}
	if len(s.rows) == 0 {
		return stubRow{err: pgx.ErrNoRows}
	}
	row := s.rows[0]
	s.rows = s.rows[1:]
	return stubRow{values: row}
}

func (s *stubExecutor) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	s.queries = append(s.queries, execCall{query: query, args: args})
	if len(s.sets) == 0 {
		return &stubRows{}, nil
	}
	set := s.sets[0]
	s.sets = s.sets[1:]
	return &stubRows{rows: set}, nil
}

func (s *stubExecutor) WithTx(ctx context.Context, fn func(tx infra.SQLExecutor) error) error {
	s.txs++
	return fn(s)
}

type stubRow struct {
	values []any
	err    error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignAll(dest, r.values)
}

type stubRows struct {
	rows [][]any
	pos  int
}

func (r *stubRows) Close()                                       {}
func (r *stubRows) Err() error                                   { return nil }
func (r *stubRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *stubRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *stubRows) Values() ([]any, error)                       { return r.rows[r.pos-1], nil }
func (r *stubRows) RawValues() [][]byte                          { return nil }
func (r *stubRows) Conn() *pgx.Conn                              { return nil }

func (r *stubRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *stubRows) Scan(dest ...any) error {
	return assignAll(dest, r.rows[r.pos-1])
}

func assignAll(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, v := range values {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int:
			*d = v.(int)
		case *int64:
			*d = v.(int64)
		case *bool:
			*d = v.(bool)
		case *[]byte:
			*d = []byte(v.(string))
		case *time.Time:
			*d = v.(time.Time)
		case **time.Time:
			if v == nil {
				*d = nil
			} else {
				t := v.(time.Time)
				*d = &t
			}
		default:
			return fmt.Errorf("scan: unsupported destination %T", dest[i])
		}
	}
	return nil
}

var t0 = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func chunkRow(id, jobID string, index int, status domain.ChunkStatus) []any {
	return []any{
		id, jobID, index,
		"Hello.", "", "", "",
		2, 6, 0,
		string(status), "", 0,
		nil, nil, nil,
		"", "", int64(0), "[]",
		t0,
	}
}

func jobRow(id string, chunkedAt any) []any {
	return []any{
		id, "a.txt", "en", "fr", "google", "txt", "text",
		"pending", 0, 0, 0, 0, false, "", "", "",
		`{"provider":"google"}`, `{"enabled":false}`,
		chunkedAt, t0, t0,
	}
}

func TestTransitionChunkRejectsStaleStatus(t *testing.T) {
	id := uuid.NewString()
	exec := &stubExecutor{rows: [][]any{chunkRow(id, uuid.NewString(), 0, domain.ChunkStatusCompleted)}}
	store := NewJobStore(exec)
	_, err := store.TransitionChunk(context.Background(), id, []domain.ChunkStatus{domain.ChunkStatusPending}, func(c *domain.Chunk) {
		c.Status = domain.ChunkStatusTranslating
	})
	if !errors.Is(err, domain.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
	if len(exec.execs) != 0 {
		t.Fatalf("stale transition must not write, got %d execs", len(exec.execs))
	}
	if exec.queries[0].query != sqlinline.QSelectTranslationChunkForUpdate {
		t.Fatalf("chunk row must be locked before the check")
	}
}

func TestTransitionChunkWritesMutation(t *testing.T) {
	id, jobID := uuid.NewString(), uuid.NewString()
	exec := &stubExecutor{rows: [][]any{chunkRow(id, jobID, 4, domain.ChunkStatusPending)}}
	store := NewJobStore(exec)
	store.now = func() time.Time { return t0.Add(time.Minute) }

	got, err := store.TransitionChunk(context.Background(), id, []domain.ChunkStatus{domain.ChunkStatusPending}, func(c *domain.Chunk) {
		c.Status = domain.ChunkStatusTranslating
		c.ChunkIndex = 99
	})
	if err != nil {
		t.Fatalf("TransitionChunk: %v", err)
	}
	if got.ChunkIndex != 4 || got.Status != domain.ChunkStatusTranslating {
		t.Fatalf("unexpected chunk: %+v", got)
	}
	if exec.txs != 1 || len(exec.execs) != 1 {
		t.Fatalf("expected one write inside one transaction")
	}
	call := exec.execs[0]
	if call.query != sqlinline.QUpdateTranslationChunk || len(call.args) != 21 {
		t.Fatalf("unexpected update call: %q (%d args)", call.query[:40], len(call.args))
	}
	if call.args[10] != "translating" || call.args[2] != 4 {
		t.Fatalf("unexpected args: status=%v index=%v", call.args[10], call.args[2])
	}
	if ts, ok := call.args[20].(time.Time); !ok || !ts.Equal(t0.Add(time.Minute)) {
		t.Fatalf("updated_at arg = %v", call.args[20])
	}
}

func TestGetJobNotFound(t *testing.T) {
	store := NewJobStore(&stubExecutor{})
	if _, err := store.GetJob(context.Background(), "not-a-uuid"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for malformed id, got %v", err)
	}
	if _, err := store.GetJob(context.Background(), uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing row, got %v", err)
	}
}

func TestGetJobDecodesSnapshots(t *testing.T) {
	id := uuid.NewString()
	store := NewJobStore(&stubExecutor{rows: [][]any{jobRow(id, t0)}})
	job, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Provider.Provider != "google" || !job.Chunked() || job.TargetLanguage != "fr" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestInsertChunksRejectsChunkedJob(t *testing.T) {
	id := uuid.NewString()
	exec := &stubExecutor{rows: [][]any{jobRow(id, t0)}}
	err := NewJobStore(exec).InsertChunks(context.Background(), id, []domain.Chunk{{SourceText: "x"}}, nil)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if len(exec.execs) != 0 {
		t.Fatalf("no chunk may be written for a chunked job")
	}
}

func TestInsertChunksStampsJob(t *testing.T) {
	id := uuid.NewString()
	exec := &stubExecutor{rows: [][]any{jobRow(id, nil)}}
	chunks := []domain.Chunk{{SourceText: "a"}, {SourceText: "b"}}
	if err := NewJobStore(exec).InsertChunks(context.Background(), id, chunks, nil); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	if len(exec.execs) != 3 {
		t.Fatalf("expected 2 inserts and 1 job update, got %d", len(exec.execs))
	}
	if chunks[1].ChunkIndex != 1 || chunks[1].JobID != id || chunks[1].ID == "" {
		t.Fatalf("chunk not prepared: %+v", chunks[1])
	}
	update := exec.execs[2]
	if update.query != sqlinline.QUpdateTranslationJob || update.args[8] != 2 || update.args[18].(*time.Time) == nil {
		t.Fatalf("job not stamped: total=%v chunked_at=%v", update.args[8], update.args[18])
	}
}

func TestClaimPendingPassesLimitAndTime(t *testing.T) {
	jobID := uuid.NewString()
	exec := &stubExecutor{sets: [][][]any{{
		chunkRow(uuid.NewString(), jobID, 0, domain.ChunkStatusTranslating),
		chunkRow(uuid.NewString(), jobID, 1, domain.ChunkStatusTranslating),
	}}}
	claimed, err := NewJobStore(exec).ClaimPending(context.Background(), 2, t0)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(claimed))
	}
	q := exec.queries[0]
	if q.query != sqlinline.QClaimPendingChunks || q.args[0] != 2 || !q.args[1].(time.Time).Equal(t0) {
		t.Fatalf("unexpected claim call: %v", q.args)
	}
}

func TestRecomputeJobAppliesTally(t *testing.T) {
	jobID := uuid.NewString()
	exec := &stubExecutor{
		rows: [][]any{jobRow(jobID, t0)},
		sets: [][][]any{{
			chunkRow(uuid.NewString(), jobID, 0, domain.ChunkStatusCompleted),
			chunkRow(uuid.NewString(), jobID, 1, domain.ChunkStatusFailed),
		}},
	}
	job, err := NewJobStore(exec).RecomputeJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("RecomputeJob: %v", err)
	}
	if job.Status != domain.JobStatusPartial || job.CompletedChunks != 1 || job.FailedChunks != 1 || job.TotalChunks != 2 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if exec.queries[0].query != sqlinline.QSelectTranslationJobForUpdate {
		t.Fatalf("job row must be locked before recomputing")
	}
}
