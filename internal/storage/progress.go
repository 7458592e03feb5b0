package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// ChunkStatus is the lifecycle of one (job, chunk) pair.
type ChunkStatus string

const (
	StatusInProgress ChunkStatus = "in_progress"
	StatusDone       ChunkStatus = "done"
	StatusFailed     ChunkStatus = "failed"
)

// ErrChunkLocked means another live process holds the chunk's advisory
// lock right now. Distinct from a stale in_progress row left by a crash,
// which Begin resumes.
var ErrChunkLocked = errors.New("chunk is locked by another worker")

// ProgressRow mirrors the ingest_progress table.
type ProgressRow struct {
	JobName          string         `db:"job_name"`
	ChunkID          string         `db:"chunk_id"`
	Status           ChunkStatus    `db:"status"`
	RecordsProcessed int64          `db:"records_processed"`
	Error            sql.NullString `db:"error"`
	StartedAt        time.Time      `db:"started_at"`
	FinishedAt       sql.NullTime   `db:"finished_at"`
}

// Tracker records chunk-level progress for resume and skip. Exclusivity
// is a session-scoped postgres advisory lock per (job, chunk): the lock
// is taken on a dedicated connection in Begin and held until Finish or
// Fail, so two workers can never run the same chunk, while a crashed
// worker's lock vanishes with its session and the chunk stays resumable.
type Tracker struct {
	db  *DB
	log zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sqlx.Conn
}

// NewTracker builds a tracker over an open DB.
func NewTracker(db *DB) *Tracker {
	return &Tracker{
		db:    db,
		log:   db.log.With().Str("component", "progress").Logger(),
		locks: make(map[string]*sqlx.Conn),
	}
}

// Begin claims a chunk. Returns StatusDone without claiming when the
// chunk already completed; otherwise takes the advisory lock, upserts the
// row to in_progress, and returns the prior status (in_progress after a
// crash, failed after a terminal error, "" for a fresh chunk).
func (t *Tracker) Begin(ctx context.Context, job, chunkID string) (ChunkStatus, error) {
	conn, err := t.db.pool.Connx(ctx)
	if err != nil {
		return "", classifyPgError(fmt.Errorf("acquire progress connection: %w", err))
	}

	release := func() {
		conn.Close()
	}

	var locked bool
	if err := conn.GetContext(ctx, &locked,
		"SELECT pg_try_advisory_lock($1)", chunkLockKey(job, chunkID)); err != nil {
		release()
		return "", classifyPgError(fmt.Errorf("advisory lock: %w", err))
	}
	if !locked {
		release()
		return "", fmt.Errorf("%w: %s/%s", ErrChunkLocked, job, chunkID)
	}

	var prior ChunkStatus
	err = conn.GetContext(ctx, &prior,
		"SELECT status FROM ingest_progress WHERE job_name = $1 AND chunk_id = $2", job, chunkID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prior = ""
	case err != nil:
		t.unlock(ctx, conn, job, chunkID)
		release()
		return "", classifyPgError(fmt.Errorf("read progress: %w", err))
	}

	if prior == StatusDone {
		t.unlock(ctx, conn, job, chunkID)
		release()
		return StatusDone, nil
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO ingest_progress (job_name, chunk_id, status, records_processed, started_at)
		VALUES ($1, $2, $3, 0, now())
		ON CONFLICT (job_name, chunk_id) DO UPDATE
		SET status = $3, started_at = now(), finished_at = NULL, error = NULL`,
		job, chunkID, StatusInProgress)
	if err != nil {
		t.unlock(ctx, conn, job, chunkID)
		release()
		return "", classifyPgError(fmt.Errorf("mark chunk in_progress: %w", err))
	}

	t.mu.Lock()
	t.locks[job+"|"+chunkID] = conn
	t.mu.Unlock()
	return prior, nil
}

// Finish marks a claimed chunk done and releases its lock.
func (t *Tracker) Finish(ctx context.Context, job, chunkID string, recordsProcessed int64) error {
	_, err := t.db.pool.ExecContext(ctx, `
		UPDATE ingest_progress
		SET status = $3, records_processed = $4, finished_at = now(), error = NULL
		WHERE job_name = $1 AND chunk_id = $2`,
		job, chunkID, StatusDone, recordsProcessed)
	t.releaseLock(ctx, job, chunkID)
	if err != nil {
		return classifyPgError(fmt.Errorf("mark chunk done: %w", err))
	}
	return nil
}

// Fail marks a claimed chunk failed with an error summary and releases
// its lock.
func (t *Tracker) Fail(ctx context.Context, job, chunkID string, cause error) error {
	summary := cause.Error()
	if len(summary) > 1024 {
		summary = summary[:1024]
	}
	_, err := t.db.pool.ExecContext(ctx, `
		UPDATE ingest_progress
		SET status = $3, finished_at = now(), error = $4
		WHERE job_name = $1 AND chunk_id = $2`,
		job, chunkID, StatusFailed, summary)
	t.releaseLock(ctx, job, chunkID)
	if err != nil {
		return classifyPgError(fmt.Errorf("mark chunk failed: %w", err))
	}
	return nil
}

// Release drops any lock still held for the chunk without touching the
// row; used on cancellation so the chunk stays in_progress for resume.
func (t *Tracker) Release(ctx context.Context, job, chunkID string) {
	t.releaseLock(ctx, job, chunkID)
}

// Status reads the current row for a chunk.
func (t *Tracker) Status(ctx context.Context, job, chunkID string) (*ProgressRow, error) {
	var row ProgressRow
	err := t.db.pool.GetContext(ctx, &row, `
		SELECT job_name, chunk_id, status, records_processed, error, started_at, finished_at
		FROM ingest_progress WHERE job_name = $1 AND chunk_id = $2`, job, chunkID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPgError(err)
	}
	return &row, nil
}

func (t *Tracker) releaseLock(ctx context.Context, job, chunkID string) {
	t.mu.Lock()
	conn, ok := t.locks[job+"|"+chunkID]
	delete(t.locks, job+"|"+chunkID)
	t.mu.Unlock()
	if !ok {
		return
	}
	t.unlock(ctx, conn, job, chunkID)
	conn.Close()
}

func (t *Tracker) unlock(ctx context.Context, conn *sqlx.Conn, job, chunkID string) {
	var unlocked bool
	if err := conn.GetContext(ctx, &unlocked,
		"SELECT pg_advisory_unlock($1)", chunkLockKey(job, chunkID)); err != nil {
		t.log.Warn().Err(err).Str("job", job).Str("chunk", chunkID).Msg("advisory unlock failed")
	}
}

// chunkLockKey hashes (job, chunk) into the signed 64-bit advisory lock
// space.
func chunkLockKey(job, chunkID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(job))
	h.Write([]byte{0})
	h.Write([]byte(chunkID))
	return int64(h.Sum64())
}
