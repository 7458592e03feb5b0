package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/sawpanic/histvault/internal/errs"
	"github.com/sawpanic/histvault/internal/models"
)

// maxInsertParams bounds one multi-row INSERT; postgres caps bind
// parameters at 65535. Batches above the ceiling split transparently.
const maxInsertParams = 60000

// LoadResult reports one batch load.
type LoadResult struct {
	Attempted        int
	Inserted         int
	SkippedDuplicate int
}

func (r LoadResult) add(other LoadResult) LoadResult {
	return LoadResult{
		Attempted:        r.Attempted + other.Attempted,
		Inserted:         r.Inserted + other.Inserted,
		SkippedDuplicate: r.SkippedDuplicate + other.SkippedDuplicate,
	}
}

// Loader performs idempotent bulk upserts. One loader serves all schemas;
// each Load acquires a connection from the pool for the duration of its
// transaction and releases it on every exit path.
type Loader struct {
	db  *DB
	log zerolog.Logger
}

// NewLoader builds a loader over an open DB.
func NewLoader(db *DB) *Loader {
	return &Loader{db: db, log: db.log.With().Str("component", "loader").Logger()}
}

// Load writes one batch as a single transaction per sub-batch. Duplicate
// natural keys are skipped, never mutated; re-running a chunk converges
// on the same table state. An empty batch is a no-op with no round trip.
func (l *Loader) Load(ctx context.Context, batch []models.Record, schema models.Schema) (LoadResult, error) {
	if len(batch) == 0 {
		return LoadResult{}, nil
	}
	spec, err := specFor(schema)
	if err != nil {
		return LoadResult{}, err
	}

	maxRows := maxInsertParams / len(spec.columns)
	var total LoadResult
	for start := 0; start < len(batch); start += maxRows {
		end := start + maxRows
		if end > len(batch) {
			end = len(batch)
		}
		res, err := l.loadSubBatch(ctx, batch[start:end], spec)
		if err != nil {
			return total, err
		}
		total = total.add(res)
	}
	return total, nil
}

func (l *Loader) loadSubBatch(ctx context.Context, batch []models.Record, spec tableSpec) (LoadResult, error) {
	query, args, err := buildInsert(batch, spec)
	if err != nil {
		return LoadResult{}, err
	}

	start := time.Now()
	tx, err := l.db.pool.BeginTxx(ctx, nil)
	if err != nil {
		return LoadResult{}, classifyPgError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return LoadResult{}, classifyPgError(fmt.Errorf("insert into %s: %w", spec.table, err))
	}
	if err := tx.Commit(); err != nil {
		return LoadResult{}, classifyPgError(fmt.Errorf("commit %s batch: %w", spec.table, err))
	}

	inserted64, err := res.RowsAffected()
	if err != nil {
		return LoadResult{}, fmt.Errorf("rows affected: %w", err)
	}
	result := LoadResult{
		Attempted:        len(batch),
		Inserted:         int(inserted64),
		SkippedDuplicate: len(batch) - int(inserted64),
	}
	l.log.Debug().
		Str("table", spec.table).
		Int("attempted", result.Attempted).
		Int("inserted", result.Inserted).
		Int("skipped", result.SkippedDuplicate).
		Dur("elapsed", time.Since(start)).
		Msg("batch loaded")
	return result, nil
}

// buildInsert renders the multi-row ON CONFLICT DO NOTHING statement and
// the flattened argument list, columns in spec order.
func buildInsert(batch []models.Record, spec tableSpec) (string, []any, error) {
	cols := make([]string, len(spec.columns))
	for i, cm := range spec.columns {
		cols[i] = cm.column
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", spec.table, strings.Join(cols, ", "))

	args := make([]any, 0, len(batch)*len(spec.columns))
	for i, rec := range batch {
		fields := rec.Fields()
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j, cm := range spec.columns {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+1)
			v, err := driverValue(fields[cm.field])
			if err != nil {
				return "", nil, fmt.Errorf("record %s field %s: %w", rec.NaturalKey(), cm.field, err)
			}
			args = append(args, v)
		}
		sb.WriteByte(')')
	}
	fmt.Fprintf(&sb, " ON CONFLICT (%s) DO NOTHING", strings.Join(spec.keyCols, ", "))
	return sb.String(), args, nil
}

// driverValue narrows canonical field values to types lib/pq accepts.
func driverValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case uint32:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint64:
		if x > 1<<63-1 {
			return nil, fmt.Errorf("value %d overflows bigint", x)
		}
		return int64(x), nil
	default:
		return v, nil
	}
}

// classifyPgError wraps transient database failures (deadlocks,
// serialization conflicts, dropped connections) so the retry policy picks
// them up. Everything else stays terminal.
func classifyPgError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"57P03", // cannot_connect_now
			"53300", // too_many_connections
			"08006", // connection_failure
			"08003": // connection_does_not_exist
			return &errs.Transient{Err: err}
		}
		return err
	}
	// Driver-level failures without a pq code are connection-shaped.
	if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "bad connection") {
		return &errs.Transient{Err: err}
	}
	return err
}
