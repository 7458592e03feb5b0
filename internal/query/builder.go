// Package query resolves user-facing symbols to instrument ids and runs
// index-friendly range scans over the hypertables.
package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/sawpanic/histvault/internal/models"
	"github.com/sawpanic/histvault/internal/storage"
)

// SymbolResolutionError lists every symbol that did not resolve against
// the definitions table.
type SymbolResolutionError struct {
	Unresolved []string
}

func (e *SymbolResolutionError) Error() string {
	return fmt.Sprintf("unresolved symbols: %s", strings.Join(e.Unresolved, ", "))
}

// Params is one range query. Start and End are inclusive dates; filters
// are schema-specific and applied after the key columns.
type Params struct {
	Symbols   []string
	Start     time.Time
	End       time.Time
	Limit     int
	Ascending bool
}

// Builder executes queries. The symbol-resolution cache is read-mostly;
// a RWMutex-guarded map suffices for a single-process CLI.
type Builder struct {
	db  *sqlx.DB
	log zerolog.Logger

	mu       sync.RWMutex
	symCache map[string]uint32
}

// New builds a query builder over an open storage DB.
func New(db *storage.DB, log zerolog.Logger) *Builder {
	return &Builder{
		db:       db.Pool(),
		log:      log.With().Str("component", "query").Logger(),
		symCache: make(map[string]uint32),
	}
}

// ResolveSymbols maps raw symbols to instrument ids using the most recent
// definition per symbol. All symbols must resolve; otherwise a
// SymbolResolutionError lists the full unresolved set.
func (b *Builder) ResolveSymbols(ctx context.Context, symbols []string) (map[string]uint32, error) {
	resolved := make(map[string]uint32, len(symbols))
	var missing []string

	b.mu.RLock()
	for _, sym := range symbols {
		if id, ok := b.symCache[sym]; ok {
			resolved[sym] = id
		} else {
			missing = append(missing, sym)
		}
	}
	b.mu.RUnlock()

	if len(missing) > 0 {
		rows, err := b.db.QueryxContext(ctx, `
			SELECT DISTINCT ON (raw_symbol) raw_symbol, instrument_id
			FROM definitions
			WHERE raw_symbol = ANY($1)
			ORDER BY raw_symbol, ts_event DESC`,
			pq.Array(missing))
		if err != nil {
			return nil, fmt.Errorf("resolve symbols: %w", err)
		}
		defer rows.Close()

		found := make(map[string]uint32)
		for rows.Next() {
			var sym string
			var id int64
			if err := rows.Scan(&sym, &id); err != nil {
				return nil, fmt.Errorf("scan symbol row: %w", err)
			}
			found[sym] = uint32(id)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("resolve symbols: %w", err)
		}

		b.mu.Lock()
		for sym, id := range found {
			b.symCache[sym] = id
			resolved[sym] = id
		}
		b.mu.Unlock()
	}

	var unresolved []string
	for _, sym := range symbols {
		if _, ok := resolved[sym]; !ok {
			unresolved = append(unresolved, sym)
		}
	}
	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		return nil, &SymbolResolutionError{Unresolved: unresolved}
	}
	return resolved, nil
}

// AvailableSymbols lists distinct raw symbols for discovery.
func (b *Builder) AvailableSymbols(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var symbols []string
	err := b.db.SelectContext(ctx, &symbols,
		"SELECT DISTINCT raw_symbol FROM definitions ORDER BY raw_symbol LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	return symbols, nil
}

// Rows lazily yields canonical records from an open cursor. Close is
// required on every path; Collect drains and closes.
type Rows struct {
	rows *sqlx.Rows
	scan func(*sqlx.Rows) (models.Record, error)
}

// Next returns the next record, or ok=false at stream end.
func (r *Rows) Next() (models.Record, bool, error) {
	if !r.rows.Next() {
		return nil, false, r.rows.Err()
	}
	rec, err := r.scan(r.rows)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Close releases the cursor.
func (r *Rows) Close() error { return r.rows.Close() }

// Collect materializes the remaining records and closes the cursor.
func (r *Rows) Collect() ([]models.Record, error) {
	defer r.rows.Close()
	var out []models.Record
	for {
		rec, ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, rec)
	}
}

// Query runs a range scan for any schema. Filtering order follows the
// composite index: instrument_id IN (...), then the ts_event range, then
// the sort on (instrument_id, ts_event).
func (b *Builder) Query(ctx context.Context, schema models.Schema, p Params) (*Rows, error) {
	ids, err := b.ResolveSymbols(ctx, p.Symbols)
	if err != nil {
		return nil, err
	}
	idList := make([]int64, 0, len(ids))
	for _, id := range ids {
		idList = append(idList, int64(id))
	}
	sort.Slice(idList, func(i, j int) bool { return idList[i] < idList[j] })

	table := schema.Table()
	cols, scan := scannerFor(schema)

	dir := "DESC"
	if p.Ascending {
		dir = "ASC"
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE instrument_id = ANY($1)
		  AND ts_event >= $2 AND ts_event < $3`,
		strings.Join(cols, ", "), table)
	args := []any{pq.Array(idList), p.Start.UTC(), p.End.UTC().AddDate(0, 0, 1)}

	if schema.IsOHLCV() {
		query += fmt.Sprintf(" AND granularity = $%d", len(args)+1)
		args = append(args, schema.Granularity())
	}
	query += fmt.Sprintf(" ORDER BY instrument_id, ts_event %s", dir)
	if p.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, p.Limit)
	}

	started := time.Now()
	rows, err := b.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	b.log.Debug().
		Str("table", table).
		Int("instruments", len(idList)).
		Dur("elapsed", time.Since(started)).
		Msg("range scan started")
	return &Rows{rows: rows, scan: scan}, nil
}

// scannerFor returns the column list and row scanner per schema.
func scannerFor(schema models.Schema) ([]string, func(*sqlx.Rows) (models.Record, error)) {
	switch {
	case schema.IsOHLCV():
		return []string{"instrument_id", "ts_event", "granularity", "open_price", "high_price", "low_price", "close_price", "volume"},
			func(rows *sqlx.Rows) (models.Record, error) {
				var rec models.OHLCVBar
				return rec, rows.StructScan(&rec)
			}
	case schema == models.SchemaTrades:
		return []string{"instrument_id", "ts_event", "ts_recv", "price", "size", "side", "sequence"},
			func(rows *sqlx.Rows) (models.Record, error) {
				var rec models.Trade
				return rec, rows.StructScan(&rec)
			}
	case schema == models.SchemaTBBO:
		return []string{"instrument_id", "ts_event", "ts_recv", "price", "size", "side", "sequence", "bid_px_00", "ask_px_00", "bid_sz_00", "ask_sz_00"},
			func(rows *sqlx.Rows) (models.Record, error) {
				var rec models.TBBO
				return rec, rows.StructScan(&rec)
			}
	case schema == models.SchemaStatistics:
		return []string{"instrument_id", "ts_event", "ts_recv", "stat_type", "update_action", "price", "quantity"},
			func(rows *sqlx.Rows) (models.Record, error) {
				var rec models.Statistic
				return rec, rows.StructScan(&rec)
			}
	default:
		return []string{"instrument_id", "ts_event", "raw_symbol", "instrument_class", "exchange", "asset", "activation", "expiration", "min_price_increment", "contract_multiplier", "strike_price", "leg_count", "leg_index", "leg_instrument_id", "leg_raw_symbol", "leg_side"},
			func(rows *sqlx.Rows) (models.Record, error) {
				var rec models.Definition
				return rec, rows.StructScan(&rec)
			}
	}
}
