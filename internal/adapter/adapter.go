// Package adapter converts vendor-native records into typed vendor-shape
// records per schema, streamed over a bounded channel with backpressure.
// It owns the vendor session, date chunking, symbol syntax validation and
// the stage-1 structural instantiation of fetched payloads.
package adapter

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sawpanic/histvault/internal/config"
	"github.com/sawpanic/histvault/internal/errs"
	"github.com/sawpanic/histvault/internal/models"
	"github.com/sawpanic/histvault/internal/retry"
	"github.com/sawpanic/histvault/internal/rules"
)

// VendorRecord is a typed vendor-shape record ready for transformation.
type VendorRecord = rules.SourceRecord

// FetchItem is one element of the fetch stream. Record-level failures
// (structural decode errors) carry Err plus the raw line for quarantine;
// a stream-level failure is the final item before the channel closes and
// its Err is not record-level.
type FetchItem struct {
	Record VendorRecord
	Raw    string
	Err    error
}

// Adapter produces the lazy record sequence for one job. One adapter is
// created per job and reused across chunks; the vendor session is
// job-scoped.
type Adapter struct {
	client Client
	job    config.Job
	schema models.Schema
	stype  models.SType
	log    zerolog.Logger
}

// New validates the job's schema and symbology and binds a client.
func New(client Client, job config.Job, log zerolog.Logger) (*Adapter, error) {
	schema, err := models.ParseSchema(job.Schema)
	if err != nil {
		return nil, err
	}
	stype, err := models.ParseSType(job.STypeIn)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		client: client,
		job:    job,
		schema: schema,
		stype:  stype,
		log:    log.With().Str("component", "adapter").Str("job", job.Name).Logger(),
	}, nil
}

// Connect establishes the vendor session. Idempotent.
func (a *Adapter) Connect(ctx context.Context) error { return a.client.Connect(ctx) }

// Disconnect tears the session down. Idempotent; always safe in defer.
func (a *Adapter) Disconnect() error { return a.client.Disconnect() }

// ValidateConfig structurally checks the job parameters, returning every
// problem found.
func (a *Adapter) ValidateConfig() []error {
	problems := a.job.Validate()
	problems = append(problems, ValidateSymbols(a.job.Symbols, a.stype)...)
	return problems
}

// Chunks expands the job's date range per its chunk interval.
func (a *Adapter) Chunks() []DateChunk {
	return SplitDateRange(a.job.StartDate.Time, a.job.EndDate.Time, a.job.ChunkIntervalDays)
}

// Fetch streams the chunk's records into a bounded channel. The sequence
// is lazy, finite and non-restartable; the goroutine exits on context
// cancellation or stream end. Transient request failures are retried per
// the job policy; because storage is idempotent, records re-emitted after
// a mid-stream retry are deduplicated downstream.
func (a *Adapter) Fetch(ctx context.Context, chunk DateChunk, buffer int) <-chan FetchItem {
	if buffer <= 0 {
		buffer = a.job.BatchSize * 4
	}
	out := make(chan FetchItem, buffer)

	go func() {
		defer close(out)
		err := retry.Do(ctx, a.log, a.job.Retry, errs.IsTransient, func(ctx context.Context) error {
			return a.streamChunk(ctx, chunk, out)
		})
		if err != nil && ctx.Err() == nil {
			select {
			case out <- FetchItem{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}

func (a *Adapter) streamChunk(ctx context.Context, chunk DateChunk, out chan<- FetchItem) error {
	params := RangeParams{
		Dataset: a.job.Dataset,
		Schema:  string(a.schema),
		Symbols: a.job.Symbols,
		STypeIn: string(a.stype),
		Start:   chunk.Start,
		End:     chunk.End,
	}
	// The vendor's symbol filter is unreliable for the definitions schema:
	// filtered requests silently drop rows for some symbologies. Fetch the
	// whole dataset slice and filter client-side instead.
	filterLocally := a.schema == models.SchemaDefinitions
	if filterLocally {
		params.Symbols = []string{"ALL_SYMBOLS"}
		params.STypeIn = string(models.STypeNative)
	}

	body, err := a.client.GetRange(ctx, params)
	if err != nil {
		return err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lines := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines++

		rec, err := decodeRecord(a.schema, line)
		item := FetchItem{Record: rec, Err: err}
		if err != nil {
			item.Raw = string(line)
			a.log.Warn().Err(err).Int("line", lines).Msg("vendor record failed structural validation")
		} else if filterLocally && !a.matchesRequestedSymbols(rec) {
			continue
		}

		select {
		case out <- item:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return &errs.Transient{Err: fmt.Errorf("vendor stream interrupted: %w", err)}
	}
	a.log.Debug().Str("chunk", chunk.String()).Int("lines", lines).Msg("chunk stream complete")
	return nil
}

// matchesRequestedSymbols applies the client-side definitions filter. The
// match depends on the job's symbology: native symbols match raw_symbol
// exactly, parent and continuous symbols match on the instrument root.
func (a *Adapter) matchesRequestedSymbols(rec VendorRecord) bool {
	def, ok := rec.(InstrumentDefMsg)
	if !ok {
		return true
	}
	for _, sym := range a.job.Symbols {
		switch a.stype {
		case models.STypeNative:
			if def.RawSymbol == sym {
				return true
			}
		case models.STypeParent, models.STypeContinuous:
			root := sym
			if i := strings.IndexByte(sym, '.'); i > 0 {
				root = sym[:i]
			}
			if def.Asset == root {
				return true
			}
		}
	}
	return false
}
