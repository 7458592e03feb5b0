// Package pipeline drives the end-to-end ingestion of one job:
// extraction through the vendor adapter, transformation through the rule
// engine, business-rule validation, and idempotent storage, with
// chunk-level progress, retries, quarantine and cancellation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/histvault/internal/adapter"
	"github.com/sawpanic/histvault/internal/config"
	"github.com/sawpanic/histvault/internal/errs"
	"github.com/sawpanic/histvault/internal/metrics"
	"github.com/sawpanic/histvault/internal/models"
	"github.com/sawpanic/histvault/internal/quarantine"
	"github.com/sawpanic/histvault/internal/retry"
	"github.com/sawpanic/histvault/internal/rules"
	"github.com/sawpanic/histvault/internal/storage"
	"github.com/sawpanic/histvault/internal/validate"
)

// batchChannelCap bounds in-flight batches between the batcher and the
// storage worker. Small on purpose: backpressure, not buffering.
const batchChannelCap = 2

// ClientFactory builds a vendor client for an API. Injected so tests and
// dry runs substitute fakes.
type ClientFactory func(api config.APIFile) adapter.Client

// Orchestrator wires the components for a configured system. One
// orchestrator serves many jobs sequentially.
type Orchestrator struct {
	cfg     config.System
	apis    map[string]config.APIFile
	db      *storage.DB
	loader  *storage.Loader
	tracker *storage.Tracker
	clients ClientFactory
	log     zerolog.Logger
}

// New builds an orchestrator. db may be nil only for dry runs.
func New(cfg config.System, apis map[string]config.APIFile, db *storage.DB, clients ClientFactory, log zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		apis:    apis,
		db:      db,
		clients: clients,
		log:     log.With().Str("component", "orchestrator").Logger(),
	}
	if db != nil {
		o.loader = storage.NewLoader(db)
		o.tracker = storage.NewTracker(db)
	}
	return o
}

// ListJobs enumerates configured jobs, optionally filtered by API.
func (o *Orchestrator) ListJobs(api string) []config.Job {
	var jobs []config.Job
	for name, file := range o.apis {
		if api != "" && api != name {
			continue
		}
		jobs = append(jobs, file.Jobs...)
	}
	return jobs
}

// ExecuteIngestion runs one job to completion and returns its stats.
// Record-level failures quarantine and never abort the run; chunk-level
// failures mark the chunk failed and continue unless the job is
// fail_fast; ctx cancellation stops cleanly leaving the active chunk
// in_progress for resume.
func (o *Orchestrator) ExecuteIngestion(ctx context.Context, job config.Job) (*Stats, error) {
	job.Normalize()
	stats := newStats(job.Name)
	defer stats.finish()

	apiFile, ok := o.apis[job.API]
	if !ok {
		return stats, &errs.Config{Reason: fmt.Sprintf("job %s references unknown api %q", job.Name, job.API)}
	}

	ad, err := adapter.New(o.clients(apiFile), job, o.log)
	if err != nil {
		return stats, err
	}
	if problems := ad.ValidateConfig(); len(problems) > 0 {
		return stats, &errs.Config{Reason: fmt.Sprintf("job %s invalid: %v", job.Name, errors.Join(problems...))}
	}

	engine, err := rules.Load(o.mappingPath(job.API))
	if err != nil {
		return stats, err
	}
	schema, err := models.ParseSchema(job.Schema)
	if err != nil {
		return stats, err
	}
	validator := validate.New(engine, job.Strictness == config.StrictnessStrict, o.log)

	var sink *quarantine.Sink
	if job.QuarantineEnabled() {
		sink, err = quarantine.NewSink(o.cfg.Paths.QuarantineRoot, job.Name, o.log)
		if err != nil {
			return stats, err
		}
		defer sink.Close()
	}

	if err := ad.Connect(ctx); err != nil {
		return stats, fmt.Errorf("connect vendor session: %w", err)
	}
	defer ad.Disconnect()

	chunks := ad.Chunks()
	stats.ChunksTotal = len(chunks)
	o.log.Info().
		Str("job", job.Name).
		Str("schema", job.Schema).
		Int("chunks", len(chunks)).
		Int("batch_size", job.BatchSize).
		Bool("dry_run", job.DryRun).
		Msg("starting ingestion")

	var firstChunkErr error
	for _, chunk := range chunks {
		if ctx.Err() != nil {
			break
		}
		chunkID := chunk.ChunkID(schema, job.Symbols)

		if o.tracker != nil && !job.DryRun {
			prior, err := o.tracker.Begin(ctx, job.Name, chunkID)
			if err != nil {
				if errors.Is(err, storage.ErrChunkLocked) {
					o.log.Warn().Str("chunk", chunkID).Msg("chunk held by another worker, skipping")
					stats.ChunksSkipped++
					metrics.ChunksCompleted.WithLabelValues(job.Name, "skipped").Inc()
					continue
				}
				return stats, err
			}
			if prior == storage.StatusDone {
				o.log.Info().Str("chunk", chunkID).Msg("chunk already done, skipping")
				stats.ChunksSkipped++
				metrics.ChunksCompleted.WithLabelValues(job.Name, "skipped").Inc()
				continue
			}
		}

		processed, chunkErr := o.runChunk(ctx, ad, engine, validator, sink, job, schema, chunk, stats)

		switch {
		case ctx.Err() != nil:
			// Leave the chunk in_progress so the next run resumes it.
			if o.tracker != nil && !job.DryRun {
				o.tracker.Release(context.Background(), job.Name, chunkID)
			}
			o.log.Warn().Str("chunk", chunkID).Msg("cancelled mid-chunk, left in_progress")
		case chunkErr != nil:
			stats.ChunksFailed++
			metrics.ChunksCompleted.WithLabelValues(job.Name, "failed").Inc()
			o.log.Error().Err(chunkErr).Str("chunk", chunkID).Msg("chunk failed")
			if o.tracker != nil && !job.DryRun {
				if err := o.tracker.Fail(context.Background(), job.Name, chunkID, chunkErr); err != nil {
					o.log.Error().Err(err).Str("chunk", chunkID).Msg("failed to record chunk failure")
				}
			}
			if firstChunkErr == nil {
				firstChunkErr = chunkErr
			}
			if job.FailFast {
				o.logSummary(job, stats, sink)
				return stats, fmt.Errorf("chunk %s: %w", chunkID, chunkErr)
			}
		default:
			stats.ChunksDone++
			metrics.ChunksCompleted.WithLabelValues(job.Name, "done").Inc()
			if o.tracker != nil && !job.DryRun {
				if err := o.tracker.Finish(context.Background(), job.Name, chunkID, processed); err != nil {
					o.log.Error().Err(err).Str("chunk", chunkID).Msg("failed to record chunk completion")
				}
			}
		}
		if sink != nil {
			if err := sink.Flush(); err != nil {
				o.log.Warn().Err(err).Msg("quarantine flush failed")
			}
		}
	}

	o.logSummary(job, stats, sink)
	if ctx.Err() != nil {
		return stats, ctx.Err()
	}
	if firstChunkErr != nil {
		return stats, fmt.Errorf("%d of %d chunks failed, first error: %w", stats.ChunksFailed, stats.ChunksTotal, firstChunkErr)
	}
	return stats, nil
}

// runChunk consumes the adapter's record stream for one chunk, batches,
// transforms, validates and stores. Returns the number of records stored
// or skipped as duplicates for the progress row.
func (o *Orchestrator) runChunk(
	ctx context.Context,
	ad *adapter.Adapter,
	engine *rules.Engine,
	validator *validate.Validator,
	sink *quarantine.Sink,
	job config.Job,
	schema models.Schema,
	chunk adapter.DateChunk,
	stats *Stats,
) (int64, error) {
	chunkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Storage runs on its own worker fed by a small bounded channel;
	// a terminal storage error cancels the chunk upstream.
	batchCh := make(chan []models.Record, batchChannelCap)
	var (
		storeWg    sync.WaitGroup
		storeMu    sync.Mutex
		storeErr   error
		storeCount int64
	)
	storeWg.Add(1)
	go func() {
		defer storeWg.Done()
		for batch := range batchCh {
			storeMu.Lock()
			failed := storeErr != nil
			storeMu.Unlock()
			if failed || job.DryRun {
				continue
			}
			start := time.Now()
			var res storage.LoadResult
			err := retry.Do(chunkCtx, o.log, job.Retry, errs.IsTransient, func(ctx context.Context) error {
				var loadErr error
				res, loadErr = o.loader.Load(ctx, batch, schema)
				return loadErr
			})
			stats.addStageDuration(StageStore, time.Since(start))
			metrics.StageDuration.WithLabelValues(job.Name, StageStore).Observe(time.Since(start).Seconds())
			if err != nil {
				storeMu.Lock()
				storeErr = err
				storeMu.Unlock()
				cancel()
				continue
			}
			stats.addStored(int64(res.Inserted), int64(res.SkippedDuplicate))
			metrics.RecordsStored.WithLabelValues(job.Name, string(schema)).Add(float64(res.Inserted))
			storeMu.Lock()
			storeCount += int64(res.Attempted)
			storeMu.Unlock()
		}
	}()

	fetchCh := ad.Fetch(chunkCtx, chunk, job.BatchSize*4)
	buffer := make([]adapter.VendorRecord, 0, job.BatchSize)
	var (
		fetchErr  error
		fetchWait time.Duration
	)

consume:
	for {
		recvStart := time.Now()
		item, ok := <-fetchCh
		fetchWait += time.Since(recvStart)
		if !ok {
			break
		}
		switch {
		case item.Err != nil && errs.RecordLevel(item.Err):
			stats.addFetched(1)
			stats.addQuarantined(StageFetch, item.Err.Error())
			metrics.RecordsQuarantined.WithLabelValues(job.Name, string(schema), StageFetch).Inc()
			o.quarantineRaw(sink, schema, item)
		case item.Err != nil:
			fetchErr = item.Err
			break consume
		default:
			stats.addFetched(1)
			metrics.RecordsFetched.WithLabelValues(job.Name, string(schema)).Inc()
			buffer = append(buffer, item.Record)
			if len(buffer) == job.BatchSize {
				o.processBatch(chunkCtx, engine, validator, sink, job, schema, buffer, stats, batchCh)
				buffer = buffer[:0]
			}
		}
	}
	stats.addStageDuration(StageFetch, fetchWait)
	metrics.StageDuration.WithLabelValues(job.Name, StageFetch).Observe(fetchWait.Seconds())

	// Flush the partial buffer at chunk end.
	if fetchErr == nil && len(buffer) > 0 {
		o.processBatch(chunkCtx, engine, validator, sink, job, schema, buffer, stats, batchCh)
	}

	close(batchCh)
	storeWg.Wait()

	storeMu.Lock()
	defer storeMu.Unlock()
	switch {
	case fetchErr != nil:
		return storeCount, fetchErr
	case storeErr != nil:
		return storeCount, storeErr
	default:
		return storeCount, nil
	}
}

// processBatch runs one batch through transform and validation and hands
// the surviving records to the storage worker. The rule engine's batch
// API always receives the full slice; record-level failures quarantine
// without touching the rest of the batch.
func (o *Orchestrator) processBatch(
	ctx context.Context,
	engine *rules.Engine,
	validator *validate.Validator,
	sink *quarantine.Sink,
	job config.Job,
	schema models.Schema,
	batch []adapter.VendorRecord,
	stats *Stats,
	batchCh chan<- []models.Record,
) {
	start := time.Now()
	results, err := engine.TransformBatch(schema, batch)
	if err != nil {
		// Only a missing mapping reaches here; treat the whole batch as
		// transform failures.
		for _, src := range batch {
			stats.addQuarantined(StageTransform, err.Error())
			metrics.RecordsQuarantined.WithLabelValues(job.Name, string(schema), StageTransform).Inc()
			o.quarantineTransform(sink, schema, src, nil, err)
		}
		return
	}

	canonical := make([]models.Record, 0, len(results))
	for i, res := range results {
		switch {
		case res.Dropped:
			stats.addDropped(1)
		case res.Err != nil:
			stats.addQuarantined(StageTransform, res.Err.Error())
			metrics.RecordsQuarantined.WithLabelValues(job.Name, string(schema), StageTransform).Inc()
			o.quarantineTransform(sink, schema, batch[i], res.Fields, res.Err)
		default:
			rec, err := models.Build(schema, res.Fields)
			if err != nil {
				stats.addQuarantined(StageTransform, err.Error())
				metrics.RecordsQuarantined.WithLabelValues(job.Name, string(schema), StageTransform).Inc()
				o.quarantineTransform(sink, schema, batch[i], res.Fields, err)
				continue
			}
			for _, warn := range res.Warnings {
				o.log.Warn().Str("schema", string(schema)).Str("warning", warn).Msg("transform warning")
			}
			stats.addTransformed(1)
			canonical = append(canonical, rec)
		}
	}
	stats.addStageDuration(StageTransform, time.Since(start))
	metrics.StageDuration.WithLabelValues(job.Name, StageTransform).Observe(time.Since(start).Seconds())

	start = time.Now()
	accepted, rejected := validator.Validate(canonical, schema)
	stats.addStageDuration(StageValidate, time.Since(start))
	metrics.StageDuration.WithLabelValues(job.Name, StageValidate).Observe(time.Since(start).Seconds())

	for _, rej := range rejected {
		stats.addQuarantined(StageValidate, rej.Violation.Rule)
		metrics.RecordsQuarantined.WithLabelValues(job.Name, string(schema), StageValidate).Inc()
		o.quarantineValidation(sink, schema, rej)
	}

	if len(accepted) == 0 {
		return
	}
	stats.addValidated(int64(len(accepted)))
	out := make([]models.Record, len(accepted))
	for i, acc := range accepted {
		out[i] = acc.Record
	}
	select {
	case batchCh <- out:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) quarantineRaw(sink *quarantine.Sink, schema models.Schema, item adapter.FetchItem) {
	if sink == nil {
		return
	}
	err := sink.Write(schema, quarantine.Entry{
		Stage:    quarantine.StageStructural,
		Rule:     "structural_decode",
		Severity: "error",
		Original: item.Raw,
		Error:    item.Err.Error(),
	})
	if err != nil {
		o.log.Error().Err(err).Msg("quarantine write failed")
	}
}

func (o *Orchestrator) quarantineTransform(sink *quarantine.Sink, schema models.Schema, src adapter.VendorRecord, partial map[string]any, cause error) {
	if sink == nil {
		return
	}
	entry := quarantine.Entry{
		Stage:       quarantine.StageTransform,
		Rule:        cause.Error(),
		Severity:    "error",
		Transformed: partial,
		Error:       cause.Error(),
	}
	if src != nil {
		entry.Original = src.Fields()
	}
	if err := sink.Write(schema, entry); err != nil {
		o.log.Error().Err(err).Msg("quarantine write failed")
	}
}

func (o *Orchestrator) quarantineValidation(sink *quarantine.Sink, schema models.Schema, rej validate.Rejected) {
	if sink == nil {
		return
	}
	err := sink.Write(schema, quarantine.Entry{
		Stage:    quarantine.StageValidation,
		Rule:     rej.Violation.Rule,
		Severity: string(rej.Violation.Severity),
		Original: rej.Record.Fields(),
		Error:    fmt.Sprintf("%s (value: %s)", rej.Violation.Message, rej.Violation.Value),
	})
	if err != nil {
		o.log.Error().Err(err).Msg("quarantine write failed")
	}
}

func (o *Orchestrator) logSummary(job config.Job, stats *Stats, sink *quarantine.Sink) {
	evt := o.log.Info().
		Str("job", job.Name).
		Int64("fetched", stats.Fetched).
		Int64("transformed", stats.Transformed).
		Int64("dropped", stats.Dropped).
		Int64("validated", stats.Validated).
		Int64("stored", stats.Stored).
		Int64("duplicates", stats.Duplicates).
		Int64("quarantined", stats.Quarantined).
		Int("chunks_done", stats.ChunksDone).
		Int("chunks_skipped", stats.ChunksSkipped).
		Int("chunks_failed", stats.ChunksFailed).
		Dur("elapsed", stats.Elapsed())
	for i, failure := range stats.TopFailures(5) {
		evt = evt.Str(fmt.Sprintf("top_failure_%d", i+1), fmt.Sprintf("%s (%d)", failure.Reason, failure.Count))
	}
	if sink != nil {
		evt = evt.Str("quarantine_dir", sink.Dir())
	}
	evt.Msg("ingestion summary")
}

// Status probes the environment: database reachability, vendor
// credentials, quarantine directory writability and mapping documents.
type StatusReport struct {
	Checks  []StatusCheck
	Healthy bool
}

type StatusCheck struct {
	Name  string
	OK    bool
	Error string
}

// Status runs the environment probe for the status command.
func (o *Orchestrator) Status(ctx context.Context) StatusReport {
	report := StatusReport{Healthy: true}
	add := func(name string, err error) {
		check := StatusCheck{Name: name, OK: err == nil}
		if err != nil {
			check.Error = err.Error()
			report.Healthy = false
		}
		report.Checks = append(report.Checks, check)
	}

	if o.db == nil {
		add("database", fmt.Errorf("not configured"))
	} else {
		add("database", o.db.Ping(ctx))
	}

	for name, file := range o.apis {
		envVar := file.KeyEnvVar()
		if os.Getenv(envVar) == "" {
			add("credentials:"+name, fmt.Errorf("%s is not set", envVar))
		} else {
			add("credentials:"+name, nil)
		}
		_, err := rules.Load(o.mappingPath(name))
		add("mappings:"+name, err)
	}

	add("quarantine_dir", checkWritable(o.cfg.Paths.QuarantineRoot))
	return report
}

func (o *Orchestrator) mappingPath(api string) string {
	return filepath.Join(o.cfg.Paths.MappingDir, api+".yaml")
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".write_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}
