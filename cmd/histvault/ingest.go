package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sawpanic/histvault/internal/adapter"
	"github.com/sawpanic/histvault/internal/config"
	"github.com/sawpanic/histvault/internal/errs"
	"github.com/sawpanic/histvault/internal/pipeline"
	"github.com/sawpanic/histvault/internal/storage"
)

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion job",
		Long: `Runs a configured job (--job) or an ad-hoc job built from flags.
Record-level failures quarantine and the run continues; completed chunks
are skipped on re-run.`,
		RunE: runIngest,
	}
	cmd.Flags().String("api", "", "API name the job belongs to (required)")
	cmd.Flags().String("job", "", "Configured job name")
	cmd.Flags().String("dataset", "", "Vendor dataset (ad-hoc job)")
	cmd.Flags().String("schema", "", "Schema to ingest (ad-hoc job)")
	cmd.Flags().StringSlice("symbols", nil, "Symbols, comma-separated or repeated (ad-hoc job)")
	cmd.Flags().String("start-date", "", "Range start YYYY-MM-DD (ad-hoc job)")
	cmd.Flags().String("end-date", "", "Range end YYYY-MM-DD, inclusive (ad-hoc job)")
	cmd.Flags().String("stype-in", "", "Symbol type: raw_symbol, continuous or parent")
	cmd.Flags().Int("chunk-days", 0, "Days per chunk (0 = single chunk)")
	cmd.Flags().Int("batch-size", 0, "Records per pipeline batch")
	cmd.Flags().Bool("dry-run", false, "Run the pipeline without writing to the database")
	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, apis, logger, err := loadEnvironment()
	if err != nil {
		return err
	}

	job, err := ingestJob(cmd, apis)
	if err != nil {
		return err
	}

	apiFile := apis[job.API]
	if os.Getenv(apiFile.KeyEnvVar()) == "" {
		return &errs.Auth{API: job.API, Reason: fmt.Sprintf("%s is not set", apiFile.KeyEnvVar())}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *storage.DB
	if !job.DryRun {
		db, err = storage.Open(ctx, cfg.Database, logger)
		if err != nil {
			return &errs.Config{Reason: fmt.Sprintf("database unreachable: %s", err)}
		}
		defer db.Close()
	}

	orch := pipeline.New(cfg, apis, db, vendorClientFactory(logger), logger)
	stats, err := orch.ExecuteIngestion(ctx, job)
	fmt.Fprintf(cmd.OutOrStdout(),
		"job %s: fetched=%d stored=%d duplicates=%d quarantined=%d chunks %d done / %d skipped / %d failed (%s)\n",
		job.Name, stats.Fetched, stats.Stored, stats.Duplicates, stats.Quarantined,
		stats.ChunksDone, stats.ChunksSkipped, stats.ChunksFailed, stats.Elapsed().Round(time.Millisecond))
	return err
}

// ingestJob resolves the job to run: a configured one by name, or an
// ad-hoc one assembled from flags. Flag overrides apply either way.
func ingestJob(cmd *cobra.Command, apis map[string]config.APIFile) (config.Job, error) {
	api, _ := cmd.Flags().GetString("api")
	if api == "" {
		return config.Job{}, usageErrorf("--api is required")
	}

	var job config.Job
	name, _ := cmd.Flags().GetString("job")
	if name != "" {
		found, err := config.FindJob(apis, api, name)
		if err != nil {
			return config.Job{}, usageErrorf("%s", err)
		}
		job = found
	} else {
		dataset, _ := cmd.Flags().GetString("dataset")
		schema, _ := cmd.Flags().GetString("schema")
		symbols, _ := cmd.Flags().GetStringSlice("symbols")
		startStr, _ := cmd.Flags().GetString("start-date")
		endStr, _ := cmd.Flags().GetString("end-date")
		if dataset == "" || schema == "" || len(symbols) == 0 || startStr == "" || endStr == "" {
			return config.Job{}, usageErrorf("either --job or all of --dataset --schema --symbols --start-date --end-date are required")
		}
		start, err := config.ParseDate(startStr)
		if err != nil {
			return config.Job{}, usageErrorf("--start-date: %s", err)
		}
		end, err := config.ParseDate(endStr)
		if err != nil {
			return config.Job{}, usageErrorf("--end-date: %s", err)
		}
		job = config.Job{
			Name:      fmt.Sprintf("adhoc-%s-%s", schema, time.Now().UTC().Format("20060102T150405")),
			API:       api,
			Dataset:   dataset,
			Schema:    schema,
			Symbols:   symbols,
			StartDate: start,
			EndDate:   end,
		}
	}

	if v, _ := cmd.Flags().GetString("stype-in"); v != "" {
		job.STypeIn = v
	}
	if v, _ := cmd.Flags().GetInt("chunk-days"); cmd.Flags().Changed("chunk-days") {
		job.ChunkIntervalDays = v
	}
	if v, _ := cmd.Flags().GetInt("batch-size"); v > 0 {
		job.BatchSize = v
	}
	job.DryRun, _ = cmd.Flags().GetBool("dry-run")
	job.Normalize()

	if problems := job.Validate(); len(problems) > 0 {
		return config.Job{}, usageErrorf("invalid job: %s", problems[0])
	}
	return job, nil
}

// vendorClientFactory builds the production HTTP client per API file.
func vendorClientFactory(logger zerolog.Logger) pipeline.ClientFactory {
	return func(api config.APIFile) adapter.Client {
		return adapter.NewHTTPClient(adapter.ClientConfig{
			BaseURL: api.BaseURL,
			APIKey:  os.Getenv(api.KeyEnvVar()),
		}, logger)
	}
}
