package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/histvault/internal/errs"
	"github.com/sawpanic/histvault/internal/retry"
)

const jobFile = `
api: databento
base_url: https://hist.example.com
retry:
  max_attempts: 5
  initial_wait: 2s
  multiplier: 2
  max_wait: 30s
jobs:
  - name: es-daily
    dataset: GLBX.MDP3
    schema: ohlcv-1d
    symbols: [ES.c.0]
    stype_in: continuous
    start_date: 2024-01-01
    end_date: 2024-03-31
    chunk_interval_days: 30
  - name: es-trades
    dataset: GLBX.MDP3
    schema: trades
    symbols: [ESH4]
    start_date: 2024-03-01
    end_date: 2024-03-05
    batch_size: 5000
    strictness: strict
    retry:
      max_attempts: 2
      initial_wait: 1s
      multiplier: 2
      max_wait: 5s
`

func writeJobDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestLoadJobs(t *testing.T) {
	dir := writeJobDir(t, map[string]string{"databento.yaml": jobFile})

	apis, err := LoadJobs(dir)
	require.NoError(t, err)
	require.Contains(t, apis, "databento")

	file := apis["databento"]
	assert.Equal(t, "DATABENTO_API_KEY", file.KeyEnvVar())
	require.Len(t, file.Jobs, 2)

	daily := file.Jobs[0]
	assert.Equal(t, "databento", daily.API)
	assert.Equal(t, "continuous", daily.STypeIn)
	assert.Equal(t, DefaultBatchSize, daily.BatchSize)
	assert.Equal(t, StrictnessNormal, daily.Strictness)
	assert.True(t, daily.QuarantineEnabled())
	assert.Equal(t, 5, daily.Retry.MaxAttempts, "file-level retry inherited")
	assert.Equal(t, 2*time.Second, daily.Retry.InitialWait)

	trades := file.Jobs[1]
	assert.Equal(t, 5000, trades.BatchSize)
	assert.Equal(t, StrictnessStrict, trades.Strictness)
	assert.Equal(t, 2, trades.Retry.MaxAttempts, "job-level retry wins")
	assert.Equal(t, "2024-03-01", trades.StartDate.String())
}

func TestLoadJobsRejectsDuplicates(t *testing.T) {
	doc := `
api: databento
jobs:
  - name: same
    dataset: D
    schema: trades
    symbols: [ESH4]
    start_date: 2024-03-01
    end_date: 2024-03-02
  - name: same
    dataset: D
    schema: trades
    symbols: [ESH4]
    start_date: 2024-03-01
    end_date: 2024-03-02
`
	dir := writeJobDir(t, map[string]string{"databento.yaml": doc})
	_, err := LoadJobs(dir)
	var ce *errs.Config
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "declared twice")
}

func TestLoadJobsRejectsUnknownKeys(t *testing.T) {
	doc := `
api: databento
jobs:
  - name: j
    dataset: D
    schema: trades
    symbolz: [ESH4]
    start_date: 2024-03-01
    end_date: 2024-03-02
`
	dir := writeJobDir(t, map[string]string{"databento.yaml": doc})
	_, err := LoadJobs(dir)
	var ce *errs.Config
	require.ErrorAs(t, err, &ce)
}

func TestLoadJobsRejectsBadRetryDuration(t *testing.T) {
	doc := `
api: databento
retry:
  max_attempts: 3
  initial_wait: four seconds
  multiplier: 2
  max_wait: 30s
jobs: []
`
	dir := writeJobDir(t, map[string]string{"databento.yaml": doc})
	_, err := LoadJobs(dir)
	var ce *errs.Config
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestJobValidateCollectsEveryProblem(t *testing.T) {
	job := Job{Name: "bad", Schema: "quotes", STypeIn: "native"}
	job.Retry = retry.DefaultPolicy()

	problems := job.Validate()
	assert.GreaterOrEqual(t, len(problems), 3, "dataset, schema, symbols and dates: %v", problems)
}

func TestJobValidateDateOrder(t *testing.T) {
	start, err := ParseDate("2024-03-05")
	require.NoError(t, err)
	end, err := ParseDate("2024-03-01")
	require.NoError(t, err)

	job := Job{
		Name: "j", Dataset: "D", Schema: "trades", Symbols: []string{"ESH4"},
		STypeIn: "native", StartDate: start, EndDate: end,
	}
	job.Normalize()
	problems := job.Validate()
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0].Error(), "before start_date")
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), d.Time)

	_, err = ParseDate("03/01/2024")
	assert.Error(t, err)
}

func TestFindJob(t *testing.T) {
	apis := map[string]APIFile{
		"databento": {API: "databento", Jobs: []Job{{Name: "es-daily"}}},
	}

	job, err := FindJob(apis, "databento", "es-daily")
	require.NoError(t, err)
	assert.Equal(t, "es-daily", job.Name)

	_, err = FindJob(apis, "nosuch", "es-daily")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configured: databento")

	_, err = FindJob(apis, "databento", "nosuch")
	assert.Error(t, err)
}
