package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sawpanic/histvault/internal/errs"
	"github.com/sawpanic/histvault/internal/models"
	"github.com/sawpanic/histvault/internal/retry"
)

// Date is a calendar day in YYYY-MM-DD form. Jobs and CLI flags use dates,
// never instants; chunk boundaries are computed at UTC midnight.
type Date struct {
	time.Time
}

// ParseDate parses the YYYY-MM-DD wire form.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return Date{t.UTC()}, nil
}

func (d Date) String() string { return d.Format("2006-01-02") }

// UnmarshalYAML accepts YYYY-MM-DD strings in job files.
func (d *Date) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Strictness controls how the validator treats warning-severity rule
// violations during ingestion.
type Strictness string

const (
	// StrictnessNormal stores records with warnings and logs them.
	StrictnessNormal Strictness = "normal"
	// StrictnessStrict promotes warnings to rejections.
	StrictnessStrict Strictness = "strict"
)

// Job is one configured ingestion run: a dataset, schema, symbol set and
// date range, plus the knobs the orchestrator needs.
type Job struct {
	Name              string       `yaml:"name"`
	API               string       `yaml:"api"`
	Dataset           string       `yaml:"dataset"`
	Schema            string       `yaml:"schema"`
	Symbols           []string     `yaml:"symbols"`
	STypeIn           string       `yaml:"stype_in"`
	StartDate         Date         `yaml:"start_date"`
	EndDate           Date         `yaml:"end_date"`
	ChunkIntervalDays int          `yaml:"chunk_interval_days"`
	BatchSize         int          `yaml:"batch_size"`
	Retry             retry.Policy `yaml:"retry"`
	Strictness        Strictness   `yaml:"strictness"`
	Quarantine        *bool        `yaml:"quarantine"`
	FailFast          bool         `yaml:"fail_fast"`
	DryRun            bool         `yaml:"-"`
}

// DefaultBatchSize is the pipeline batch size when a job does not set one.
const DefaultBatchSize = 1000

// Normalize fills unset knobs with defaults. Called by LoadJobs and by the
// CLI when it builds an ad-hoc job from flags.
func (j *Job) Normalize() {
	if j.BatchSize <= 0 {
		j.BatchSize = DefaultBatchSize
	}
	if j.Retry == (retry.Policy{}) {
		j.Retry = retry.DefaultPolicy()
	}
	if j.Strictness == "" {
		j.Strictness = StrictnessNormal
	}
	if j.STypeIn == "" {
		j.STypeIn = string(models.STypeNative)
	}
	if j.Quarantine == nil {
		on := true
		j.Quarantine = &on
	}
}

// Validate enumerates every problem with the job rather than stopping at
// the first, so a config review fixes one round.
func (j Job) Validate() []error {
	var problems []error
	if j.Name == "" {
		problems = append(problems, fmt.Errorf("job name must not be empty"))
	}
	if j.Dataset == "" {
		problems = append(problems, fmt.Errorf("job %s: dataset must not be empty", j.Name))
	}
	if _, err := models.ParseSchema(j.Schema); err != nil {
		problems = append(problems, fmt.Errorf("job %s: %w", j.Name, err))
	}
	if len(j.Symbols) == 0 {
		problems = append(problems, fmt.Errorf("job %s: at least one symbol required", j.Name))
	}
	if _, err := models.ParseSType(j.STypeIn); err != nil {
		problems = append(problems, fmt.Errorf("job %s: %w", j.Name, err))
	}
	if j.StartDate.IsZero() || j.EndDate.IsZero() {
		problems = append(problems, fmt.Errorf("job %s: start_date and end_date are required", j.Name))
	} else if j.EndDate.Before(j.StartDate.Time) {
		problems = append(problems, fmt.Errorf("job %s: end_date %s before start_date %s", j.Name, j.EndDate, j.StartDate))
	}
	if j.ChunkIntervalDays < 0 {
		problems = append(problems, fmt.Errorf("job %s: chunk_interval_days must be >= 0", j.Name))
	}
	if err := j.Retry.Validate(); err != nil {
		problems = append(problems, fmt.Errorf("job %s: %w", j.Name, err))
	}
	switch j.Strictness {
	case StrictnessNormal, StrictnessStrict:
	default:
		problems = append(problems, fmt.Errorf("job %s: strictness must be normal or strict, got %q", j.Name, j.Strictness))
	}
	return problems
}

// QuarantineEnabled resolves the tri-state flag (default on).
func (j Job) QuarantineEnabled() bool {
	return j.Quarantine == nil || *j.Quarantine
}

// APIFile is a per-API job file: the API identifier, its key environment
// variable, and the jobs it serves.
type APIFile struct {
	API     string       `yaml:"api"`
	KeyEnv  string       `yaml:"key_env"`
	BaseURL string       `yaml:"base_url"`
	Retry   retry.Policy `yaml:"retry"`
	Jobs    []Job        `yaml:"jobs"`
}

// KeyEnvVar returns the environment variable holding the API key,
// defaulting to <API>_API_KEY.
func (f APIFile) KeyEnvVar() string {
	if f.KeyEnv != "" {
		return f.KeyEnv
	}
	return strings.ToUpper(f.API) + "_API_KEY"
}

// LoadJobs reads every *.yaml in dir, validates strictly, and returns the
// jobs keyed by API. Any problem in any file fails the whole load.
func LoadJobs(dir string) (map[string]APIFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &errs.Config{Path: dir, Reason: err.Error()}
	}

	apis := make(map[string]APIFile)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		var file APIFile
		if err := decodeStrict(path, &file); err != nil {
			return nil, err
		}
		if file.API == "" {
			return nil, &errs.Config{Path: path, Reason: "api must not be empty"}
		}
		if _, dup := apis[file.API]; dup {
			return nil, &errs.Config{Path: path, Reason: fmt.Sprintf("api %q declared twice", file.API)}
		}

		seen := make(map[string]bool)
		for i := range file.Jobs {
			job := &file.Jobs[i]
			job.API = file.API
			if job.Retry == (retry.Policy{}) {
				job.Retry = file.Retry
			}
			job.Normalize()
			if seen[job.Name] {
				return nil, &errs.Config{Path: path, Reason: fmt.Sprintf("job %q declared twice", job.Name)}
			}
			seen[job.Name] = true
			if problems := job.Validate(); len(problems) > 0 {
				return nil, &errs.Config{Path: path, Reason: joinErrors(problems)}
			}
		}
		apis[file.API] = file
	}
	return apis, nil
}

// FindJob locates a named job across all API files.
func FindJob(apis map[string]APIFile, api, name string) (Job, error) {
	file, ok := apis[api]
	if !ok {
		known := make([]string, 0, len(apis))
		for k := range apis {
			known = append(known, k)
		}
		sort.Strings(known)
		return Job{}, fmt.Errorf("unknown api %q (configured: %s)", api, strings.Join(known, ", "))
	}
	for _, job := range file.Jobs {
		if job.Name == name {
			return job, nil
		}
	}
	return Job{}, fmt.Errorf("api %q has no job named %q", api, name)
}

func joinErrors(errors []error) string {
	parts := make([]string, len(errors))
	for i, e := range errors {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}
