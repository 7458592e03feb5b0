// Package quarantine persists rejected records with enough context to
// diagnose and re-feed them: one NDJSON file per schema under a
// timestamped run directory.
package quarantine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/histvault/internal/models"
)

// Stage names recorded in quarantine entries.
const (
	StageStructural = "structural"
	StageTransform  = "transform"
	StageValidation = "validation"
)

// Entry is one quarantined record. Original always carries the record as
// it arrived at the failing stage; Transformed is present when the rule
// engine produced a partial result before validation failed.
type Entry struct {
	Ts          time.Time      `json:"ts"`
	Schema      string         `json:"schema"`
	Stage       string         `json:"stage"`
	Rule        string         `json:"rule_or_reason"`
	Severity    string         `json:"severity"`
	Original    any            `json:"original"`
	Transformed map[string]any `json:"transformed,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Sink owns the run directory {root}/{job}/{run_ts}/ and the per-schema
// file handles within it. Safe for concurrent writes.
type Sink struct {
	dir   string
	log   zerolog.Logger
	mu    sync.Mutex
	files map[models.Schema]*schemaFile
	count int64
}

type schemaFile struct {
	f *os.File
	w *bufio.Writer
}

// NewSink creates the run directory for a job. The run identifier is the
// start timestamp plus a short unique suffix so two runs in the same
// second never collide.
func NewSink(root, job string, log zerolog.Logger) (*Sink, error) {
	runID := fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
	dir := filepath.Join(root, job, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create quarantine dir %s: %w", dir, err)
	}
	return &Sink{
		dir:   dir,
		log:   log.With().Str("component", "quarantine").Logger(),
		files: make(map[models.Schema]*schemaFile),
	}, nil
}

// Dir returns the run directory, printed in the final summary.
func (s *Sink) Dir() string { return s.dir }

// Count returns the number of entries written so far.
func (s *Sink) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Write appends one entry to the schema's NDJSON file.
func (s *Sink) Write(schema models.Schema, e Entry) error {
	if e.Ts.IsZero() {
		e.Ts = time.Now().UTC()
	}
	e.Schema = string(schema)

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal quarantine entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sf, ok := s.files[schema]
	if !ok {
		path := filepath.Join(s.dir, string(schema)+".ndjson")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open quarantine file %s: %w", path, err)
		}
		sf = &schemaFile{f: f, w: bufio.NewWriter(f)}
		s.files[schema] = sf
	}

	if _, err := sf.w.Write(line); err != nil {
		return fmt.Errorf("write quarantine entry: %w", err)
	}
	if err := sf.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write quarantine entry: %w", err)
	}
	s.count++
	return nil
}

// Flush forces buffered entries to disk. Called at chunk boundaries so a
// crash never loses a completed chunk's quarantine records.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for schema, sf := range s.files {
		if err := sf.w.Flush(); err != nil {
			return fmt.Errorf("flush quarantine file for %s: %w", schema, err)
		}
	}
	return nil
}

// Close flushes and closes every open file. The sink is unusable after.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for schema, sf := range s.files {
		if err := sf.w.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush quarantine file for %s: %w", schema, err)
		}
		if err := sf.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close quarantine file for %s: %w", schema, err)
		}
	}
	s.files = make(map[models.Schema]*schemaFile)
	if s.count == 0 {
		// Leave no empty run directories behind.
		if err := os.Remove(s.dir); err == nil {
			s.log.Debug().Str("dir", s.dir).Msg("removed empty quarantine run dir")
		}
	}
	return firstErr
}
