// Package errs defines the error taxonomy shared across the ingestion
// pipeline. The split that matters operationally is transient (retry)
// versus terminal (fail the chunk) versus record-level (quarantine and
// keep going); the types here make that split checkable with errors.As.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Auth is terminal for the whole job: bad or missing credentials.
type Auth struct {
	API    string
	Reason string
}

func (e *Auth) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.API, e.Reason)
}

// Config is fatal at startup: malformed or missing configuration.
type Config struct {
	Path   string
	Reason string
}

func (e *Config) Error() string {
	if e.Path == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config %s: %s", e.Path, e.Reason)
}

// Transient wraps an error the retry policy should absorb: network
// timeouts, HTTP 5xx, 429, DB deadlocks, dropped connections. After
// carries a server-mandated minimum wait when one was provided.
type Transient struct {
	Err   error
	After time.Duration
}

func (e *Transient) Error() string             { return "transient: " + e.Err.Error() }
func (e *Transient) Unwrap() error             { return e.Err }
func (e *Transient) RetryAfter() time.Duration { return e.After }

// Transientf wraps a formatted error as transient.
func Transientf(format string, args ...any) error {
	return &Transient{Err: fmt.Errorf(format, args...)}
}

// IsTransient is the retryable predicate handed to the retry helper.
func IsTransient(err error) bool {
	var t *Transient
	return errors.As(err, &t)
}

// SchemaMismatch is record-level: a fetched vendor payload could not be
// instantiated as its declared type. The record quarantines, the batch
// continues, and no retry budget is spent.
type SchemaMismatch struct {
	Schema string
	Reason string
}

func (e *SchemaMismatch) Error() string {
	return fmt.Sprintf("vendor record does not match schema %s: %s", e.Schema, e.Reason)
}

// Transform is record-level: a mapping rule referenced a missing field or
// an expression failed for this record.
type Transform struct {
	Rule   string
	Field  string
	Reason string
}

func (e *Transform) Error() string {
	switch {
	case e.Rule != "" && e.Field != "":
		return fmt.Sprintf("transform rule %q on field %q: %s", e.Rule, e.Field, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("transform of field %q: %s", e.Field, e.Reason)
	default:
		return fmt.Sprintf("transform rule %q: %s", e.Rule, e.Reason)
	}
}

// RecordLevel reports whether the error quarantines a single record rather
// than failing the chunk.
func RecordLevel(err error) bool {
	var sm *SchemaMismatch
	var tr *Transform
	return errors.As(err, &sm) || errors.As(err, &tr)
}
