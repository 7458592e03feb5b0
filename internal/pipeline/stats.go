package pipeline

import (
	"sort"
	"sync"
	"time"
)

// Stage names used in stats, metrics and quarantine entries.
const (
	StageFetch     = "fetch"
	StageTransform = "transform"
	StageValidate  = "validate"
	StageStore     = "store"
)

// Stats is the final accounting for one job run. Counters are updated
// from the batcher and storage goroutines; a single mutex guards them
// (contention is per batch, not per record).
type Stats struct {
	mu sync.Mutex

	Job       string
	StartedAt time.Time
	EndedAt   time.Time

	Fetched     int64
	Transformed int64
	Dropped     int64
	Validated   int64
	Stored      int64
	Duplicates  int64
	Quarantined int64

	ChunksTotal   int
	ChunksDone    int
	ChunksSkipped int
	ChunksFailed  int

	StageErrors    map[string]int64
	StageDurations map[string]time.Duration
	failureReasons map[string]int64
}

func newStats(job string) *Stats {
	return &Stats{
		Job:            job,
		StartedAt:      time.Now().UTC(),
		StageErrors:    make(map[string]int64),
		StageDurations: make(map[string]time.Duration),
		failureReasons: make(map[string]int64),
	}
}

func (s *Stats) addFetched(n int64) {
	s.mu.Lock()
	s.Fetched += n
	s.mu.Unlock()
}

func (s *Stats) addTransformed(n int64) {
	s.mu.Lock()
	s.Transformed += n
	s.mu.Unlock()
}

func (s *Stats) addDropped(n int64) {
	s.mu.Lock()
	s.Dropped += n
	s.mu.Unlock()
}

func (s *Stats) addValidated(n int64) {
	s.mu.Lock()
	s.Validated += n
	s.mu.Unlock()
}

func (s *Stats) addStored(inserted, duplicates int64) {
	s.mu.Lock()
	s.Stored += inserted
	s.Duplicates += duplicates
	s.mu.Unlock()
}

func (s *Stats) addQuarantined(stage, reason string) {
	s.mu.Lock()
	s.Quarantined++
	s.StageErrors[stage]++
	s.failureReasons[reason]++
	s.mu.Unlock()
}

func (s *Stats) addStageDuration(stage string, d time.Duration) {
	s.mu.Lock()
	s.StageDurations[stage] += d
	s.mu.Unlock()
}

func (s *Stats) finish() {
	s.mu.Lock()
	s.EndedAt = time.Now().UTC()
	s.mu.Unlock()
}

// FailureReason is one aggregated rejection cause.
type FailureReason struct {
	Reason string
	Count  int64
}

// TopFailures returns the most frequent rejection reasons, descending,
// capped at n.
func (s *Stats) TopFailures(n int) []FailureReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FailureReason, 0, len(s.failureReasons))
	for reason, count := range s.failureReasons {
		out = append(out, FailureReason{Reason: reason, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Elapsed is total wall clock for the run.
func (s *Stats) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.EndedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return end.Sub(s.StartedAt)
}
