package adapter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sawpanic/histvault/internal/models"
)

// DateChunk is one date sub-range processed as a unit of progress. Start
// is inclusive, End exclusive, both UTC midnights.
type DateChunk struct {
	Start time.Time
	End   time.Time
}

func (c DateChunk) String() string {
	return fmt.Sprintf("%s..%s", c.Start.Format("2006-01-02"), c.End.Format("2006-01-02"))
}

// ChunkID derives the deterministic progress identifier for this chunk:
// schema, a hash of the sorted symbol set, and the date bounds.
func (c DateChunk) ChunkID(schema models.Schema, symbols []string) string {
	sorted := make([]string, len(symbols))
	copy(sorted, symbols)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return fmt.Sprintf("%s/%s/%s/%s",
		schema,
		hex.EncodeToString(sum[:8]),
		c.Start.Format("2006-01-02"),
		c.End.Format("2006-01-02"))
}

// SplitDateRange expands [start, end] into chunks of at most intervalDays
// days, with the final chunk clamped to end. intervalDays <= 0 yields a
// single chunk. A request with start == end yields exactly one one-day
// chunk rather than zero.
func SplitDateRange(start, end time.Time, intervalDays int) []DateChunk {
	start = midnightUTC(start)
	end = midnightUTC(end)
	if end.Before(start) {
		return nil
	}

	// End bound is exclusive; a single day spans [d, d+1).
	bound := end.AddDate(0, 0, 1)

	if intervalDays <= 0 {
		return []DateChunk{{Start: start, End: bound}}
	}

	var chunks []DateChunk
	for cur := start; cur.Before(bound); cur = cur.AddDate(0, 0, intervalDays) {
		chunkEnd := cur.AddDate(0, 0, intervalDays)
		if chunkEnd.After(bound) {
			chunkEnd = bound
		}
		chunks = append(chunks, DateChunk{Start: cur, End: chunkEnd})
	}
	return chunks
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
