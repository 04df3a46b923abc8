// Package dump implements the consistent parallel snapshot dump pipeline:
// one snapshot-holding connection pins a consistent view and a logical
// replication slot, a bounded worker pool streams key ranges of the table
// from source to destination under that view, and replication catch-up
// attaches a subscription to the slot once the bulk copy completes.
package dump

import (
	"fmt"
	"time"
)

// Range is a contiguous key interval [Low, High) over the table's ordering
// key. A nil bound means unbounded on that side. Ranges produced by the
// planner partition the full key space with no gaps and no overlaps, and each
// is assigned to exactly one worker transaction.
type Range struct {
	Index int    `json:"index"`
	Low   *int64 `json:"low,omitempty"`
	High  *int64 `json:"high,omitempty"`
}

// String returns a compact interval notation for logs and reports.
func (r Range) String() string {
	low, high := "-inf", "+inf"
	if r.Low != nil {
		low = fmt.Sprintf("%d", *r.Low)
	}
	if r.High != nil {
		high = fmt.Sprintf("%d", *r.High)
	}
	return fmt.Sprintf("[%s, %s)", low, high)
}

// WherePredicate renders the range as a SQL predicate over the given key
// column. An unbounded range on both sides yields "TRUE" so the caller can
// always interpolate it.
func (r Range) WherePredicate(keyColumn string) string {
	switch {
	case r.Low == nil && r.High == nil:
		return "TRUE"
	case r.Low == nil:
		return fmt.Sprintf("%s < %d", keyColumn, *r.High)
	case r.High == nil:
		return fmt.Sprintf("%s >= %d", keyColumn, *r.Low)
	default:
		return fmt.Sprintf("%s >= %d AND %s < %d", keyColumn, *r.Low, keyColumn, *r.High)
	}
}

// Contains reports whether the key falls inside the range.
func (r Range) Contains(key int64) bool {
	if r.Low != nil && key < *r.Low {
		return false
	}
	if r.High != nil && key >= *r.High {
		return false
	}
	return true
}

// WorkerResult is the per-range outcome of a dump worker.
type WorkerResult struct {
	Range       Range         `json:"range"`
	WorkerID    int           `json:"worker_id"`
	RowsCopied  int64         `json:"rows_copied"`
	BytesCopied int64         `json:"bytes_copied"`
	Duration    time.Duration `json:"duration_ns"`
	ArchiveFile string        `json:"archive_file,omitempty"`
	Checksum    string        `json:"checksum,omitempty"`
	Error       error         `json:"-"`
}

// Succeeded reports whether the range transferred cleanly.
func (w WorkerResult) Succeeded() bool {
	return w.Error == nil
}

// AllSucceeded reports whether every result in the set succeeded. An empty
// set counts as success (the empty-table path produces no ranges).
func AllSucceeded(results []WorkerResult) bool {
	for _, r := range results {
		if !r.Succeeded() {
			return false
		}
	}
	return true
}

// FailedRanges returns the ranges that did not complete, so a caller can
// truncate and re-run just those.
func FailedRanges(results []WorkerResult) []Range {
	var failed []Range
	for _, r := range results {
		if !r.Succeeded() {
			failed = append(failed, r.Range)
		}
	}
	return failed
}
