package dump

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Report summarizes one dump session for operators and tooling. It is
// rendered at the end of every run, successful or not.
type Report struct {
	Session    string    `json:"session" yaml:"session"`
	Table      string    `json:"table" yaml:"table"`
	Workers    int       `json:"workers" yaml:"workers"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	State      State     `json:"state" yaml:"state"`

	Snapshot     SnapshotInfo        `json:"snapshot" yaml:"snapshot"`
	Ranges       []RangeReport       `json:"ranges,omitempty" yaml:"ranges,omitempty"`
	RowsCopied   int64               `json:"rows_copied" yaml:"rows_copied"`
	BytesCopied  int64               `json:"bytes_copied" yaml:"bytes_copied"`
	Subscription *SubscriptionHandle `json:"subscription,omitempty" yaml:"subscription,omitempty"`
	Verification *VerificationReport `json:"verification,omitempty" yaml:"verification,omitempty"`

	Error        string `json:"error,omitempty" yaml:"error,omitempty"`
	FailedDuring State  `json:"failed_during,omitempty" yaml:"failed_during,omitempty"`
}

// RangeReport is the per-range outcome line in a report.
type RangeReport struct {
	Range       string `json:"range" yaml:"range"`
	WorkerID    int    `json:"worker_id" yaml:"worker_id"`
	Status      string `json:"status" yaml:"status"`
	Rows        int64  `json:"rows" yaml:"rows"`
	Bytes       int64  `json:"bytes" yaml:"bytes"`
	DurationMs  int64  `json:"duration_ms" yaml:"duration_ms"`
	ArchiveFile string `json:"archive_file,omitempty" yaml:"archive_file,omitempty"`
	Checksum    string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
}

// VerificationReport records the fingerprint comparison outcome.
type VerificationReport struct {
	Source      Fingerprint `json:"source" yaml:"source"`
	Destination Fingerprint `json:"destination" yaml:"destination"`
	Match       bool        `json:"match" yaml:"match"`
}

// BuildRangeReports converts worker results into report lines, preserving
// range order.
func BuildRangeReports(results []WorkerResult) []RangeReport {
	reports := make([]RangeReport, 0, len(results))
	for _, r := range results {
		line := RangeReport{
			Range:       r.Range.String(),
			WorkerID:    r.WorkerID,
			Status:      "ok",
			Rows:        r.RowsCopied,
			Bytes:       r.BytesCopied,
			DurationMs:  r.Duration.Milliseconds(),
			ArchiveFile: r.ArchiveFile,
			Checksum:    r.Checksum,
		}
		if !r.Succeeded() {
			line.Status = "failed"
			line.Error = r.Error.Error()
		}
		reports = append(reports, line)
	}
	return reports
}

func (r *Report) tallyTotals(results []WorkerResult) {
	for _, res := range results {
		r.RowsCopied += res.RowsCopied
		r.BytesCopied += res.BytesCopied
	}
}

// JSON renders the report as indented JSON.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// YAML renders the report as YAML.
func (r *Report) YAML() ([]byte, error) {
	return yaml.Marshal(r)
}

// Summary renders a short human-readable summary for terminal output.
func (r *Report) Summary() string {
	var b strings.Builder

	duration := r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond)
	fmt.Fprintf(&b, "session %s  table %s  state %s  elapsed %s\n",
		r.Session, r.Table, r.State, duration)

	if r.Snapshot.SnapshotID != "" {
		fmt.Fprintf(&b, "snapshot %s  slot %s  consistent point %s\n",
			r.Snapshot.SnapshotID, r.Snapshot.SlotName, r.Snapshot.ConsistentPoint)
	}

	if len(r.Ranges) > 0 {
		failed := 0
		for _, line := range r.Ranges {
			if line.Status != "ok" {
				failed++
			}
		}
		fmt.Fprintf(&b, "ranges %d (%d failed)  rows %s  data %s\n",
			len(r.Ranges), failed,
			humanize.Comma(r.RowsCopied), humanize.Bytes(uint64(r.BytesCopied)))
	}

	if r.Subscription != nil {
		fmt.Fprintf(&b, "subscription %s attached to slot %s\n",
			r.Subscription.Name, r.Subscription.SlotName)
	}

	if r.Verification != nil {
		if r.Verification.Match {
			fmt.Fprintf(&b, "verify ok  %s (%s rows)\n",
				r.Verification.Source.Hash, humanize.Comma(r.Verification.Source.Rows))
		} else {
			fmt.Fprintf(&b, "verify MISMATCH  source %s (%s rows)  destination %s (%s rows)\n",
				r.Verification.Source.Hash, humanize.Comma(r.Verification.Source.Rows),
				r.Verification.Destination.Hash, humanize.Comma(r.Verification.Destination.Rows))
		}
	}

	if r.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", r.Error)
	}

	return b.String()
}
