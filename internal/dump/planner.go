package dump

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
)

// skewThreshold is the ratio of largest-bin estimate to ideal bin size above
// which the planner abandons equal-width binning for sampled equal-count
// boundaries.
const skewThreshold = 2.0

// sampleTarget is how many keys the planner tries to sample for skew
// detection and quantile boundaries.
const sampleTarget = 10000

// statsQuerier is the slice of database access the planner needs.
type statsQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// TableStats holds the statistics the planner works from.
type TableStats struct {
	ApproxRows int64
	MinKey     int64
	MaxKey     int64
}

// RangePlanner partitions a table's integer key space into contiguous,
// disjoint, exhaustive ranges of roughly equal expected row count.
type RangePlanner struct {
	q         statsQuerier
	table     string
	keyColumn string
	events    *EventLogger
}

// NewRangePlanner creates a planner for the given table and ordering key.
func NewRangePlanner(q statsQuerier, table, keyColumn string, events *EventLogger) *RangePlanner {
	return &RangePlanner{q: q, table: table, keyColumn: keyColumn, events: events}
}

// Plan produces exactly workerCount ranges partitioning the key space.
// Returns ErrEmptyTable when the table has no rows and ErrNoOrderingKey when
// the key column is missing or not an integer type.
func (p *RangePlanner) Plan(ctx context.Context, workerCount int) ([]Range, error) {
	if workerCount < 1 {
		return nil, fmt.Errorf("worker count must be >= 1, got %d", workerCount)
	}

	if err := p.checkOrderingKey(ctx); err != nil {
		return nil, err
	}

	stats, err := p.collectStats(ctx)
	if err != nil {
		return nil, err
	}

	ranges := BuildEqualWidthRanges(stats.MinKey, stats.MaxKey, workerCount)

	// Skew check: equal-width bins are only usable when sampled keys spread
	// evenly across them. Heavy skew (sparse sequences, deleted ranges)
	// falls back to equal-count boundaries from the same sample.
	sample, err := p.sampleKeys(ctx, stats.ApproxRows)
	if err != nil {
		return nil, err
	}
	if len(sample) >= workerCount*2 {
		if ratio := SkewRatio(sample, ranges); ratio > skewThreshold {
			ranges = BuildEqualCountRanges(sample, workerCount)
			p.events.Log(Event{
				Level: "debug",
				Event: EventPlanComplete,
				Table: p.table,
				Details: map[string]any{
					"binning":     "equal-count",
					"skew_ratio":  ratio,
					"sample_size": len(sample),
				},
			})
		}
	}

	p.events.Log(Event{
		Event: EventPlanComplete,
		Table: p.table,
		Details: map[string]any{
			"ranges":      len(ranges),
			"approx_rows": stats.ApproxRows,
			"min_key":     stats.MinKey,
			"max_key":     stats.MaxKey,
		},
	})

	return ranges, nil
}

// checkOrderingKey verifies the key column exists and is an integer type.
func (p *RangePlanner) checkOrderingKey(ctx context.Context) error {
	schema, table := splitQualifiedName(p.table)

	var dataType string
	err := p.q.QueryRow(ctx, `
		SELECT data_type FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2 AND column_name = $3
	`, schema, table, p.keyColumn).Scan(&dataType)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("%w: column %s.%s not found", ErrNoOrderingKey, p.table, p.keyColumn)
		}
		return fmt.Errorf("failed to inspect ordering key: %w", err)
	}

	switch dataType {
	case "smallint", "integer", "bigint":
		return nil
	}
	return fmt.Errorf("%w: column %s has type %s", ErrNoOrderingKey, p.keyColumn, dataType)
}

// collectStats gathers min/max key bounds and the planner row estimate.
func (p *RangePlanner) collectStats(ctx context.Context) (TableStats, error) {
	var stats TableStats

	var minKey, maxKey *int64
	query := fmt.Sprintf(`SELECT min(%s), max(%s) FROM %s`,
		sanitizeIdentifier(p.keyColumn), sanitizeIdentifier(p.keyColumn), sanitizeQualifiedName(p.table))
	if err := p.q.QueryRow(ctx, query).Scan(&minKey, &maxKey); err != nil {
		return stats, classifyPgError(fmt.Errorf("failed to read key bounds: %w", err))
	}
	if minKey == nil || maxKey == nil {
		return stats, fmt.Errorf("%w: %s", ErrEmptyTable, p.table)
	}
	stats.MinKey = *minKey
	stats.MaxKey = *maxKey

	err := p.q.QueryRow(ctx, `
		SELECT COALESCE(reltuples::bigint, 0) FROM pg_class WHERE oid = to_regclass($1)
	`, p.table).Scan(&stats.ApproxRows)
	if err != nil {
		return stats, fmt.Errorf("failed to read row estimate: %w", err)
	}
	// reltuples is -1 before the first ANALYZE.
	if stats.ApproxRows < 0 {
		stats.ApproxRows = 0
	}

	return stats, nil
}

// sampleKeys pulls up to sampleTarget keys. Small tables are read outright;
// larger ones use TABLESAMPLE to bound the cost.
func (p *RangePlanner) sampleKeys(ctx context.Context, approxRows int64) ([]int64, error) {
	key := sanitizeIdentifier(p.keyColumn)
	table := sanitizeQualifiedName(p.table)

	var query string
	if approxRows <= sampleTarget {
		query = fmt.Sprintf(`SELECT %s FROM %s`, key, table)
	} else {
		percent := float64(sampleTarget) / float64(approxRows) * 100
		if percent < 0.01 {
			percent = 0.01
		}
		query = fmt.Sprintf(`SELECT %s FROM %s TABLESAMPLE SYSTEM (%f)`, key, table, percent)
	}

	rows, err := p.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to sample keys: %w", err)
	}
	defer rows.Close()

	var sample []int64
	for rows.Next() {
		var k int64
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		sample = append(sample, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })
	return sample, nil
}

// BuildEqualWidthRanges splits [minKey, maxKey] into n width-equal ranges.
// The first range is unbounded low and the last unbounded high, so the
// partition covers the whole key domain regardless of stats staleness.
func BuildEqualWidthRanges(minKey, maxKey int64, n int) []Range {
	if n < 1 {
		n = 1
	}

	bounds := make([]int64, 0, n-1)
	span := maxKey - minKey + 1
	for i := 1; i < n; i++ {
		// Spread the span without int64 overflow on huge domains.
		bound := minKey + int64(float64(span)*float64(i)/float64(n))
		bounds = append(bounds, bound)
	}

	return rangesFromBounds(bounds, n)
}

// BuildEqualCountRanges derives boundaries from quantiles of a sorted key
// sample so each range holds roughly the same number of sampled keys.
func BuildEqualCountRanges(sortedSample []int64, n int) []Range {
	if n < 1 {
		n = 1
	}

	bounds := make([]int64, 0, n-1)
	prev := int64(0)
	for i := 1; i < n; i++ {
		idx := i * len(sortedSample) / n
		if idx >= len(sortedSample) {
			idx = len(sortedSample) - 1
		}
		bound := sortedSample[idx]
		// Keep bounds non-decreasing; duplicate quantiles collapse into
		// empty ranges, which stay contiguous and non-overlapping.
		if len(bounds) > 0 && bound < prev {
			bound = prev
		}
		bounds = append(bounds, bound)
		prev = bound
	}

	return rangesFromBounds(bounds, n)
}

// rangesFromBounds builds n ranges from n-1 interior bounds, with unbounded
// outer edges.
func rangesFromBounds(bounds []int64, n int) []Range {
	ranges := make([]Range, n)
	for i := 0; i < n; i++ {
		r := Range{Index: i}
		if i > 0 {
			low := bounds[i-1]
			r.Low = &low
		}
		if i < n-1 {
			high := bounds[i]
			r.High = &high
		}
		ranges[i] = r
	}
	return ranges
}

// SkewRatio estimates how uneven the sampled keys fall across the given
// ranges: the largest bin's share of the sample divided by the ideal share.
func SkewRatio(sortedSample []int64, ranges []Range) float64 {
	if len(sortedSample) == 0 || len(ranges) == 0 {
		return 1.0
	}

	maxBin := 0
	for _, r := range ranges {
		count := 0
		for _, k := range sortedSample {
			if r.Contains(k) {
				count++
			}
		}
		if count > maxBin {
			maxBin = count
		}
	}

	ideal := float64(len(sortedSample)) / float64(len(ranges))
	if ideal == 0 {
		return 1.0
	}
	return float64(maxBin) / ideal
}

// splitQualifiedName splits "schema.table" into its parts, defaulting the
// schema to public.
func splitQualifiedName(name string) (schema, table string) {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return "public", name
}

// sanitizeQualifiedName sanitizes each part of a possibly schema-qualified
// table name.
func sanitizeQualifiedName(name string) string {
	schema, table := splitQualifiedName(name)
	return sanitizeIdentifier(schema) + "." + sanitizeIdentifier(table)
}
