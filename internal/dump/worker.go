package dump

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
)

const (
	maxWriteAttempts   = 4
	writeRetryInterval = 500 * time.Millisecond
	maxWorkers         = 16
)

// DumpWorkerPool streams key ranges of one table from source to destination
// under a shared exported snapshot. Each range gets a fresh source
// connection and its own REPEATABLE READ transaction importing the snapshot
// before any read, so every range sees the same point-in-time view.
//
// A range failure is isolated: it is recorded in that range's WorkerResult
// and does not cancel sibling workers. Transient destination write failures
// are retried inside a destination transaction (rolled back between
// attempts); snapshot import failures are terminal for the range.
type DumpWorkerPool struct {
	sourceConnStr string
	destConnStr   string
	table         string
	keyColumn     string
	workers       int
	archive       ArchiveConfig
	holder        *SnapshotHolder
	events        *EventLogger

	rangesTotal    int32
	rangesComplete int32
	rowsComplete   int64
	bytesComplete  int64

	progressFn func(completed, total int, rows, bytes int64)
}

// PoolOptions configures a DumpWorkerPool.
type PoolOptions struct {
	SourceConnStr string
	DestConnStr   string
	Table         string
	KeyColumn     string
	Workers       int
	Archive       ArchiveConfig
}

// NewDumpWorkerPool creates a pool with the worker count clamped to [1, 16].
func NewDumpWorkerPool(opts PoolOptions, holder *SnapshotHolder, events *EventLogger) *DumpWorkerPool {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}
	return &DumpWorkerPool{
		sourceConnStr: opts.SourceConnStr,
		destConnStr:   opts.DestConnStr,
		table:         opts.Table,
		keyColumn:     opts.KeyColumn,
		workers:       workers,
		archive:       opts.Archive,
		holder:        holder,
		events:        events,
	}
}

// SetProgressCallback sets a callback invoked after each completed range.
// The callback runs on worker goroutines and must be safe for concurrent use.
func (p *DumpWorkerPool) SetProgressCallback(fn func(completed, total int, rows, bytes int64)) {
	p.progressFn = fn
}

// Run dumps all ranges and returns one WorkerResult per range, in range
// order. It returns only after every worker goroutine has exited, which is
// the cancellation acknowledgement the orchestrator relies on before
// releasing the snapshot holder.
func (p *DumpWorkerPool) Run(ctx context.Context, ranges []Range, snapshotID string) []WorkerResult {
	if len(ranges) == 0 {
		return nil
	}

	atomic.StoreInt32(&p.rangesTotal, int32(len(ranges)))
	atomic.StoreInt32(&p.rangesComplete, 0)
	atomic.StoreInt64(&p.rowsComplete, 0)
	atomic.StoreInt64(&p.bytesComplete, 0)

	tasks := make(chan Range, len(ranges))
	results := make(chan WorkerResult, len(ranges))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.worker(ctx, workerID, snapshotID, tasks, results)
		}(i)
	}

	for _, r := range ranges {
		tasks <- r
	}
	close(tasks)

	wg.Wait()
	close(results)

	ordered := make([]WorkerResult, len(ranges))
	for result := range results {
		ordered[result.Range.Index] = result
	}
	return ordered
}

// worker processes range tasks until the channel drains.
func (p *DumpWorkerPool) worker(ctx context.Context, workerID int, snapshotID string, tasks <-chan Range, results chan<- WorkerResult) {
	for r := range tasks {
		select {
		case <-ctx.Done():
			// Barrier still needs its confirmation so the holder can
			// release; an abandoned range never imports the snapshot.
			p.holder.ImportConfirmed()
			results <- WorkerResult{Range: r, WorkerID: workerID, Error: ctx.Err()}
			continue
		default:
		}

		result := p.copyRange(ctx, workerID, snapshotID, r)
		results <- result

		if result.Error == nil {
			completed := atomic.AddInt32(&p.rangesComplete, 1)
			rows := atomic.AddInt64(&p.rowsComplete, result.RowsCopied)
			bytes := atomic.AddInt64(&p.bytesComplete, result.BytesCopied)
			p.events.LogRangeCompleted(result)
			if p.progressFn != nil {
				p.progressFn(int(completed), int(atomic.LoadInt32(&p.rangesTotal)), rows, bytes)
			}
		} else {
			p.events.LogRangeFailed(result)
		}
	}
}

// copyRange transfers one range: import the snapshot on a fresh source
// transaction, then stream key-ordered COPY output into the destination.
func (p *DumpWorkerPool) copyRange(ctx context.Context, workerID int, snapshotID string, r Range) WorkerResult {
	startTime := time.Now()
	result := WorkerResult{Range: r, WorkerID: workerID}

	p.events.Log(Event{
		Level: "debug",
		Event: EventRangeStarted,
		Table: p.table,
		Range: r.String(),
		Details: map[string]any{
			"worker_id": workerID,
		},
	})

	// The barrier counts every range: either the import below succeeds, or
	// the range is permanently failed and will never read the snapshot.
	importConfirmed := false
	defer func() {
		if !importConfirmed {
			p.holder.ImportConfirmed()
		}
	}()

	sess, err := p.openSourceSession(ctx, snapshotID)
	if err != nil {
		result.Error = &RangeError{Range: r, Err: err}
		result.Duration = time.Since(startTime)
		return result
	}
	defer sess.close()

	p.holder.ImportConfirmed()
	importConfirmed = true

	rows, bytes, archiveFile, checksum, err := p.streamWithRetry(ctx, sess, snapshotID, r)
	result.RowsCopied = rows
	result.BytesCopied = bytes
	result.ArchiveFile = archiveFile
	result.Checksum = checksum
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Error = &RangeError{Range: r, Err: err}
	}
	return result
}

// sourceSession is one worker's read side: a connection with an open
// REPEATABLE READ transaction pinned to the exported snapshot. A
// destination failure mid-stream tears down the source COPY connection with
// it, so the session knows how to rebuild itself for the next attempt.
type sourceSession struct {
	conn *pgx.Conn
	tx   pgx.Tx
}

// openSourceSession connects to the source and imports the snapshot. The
// import must be the first statement of the transaction; it pins the
// transaction to the holder's exported view.
func (p *DumpWorkerPool) openSourceSession(ctx context.Context, snapshotID string) (*sourceSession, error) {
	conn, err := pgx.Connect(ctx, p.sourceConnStr)
	if err != nil {
		return nil, fmt.Errorf("source connect failed: %w", err)
	}

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("source begin failed: %w", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`SET TRANSACTION SNAPSHOT '%s'`, snapshotID)); err != nil {
		conn.Close(context.Background())
		return nil, classifyPgError(fmt.Errorf("snapshot import failed: %w", err))
	}

	return &sourceSession{conn: conn, tx: tx}, nil
}

// reset replaces a dead connection with a fresh one importing the same
// snapshot. Valid for as long as the holder keeps the snapshot exported,
// which outlives every retry attempt.
func (s *sourceSession) reset(ctx context.Context, p *DumpWorkerPool, snapshotID string) error {
	s.close()
	fresh, err := p.openSourceSession(ctx, snapshotID)
	if err != nil {
		return err
	}
	s.conn = fresh.conn
	s.tx = fresh.tx
	return nil
}

func (s *sourceSession) close() {
	if s.tx != nil {
		_ = s.tx.Rollback(context.Background())
	}
	if s.conn != nil {
		s.conn.Close(context.Background())
	}
}

// retryTransient runs op under exponential backoff until it succeeds,
// returns a permanent error, or maxWriteAttempts attempts have run.
func retryTransient(ctx context.Context, initialInterval time.Duration, op func(attempt int) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialInterval

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		return op(attempt)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxWriteAttempts-1), ctx))
}

// streamWithRetry runs the COPY stream, retrying transient destination
// failures with exponential backoff. Every attempt reads the identical
// snapshot view: either through a savepoint when the source connection
// survived the failure, or through a fresh connection re-importing the
// snapshot when it did not. The destination writes inside a transaction
// that is rolled back between attempts, keeping rows exactly-once on
// success.
func (p *DumpWorkerPool) streamWithRetry(ctx context.Context, sess *sourceSession, snapshotID string, r Range) (rows, bytes int64, archiveFile, checksum string, err error) {
	var lastStreamErr error
	operation := func(attempt int) error {
		if attempt > 1 {
			p.events.Log(Event{
				Level: "warn",
				Event: EventRangeRetry,
				Table: p.table,
				Range: r.String(),
				Details: map[string]any{
					"attempt": attempt,
				},
			})
		}

		// An aborted destination COPY kills the source COPY connection
		// along with the in-flight stream. Rebuild it before retrying, and
		// keep the stream error as the cause if the rebuild fails too.
		if sess.conn.IsClosed() {
			if resetErr := sess.reset(ctx, p, snapshotID); resetErr != nil {
				if lastStreamErr != nil {
					return backoff.Permanent(fmt.Errorf("%w (source reconnect failed: %v)", lastStreamErr, resetErr))
				}
				return backoff.Permanent(resetErr)
			}
		}

		// A failed COPY that leaves the connection alive still aborts the
		// source transaction; the savepoint lets a retry reuse it.
		if _, spErr := sess.tx.Exec(ctx, "SAVEPOINT copy_attempt"); spErr != nil {
			if lastStreamErr != nil {
				return backoff.Permanent(fmt.Errorf("%w (savepoint failed: %v)", lastStreamErr, spErr))
			}
			return backoff.Permanent(fmt.Errorf("savepoint failed: %w", spErr))
		}

		var streamErr error
		rows, bytes, archiveFile, checksum, streamErr = p.streamOnce(ctx, sess.tx, r)
		if streamErr == nil {
			return nil
		}
		lastStreamErr = streamErr
		if !sess.conn.IsClosed() {
			_, _ = sess.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT copy_attempt")
		}
		if !isTransientWriteError(streamErr) {
			return backoff.Permanent(streamErr)
		}
		return streamErr
	}

	err = retryTransient(ctx, writeRetryInterval, operation)
	return rows, bytes, archiveFile, checksum, err
}

// streamOnce performs a single COPY attempt for the range.
func (p *DumpWorkerPool) streamOnce(ctx context.Context, srcTx pgx.Tx, r Range) (rows, bytes int64, archiveFile, checksum string, err error) {
	table := sanitizeQualifiedName(p.table)
	key := sanitizeIdentifier(p.keyColumn)

	// Key order inside the range is what makes later fingerprints
	// comparable row-for-row.
	copyOutSQL := fmt.Sprintf(
		`COPY (SELECT * FROM %s WHERE %s ORDER BY %s) TO STDOUT`,
		table, r.WherePredicate(key), key,
	)
	copyInSQL := fmt.Sprintf(`COPY %s FROM STDIN`, table)

	destConn, err := pgx.Connect(ctx, p.destConnStr)
	if err != nil {
		return 0, 0, "", "", fmt.Errorf("destination connect failed: %w", err)
	}
	defer destConn.Close(context.Background())

	destTx, err := destConn.Begin(ctx)
	if err != nil {
		return 0, 0, "", "", fmt.Errorf("destination begin failed: %w", err)
	}
	defer destTx.Rollback(context.Background())

	var archive *RangeArchive
	if p.archive.Enabled() {
		archive, err = NewRangeArchive(p.archive, p.table, r.Index)
		if err != nil {
			return 0, 0, "", "", err
		}
	}

	pr, pw := io.Pipe()
	counter := &countingWriter{w: pw}

	var streamTarget io.Writer = counter
	if archive != nil {
		streamTarget = io.MultiWriter(archive, counter)
	}

	copyOutDone := make(chan error, 1)
	go func() {
		_, copyErr := srcTx.Conn().PgConn().CopyTo(ctx, streamTarget, copyOutSQL)
		pw.CloseWithError(copyErr)
		copyOutDone <- copyErr
	}()

	tag, copyInErr := destTx.Conn().PgConn().CopyFrom(ctx, pr, copyInSQL)
	// Unblock the CopyTo goroutine if the destination bailed mid-stream.
	pr.CloseWithError(copyInErr)
	copyOutErr := <-copyOutDone

	if copyInErr != nil {
		if archive != nil {
			archive.Discard()
		}
		return 0, 0, "", "", fmt.Errorf("destination write failed: %w", copyInErr)
	}
	if copyOutErr != nil {
		if archive != nil {
			archive.Discard()
		}
		return 0, 0, "", "", fmt.Errorf("source stream failed: %w", classifyPgError(copyOutErr))
	}

	if err := destTx.Commit(ctx); err != nil {
		if archive != nil {
			archive.Discard()
		}
		return 0, 0, "", "", fmt.Errorf("destination commit failed: %w", err)
	}

	if archive != nil {
		archiveFile, checksum, err = archive.Finish()
		if err != nil {
			return tag.RowsAffected(), counter.count, "", "", err
		}
	}

	return tag.RowsAffected(), counter.count, archiveFile, checksum, nil
}

// countingWriter wraps a writer and counts bytes written.
type countingWriter struct {
	w     io.Writer
	count int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.count += int64(n)
	return n, err
}
