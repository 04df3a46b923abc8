package dump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/willibrandon/pgshovel/internal/config"
	"github.com/willibrandon/pgshovel/internal/db"
)

// State identifies where the pipeline is in its lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateSnapshotOpen State = "snapshot_open"
	StatePlanning     State = "planning"
	StateDumping      State = "dumping"
	StateAttaching    State = "attaching"
	StateVerifying    State = "verifying"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// AllStates returns all pipeline states in lifecycle order.
func AllStates() []State {
	return []State{
		StateIdle,
		StateSnapshotOpen,
		StatePlanning,
		StateDumping,
		StateAttaching,
		StateVerifying,
		StateDone,
		StateFailed,
	}
}

// IsValid checks if the state is a recognized pipeline state.
func (s State) IsValid() bool {
	for _, state := range AllStates() {
		if s == state {
			return true
		}
	}
	return false
}

// String returns the state as a string.
func (s State) String() string {
	return string(s)
}

// Orchestrator drives one dump session through its phases in order:
// snapshot export, range planning, parallel dump, subscription attach, and
// optional verification. Each session gets a unique id that names its slot,
// publication, and subscription, so reruns never collide with leftovers
// from an earlier crashed session.
type Orchestrator struct {
	cfg     *config.Config
	session string
	events  *EventLogger
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	lastState State

	progressFn func(completed, total int, rows, bytes int64)
}

// NewOrchestrator creates an orchestrator for a single dump session.
func NewOrchestrator(cfg *config.Config, logger *slog.Logger) *Orchestrator {
	session := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return &Orchestrator{
		cfg:     cfg,
		session: session,
		events:  NewEventLogger(logger, session),
		logger:  logger,
		state:   StateIdle,
	}
}

// Session returns the session id.
func (o *Orchestrator) Session() string {
	return o.session
}

// State returns the current pipeline state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SetProgressCallback sets a callback invoked after each completed range.
func (o *Orchestrator) SetProgressCallback(fn func(completed, total int, rows, bytes int64)) {
	o.progressFn = fn
}

func (o *Orchestrator) transition(next State) {
	o.mu.Lock()
	prev := o.state
	if next == StateFailed {
		o.lastState = prev
	}
	o.state = next
	o.mu.Unlock()

	o.events.LogStateChange(prev, next)
}

// SlotName returns the replication slot name for this session.
func (o *Orchestrator) SlotName() string {
	return "pgshovel_" + o.session
}

// PublicationName returns the publication name for this session.
func (o *Orchestrator) PublicationName() string {
	return "pgshovel_pub_" + o.session
}

// SubscriptionName returns the subscription name for this session.
func (o *Orchestrator) SubscriptionName() string {
	return "pgshovel_sub_" + o.session
}

// Run executes the full pipeline. The returned report is always non-nil and
// describes how far the session got; on error it records the phase that was
// in progress when the pipeline failed.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		Session:   o.session,
		Table:     o.cfg.Dump.Table,
		Workers:   o.cfg.Dump.Workers,
		StartedAt: time.Now(),
		State:     StateIdle,
	}

	err := o.run(ctx, report)

	report.FinishedAt = time.Now()
	report.State = o.State()
	if err != nil {
		report.Error = err.Error()
		report.FailedDuring = o.lastGoodState()
	}
	return report, err
}

func (o *Orchestrator) lastGoodState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastState
}

func (o *Orchestrator) run(ctx context.Context, report *Report) error {
	o.events.Log(Event{
		Event: EventDumpStarted,
		Table: o.cfg.Dump.Table,
		Details: map[string]any{
			"workers":    o.cfg.Dump.Workers,
			"key_column": o.cfg.Dump.KeyColumn,
			"verify":     o.cfg.Dump.Verify,
		},
	})

	sourcePool, err := db.NewPool(ctx, o.cfg.Source, "source")
	if err != nil {
		return o.fail(fmt.Errorf("source connection failed: %w", err))
	}
	defer sourcePool.Close()

	if err := sourcePool.CheckWALLevel(ctx); err != nil {
		return o.fail(err)
	}

	destPool, err := db.NewPool(ctx, o.cfg.Destination, "destination")
	if err != nil {
		return o.fail(fmt.Errorf("destination connection failed: %w", err))
	}
	defer destPool.Close()

	sourceConnStr, err := sourcePool.ConnString()
	if err != nil {
		return o.fail(fmt.Errorf("failed to build source connection string: %w", err))
	}
	destConnStr, err := destPool.ConnString()
	if err != nil {
		return o.fail(fmt.Errorf("failed to build destination connection string: %w", err))
	}

	// Phase: snapshot export. The publication must exist before the slot:
	// pgoutput decides a row's publication membership under the catalog
	// state at that row's commit, so a row committed between slot creation
	// and a later CREATE PUBLICATION would be missing from both the
	// exported snapshot and the decoded change stream. The holder
	// connection stays open until every worker has imported the snapshot.
	o.transition(StateSnapshotOpen)

	attached := false
	if err := EnsurePublication(ctx, sourcePool, o.PublicationName(), o.cfg.Dump.Table); err != nil {
		return o.fail(err)
	}
	defer func() {
		// The publication belongs to the subscription once attach succeeds.
		if !attached {
			dropPub := fmt.Sprintf(`DROP PUBLICATION IF EXISTS %s`, sanitizeIdentifier(o.PublicationName()))
			if dropErr := sourcePool.Exec(context.WithoutCancel(ctx), dropPub); dropErr != nil {
				o.logger.Warn("failed to drop publication after pipeline failure",
					"publication", o.PublicationName(), "error", dropErr)
			}
		}
	}()

	holder := NewSnapshotHolder(o.events)
	info, err := holder.Open(ctx, sourceConnStr, o.SlotName())
	if err != nil {
		return o.fail(err)
	}
	report.Snapshot = info

	// Deferred cleanup runs LIFO: the holder connection must close before
	// the slot drop, since a slot cannot be dropped while its replication
	// connection is still open.
	defer func() {
		// A slot nothing ever attached to would retain WAL forever.
		if !attached {
			if dropErr := DropSlot(context.WithoutCancel(ctx), sourcePool, info.SlotName); dropErr != nil {
				o.logger.Warn("failed to drop replication slot after pipeline failure",
					"slot", info.SlotName, "error", dropErr)
			}
		}
	}()

	// Close is idempotent; the normal path closes the holder earlier, after
	// all snapshot imports confirm.
	defer holder.Close(context.WithoutCancel(ctx))

	// Phase: range planning.
	o.transition(StatePlanning)

	planner := NewRangePlanner(sourcePool, o.cfg.Dump.Table, o.cfg.Dump.KeyColumn, o.events)
	ranges, err := planner.Plan(ctx, o.cfg.Dump.Workers)
	emptyTable := false
	if errors.Is(err, ErrEmptyTable) {
		// No rows to dump; the subscription alone brings the table current.
		emptyTable = true
	} else if err != nil {
		return o.fail(err)
	}

	catchup := NewReplicationCatchup(destPool, o.events)
	var results []WorkerResult

	if !emptyTable {
		// Phase: parallel dump.
		o.transition(StateDumping)

		holder.ArmBarrier(len(ranges))
		pool := NewDumpWorkerPool(PoolOptions{
			SourceConnStr: sourceConnStr,
			DestConnStr:   destConnStr,
			Table:         o.cfg.Dump.Table,
			KeyColumn:     o.cfg.Dump.KeyColumn,
			Workers:       o.cfg.Dump.Workers,
			Archive: ArchiveConfig{
				Dir:         o.cfg.Dump.ArchiveDir,
				Compression: CompressionType(o.cfg.Dump.ArchiveCompression),
			},
		}, holder, o.events)
		pool.SetProgressCallback(o.progressFn)

		results = pool.Run(ctx, ranges, info.SnapshotID)
		report.Ranges = BuildRangeReports(results)
		report.tallyTotals(results)

		if err := holder.WaitImports(ctx); err != nil {
			return o.fail(fmt.Errorf("waiting for snapshot imports: %w", err))
		}
		if err := ctx.Err(); err != nil {
			o.events.Log(Event{Level: "warn", Event: EventDumpCancelled, Table: o.cfg.Dump.Table})
			return o.fail(err)
		}

		if !AllSucceeded(results) {
			failed := FailedRanges(results)
			return o.fail(fmt.Errorf("%w: %d of %d ranges failed", ErrDumpIncomplete, len(failed), len(ranges)))
		}
	}

	// All imports confirmed (or nothing to import); the snapshot has done
	// its job and the slot takes over from the consistent point.
	if err := holder.Close(ctx); err != nil {
		o.logger.Warn("snapshot holder close failed", "error", err)
	}

	// Phase: subscription attach.
	o.transition(StateAttaching)

	if err := catchup.MarkDumpComplete(results); err != nil {
		return o.fail(err)
	}

	sourceConnInfo, err := sourcePool.KeywordConnString()
	if err != nil {
		return o.fail(fmt.Errorf("failed to build subscription connection info: %w", err))
	}
	handle, err := catchup.Attach(ctx, o.SubscriptionName(), sourceConnInfo, o.PublicationName(), info.SlotName)
	if err != nil {
		return o.fail(err)
	}
	attached = true
	report.Subscription = &handle

	// Phase: verification (optional). Run after attach so replication is
	// already flowing; the fingerprints are only meaningful once the
	// destination has caught up and writes are paused, which the operator
	// controls.
	if o.cfg.Dump.Verify {
		o.transition(StateVerifying)

		verifier := NewConsistencyVerifier(o.cfg.Dump.Table, o.cfg.Dump.KeyColumn, o.events)
		src, dst, match, err := verifier.CompareFingerprints(ctx, sourcePool, destPool)
		if err != nil {
			return o.fail(fmt.Errorf("verification failed: %w", err))
		}
		report.Verification = &VerificationReport{
			Source:      src,
			Destination: dst,
			Match:       match,
		}
		if !match {
			return o.fail(fmt.Errorf("%w: source %s (%d rows), destination %s (%d rows)",
				ErrVerificationMismatch, src.Hash, src.Rows, dst.Hash, dst.Rows))
		}
	}

	o.transition(StateDone)
	o.events.Log(Event{
		Event:       EventDumpCompleted,
		Table:       o.cfg.Dump.Table,
		RowsCopied:  report.RowsCopied,
		BytesCopied: report.BytesCopied,
	})
	return nil
}

// fail transitions to Failed, logs the failure, and returns err unchanged.
func (o *Orchestrator) fail(err error) error {
	o.transition(StateFailed)
	o.events.Log(Event{
		Level: "error",
		Event: EventDumpFailed,
		Table: o.cfg.Dump.Table,
		Error: err.Error(),
	})
	return err
}
