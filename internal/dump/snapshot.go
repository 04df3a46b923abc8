package dump

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
)

// SnapshotHolder owns the one long-lived replication connection that exports
// and pins a consistent snapshot plus a logical replication slot. The
// connection is never used for data transfer; it is kept open and idle so the
// exported snapshot stays importable, and closed only after every worker
// transaction has imported it.
type SnapshotHolder struct {
	events *EventLogger

	mu       sync.Mutex
	conn     *pgconn.PgConn
	closed   bool
	snapshot SnapshotInfo

	barrier *importBarrier
}

// SnapshotInfo describes the exported snapshot and its slot.
type SnapshotInfo struct {
	SnapshotID      string `json:"snapshot_id" yaml:"snapshot_id"`
	SlotName        string `json:"slot_name" yaml:"slot_name"`
	ConsistentPoint string `json:"consistent_point" yaml:"consistent_point"`
	OutputPlugin    string `json:"output_plugin" yaml:"output_plugin"`
}

// NewSnapshotHolder creates an unopened holder.
func NewSnapshotHolder(events *EventLogger) *SnapshotHolder {
	return &SnapshotHolder{events: events}
}

// Open dials a replication-mode connection and creates a logical replication
// slot with an exported snapshot. The slot's consistent point and the
// snapshot id refer to the same instant: rows visible under the snapshot are
// exactly the rows before the slot's change stream begins.
//
// A holder is single-use: opening one that was already closed returns
// ErrHolderClosed, since its snapshot is gone for good.
func (h *SnapshotHolder) Open(ctx context.Context, connString, slotName string) (SnapshotInfo, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return SnapshotInfo{}, ErrHolderClosed
	}
	if h.conn != nil {
		h.mu.Unlock()
		return SnapshotInfo{}, fmt.Errorf("%w: holder already open", ErrSequencing)
	}
	h.mu.Unlock()

	cfg, err := pgconn.ParseConfig(connString)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("failed to parse connection string: %w", err)
	}
	// Logical replication mode: enables CREATE_REPLICATION_SLOT while still
	// bound to a database, which EXPORT_SNAPSHOT requires.
	cfg.RuntimeParams["replication"] = "database"
	cfg.RuntimeParams["application_name"] = "pgshovel-holder"

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("replication handshake failed: %w", err)
	}

	sql := fmt.Sprintf(`CREATE_REPLICATION_SLOT %s LOGICAL pgoutput EXPORT_SNAPSHOT`,
		sanitizeIdentifier(slotName))

	results, err := conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		conn.Close(ctx)
		return SnapshotInfo{}, classifyPgError(fmt.Errorf("CREATE_REPLICATION_SLOT failed: %w", err))
	}
	if len(results) == 0 || len(results[0].Rows) == 0 || len(results[0].Rows[0]) < 4 {
		conn.Close(ctx)
		return SnapshotInfo{}, fmt.Errorf("CREATE_REPLICATION_SLOT returned no rows")
	}

	row := results[0].Rows[0]
	info := SnapshotInfo{
		SlotName:        string(row[0]),
		ConsistentPoint: string(row[1]),
		SnapshotID:      string(row[2]),
		OutputPlugin:    string(row[3]),
	}

	h.mu.Lock()
	h.conn = conn
	h.snapshot = info
	h.mu.Unlock()

	h.events.Log(Event{
		Event: EventSnapshotExported,
		Details: map[string]any{
			"snapshot_id":      info.SnapshotID,
			"slot":             info.SlotName,
			"consistent_point": info.ConsistentPoint,
		},
	})

	return info, nil
}

// Snapshot returns the exported snapshot info. Zero value before Open.
func (h *SnapshotHolder) Snapshot() SnapshotInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot
}

// ArmBarrier prepares the import barrier for n expected snapshot imports.
// Close-after-barrier is what prevents workers from seeing an expired
// snapshot: the holder connection stays open until all n imports confirm.
func (h *SnapshotHolder) ArmBarrier(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.barrier = newImportBarrier(n)
}

// ImportConfirmed records one worker transaction having imported the
// snapshot. Safe to call from worker goroutines.
func (h *SnapshotHolder) ImportConfirmed() {
	h.mu.Lock()
	b := h.barrier
	h.mu.Unlock()
	if b != nil {
		b.confirm()
	}
}

// WaitImports blocks until every expected import is confirmed or the context
// is cancelled.
func (h *SnapshotHolder) WaitImports(ctx context.Context) error {
	h.mu.Lock()
	b := h.barrier
	h.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.wait(ctx)
}

// Close releases the holder connection. Idempotent. The replication slot is
// left in place; it belongs to the subscription from here on. Closing before
// all workers have imported the snapshot invalidates their imports, so the
// orchestrator only calls this after WaitImports (or on pipeline failure).
func (h *SnapshotHolder) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if h.conn == nil {
		return nil
	}

	err := h.conn.Close(ctx)
	h.conn = nil

	h.events.Log(Event{
		Event: EventSnapshotReleased,
		Details: map[string]any{
			"snapshot_id": h.snapshot.SnapshotID,
			"slot":        h.snapshot.SlotName,
		},
	})

	return err
}

// DropSlot removes the replication slot. Used on pipeline failure before the
// subscription ever attached, so a rerun does not collide.
func DropSlot(ctx context.Context, exec interface {
	Exec(ctx context.Context, sql string, args ...any) error
}, slotName string) error {
	return exec.Exec(ctx, `SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots WHERE slot_name = $1`, slotName)
}

// importBarrier counts snapshot import confirmations.
type importBarrier struct {
	mu        sync.Mutex
	remaining int
	done      chan struct{}
}

func newImportBarrier(n int) *importBarrier {
	b := &importBarrier{remaining: n, done: make(chan struct{})}
	if n <= 0 {
		close(b.done)
	}
	return b
}

func (b *importBarrier) confirm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining == 0 {
		return
	}
	b.remaining--
	if b.remaining == 0 {
		close(b.done)
	}
}

func (b *importBarrier) wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sanitizeIdentifier converts a string to a valid SQL identifier by replacing
// anything outside [a-zA-Z0-9_] with underscores.
func sanitizeIdentifier(s string) string {
	result := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
