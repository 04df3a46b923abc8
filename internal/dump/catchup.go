package dump

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ReplicationCatchup attaches a subscription on the destination to the slot
// the SnapshotHolder created, consuming changes from the snapshot's
// consistent point onward. Attach is gated: it refuses to run until
// MarkDumpComplete has confirmed every range succeeded, because attaching
// early risks applying changes the bulk dump has not covered yet.
type ReplicationCatchup struct {
	dest   executor
	events *EventLogger

	mu       sync.Mutex
	dumpDone bool
}

// executor is the slice of database access catch-up needs.
type executor interface {
	Exec(ctx context.Context, sql string, args ...any) error
}

// SubscriptionHandle identifies an attached subscription.
type SubscriptionHandle struct {
	Name        string `json:"name" yaml:"name"`
	SlotName    string `json:"slot_name" yaml:"slot_name"`
	Publication string `json:"publication" yaml:"publication"`
}

// NewReplicationCatchup creates a catch-up bound to the destination.
func NewReplicationCatchup(dest executor, events *EventLogger) *ReplicationCatchup {
	return &ReplicationCatchup{dest: dest, events: events}
}

// MarkDumpComplete records the dump outcome. It returns an error unless
// every range succeeded; only a fully successful dump arms Attach.
func (c *ReplicationCatchup) MarkDumpComplete(results []WorkerResult) error {
	if !AllSucceeded(results) {
		return fmt.Errorf("%w: %d ranges failed", ErrSequencing, len(FailedRanges(results)))
	}

	c.mu.Lock()
	c.dumpDone = true
	c.mu.Unlock()
	return nil
}

// Attach creates the subscription on the destination. The slot already
// exists and the data already transferred, so both create_slot and copy_data
// are disabled; the subscription resumes the slot from the snapshot's
// consistent point. Returns ErrSequencing when called before the dump has
// been confirmed complete.
func (c *ReplicationCatchup) Attach(ctx context.Context, subName, sourceConnInfo, publication, slotName string) (SubscriptionHandle, error) {
	c.mu.Lock()
	armed := c.dumpDone
	c.mu.Unlock()
	if !armed {
		return SubscriptionHandle{}, fmt.Errorf("%w: attach requested before dump completion", ErrSequencing)
	}

	// CREATE SUBSCRIPTION takes no bind parameters; the conninfo goes in as
	// a string literal and must be escaped for whatever the password holds.
	query := fmt.Sprintf(`
		CREATE SUBSCRIPTION %s
		CONNECTION '%s'
		PUBLICATION %s
		WITH (copy_data = false, create_slot = false, slot_name = '%s')
	`, sanitizeIdentifier(subName), quoteSQLLiteral(sourceConnInfo), sanitizeIdentifier(publication), sanitizeIdentifier(slotName))

	if err := c.dest.Exec(ctx, query); err != nil {
		return SubscriptionHandle{}, fmt.Errorf("%w: CREATE SUBSCRIPTION failed: %v", ErrAttachFailed, err)
	}

	handle := SubscriptionHandle{
		Name:        subName,
		SlotName:    slotName,
		Publication: publication,
	}

	c.events.Log(Event{
		Event: EventSubAttached,
		Details: map[string]any{
			"subscription": handle.Name,
			"publication":  handle.Publication,
			"slot":         handle.SlotName,
		},
	})

	return handle, nil
}

// quoteSQLLiteral escapes s for embedding in a single-quoted SQL string
// literal by doubling embedded quotes.
func quoteSQLLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// EnsurePublication creates the publication for the table on the source if
// it does not already exist. The subscription needs it to route the slot's
// changes.
func EnsurePublication(ctx context.Context, source executor, publication, table string) error {
	query := fmt.Sprintf(`CREATE PUBLICATION %s FOR TABLE %s`,
		sanitizeIdentifier(publication), sanitizeQualifiedName(table))
	if err := source.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create publication: %w", classifyPgError(err))
	}
	return nil
}
