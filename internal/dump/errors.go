package dump

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Pipeline sequencing and resource errors.
var (
	// ErrSlotExists means the replication slot name collides with an existing slot.
	ErrSlotExists = errors.New("replication slot already exists")
	// ErrSnapshotExpired means a worker tried to import a snapshot whose holder
	// connection is gone. This is a sequencing bug, never a transient fault.
	ErrSnapshotExpired = errors.New("snapshot no longer valid: holder connection closed before import")
	// ErrEmptyTable means the table has no rows; the dump phase is skipped.
	ErrEmptyTable = errors.New("table is empty")
	// ErrNoOrderingKey means the configured key column is missing or not an
	// orderable integer type.
	ErrNoOrderingKey = errors.New("table has no usable integer ordering key")
	// ErrDumpIncomplete means one or more ranges failed, so the dump did not
	// transfer the full table.
	ErrDumpIncomplete = errors.New("dump incomplete: one or more ranges failed")
	// ErrSequencing means an operation was invoked out of pipeline order.
	ErrSequencing = errors.New("operation invoked out of sequence")
	// ErrAttachFailed means the subscription could not be attached to the slot.
	ErrAttachFailed = errors.New("subscription attach failed")
	// ErrVerificationMismatch means source and destination fingerprints differ.
	ErrVerificationMismatch = errors.New("source and destination fingerprints differ")
	// ErrHolderClosed means the snapshot holder was already released.
	ErrHolderClosed = errors.New("snapshot holder already closed")
)

// RangeError wraps a per-range worker failure with the range that failed.
type RangeError struct {
	Range Range
	Err   error
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range %s: %v", e.Range, e.Err)
}

func (e *RangeError) Unwrap() error {
	return e.Err
}

// PostgreSQL SQLSTATE codes this pipeline cares about.
const (
	sqlstateDuplicateObject = "42710" // slot or publication name collision
	sqlstateInvalidSnapshot = "22023" // "invalid snapshot identifier" surfaces as invalid_parameter_value
	sqlstateUndefinedColumn = "42703"
)

// classifyPgError maps a PostgreSQL error to a taxonomy sentinel where one
// applies, wrapping the original error. Unrecognized errors pass through.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case sqlstateDuplicateObject:
		return fmt.Errorf("%w: %s", ErrSlotExists, pgErr.Message)
	case sqlstateInvalidSnapshot:
		// SET TRANSACTION SNAPSHOT with a stale id reports invalid_parameter_value.
		return fmt.Errorf("%w: %s", ErrSnapshotExpired, pgErr.Message)
	case sqlstateUndefinedColumn:
		return fmt.Errorf("%w: %s", ErrNoOrderingKey, pgErr.Message)
	}

	return err
}

// isTransientWriteError reports whether a destination write failure is worth
// retrying. Snapshot import failures are never transient.
func isTransientWriteError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSnapshotExpired) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exceptions; 57P01 is admin shutdown.
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return true
		}
		if pgErr.Code == "57P01" || pgErr.Code == "57P02" || pgErr.Code == "57P03" {
			return true
		}
		return false
	}

	// Bare network errors (reset, refused, timeout) from the wire.
	return pgconn.SafeToRetry(err) || isConnectionResetError(err)
}

func isConnectionResetError(err error) bool {
	s := err.Error()
	return strings.Contains(s, "connection reset") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "unexpected EOF")
}
