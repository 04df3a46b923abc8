package dump

import (
	"encoding/json"
	"log/slog"
	"time"
)

// EventType identifies the type of pipeline event.
type EventType string

const (
	EventDumpStarted      EventType = "dump.started"
	EventDumpCompleted    EventType = "dump.completed"
	EventDumpFailed       EventType = "dump.failed"
	EventDumpCancelled    EventType = "dump.cancelled"
	EventSnapshotExported EventType = "dump.snapshot_exported"
	EventSnapshotReleased EventType = "dump.snapshot_released"
	EventPlanComplete     EventType = "dump.plan_complete"
	EventRangeStarted     EventType = "dump.range_started"
	EventRangeCompleted   EventType = "dump.range_completed"
	EventRangeFailed      EventType = "dump.range_failed"
	EventRangeRetry       EventType = "dump.range_retry"
	EventStateChange      EventType = "dump.state_change"
	EventSubAttached      EventType = "dump.subscription_attached"
	EventVerifyStarted    EventType = "dump.verify_started"
	EventVerifyComplete   EventType = "dump.verify_complete"
	EventVerifyMismatch   EventType = "dump.verify_mismatch"
)

// Event represents a structured pipeline event for logging.
type Event struct {
	Timestamp     time.Time      `json:"timestamp"`
	Level         string         `json:"level"`
	Event         EventType      `json:"event"`
	Session       string         `json:"session,omitempty"`
	Table         string         `json:"table,omitempty"`
	Range         string         `json:"range,omitempty"`
	RowsCopied    int64          `json:"rows_copied,omitempty"`
	BytesCopied   int64          `json:"bytes_copied,omitempty"`
	DurationMs    int64          `json:"duration_ms,omitempty"`
	PreviousState State          `json:"previous_state,omitempty"`
	NewState      State          `json:"new_state,omitempty"`
	Error         string         `json:"error,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// EventLogger provides structured logging for pipeline events.
type EventLogger struct {
	slog    *slog.Logger
	session string
}

// NewEventLogger creates a new pipeline event logger. All events it emits
// carry the given session id.
func NewEventLogger(logger *slog.Logger, session string) *EventLogger {
	return &EventLogger{slog: logger, session: session}
}

// Log emits a structured pipeline event.
func (l *EventLogger) Log(event Event) {
	event.Timestamp = time.Now()
	if event.Level == "" {
		event.Level = "info"
	}
	if event.Session == "" {
		event.Session = l.session
	}

	data, _ := json.Marshal(event)

	switch event.Level {
	case "error":
		l.slog.Error(string(event.Event), "event", string(data))
	case "warn":
		l.slog.Warn(string(event.Event), "event", string(data))
	case "debug":
		l.slog.Debug(string(event.Event), "event", string(data))
	default:
		l.slog.Info(string(event.Event), "event", string(data))
	}
}

// LogStateChange logs a pipeline state transition.
func (l *EventLogger) LogStateChange(prev, next State) {
	l.Log(Event{
		Event:         EventStateChange,
		PreviousState: prev,
		NewState:      next,
	})
}

// LogRangeCompleted logs a successful range transfer.
func (l *EventLogger) LogRangeCompleted(result WorkerResult) {
	l.Log(Event{
		Event:       EventRangeCompleted,
		Range:       result.Range.String(),
		RowsCopied:  result.RowsCopied,
		BytesCopied: result.BytesCopied,
		DurationMs:  result.Duration.Milliseconds(),
		Details:     map[string]any{"worker_id": result.WorkerID},
	})
}

// LogRangeFailed logs a failed range transfer.
func (l *EventLogger) LogRangeFailed(result WorkerResult) {
	l.Log(Event{
		Level:      "error",
		Event:      EventRangeFailed,
		Range:      result.Range.String(),
		DurationMs: result.Duration.Milliseconds(),
		Error:      result.Error.Error(),
		Details:    map[string]any{"worker_id": result.WorkerID},
	})
}
