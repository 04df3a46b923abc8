package dump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestRetryTransient_BoundedAttempts(t *testing.T) {
	calls := 0
	err := retryTransient(context.Background(), time.Millisecond, func(attempt int) error {
		calls++
		if attempt != calls {
			t.Fatalf("attempt = %d on call %d", attempt, calls)
		}
		return errors.New("read tcp: connection reset by peer")
	})

	if err == nil {
		t.Fatal("retryTransient() = nil; want error after exhausting attempts")
	}
	if calls != maxWriteAttempts {
		t.Errorf("operation ran %d times; want %d", calls, maxWriteAttempts)
	}
}

func TestRetryTransient_PermanentStopsImmediately(t *testing.T) {
	wantErr := errors.New("row is too big")
	calls := 0
	err := retryTransient(context.Background(), time.Millisecond, func(int) error {
		calls++
		return backoff.Permanent(wantErr)
	})

	if !errors.Is(err, wantErr) {
		t.Errorf("retryTransient() error = %v; want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("operation ran %d times after permanent error; want 1", calls)
	}
}

func TestRetryTransient_SucceedsMidway(t *testing.T) {
	calls := 0
	err := retryTransient(context.Background(), time.Millisecond, func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("write: broken pipe")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("retryTransient() error = %v; want nil", err)
	}
	if calls != 3 {
		t.Errorf("operation ran %d times; want 3", calls)
	}
}

func TestIsTransientWriteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection failure class", fmt.Errorf("destination write failed: %w", &pgconn.PgError{Code: "08006"}), true},
		{"admin shutdown", fmt.Errorf("destination write failed: %w", &pgconn.PgError{Code: "57P01"}), true},
		{"crash shutdown", &pgconn.PgError{Code: "57P02"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, false},
		{"snapshot expired", fmt.Errorf("%w: snapshot gone", ErrSnapshotExpired), false},
		{"wire reset", errors.New("read tcp 10.0.0.1:5432: connection reset by peer"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"plain error", errors.New("syntax error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransientWriteError(tt.err); got != tt.want {
				t.Errorf("isTransientWriteError(%v) = %v; want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewDumpWorkerPool_ClampsWorkers(t *testing.T) {
	events := NewEventLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), "test")
	holder := NewSnapshotHolder(events)

	for _, tt := range []struct {
		in   int
		want int
	}{
		{0, 1},
		{-3, 1},
		{4, 4},
		{99, maxWorkers},
	} {
		pool := NewDumpWorkerPool(PoolOptions{Workers: tt.in}, holder, events)
		if pool.workers != tt.want {
			t.Errorf("NewDumpWorkerPool(Workers: %d).workers = %d; want %d", tt.in, pool.workers, tt.want)
		}
	}
}
