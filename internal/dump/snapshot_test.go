package dump_test

import (
	"context"
	"errors"
	"testing"

	"github.com/willibrandon/pgshovel/internal/dump"
)

func TestSnapshotHolder_OpenAfterClose(t *testing.T) {
	holder := dump.NewSnapshotHolder(discardEvents())
	if err := holder.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// A released holder's snapshot is gone; reopening must refuse before
	// touching the network.
	_, err := holder.Open(context.Background(), "postgres://localhost/app", "pgshovel_slot")
	if !errors.Is(err, dump.ErrHolderClosed) {
		t.Errorf("Open() after Close() error = %v; want ErrHolderClosed", err)
	}
}

func TestSnapshotHolder_CloseIdempotent(t *testing.T) {
	holder := dump.NewSnapshotHolder(discardEvents())
	for i := 0; i < 2; i++ {
		if err := holder.Close(context.Background()); err != nil {
			t.Fatalf("Close() call %d error = %v", i+1, err)
		}
	}
}
