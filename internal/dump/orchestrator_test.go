package dump

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/willibrandon/pgshovel/internal/config"
)

func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := &config.Config{}
	cfg.Dump.Table = "public.users"
	cfg.Dump.KeyColumn = "id"
	cfg.Dump.Workers = 4
	return NewOrchestrator(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestOrchestratorStartsIdle(t *testing.T) {
	o := testOrchestrator(t)
	if o.State() != StateIdle {
		t.Errorf("expected initial state %s, got %s", StateIdle, o.State())
	}
}

func TestOrchestratorSessionNames(t *testing.T) {
	o := testOrchestrator(t)

	session := o.Session()
	if len(session) != 12 {
		t.Errorf("expected 12-char session id, got %q", session)
	}

	if o.SlotName() != "pgshovel_"+session {
		t.Errorf("unexpected slot name %q", o.SlotName())
	}
	if o.PublicationName() != "pgshovel_pub_"+session {
		t.Errorf("unexpected publication name %q", o.PublicationName())
	}
	if o.SubscriptionName() != "pgshovel_sub_"+session {
		t.Errorf("unexpected subscription name %q", o.SubscriptionName())
	}

	// Names go into SQL unquoted, so they must survive sanitization intact.
	if sanitizeIdentifier(o.SlotName()) != o.SlotName() {
		t.Errorf("slot name %q is not a clean identifier", o.SlotName())
	}
}

func TestOrchestratorSessionsUnique(t *testing.T) {
	a := testOrchestrator(t)
	b := testOrchestrator(t)
	if a.Session() == b.Session() {
		t.Error("two orchestrators should not share a session id")
	}
}

func TestTransitionRecordsLastStateOnFailure(t *testing.T) {
	o := testOrchestrator(t)

	o.transition(StateSnapshotOpen)
	o.transition(StatePlanning)
	o.transition(StateDumping)
	o.transition(StateFailed)

	if o.State() != StateFailed {
		t.Errorf("expected state %s, got %s", StateFailed, o.State())
	}
	if o.lastGoodState() != StateDumping {
		t.Errorf("expected failure to record %s, got %s", StateDumping, o.lastGoodState())
	}
}

func TestStateIsValid(t *testing.T) {
	for _, s := range AllStates() {
		if !s.IsValid() {
			t.Errorf("state %s should be valid", s)
		}
	}
	if State("bogus").IsValid() {
		t.Error("unknown state should not be valid")
	}
}

func TestFailWrapsWithoutMasking(t *testing.T) {
	o := testOrchestrator(t)
	o.transition(StateAttaching)

	err := o.fail(ErrAttachFailed)
	if err != ErrAttachFailed {
		t.Errorf("fail should return the error unchanged, got %v", err)
	}
	if o.State() != StateFailed {
		t.Errorf("expected state %s after fail, got %s", StateFailed, o.State())
	}
	if o.lastGoodState() != StateAttaching {
		t.Errorf("expected failure during %s, got %s", StateAttaching, o.lastGoodState())
	}
}

func TestSessionIDIsHex(t *testing.T) {
	o := testOrchestrator(t)
	if strings.ContainsAny(o.Session(), "-") {
		t.Errorf("session id should not contain dashes: %q", o.Session())
	}
}
