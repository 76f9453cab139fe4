package txn

import (
	"testing"

	"txnkernel/pkg/primitives"
)

func TestManagerBeginAssignsDistinctGrowingTxns(t *testing.T) {
	m := NewManager()
	t1 := m.Begin(RepeatableRead)
	t2 := m.Begin(RepeatableRead)

	if t1.ID() == t2.ID() {
		t.Fatalf("expected distinct txn ids, got %s and %s", t1.ID(), t2.ID())
	}
	if t1.State() != Growing {
		t.Fatalf("new txn should start GROWING, got %s", t1.State())
	}

	got, ok := m.Get(t1.ID())
	if !ok || got != t1 {
		t.Fatalf("Get should return the same txn Begin created")
	}
}

func TestManagerActiveExcludesTerminalTxns(t *testing.T) {
	m := NewManager()
	t1 := m.Begin(RepeatableRead)
	t2 := m.Begin(RepeatableRead)
	t2.SetState(Aborted)

	active := m.Active()
	if len(active) != 1 || active[0].ID() != t1.ID() {
		t.Fatalf("expected only t1 active, got %v", active)
	}
}

func TestTransactionLockSetsRoundTrip(t *testing.T) {
	tx := New(primitives.NewTxnID(), RepeatableRead)
	oid := primitives.TableOID(7)
	rid := primitives.RID{PageID: 3, Slot: 1}

	if _, held := tx.TableLock(oid); held {
		t.Fatalf("fresh txn should hold no table lock")
	}

	tx.SetTableLock(oid, primitives.IntentionExclusive)
	tx.SetRowLock(oid, rid, primitives.Exclusive)

	if !tx.HasAnyRowLock(oid) {
		t.Fatalf("expected a row lock under oid")
	}
	if mode, held := tx.RowLock(oid, rid); !held || mode != primitives.Exclusive {
		t.Fatalf("expected X row lock, got mode=%v held=%v", mode, held)
	}

	tx.ClearRowLock(oid, rid)
	if tx.HasAnyRowLock(oid) {
		t.Fatalf("row lock should be gone after Clear")
	}

	tables := tx.TableLocks()
	if len(tables) != 1 || tables[oid] != primitives.IntentionExclusive {
		t.Fatalf("unexpected table lock snapshot: %v", tables)
	}
}

func TestStateTerminal(t *testing.T) {
	cases := map[State]bool{
		Growing:   false,
		Shrinking: false,
		Committed: true,
		Aborted:   true,
	}
	for state, want := range cases {
		if got := state.Terminal(); got != want {
			t.Fatalf("%s.Terminal() = %v, want %v", state, got, want)
		}
	}
}
