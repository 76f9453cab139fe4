package lock

import (
	"testing"
	"time"

	"txnkernel/pkg/concurrency/txn"
	"txnkernel/pkg/dberrors"
	"txnkernel/pkg/primitives"
)

func reasonOf(t *testing.T, err error) dberrors.AbortReason {
	t.Helper()
	reason, ok := dberrors.ReasonOf(err)
	if !ok {
		t.Fatalf("expected an AbortError, got %v", err)
	}
	return reason
}

func recvWithTimeout(t *testing.T, ch <-chan error, d time.Duration) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(d):
		t.Fatalf("timed out waiting for lock call to return")
		return nil
	}
}

// TestLockCompatibilityBlocksThenGrants is scenario 3: a blocked
// exclusive request is granted only once the holder unlocks, and the
// holder moves to SHRINKING on that unlock.
func TestLockCompatibilityBlocksThenGrants(t *testing.T) {
	lm := NewLockManager()
	txns := txn.NewManager()
	t1 := txns.Begin(txn.RepeatableRead)
	t2 := txns.Begin(txn.RepeatableRead)
	oid := primitives.TableOID(1)

	if err := lm.LockTable(t1, primitives.Shared, oid); err != nil {
		t.Fatalf("T1 LockTable(S): %v", err)
	}

	ch := make(chan error, 1)
	go func() { ch <- lm.LockTable(t2, primitives.Exclusive, oid) }()

	select {
	case err := <-ch:
		t.Fatalf("T2 LockTable(X) should have blocked, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := lm.UnlockTable(t1, oid); err != nil {
		t.Fatalf("T1 UnlockTable: %v", err)
	}
	if t1.State() != txn.Shrinking {
		t.Fatalf("T1 should move to SHRINKING on unlocking S, got %s", t1.State())
	}

	if err := recvWithTimeout(t, ch, time.Second); err != nil {
		t.Fatalf("T2 LockTable(X) after unlock: %v", err)
	}
	if mode, held := t2.TableLock(oid); !held || mode != primitives.Exclusive {
		t.Fatalf("T2 should hold X on table, got mode=%v held=%v", mode, held)
	}
}

// TestUpgradeGrantsAndWaiterQueuesBehindIt is scenario 4's first half.
func TestUpgradeGrantsAndWaiterQueuesBehindIt(t *testing.T) {
	lm := NewLockManager()
	txns := txn.NewManager()
	t1 := txns.Begin(txn.RepeatableRead)
	t2 := txns.Begin(txn.RepeatableRead)
	oid := primitives.TableOID(1)

	if err := lm.LockTable(t1, primitives.Shared, oid); err != nil {
		t.Fatalf("T1 LockTable(S): %v", err)
	}
	if err := lm.LockTable(t1, primitives.Exclusive, oid); err != nil {
		t.Fatalf("T1 upgrade S->X: %v", err)
	}

	ch := make(chan error, 1)
	go func() { ch <- lm.LockTable(t2, primitives.Shared, oid) }()

	select {
	case err := <-ch:
		t.Fatalf("T2 LockTable(S) should block behind T1's X, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := lm.UnlockTable(t1, oid); err != nil {
		t.Fatalf("T1 UnlockTable: %v", err)
	}
	if err := recvWithTimeout(t, ch, time.Second); err != nil {
		t.Fatalf("T2 LockTable(S) after T1 unlock: %v", err)
	}
	if mode, held := t2.TableLock(oid); !held || mode != primitives.Shared {
		t.Fatalf("T2 should hold S, got mode=%v held=%v", mode, held)
	}
}

// TestConcurrentUpgradeConflict is scenario 4's second half: a second
// transaction's upgrade attempt fails immediately while another
// upgrade is already pending on the same queue.
func TestConcurrentUpgradeConflict(t *testing.T) {
	lm := NewLockManager()
	txns := txn.NewManager()
	t1 := txns.Begin(txn.RepeatableRead)
	t3 := txns.Begin(txn.RepeatableRead)
	t4 := txns.Begin(txn.RepeatableRead)
	oid := primitives.TableOID(1)

	if err := lm.LockTable(t4, primitives.Shared, oid); err != nil {
		t.Fatalf("T4 LockTable(S): %v", err)
	}
	if err := lm.LockTable(t3, primitives.IntentionShared, oid); err != nil {
		t.Fatalf("T3 LockTable(IS): %v", err)
	}
	if err := lm.LockTable(t1, primitives.Shared, oid); err != nil {
		t.Fatalf("T1 LockTable(S): %v", err)
	}

	ch := make(chan error, 1)
	go func() { ch <- lm.LockTable(t1, primitives.Exclusive, oid) }()
	time.Sleep(50 * time.Millisecond) // let T1's upgrade claim the queue's upgrading slot

	err := lm.LockTable(t3, primitives.Shared, oid)
	if err == nil {
		t.Fatalf("T3's concurrent upgrade should fail with UPGRADE_CONFLICT")
	}
	if reason := reasonOf(t, err); reason != dberrors.UpgradeConflict {
		t.Fatalf("expected UPGRADE_CONFLICT, got %s", reason)
	}

	if err := lm.UnlockTable(t4, oid); err != nil {
		t.Fatalf("T4 UnlockTable: %v", err)
	}
	if err := recvWithTimeout(t, ch, time.Second); err != nil {
		t.Fatalf("T1 upgrade after T4 unlock: %v", err)
	}
}

// TestDeadlockDetectionAbortsYoungest is scenario 5.
func TestDeadlockDetectionAbortsYoungest(t *testing.T) {
	lm := NewLockManager()
	txns := txn.NewManager()
	t1 := txns.Begin(txn.RepeatableRead)
	t2 := txns.Begin(txn.RepeatableRead)
	oid := primitives.TableOID(1)
	r1 := primitives.RID{PageID: 1, Slot: 0}
	r2 := primitives.RID{PageID: 2, Slot: 0}

	for _, tx := range []*txn.Transaction{t1, t2} {
		if err := lm.LockTable(tx, primitives.IntentionExclusive, oid); err != nil {
			t.Fatalf("LockTable(IX): %v", err)
		}
	}
	if err := lm.LockRow(t1, primitives.Exclusive, oid, r1); err != nil {
		t.Fatalf("T1 LockRow(r1): %v", err)
	}
	if err := lm.LockRow(t2, primitives.Exclusive, oid, r2); err != nil {
		t.Fatalf("T2 LockRow(r2): %v", err)
	}

	ch1 := make(chan error, 1)
	ch2 := make(chan error, 1)
	go func() { ch1 <- lm.LockRow(t1, primitives.Exclusive, oid, r2) }()
	go func() { ch2 <- lm.LockRow(t2, primitives.Exclusive, oid, r1) }()

	detector := NewDetector(lm, txns, 20*time.Millisecond)
	detector.Start()
	defer detector.Stop()

	err1 := recvWithTimeout(t, ch1, 2*time.Second)
	err2 := recvWithTimeout(t, ch2, 2*time.Second)

	// t2 is younger (begun after t1), so it is the youngest-wins victim.
	if err2 == nil {
		t.Fatalf("T2 (younger) should be aborted as the deadlock victim")
	}
	if reason := reasonOf(t, err2); reason != dberrors.Deadlock {
		t.Fatalf("expected DEADLOCK, got %s", reason)
	}
	if err1 != nil {
		t.Fatalf("T1 should proceed once T2's locks are released, got %v", err1)
	}
	if t2.State() != txn.Aborted {
		t.Fatalf("T2 should be in ABORTED state, got %s", t2.State())
	}
}

// TestReadUncommittedSharedAborts is scenario 6.
func TestReadUncommittedSharedAborts(t *testing.T) {
	lm := NewLockManager()
	txns := txn.NewManager()
	t1 := txns.Begin(txn.ReadUncommitted)
	oid := primitives.TableOID(1)

	err := lm.LockTable(t1, primitives.Shared, oid)
	if err == nil {
		t.Fatalf("READ_UNCOMMITTED LockTable(S) should abort")
	}
	if reason := reasonOf(t, err); reason != dberrors.LockSharedOnReadUncommitted {
		t.Fatalf("expected LOCK_SHARED_ON_READ_UNCOMMITTED, got %s", reason)
	}
	if t1.State() != txn.Aborted {
		t.Fatalf("T1 should be ABORTED, got %s", t1.State())
	}
}
