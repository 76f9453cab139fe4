package lock

import (
	"sync"

	"go.uber.org/zap"

	"txnkernel/pkg/concurrency/txn"
	"txnkernel/pkg/dberrors"
	"txnkernel/pkg/dblog"
	"txnkernel/pkg/primitives"
)

// LockManager is component F: multi-granularity two-phase locking
// over tables and rows, with per-isolation-level guards and an
// upgrade path covering the five multi-granularity modes of §4.5/§4.6.
type LockManager struct {
	tableMu     sync.Mutex
	tableQueues map[primitives.TableOID]*Queue

	rowMu     sync.Mutex
	rowQueues map[txn.RowKey]*Queue

	log *zap.SugaredLogger
}

func NewLockManager() *LockManager {
	return &LockManager{
		tableQueues: make(map[primitives.TableOID]*Queue),
		rowQueues:   make(map[txn.RowKey]*Queue),
		log:         dblog.WithComponent("lock-manager"),
	}
}

func (lm *LockManager) getOrCreateTableQueue(oid primitives.TableOID) *Queue {
	lm.tableMu.Lock()
	defer lm.tableMu.Unlock()
	q, ok := lm.tableQueues[oid]
	if !ok {
		q = NewQueue()
		lm.tableQueues[oid] = q
	}
	return q
}

func (lm *LockManager) getOrCreateRowQueue(oid primitives.TableOID, rid primitives.RID) *Queue {
	key := txn.RowKey{Table: oid, Row: rid}
	lm.rowMu.Lock()
	defer lm.rowMu.Unlock()
	q, ok := lm.rowQueues[key]
	if !ok {
		q = NewQueue()
		lm.rowQueues[key] = q
	}
	return q
}

func (lm *LockManager) allQueues() []*Queue {
	lm.tableMu.Lock()
	out := make([]*Queue, 0, len(lm.tableQueues)+len(lm.rowQueues))
	for _, q := range lm.tableQueues {
		out = append(out, q)
	}
	lm.tableMu.Unlock()

	lm.rowMu.Lock()
	for _, q := range lm.rowQueues {
		out = append(out, q)
	}
	lm.rowMu.Unlock()
	return out
}

func (lm *LockManager) broadcastAll() {
	for _, q := range lm.allQueues() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (lm *LockManager) checkNotTerminal(t *txn.Transaction) error {
	if t.State().Terminal() {
		return dberrors.Newf("txn %s: lock call on terminal state %s", t.ID(), t.State())
	}
	return nil
}

// guard2PL enforces the §4.6 2PL/isolation rules shared by every
// Lock* call, aborting the txn and returning a typed reason on
// violation.
func (lm *LockManager) guard2PL(t *txn.Transaction, mode primitives.LockMode, isRow bool) error {
	switch t.Isolation() {
	case txn.RepeatableRead:
		if t.State() == txn.Shrinking {
			t.SetState(txn.Aborted)
			return dberrors.Abort(int64(t.ID()), dberrors.LockOnShrinking)
		}
	case txn.ReadCommitted:
		if t.State() == txn.Shrinking {
			if mode != primitives.IntentionShared && mode != primitives.Shared {
				t.SetState(txn.Aborted)
				return dberrors.Abort(int64(t.ID()), dberrors.LockOnShrinking)
			}
		}
	case txn.ReadUncommitted:
		if t.State() == txn.Shrinking {
			t.SetState(txn.Aborted)
			return dberrors.Abort(int64(t.ID()), dberrors.LockOnShrinking)
		}
		allowed := mode == primitives.IntentionExclusive || mode == primitives.Exclusive
		if isRow {
			allowed = mode == primitives.Exclusive
		}
		if !allowed {
			t.SetState(txn.Aborted)
			return dberrors.Abort(int64(t.ID()), dberrors.LockSharedOnReadUncommitted)
		}
	}
	return nil
}

func (lm *LockManager) checkRowPrerequisite(t *txn.Transaction, mode primitives.LockMode, oid primitives.TableOID) error {
	tableMode, held := t.TableLock(oid)
	ok := held
	if ok && mode == primitives.Exclusive {
		ok = tableMode == primitives.IntentionExclusive || tableMode == primitives.Exclusive || tableMode == primitives.SharedIntentionExclusive
	}
	if !ok {
		t.SetState(txn.Aborted)
		return dberrors.Abort(int64(t.ID()), dberrors.TableLockNotPresent)
	}
	return nil
}

// acquire enqueues mode for t on q, handling the upgrade path when a
// different mode is already held, and blocks until granted or the
// txn is marked ABORTED.
func (lm *LockManager) acquire(t *txn.Transaction, q *Queue, mode, current primitives.LockMode, held bool) error {
	if held {
		if current == mode {
			return nil
		}
		if !CanUpgrade(current, mode) {
			t.SetState(txn.Aborted)
			return dberrors.Abort(int64(t.ID()), dberrors.IncompatibleUpgrade)
		}
	}

	q.mu.Lock()
	if held {
		if q.upgrading != primitives.InvalidTxnID && q.upgrading != t.ID() {
			q.mu.Unlock()
			t.SetState(txn.Aborted)
			return dberrors.Abort(int64(t.ID()), dberrors.UpgradeConflict)
		}
		oldReq, idx := q.findGrantedLocked(t.ID())
		dberrors.Assertf(oldReq != nil, "upgrade: no granted request for txn %s", t.ID())
		q.removeAtLocked(idx)
		q.upgrading = t.ID()
	}

	req := &request{txnID: t.ID(), mode: mode}
	q.requests = append(q.requests, req)
	err := lm.waitForGrant(t, q, req)
	q.mu.Unlock()
	return err
}

// waitForGrant loops on q.cond until req is granted or t is aborted.
// Called with q.mu held; returns with q.mu still held.
func (lm *LockManager) waitForGrant(t *txn.Transaction, q *Queue, req *request) error {
	for {
		if t.State() == txn.Aborted {
			q.removeRequestLocked(req)
			if q.upgrading == req.txnID {
				q.upgrading = primitives.InvalidTxnID
			}
			q.cond.Broadcast()
			return dberrors.Abort(int64(req.txnID), dberrors.Deadlock)
		}
		if q.tryGrantLocked(req) {
			if q.upgrading == req.txnID {
				q.upgrading = primitives.InvalidTxnID
			}
			q.cond.Broadcast()
			return nil
		}
		q.cond.Wait()
	}
}

func (lm *LockManager) maybeShrink(t *txn.Transaction, unlockedMode primitives.LockMode) {
	if t.State() != txn.Growing {
		return
	}
	switch t.Isolation() {
	case txn.RepeatableRead:
		if unlockedMode == primitives.Shared || unlockedMode == primitives.Exclusive {
			t.SetState(txn.Shrinking)
		}
	case txn.ReadCommitted, txn.ReadUncommitted:
		if unlockedMode == primitives.Exclusive {
			t.SetState(txn.Shrinking)
		}
	}
}

// LockTable acquires mode on oid for t, blocking until granted or t
// is aborted.
func (lm *LockManager) LockTable(t *txn.Transaction, mode primitives.LockMode, oid primitives.TableOID) error {
	if err := lm.checkNotTerminal(t); err != nil {
		return err
	}
	if err := lm.guard2PL(t, mode, false); err != nil {
		lm.log.Warnw("table lock rejected by 2PL guard", "txn", t.ID().String(), "table", oid.String(), "mode", mode.String(), "error", err)
		return err
	}

	cur, held := t.TableLock(oid)
	q := lm.getOrCreateTableQueue(oid)
	if err := lm.acquire(t, q, mode, cur, held); err != nil {
		lm.log.Warnw("table lock denied", "txn", t.ID().String(), "table", oid.String(), "mode", mode.String(), "error", err)
		return err
	}
	t.SetTableLock(oid, mode)
	lm.log.Debugw("table lock granted", "txn", t.ID().String(), "table", oid.String(), "mode", mode.String())
	return nil
}

// UnlockTable releases t's lock on oid. Fails if t holds no lock on
// oid, or still holds a row lock under it.
func (lm *LockManager) UnlockTable(t *txn.Transaction, oid primitives.TableOID) error {
	if err := lm.checkNotTerminal(t); err != nil {
		return err
	}
	if t.HasAnyRowLock(oid) {
		t.SetState(txn.Aborted)
		return dberrors.Abort(int64(t.ID()), dberrors.TableUnlockedBeforeUnlockingRows)
	}
	mode, held := t.TableLock(oid)
	if !held {
		t.SetState(txn.Aborted)
		return dberrors.Abort(int64(t.ID()), dberrors.AttemptedUnlockButNoLockHeld)
	}

	q := lm.getOrCreateTableQueue(oid)
	q.mu.Lock()
	req, idx := q.findGrantedLocked(t.ID())
	dberrors.Assertf(req != nil, "unlock: no granted request for txn %s on table %s", t.ID(), oid)
	q.removeAtLocked(idx)
	q.cond.Broadcast()
	q.mu.Unlock()

	t.ClearTableLock(oid)
	lm.maybeShrink(t, mode)
	return nil
}

// LockRow acquires mode (S or X) on (oid, rid) for t. Intention modes
// are rejected; the enclosing table lock prerequisite is enforced.
func (lm *LockManager) LockRow(t *txn.Transaction, mode primitives.LockMode, oid primitives.TableOID, rid primitives.RID) error {
	if err := lm.checkNotTerminal(t); err != nil {
		return err
	}
	if mode.IsIntention() {
		t.SetState(txn.Aborted)
		return dberrors.Abort(int64(t.ID()), dberrors.AttemptedIntentionLockOnRow)
	}
	if err := lm.guard2PL(t, mode, true); err != nil {
		lm.log.Warnw("row lock rejected by 2PL guard", "txn", t.ID().String(), "row", rid.String(), "mode", mode.String(), "error", err)
		return err
	}
	if err := lm.checkRowPrerequisite(t, mode, oid); err != nil {
		lm.log.Warnw("row lock missing table prerequisite", "txn", t.ID().String(), "row", rid.String(), "error", err)
		return err
	}

	cur, held := t.RowLock(oid, rid)
	q := lm.getOrCreateRowQueue(oid, rid)
	if err := lm.acquire(t, q, mode, cur, held); err != nil {
		lm.log.Warnw("row lock denied", "txn", t.ID().String(), "row", rid.String(), "mode", mode.String(), "error", err)
		return err
	}
	t.SetRowLock(oid, rid, mode)
	lm.log.Debugw("row lock granted", "txn", t.ID().String(), "row", rid.String(), "mode", mode.String())
	return nil
}

// UnlockRow releases t's lock on (oid, rid).
func (lm *LockManager) UnlockRow(t *txn.Transaction, oid primitives.TableOID, rid primitives.RID) error {
	if err := lm.checkNotTerminal(t); err != nil {
		return err
	}
	mode, held := t.RowLock(oid, rid)
	if !held {
		t.SetState(txn.Aborted)
		return dberrors.Abort(int64(t.ID()), dberrors.AttemptedUnlockButNoLockHeld)
	}

	q := lm.getOrCreateRowQueue(oid, rid)
	q.mu.Lock()
	req, idx := q.findGrantedLocked(t.ID())
	dberrors.Assertf(req != nil, "unlock: no granted row request for txn %s", t.ID())
	q.removeAtLocked(idx)
	q.cond.Broadcast()
	q.mu.Unlock()

	t.ClearRowLock(oid, rid)
	lm.maybeShrink(t, mode)
	return nil
}

// TableQueueSnapshot exposes a table's request queue for diagnostics.
func (lm *LockManager) TableQueueSnapshot(oid primitives.TableOID) []RequestInfo {
	lm.tableMu.Lock()
	q, ok := lm.tableQueues[oid]
	lm.tableMu.Unlock()
	if !ok {
		return nil
	}
	return q.Snapshot()
}

// RowQueueSnapshot exposes a row's request queue for diagnostics.
func (lm *LockManager) RowQueueSnapshot(oid primitives.TableOID, rid primitives.RID) []RequestInfo {
	key := txn.RowKey{Table: oid, Row: rid}
	lm.rowMu.Lock()
	q, ok := lm.rowQueues[key]
	lm.rowMu.Unlock()
	if !ok {
		return nil
	}
	return q.Snapshot()
}
