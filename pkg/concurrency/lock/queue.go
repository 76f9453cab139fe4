// Package lock is components E and F: the per-object lock-request
// queue (E) and the multi-granularity two-phase lock manager built on
// top of it (F), plus the deadlock detector that keeps it live. Covers
// the five-mode multi-granularity model §4.5/§4.6 specify.
package lock

import (
	"sync"

	"txnkernel/pkg/primitives"
)

// request is one transaction's outstanding ask for mode on the
// object this queue guards.
type request struct {
	txnID   primitives.TxnID
	mode    primitives.LockMode
	granted bool
}

// Queue is one object's FIFO of lock requests, an upgrading slot, and
// the condition variable waiters block on. Exactly one exists per
// currently-locked table or row.
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  []*request
	upgrading primitives.TxnID
}

func NewQueue() *Queue {
	q := &Queue{upgrading: primitives.InvalidTxnID}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) grantedModesLocked() []primitives.LockMode {
	var out []primitives.LockMode
	for _, r := range q.requests {
		if r.granted {
			out = append(out, r.mode)
		}
	}
	return out
}

// earlierWaitingModesLocked returns the modes of every ungranted
// request from a different txn that precedes req in the queue.
func (q *Queue) earlierWaitingModesLocked(req *request) []primitives.LockMode {
	var out []primitives.LockMode
	for _, r := range q.requests {
		if r == req {
			break
		}
		if !r.granted && r.txnID != req.txnID {
			out = append(out, r.mode)
		}
	}
	return out
}

// tryGrantLocked implements §4.5's Grant algorithm for a single
// request already sitting in the queue.
func (q *Queue) tryGrantLocked(req *request) bool {
	if req.granted {
		return true
	}
	if !CompatibleWithAll(req.mode, q.grantedModesLocked()) {
		return false
	}
	if q.upgrading != primitives.InvalidTxnID {
		// While an upgrade is pending only the upgrader may be granted,
		// and earlier waiters do not hold it back.
		if q.upgrading != req.txnID {
			return false
		}
	} else if !CompatibleWithAll(req.mode, q.earlierWaitingModesLocked(req)) {
		return false
	}
	req.granted = true
	return true
}

func (q *Queue) findGrantedLocked(txnID primitives.TxnID) (*request, int) {
	for i, r := range q.requests {
		if r.txnID == txnID && r.granted {
			return r, i
		}
	}
	return nil, -1
}

func (q *Queue) removeAtLocked(i int) {
	q.requests = append(q.requests[:i], q.requests[i+1:]...)
}

func (q *Queue) removeRequestLocked(req *request) {
	for i, r := range q.requests {
		if r == req {
			q.removeAtLocked(i)
			return
		}
	}
}

// RequestInfo is a read-only snapshot of one queued request, for
// diagnostics and for the deadlock detector's graph rebuild.
type RequestInfo struct {
	TxnID   primitives.TxnID
	Mode    primitives.LockMode
	Granted bool
}

// Snapshot returns every request currently in the queue, granted or
// not, in FIFO order.
func (q *Queue) Snapshot() []RequestInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RequestInfo, len(q.requests))
	for i, r := range q.requests {
		out[i] = RequestInfo{TxnID: r.txnID, Mode: r.mode, Granted: r.granted}
	}
	return out
}

// Upgrading returns the id of the transaction currently upgrading on
// this queue, and whether one exists.
func (q *Queue) Upgrading() (primitives.TxnID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.upgrading, q.upgrading != primitives.InvalidTxnID
}
