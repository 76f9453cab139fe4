// Package dberrors is the error vocabulary shared by the buffer pool,
// B+Tree, and lock manager. It replaces a hand-rolled error struct with
// github.com/cockroachdb/errors, the same library cockroachdb's own
// concurrency manager builds on, so abort reasons survive Wrapf/Is/As
// across call chains and structural bugs fail loudly via
// AssertionFailedf instead of a silent wrong answer.
package dberrors

import (
	"github.com/cockroachdb/errors"
)

// AbortReason classifies why a transaction was forced to abort. Exactly
// the set named by the lock manager's external interface.
type AbortReason int

const (
	LockOnShrinking AbortReason = iota
	LockSharedOnReadUncommitted
	UpgradeConflict
	IncompatibleUpgrade
	AttemptedIntentionLockOnRow
	AttemptedUnlockButNoLockHeld
	TableLockNotPresent
	TableUnlockedBeforeUnlockingRows
	Deadlock
)

func (r AbortReason) String() string {
	switch r {
	case LockOnShrinking:
		return "LOCK_ON_SHRINKING"
	case LockSharedOnReadUncommitted:
		return "LOCK_SHARED_ON_READ_UNCOMMITTED"
	case UpgradeConflict:
		return "UPGRADE_CONFLICT"
	case IncompatibleUpgrade:
		return "INCOMPATIBLE_UPGRADE"
	case AttemptedIntentionLockOnRow:
		return "ATTEMPTED_INTENTION_LOCK_ON_ROW"
	case AttemptedUnlockButNoLockHeld:
		return "ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD"
	case TableLockNotPresent:
		return "TABLE_LOCK_NOT_PRESENT"
	case TableUnlockedBeforeUnlockingRows:
		return "TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS"
	case Deadlock:
		return "DEADLOCK"
	default:
		return "UNKNOWN_ABORT_REASON"
	}
}

// AbortError carries the txn that was aborted, why, and, when built with
// AbortWrap, an underlying cause.
type AbortError struct {
	TxnID  int64
	Reason AbortReason
	cause  error
}

func (e *AbortError) Error() string {
	return errors.Wrapf(e.unwrapped(), "txn %d aborted: %s", e.TxnID, e.Reason).Error()
}

func (e *AbortError) Unwrap() error {
	return e.cause
}

func (e *AbortError) unwrapped() error {
	if e.cause != nil {
		return e.cause
	}
	return errors.Newf("%s", e.Reason)
}

// Abort builds an AbortError for the given transaction and reason.
func Abort(txnID int64, reason AbortReason) *AbortError {
	return &AbortError{TxnID: txnID, Reason: reason}
}

// AbortWrap builds an AbortError that wraps an underlying cause, preserving
// it for errors.Is/errors.As across the lock manager's call chain.
func AbortWrap(txnID int64, reason AbortReason, cause error) *AbortError {
	return &AbortError{TxnID: txnID, Reason: reason, cause: errors.Wrapf(cause, "%s", reason)}
}

// ReasonOf extracts the AbortReason from err, if it is (or wraps) an
// AbortError.
func ReasonOf(err error) (AbortReason, bool) {
	var ae *AbortError
	if errors.As(err, &ae) {
		return ae.Reason, true
	}
	return 0, false
}

// Newf builds a plain formatted error for transient/resource-exhaustion
// failures that are not transaction aborts (e.g. a full buffer pool).
func Newf(format string, args ...any) error {
	return errors.Newf(format, args...)
}

// Wrapf wraps err with additional context, preserving it for errors.Is/As.
func Wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}

// Assertf panics with an AssertionFailedf when cond is false. Used at
// structural invariant boundaries (a page of the wrong kind, an orphan
// child, a non-evictable frame passed to Replacer.Remove, an unlock or
// upgrade with no granted request behind it) where the only sane response
// is to stop the process, not return an error the caller might ignore.
// Page occupancy is not checked by any assertion.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(errors.AssertionFailedf(format, args...))
	}
}
