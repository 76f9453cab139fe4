package primitives

import (
	"fmt"
	"sync/atomic"
)

// TxnID identifies a transaction. Values are minted by NewTxnID in
// monotonically increasing order, which the deadlock detector relies on
// when picking the youngest transaction on a cycle.
type TxnID int64

// InvalidTxnID denotes "no transaction".
const InvalidTxnID TxnID = -1

var txnCounter int64

// NewTxnID mints a fresh, process-wide unique transaction id.
func NewTxnID() TxnID {
	return TxnID(atomic.AddInt64(&txnCounter, 1))
}

func (t TxnID) String() string {
	return fmt.Sprintf("txn-%d", int64(t))
}

func (t TxnID) IsValid() bool {
	return t != InvalidTxnID
}
