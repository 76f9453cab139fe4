package primitives

import "fmt"

// TableOID identifies the table-granularity object a lock is held on. Rows
// are addressed by (TableOID, RID) pairs; row locks always nest under a
// table lock on the same TableOID (see the row prerequisites in the lock
// manager).
type TableOID int64

func (t TableOID) String() string {
	return fmt.Sprintf("table-%d", int64(t))
}
