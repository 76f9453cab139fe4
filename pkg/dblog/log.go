// Package dblog gives the buffer pool, B+Tree, and lock manager a shared
// structured logger: With* helpers attach transaction/page/lock context
// to a process-wide go.uber.org/zap logger.
package dblog

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	global *zap.SugaredLogger
)

// L returns the process-wide sugared logger, building it lazily on first
// use. Set DBLOG_DEV=1 for a human-readable development config; otherwise
// a production (JSON) config is used.
func L() *zap.SugaredLogger {
	once.Do(func() {
		var base *zap.Logger
		var err error
		if os.Getenv("DBLOG_DEV") == "1" {
			base, err = zap.NewDevelopment()
		} else {
			base, err = zap.NewProduction()
		}
		if err != nil {
			base = zap.NewNop()
		}
		global = base.Sugar()
	})
	return global
}

// WithTxn returns a child logger tagged with a transaction id.
func WithTxn(txnID int64) *zap.SugaredLogger {
	return L().With("txn_id", txnID)
}

// WithLock returns a child logger tagged with a transaction and the
// object it is locking.
func WithLock(txnID int64, resource string) *zap.SugaredLogger {
	return L().With("txn_id", txnID, "resource", resource)
}

// WithPage returns a child logger tagged with a page id.
func WithPage(pageID int64) *zap.SugaredLogger {
	return L().With("page_id", pageID)
}

// WithComponent returns a child logger tagged with a subsystem name.
func WithComponent(component string) *zap.SugaredLogger {
	return L().With("component", component)
}

// Sync flushes any buffered log entries. Callers should defer this once at
// process shutdown.
func Sync() error {
	if global == nil {
		return nil
	}
	return global.Sync()
}
