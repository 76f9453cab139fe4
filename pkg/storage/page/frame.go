package page

import (
	"sync"
	"sync/atomic"

	"txnkernel/pkg/primitives"
)

// Frame is a buffer-pool slot holding one resident page. The latch is a
// reader-writer mutex distinct from the pin count: pinning keeps a page
// resident for the duration of an operation, while the latch serializes
// access to the page's contents during that operation (see the B+Tree's
// crabbing protocol).
type Frame struct {
	latch    sync.RWMutex
	pageID   primitives.PageID
	page     Page
	pinCount int32
}

// NewFrame wraps p in a fresh, unpinned frame.
func NewFrame(id primitives.PageID, p Page) *Frame {
	return &Frame{pageID: id, page: p}
}

func (f *Frame) PageID() primitives.PageID { return f.pageID }

func (f *Frame) Page() Page { return f.page }

func (f *Frame) RLatch()   { f.latch.RLock() }
func (f *Frame) RUnlatch() { f.latch.RUnlock() }
func (f *Frame) WLatch()   { f.latch.Lock() }
func (f *Frame) WUnlatch() { f.latch.Unlock() }

// Pin increments the pin count and returns the new value.
func (f *Frame) Pin() int32 {
	return atomic.AddInt32(&f.pinCount, 1)
}

// Unpin decrements the pin count and returns the new value.
func (f *Frame) Unpin() int32 {
	return atomic.AddInt32(&f.pinCount, -1)
}

func (f *Frame) PinCount() int32 {
	return atomic.LoadInt32(&f.pinCount)
}

func (f *Frame) Evictable() bool {
	return f.PinCount() == 0
}
