package page

import (
	"sync"

	"txnkernel/pkg/primitives"
)

// PageAllocator mints page ids and holds the canonical copy of every page
// that is not currently resident in a buffer frame (and, once written
// back, the copy the buffer pool reads on the next fetch). It is the
// in-memory stand-in for a real disk manager: a file-backed allocator
// would reserve space on disk and return a page number; Reserve here
// does the same against a map instead of an *os.File.
type PageAllocator struct {
	mu    sync.Mutex
	next  primitives.PageID
	store map[primitives.PageID]Page
}

func NewPageAllocator() *PageAllocator {
	return &PageAllocator{store: make(map[primitives.PageID]Page)}
}

// Reserve mints a fresh page id without yet associating a page with it.
func (a *PageAllocator) Reserve() primitives.PageID {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id
}

// Read returns the stored page for id, if any.
func (a *PageAllocator) Read(id primitives.PageID) (Page, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.store[id]
	return p, ok
}

// Write stores (or overwrites) the page for id.
func (a *PageAllocator) Write(id primitives.PageID, p Page) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.store[id] = p
}

// Free discards the stored page for id.
func (a *PageAllocator) Free(id primitives.PageID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.store, id)
}
