package buffer

import (
	"testing"

	"txnkernel/pkg/primitives"
	"txnkernel/pkg/storage/page"
)

type fakePage struct {
	id    primitives.PageID
	dirty bool
}

func (f *fakePage) ID() primitives.PageID { return f.id }
func (f *fakePage) IsDirty() bool         { return f.dirty }
func (f *fakePage) MarkDirty(d bool)      { f.dirty = d }

func TestPoolNewAndFetch(t *testing.T) {
	alloc := page.NewPageAllocator()
	pool := NewPool(2, 2, alloc)

	frame, err := pool.NewPage(func(id primitives.PageID) page.Page {
		return &fakePage{id: id}
	})
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	id := frame.PageID()
	if err := pool.UnpinPage(id, false); err != nil {
		t.Fatalf("UnpinPage: %v", err)
	}

	fetched, err := pool.FetchPage(id)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if fetched.PageID() != id {
		t.Fatalf("fetched wrong page: got %s want %s", fetched.PageID(), id)
	}
	if err := pool.UnpinPage(id, false); err != nil {
		t.Fatalf("UnpinPage: %v", err)
	}
}

func TestPoolEvictsWhenFull(t *testing.T) {
	alloc := page.NewPageAllocator()
	pool := NewPool(1, 2, alloc)

	f1, err := pool.NewPage(func(id primitives.PageID) page.Page { return &fakePage{id: id} })
	if err != nil {
		t.Fatalf("NewPage 1: %v", err)
	}
	id1 := f1.PageID()
	if err := pool.UnpinPage(id1, false); err != nil {
		t.Fatalf("unpin 1: %v", err)
	}

	f2, err := pool.NewPage(func(id primitives.PageID) page.Page { return &fakePage{id: id} })
	if err != nil {
		t.Fatalf("NewPage 2 should evict page 1: %v", err)
	}
	if f2.PageID() == id1 {
		t.Fatalf("expected a fresh page id")
	}
}

func TestPoolPinnedPageCannotBeDeleted(t *testing.T) {
	alloc := page.NewPageAllocator()
	pool := NewPool(2, 2, alloc)

	frame, err := pool.NewPage(func(id primitives.PageID) page.Page { return &fakePage{id: id} })
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	id := frame.PageID()

	if err := pool.DeletePage(id); err == nil {
		t.Fatalf("expected DeletePage to fail while page is pinned")
	}
	if err := pool.UnpinPage(id, false); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	if err := pool.DeletePage(id); err != nil {
		t.Fatalf("DeletePage after unpin: %v", err)
	}
}
