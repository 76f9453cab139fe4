package btree

import (
	"cmp"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"txnkernel/pkg/buffer"
	"txnkernel/pkg/dberrors"
	"txnkernel/pkg/dblog"
	"txnkernel/pkg/primitives"
	"txnkernel/pkg/storage/page"
)

// Op selects the latch discipline FindLeaf uses while descending.
type Op int

const (
	OpRead Op = iota
	OpInsert
	OpDelete
)

// Tree is a disk-page-backed, latch-crabbed B+Tree index: component D.
// Generalized from single-threaded recursive descent to the crabbing
// protocol of §4.4, and from a Field/Type interface to a generic
// ordered key, since tuple serialization (what Field exists for) is out
// of scope here.
type Tree[K cmp.Ordered] struct {
	mu sync.Mutex // tree-wide root latch: sampled at the first hop only

	rootID               primitives.PageID
	headerID              primitives.PageID
	indexName             string
	leafMax, internalMax int

	pool *buffer.Pool
	log  *zap.SugaredLogger
}

// New builds an empty tree backed by pool, with the given index name
// (used only for the header-page record) and page size bounds.
func New[K cmp.Ordered](pool *buffer.Pool, indexName string, leafMax, internalMax int) *Tree[K] {
	t := &Tree[K]{
		rootID:       primitives.InvalidPageID,
		indexName:    indexName,
		leafMax:      leafMax,
		internalMax:  internalMax,
		pool:         pool,
		log:          dblog.WithComponent("btree").With("index", indexName),
	}
	frame, err := pool.NewPage(func(id primitives.PageID) page.Page {
		return newHeaderPage(id, indexName, primitives.InvalidPageID)
	})
	dberrors.Assertf(err == nil, "failed to allocate header page: %v", err)
	t.headerID = frame.PageID()
	_ = pool.UnpinPage(t.headerID, true)
	return t
}

func (t *Tree[K]) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.rootID.IsValid()
}

func (t *Tree[K]) GetRootPageID() primitives.PageID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootID
}

func (t *Tree[K]) fetchTyped(id primitives.PageID) (*page.Frame, *Page[K], error) {
	frame, err := t.pool.FetchPage(id)
	if err != nil {
		return nil, nil, err
	}
	pg, ok := frame.Page().(*Page[K])
	dberrors.Assertf(ok, "page %s is not a btree page", id)
	return frame, pg, nil
}

func (t *Tree[K]) updateHeader(newRoot primitives.PageID) {
	frame, err := t.pool.FetchPage(t.headerID)
	dberrors.Assertf(err == nil, "header page missing: %v", err)
	frame.WLatch()
	hp := frame.Page().(*headerPage)
	hp.rootID = newRoot
	hp.dirty = true
	frame.WUnlatch()
	_ = t.pool.UnpinPage(t.headerID, true)
}

// crabStack accumulates still-latched, still-pinned ancestor frames
// during an INSERT or DELETE descent: an explicit latch-stack parameter
// in place of a per-transaction page set.
type crabStack struct {
	frames []*page.Frame
}

func (s *crabStack) push(f *page.Frame) { s.frames = append(s.frames, f) }

func (s *crabStack) releaseAll(pool *buffer.Pool) {
	for _, f := range s.frames {
		f.WUnlatch()
		_ = pool.UnpinPage(f.PageID(), false)
	}
	s.frames = nil
}

// findLeaf descends from the root to the leaf that should contain key,
// honoring the crabbing rule of §4.4: readers release the parent latch as
// soon as the child is latched; writers keep a latch-stack of ancestors
// and release the whole prefix once the current page is "safe" for the
// pending operation. The tree-wide latch is sampled once, at the first
// hop, and released immediately after: because root_page_id is read and
// the root's own latch acquired while still holding that latch, a
// concurrent root replacement can only happen after this traversal has
// already committed to the sampled root, so no restart is needed here
// (the race the source's restart-on-root-change guards against is closed
// by holding mu across the first fetch instead of sampling unlocked).
func (t *Tree[K]) findLeaf(key K, op Op) (*page.Frame, *Page[K], *crabStack, error) {
	t.mu.Lock()
	rootID := t.rootID
	if !rootID.IsValid() {
		t.mu.Unlock()
		return nil, nil, nil, dberrors.Newf("btree: empty tree")
	}

	frame, pg, err := t.fetchTyped(rootID)
	if err != nil {
		t.mu.Unlock()
		return nil, nil, nil, err
	}
	if op == OpRead {
		frame.RLatch()
	} else {
		frame.WLatch()
	}
	t.mu.Unlock()

	stack := &crabStack{}
	for {
		if pg.IsLeaf() {
			return frame, pg, stack, nil
		}

		childID := pg.LookupChild(key)
		childFrame, childPg, err := t.fetchTyped(childID)
		if err != nil {
			if op == OpRead {
				frame.RUnlatch()
			} else {
				frame.WUnlatch()
			}
			_ = t.pool.UnpinPage(frame.PageID(), false)
			stack.releaseAll(t.pool)
			return nil, nil, nil, err
		}

		switch op {
		case OpRead:
			childFrame.RLatch()
			frame.RUnlatch()
			_ = t.pool.UnpinPage(frame.PageID(), false)
		default:
			childFrame.WLatch()
			if childPg.safeFor(op) {
				stack.releaseAll(t.pool)
				frame.WUnlatch()
				_ = t.pool.UnpinPage(frame.PageID(), false)
			} else {
				stack.push(frame)
			}
		}

		frame, pg = childFrame, childPg
	}
}

func (p *Page[K]) safeFor(op Op) bool {
	if op == OpInsert {
		return p.IsSafeForInsert()
	}
	return p.IsSafeForDelete()
}

// String dumps the tree depth-first as one line per page: leaves show
// their keys, internal pages show their separator keys and child ids.
// Fetches every page fresh rather than touching the crabbing path, so
// this is for offline debugging only, never to be called with any
// latch held.
func (t *Tree[K]) String() string {
	rootID := t.GetRootPageID()
	if !rootID.IsValid() {
		return fmt.Sprintf("btree %q: empty", t.indexName)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "btree %q:\n", t.indexName)
	t.writeSubtree(&b, rootID, 0)
	return b.String()
}

func (t *Tree[K]) writeSubtree(b *strings.Builder, id primitives.PageID, depth int) {
	_, pg, err := t.fetchTyped(id)
	if err != nil {
		fmt.Fprintf(b, "%s<missing page %s>\n", strings.Repeat("  ", depth), id)
		return
	}
	indent := strings.Repeat("  ", depth)
	if pg.IsLeaf() {
		keys := make([]K, pg.NumEntries())
		for i := range keys {
			keys[i], _ = pg.EntryAt(i)
		}
		fmt.Fprintf(b, "%sleaf %s %v\n", indent, id, keys)
		_ = t.pool.UnpinPage(id, false)
		return
	}
	fmt.Fprintf(b, "%sinternal %s\n", indent, id)
	children := make([]primitives.PageID, pg.NumChildren())
	separators := make([]K, pg.NumChildren())
	for i := range children {
		children[i] = pg.ChildAt(i)
		if i > 0 {
			separators[i] = pg.SeparatorKeyAt(i)
		}
	}
	_ = t.pool.UnpinPage(id, false)
	for i, childID := range children {
		if i > 0 {
			fmt.Fprintf(b, "%s  key %v\n", indent, separators[i])
		}
		t.writeSubtree(b, childID, depth+1)
	}
}

// GetValue returns the rid stored for key, if any.
func (t *Tree[K]) GetValue(key K) (primitives.RID, bool, error) {
	if t.IsEmpty() {
		return primitives.RID{}, false, nil
	}
	frame, leaf, _, err := t.findLeaf(key, OpRead)
	if err != nil {
		return primitives.RID{}, false, err
	}
	rid, found := leaf.Lookup(key)
	frame.RUnlatch()
	_ = t.pool.UnpinPage(frame.PageID(), false)
	return rid, found, nil
}
