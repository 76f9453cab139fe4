package btree

import (
	"cmp"

	"txnkernel/pkg/dberrors"
	"txnkernel/pkg/primitives"
	"txnkernel/pkg/storage/page"
)

// Iterator is a forward-only cursor over the leaf chain, holding a
// read latch on exactly one leaf at a time. It never restarts: a
// split or merge that happens ahead of the cursor is simply reflected
// in whatever comes next, the same guarantee a single-leaf read latch
// already gives a point lookup.
type Iterator[K cmp.Ordered] struct {
	tree  *Tree[K]
	frame *page.Frame
	leaf  *Page[K]
	pos   int
	done  bool
}

// Begin positions a new iterator at the smallest key in the tree.
func (t *Tree[K]) Begin() *Iterator[K] {
	if t.IsEmpty() {
		return &Iterator[K]{tree: t, done: true}
	}
	frame, node := t.descendLeftmost()
	it := &Iterator[K]{tree: t, frame: frame, leaf: node, pos: 0}
	it.skipToNonEmpty()
	return it
}

// BeginAt positions a new iterator at the first entry whose key is >=
// key.
func (t *Tree[K]) BeginAt(key K) *Iterator[K] {
	if t.IsEmpty() {
		return &Iterator[K]{tree: t, done: true}
	}
	frame, leaf, _, err := t.findLeaf(key, OpRead)
	if err != nil {
		return &Iterator[K]{tree: t, done: true}
	}
	idx, _ := leaf.KeyIndex(key)
	it := &Iterator[K]{tree: t, frame: frame, leaf: leaf, pos: idx}
	it.skipToNonEmpty()
	return it
}

func (t *Tree[K]) descendLeftmost() (*page.Frame, *Page[K]) {
	t.mu.Lock()
	rootID := t.rootID
	frame, node, err := t.fetchTyped(rootID)
	dberrors.Assertf(err == nil, "descendLeftmost: root %s missing: %v", rootID, err)
	frame.RLatch()
	t.mu.Unlock()

	for node.IsInternal() {
		childID := node.ChildAt(0)
		childFrame, childNode, err := t.fetchTyped(childID)
		dberrors.Assertf(err == nil, "descendLeftmost: child %s missing: %v", childID, err)
		childFrame.RLatch()
		frame.RUnlatch()
		_ = t.pool.UnpinPage(frame.PageID(), false)
		frame, node = childFrame, childNode
	}
	return frame, node
}

// skipToNonEmpty advances across an empty or exhausted leaf (possible
// right after a merge on the writer side) until landing on a real
// entry or the end of the chain.
func (it *Iterator[K]) skipToNonEmpty() {
	for !it.done && it.pos >= it.leaf.NumEntries() {
		it.advanceLeaf()
	}
}

func (it *Iterator[K]) advanceLeaf() {
	nextID := it.leaf.NextLeaf()
	it.frame.RUnlatch()
	_ = it.tree.pool.UnpinPage(it.leaf.ID(), false)
	if !nextID.IsValid() {
		it.frame, it.leaf, it.done = nil, nil, true
		return
	}
	frame, node, err := it.tree.fetchTyped(nextID)
	if err != nil {
		it.frame, it.leaf, it.done = nil, nil, true
		return
	}
	frame.RLatch()
	it.frame, it.leaf, it.pos = frame, node, 0
}

// IsEnd reports whether the cursor has run off the end of the chain.
func (it *Iterator[K]) IsEnd() bool { return it.done }

// Key and Value report the entry currently under the cursor. Calling
// either once IsEnd is true is a caller error.
func (it *Iterator[K]) Key() K {
	k, _ := it.leaf.EntryAt(it.pos)
	return k
}

func (it *Iterator[K]) Value() primitives.RID {
	_, rid := it.leaf.EntryAt(it.pos)
	return rid
}

// Next advances the cursor by one entry.
func (it *Iterator[K]) Next() {
	if it.done {
		return
	}
	it.pos++
	it.skipToNonEmpty()
}

// Close releases whatever leaf latch/pin the cursor currently holds.
// Safe to call more than once and on an already-exhausted cursor.
func (it *Iterator[K]) Close() {
	if it.done || it.frame == nil {
		return
	}
	it.frame.RUnlatch()
	_ = it.tree.pool.UnpinPage(it.leaf.ID(), false)
	it.frame, it.leaf, it.done = nil, nil, true
}
