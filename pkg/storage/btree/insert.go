package btree

import (
	"txnkernel/pkg/dberrors"
	"txnkernel/pkg/primitives"
	"txnkernel/pkg/storage/page"
)

// ensureRoot allocates a leaf root under the tree latch if the tree is
// currently empty. Checking rootID again inside the lock makes this
// safe against two callers racing to bootstrap the same empty tree.
func (t *Tree[K]) ensureRoot() error {
	t.mu.Lock()
	if t.rootID.IsValid() {
		t.mu.Unlock()
		return nil
	}
	frame, err := t.pool.NewPage(func(id primitives.PageID) page.Page {
		return newLeafPage[K](id, primitives.InvalidPageID, t.leafMax, t.internalMax)
	})
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.rootID = frame.PageID()
	t.mu.Unlock()

	_ = t.pool.UnpinPage(frame.PageID(), true)
	t.updateHeader(t.rootID)
	return nil
}

func (t *Tree[K]) allocLeafSibling(parent primitives.PageID) (*page.Frame, *Page[K], error) {
	frame, err := t.pool.NewPage(func(id primitives.PageID) page.Page {
		return newLeafPage[K](id, parent, t.leafMax, t.internalMax)
	})
	if err != nil {
		return nil, nil, err
	}
	return frame, frame.Page().(*Page[K]), nil
}

func (t *Tree[K]) allocInternalSibling(parent primitives.PageID) (*page.Frame, *Page[K], error) {
	frame, err := t.pool.NewPage(func(id primitives.PageID) page.Page {
		return newInternalPage[K](id, parent, t.leafMax, t.internalMax)
	})
	if err != nil {
		return nil, nil, err
	}
	return frame, frame.Page().(*Page[K]), nil
}

// reparentChildren fixes every child of parent to point back at parent.
// Called on both halves after an internal split, since the
// scratch-buffer technique doesn't track which of them a given child
// landed in.
func (t *Tree[K]) reparentChildren(parent *Page[K]) {
	for i := 0; i < parent.NumChildren(); i++ {
		childID := parent.ChildAt(i)
		frame, childPg, err := t.fetchTyped(childID)
		dberrors.Assertf(err == nil, "reparentChildren: child %s of %s missing: %v", childID, parent.ID(), err)
		if childPg.Parent() != parent.ID() {
			frame.WLatch()
			childPg.SetParent(parent.ID())
			frame.WUnlatch()
		}
		_ = t.pool.UnpinPage(childID, childPg.IsDirty())
	}
}

// Insert adds (key, rid) to the tree, returning false if key already
// exists. Follows §4.4: descend write-latched with a crab-stack of
// still-latched ancestors, split the leaf if full, and propagate the
// split upward only as far as the retained ancestors require.
func (t *Tree[K]) Insert(key K, rid primitives.RID) (bool, error) {
	if err := t.ensureRoot(); err != nil {
		return false, err
	}

	frame, leaf, stack, err := t.findLeaf(key, OpInsert)
	if err != nil {
		return false, err
	}

	if _, found := leaf.KeyIndex(key); found {
		frame.WUnlatch()
		_ = t.pool.UnpinPage(frame.PageID(), false)
		stack.releaseAll(t.pool)
		return false, nil
	}

	if !leaf.IsFull() {
		leaf.Insert(key, rid)
		frame.WUnlatch()
		_ = t.pool.UnpinPage(frame.PageID(), true)
		stack.releaseAll(t.pool)
		return true, nil
	}

	err = t.splitLeafAndInsert(stack, leaf, key, rid)
	frame.WUnlatch()
	_ = t.pool.UnpinPage(frame.PageID(), true)
	stack.releaseAll(t.pool)
	if err != nil {
		return false, err
	}
	t.log.Debugw("leaf split on insert", "leaf", leaf.ID().String())
	return true, nil
}

func (t *Tree[K]) splitLeafAndInsert(stack *crabStack, leaf *Page[K], key K, rid primitives.RID) error {
	siblingFrame, sibling, err := t.allocLeafSibling(leaf.Parent())
	if err != nil {
		return err
	}
	separator := leaf.InsertAndSplit(key, rid, sibling)

	if sibling.NextLeaf().IsValid() {
		nextFrame, nextPg, err := t.fetchTyped(sibling.NextLeaf())
		if err == nil {
			nextFrame.WLatch()
			nextPg.prevLeaf = sibling.ID()
			nextPg.dirty = true
			nextFrame.WUnlatch()
			_ = t.pool.UnpinPage(nextFrame.PageID(), true)
		}
	}

	err = t.insertIntoParent(stack, leaf, separator, sibling)
	_ = t.pool.UnpinPage(siblingFrame.PageID(), true)
	return err
}

// insertIntoParent installs (separatorKey, right) as a new child of
// left's parent, splitting that parent (and recursing) if it is full,
// or allocating a new root if left had none. It never re-fetches an
// ancestor from the pool: every ancestor it needs is already
// write-latched on stack, put there during descent precisely because
// it was unsafe for this insertion.
func (t *Tree[K]) insertIntoParent(stack *crabStack, left *Page[K], separatorKey K, right *Page[K]) error {
	if !left.Parent().IsValid() {
		return t.createNewRoot(left, separatorKey, right)
	}

	n := len(stack.frames)
	dberrors.Assertf(n > 0, "insertIntoParent: no latched ancestor retained for page %s", left.ID())
	parentFrame := stack.frames[n-1]
	stack.frames = stack.frames[:n-1]
	parent := parentFrame.Page().(*Page[K])

	if !parent.IsFull() {
		parent.InsertChild(separatorKey, right.ID())
		right.SetParent(parent.ID())
		parentFrame.WUnlatch()
		_ = t.pool.UnpinPage(parent.ID(), true)
		return nil
	}

	siblingFrame, sibling, err := t.allocInternalSibling(parent.Parent())
	if err != nil {
		parentFrame.WUnlatch()
		_ = t.pool.UnpinPage(parent.ID(), false)
		return err
	}
	pushedUp := parent.SplitInternal(separatorKey, right.ID(), sibling)
	// left is write-latched by this goroutine and right is its own fresh
	// page: repoint them directly so reparentChildren never latches them.
	for _, moved := range []*Page[K]{left, right} {
		if _, inSibling := sibling.ChildIndex(moved.ID()); inSibling {
			moved.SetParent(sibling.ID())
		}
	}
	t.reparentChildren(parent)
	t.reparentChildren(sibling)

	err = t.insertIntoParent(stack, parent, pushedUp, sibling)

	parentFrame.WUnlatch()
	_ = t.pool.UnpinPage(parent.ID(), true)
	_ = t.pool.UnpinPage(siblingFrame.PageID(), true)
	return err
}

func (t *Tree[K]) createNewRoot(left *Page[K], separator K, right *Page[K]) error {
	frame, err := t.pool.NewPage(func(id primitives.PageID) page.Page {
		return newInternalPage[K](id, primitives.InvalidPageID, t.leafMax, t.internalMax)
	})
	if err != nil {
		return err
	}
	newRoot := frame.Page().(*Page[K])
	newRoot.NewRootChildren(left.ID(), right.ID(), separator)

	left.SetParent(newRoot.ID())
	right.SetParent(newRoot.ID())

	t.mu.Lock()
	t.rootID = newRoot.ID()
	t.mu.Unlock()

	_ = t.pool.UnpinPage(newRoot.ID(), true)
	t.updateHeader(newRoot.ID())
	return nil
}
