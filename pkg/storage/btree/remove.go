package btree

import (
	"txnkernel/pkg/dberrors"
	"txnkernel/pkg/primitives"
	"txnkernel/pkg/storage/page"
)

// Remove deletes key from the tree, reporting whether it was present.
// Mirrors the insert side's discipline: descend write-latched with a
// crab-stack of ancestors retained only where the child was unsafe to
// delete from (size <= min_size), and propagate redistribution or
// merge upward exactly as far as that stack requires. A root leaf is
// exempt from the underflow floor; once it loses its last entry it is
// deleted and the tree becomes empty.
func (t *Tree[K]) Remove(key K) (bool, error) {
	if t.IsEmpty() {
		return false, nil
	}

	frame, leaf, stack, err := t.findLeaf(key, OpDelete)
	if err != nil {
		return false, err
	}

	if !leaf.Remove(key) {
		frame.WUnlatch()
		_ = t.pool.UnpinPage(frame.PageID(), false)
		stack.releaseAll(t.pool)
		return false, nil
	}

	if !leaf.Parent().IsValid() && leaf.Size() == 0 {
		frame.WUnlatch()
		_ = t.pool.UnpinPage(frame.PageID(), false)
		_ = t.pool.DeletePage(leaf.ID())

		t.mu.Lock()
		t.rootID = primitives.InvalidPageID
		t.mu.Unlock()
		t.updateHeader(primitives.InvalidPageID)
		return true, nil
	}

	if !leaf.Parent().IsValid() || leaf.Size() >= leaf.minSize() {
		frame.WUnlatch()
		_ = t.pool.UnpinPage(frame.PageID(), true)
		stack.releaseAll(t.pool)
		return true, nil
	}

	leafID := leaf.ID()
	err = t.fixLeafUnderflow(stack, frame, leaf)
	stack.releaseAll(t.pool)
	if err == nil {
		t.log.Debugw("leaf underflow resolved", "leaf", leafID.String())
	}
	return true, err
}

// fixLeafUnderflow tries to borrow one entry from a sibling before
// falling back to a merge, in that order, preferring the left sibling.
func (t *Tree[K]) fixLeafUnderflow(stack *crabStack, frame *page.Frame, leaf *Page[K]) error {
	n := len(stack.frames)
	dberrors.Assertf(n > 0, "fixLeafUnderflow: no latched ancestor retained for page %s", leaf.ID())
	parentFrame := stack.frames[n-1]
	stack.frames = stack.frames[:n-1]
	parent := parentFrame.Page().(*Page[K])

	idx, ok := parent.ChildIndex(leaf.ID())
	dberrors.Assertf(ok, "leaf %s not found among its own parent's children", leaf.ID())
	hasLeft := idx > 0
	hasRight := idx < parent.NumChildren()-1

	if hasLeft {
		leftFrame, left, err := t.fetchTyped(parent.ChildAt(idx - 1))
		dberrors.Assertf(err == nil, "left sibling of %s missing: %v", leaf.ID(), err)
		leftFrame.WLatch()
		if left.Size() > left.minSize() {
			k, rid := left.RemoveLast()
			leaf.InsertFirst(k, rid)
			parent.SetSeparatorKeyAt(idx, leaf.FirstKey())
			leftFrame.WUnlatch()
			_ = t.pool.UnpinPage(left.ID(), true)
			frame.WUnlatch()
			_ = t.pool.UnpinPage(leaf.ID(), true)
			parentFrame.WUnlatch()
			_ = t.pool.UnpinPage(parent.ID(), true)
			return nil
		}
		leftFrame.WUnlatch()
		_ = t.pool.UnpinPage(left.ID(), false)
	}

	if hasRight {
		rightFrame, right, err := t.fetchTyped(parent.ChildAt(idx + 1))
		dberrors.Assertf(err == nil, "right sibling of %s missing: %v", leaf.ID(), err)
		rightFrame.WLatch()
		if right.Size() > right.minSize() {
			k, rid := right.RemoveFirst()
			leaf.InsertLast(k, rid)
			parent.SetSeparatorKeyAt(idx+1, right.FirstKey())
			rightFrame.WUnlatch()
			_ = t.pool.UnpinPage(right.ID(), true)
			frame.WUnlatch()
			_ = t.pool.UnpinPage(leaf.ID(), true)
			parentFrame.WUnlatch()
			_ = t.pool.UnpinPage(parent.ID(), true)
			return nil
		}
		rightFrame.WUnlatch()
		_ = t.pool.UnpinPage(right.ID(), false)
	}

	if hasLeft {
		leftFrame, left, err := t.fetchTyped(parent.ChildAt(idx - 1))
		dberrors.Assertf(err == nil, "merge: left sibling of %s missing: %v", leaf.ID(), err)
		leftFrame.WLatch()
		left.MergeLeaf(leaf)
		parent.RemoveChildAt(idx)
		t.relinkPrevLeaf(left.NextLeaf(), left.ID())
		leftFrame.WUnlatch()
		_ = t.pool.UnpinPage(left.ID(), true)
		frame.WUnlatch()
		_ = t.pool.UnpinPage(leaf.ID(), false)
		_ = t.pool.DeletePage(leaf.ID())
		return t.fixInternalUnderflowOrRoot(stack, parentFrame, parent)
	}

	dberrors.Assertf(hasRight, "leaf %s has neither sibling", leaf.ID())
	rightFrame, right, err := t.fetchTyped(parent.ChildAt(idx + 1))
	dberrors.Assertf(err == nil, "merge: right sibling of %s missing: %v", leaf.ID(), err)
	rightFrame.WLatch()
	leaf.MergeLeaf(right)
	parent.RemoveChildAt(idx + 1)
	t.relinkPrevLeaf(leaf.NextLeaf(), leaf.ID())
	rightFrame.WUnlatch()
	_ = t.pool.UnpinPage(right.ID(), false)
	_ = t.pool.DeletePage(right.ID())
	frame.WUnlatch()
	_ = t.pool.UnpinPage(leaf.ID(), true)
	return t.fixInternalUnderflowOrRoot(stack, parentFrame, parent)
}

// relinkPrevLeaf points followerID's prevLeaf back at newPrev, the leaf
// that just absorbed followerID's former predecessor in a merge. A noop
// if there is no follower (the merged leaf was the tail of the chain).
func (t *Tree[K]) relinkPrevLeaf(followerID, newPrev primitives.PageID) {
	if !followerID.IsValid() {
		return
	}
	followerFrame, follower, err := t.fetchTyped(followerID)
	if err != nil {
		return
	}
	followerFrame.WLatch()
	follower.prevLeaf = newPrev
	follower.dirty = true
	followerFrame.WUnlatch()
	_ = t.pool.UnpinPage(followerID, true)
}

// fixInternalUnderflowOrRoot handles the one root-specific case (an
// internal root left with a single child collapses, promoting that
// child) and otherwise checks whether node itself now underflows.
func (t *Tree[K]) fixInternalUnderflowOrRoot(stack *crabStack, frame *page.Frame, node *Page[K]) error {
	if !node.Parent().IsValid() {
		if node.NumChildren() == 1 {
			onlyChild := node.ChildAt(0)
			if childFrame, childPg, err := t.fetchTyped(onlyChild); err == nil {
				childFrame.WLatch()
				childPg.SetParent(primitives.InvalidPageID)
				childFrame.WUnlatch()
				_ = t.pool.UnpinPage(onlyChild, true)
			}
			frame.WUnlatch()
			_ = t.pool.UnpinPage(node.ID(), false)
			_ = t.pool.DeletePage(node.ID())

			t.mu.Lock()
			t.rootID = onlyChild
			t.mu.Unlock()
			t.updateHeader(onlyChild)
			return nil
		}
		frame.WUnlatch()
		_ = t.pool.UnpinPage(node.ID(), true)
		return nil
	}

	if node.Size() >= node.minSize() {
		frame.WUnlatch()
		_ = t.pool.UnpinPage(node.ID(), true)
		return nil
	}

	return t.fixInternalUnderflow(stack, frame, node)
}

// fixInternalUnderflow merges an underflowed internal page with a
// sibling, preferring the left one. Unlike the leaf case this skips
// borrow-one redistribution: child[0] always being key-less makes a
// single-child borrow fiddly to express correctly, and a merge is
// always safe here since two pages each at or below min_size can never
// together exceed internal_max.
func (t *Tree[K]) fixInternalUnderflow(stack *crabStack, frame *page.Frame, node *Page[K]) error {
	n := len(stack.frames)
	dberrors.Assertf(n > 0, "fixInternalUnderflow: no latched ancestor retained for page %s", node.ID())
	parentFrame := stack.frames[n-1]
	stack.frames = stack.frames[:n-1]
	parent := parentFrame.Page().(*Page[K])

	idx, ok := parent.ChildIndex(node.ID())
	dberrors.Assertf(ok, "internal page %s not found among its own parent's children", node.ID())

	if idx > 0 {
		leftFrame, left, err := t.fetchTyped(parent.ChildAt(idx - 1))
		dberrors.Assertf(err == nil, "merge: left sibling of %s missing: %v", node.ID(), err)
		leftFrame.WLatch()
		separator := parent.SeparatorKeyAt(idx)
		left.MergeInternal(separator, node)
		t.reparentChildren(left)
		parent.RemoveChildAt(idx)
		leftFrame.WUnlatch()
		_ = t.pool.UnpinPage(left.ID(), true)
		frame.WUnlatch()
		_ = t.pool.UnpinPage(node.ID(), false)
		_ = t.pool.DeletePage(node.ID())
		return t.fixInternalUnderflowOrRoot(stack, parentFrame, parent)
	}

	dberrors.Assertf(idx < parent.NumChildren()-1, "internal page %s has neither sibling", node.ID())
	rightFrame, right, err := t.fetchTyped(parent.ChildAt(idx + 1))
	dberrors.Assertf(err == nil, "merge: right sibling of %s missing: %v", node.ID(), err)
	rightFrame.WLatch()
	separator := parent.SeparatorKeyAt(idx + 1)
	node.MergeInternal(separator, right)
	t.reparentChildren(node)
	parent.RemoveChildAt(idx + 1)
	rightFrame.WUnlatch()
	_ = t.pool.UnpinPage(right.ID(), false)
	_ = t.pool.DeletePage(right.ID())
	frame.WUnlatch()
	_ = t.pool.UnpinPage(node.ID(), true)
	return t.fixInternalUnderflowOrRoot(stack, parentFrame, parent)
}
