// Package buffer is component A+B of the concurrency core: an LRU-K
// eviction policy over buffer frames, and the pool manager that uses it
// to serve FetchPage/NewPage/UnpinPage/DeletePage to the B+Tree. Evicts
// by k-th-backward-distance rather than plain LRU, per §4.1.
package buffer

import (
	"sync"

	"txnkernel/pkg/dberrors"
	"txnkernel/pkg/primitives"
)

type frameHistory struct {
	// timestamps, oldest first, bounded to k entries
	accesses  []uint64
	evictable bool
}

// LRUKReplacer tracks up to replacerSize frames and picks eviction victims
// by k-th-backward-distance: a frame with fewer than k recorded accesses
// is evicted ahead of any frame with k or more, and ties within each group
// are broken by the oldest retained timestamp.
type LRUKReplacer struct {
	mu            sync.Mutex
	k             int
	replacerSize  int
	currTimestamp uint64
	currSize      int
	frames        map[primitives.FrameID]*frameHistory
}

func NewLRUKReplacer(replacerSize, k int) *LRUKReplacer {
	return &LRUKReplacer{
		k:            k,
		replacerSize: replacerSize,
		frames:       make(map[primitives.FrameID]*frameHistory),
	}
}

// RecordAccess logs an access to frameID at the current logical time. If
// frameID is unknown and the replacer is already tracking replacerSize
// frames, the call is a no-op: the buffer pool never asks the replacer
// about more frames than it has slots for, but a fresh frame's first
// access can race a still-resident one's eviction, so this stays
// defensive rather than asserting.
func (r *LRUKReplacer) RecordAccess(frameID primitives.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.frames[frameID]
	if !ok {
		if len(r.frames) >= r.replacerSize {
			return
		}
		h = &frameHistory{}
		r.frames[frameID] = h
	}

	r.currTimestamp++
	h.accesses = append(h.accesses, r.currTimestamp)
	if len(h.accesses) > r.k {
		h.accesses = h.accesses[1:]
	}
}

// SetEvictable toggles whether frameID may be chosen by Evict, adjusting
// the evictable-frame count on each true<->false transition.
func (r *LRUKReplacer) SetEvictable(frameID primitives.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.frames[frameID]
	if !ok {
		return
	}
	if h.evictable == evictable {
		return
	}
	h.evictable = evictable
	if evictable {
		r.currSize++
	} else {
		r.currSize--
	}
}

// Evict removes and returns the victim frame, or (0, false) if no
// evictable frame exists.
func (r *LRUKReplacer) Evict() (primitives.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	victim, found := r.pickVictimLocked()
	if !found {
		return 0, false
	}
	delete(r.frames, victim)
	r.currSize--
	return victim, true
}

func (r *LRUKReplacer) pickVictimLocked() (primitives.FrameID, bool) {
	var (
		best      primitives.FrameID
		bestKey   uint64
		found     bool
		foundCold bool // at least one evictable frame with < k samples
	)

	for id, h := range r.frames {
		if !h.evictable || len(h.accesses) >= r.k {
			continue
		}
		key := h.accesses[0]
		if !found || key < bestKey {
			best, bestKey, found, foundCold = id, key, true, true
		}
	}
	if foundCold {
		return best, true
	}

	for id, h := range r.frames {
		if !h.evictable {
			continue
		}
		key := h.accesses[0]
		if !found || key < bestKey {
			best, bestKey, found = id, key, true
		}
	}
	return best, found
}

// Remove evicts frameID regardless of LRU-K ordering. Removing a frame
// that is still pinned (non-evictable) is a programming error: the
// buffer pool must unpin before it evicts.
func (r *LRUKReplacer) Remove(frameID primitives.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.frames[frameID]
	if !ok {
		return
	}
	dberrors.Assertf(h.evictable, "Replacer.Remove called on non-evictable frame %d", frameID)
	delete(r.frames, frameID)
	r.currSize--
}

// Size returns the number of currently evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currSize
}
