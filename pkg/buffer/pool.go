package buffer

import (
	"sync"

	"go.uber.org/zap"

	"txnkernel/pkg/dberrors"
	"txnkernel/pkg/dblog"
	"txnkernel/pkg/primitives"
	"txnkernel/pkg/storage/page"
)

// Pool is the buffer-pool manager consumed by the B+Tree: FetchPage,
// NewPage, UnpinPage, DeletePage, each of §6's external interface.
// Backed by an LRUKReplacer for eviction and a page.PageAllocator
// standing in for real on-disk storage.
type Pool struct {
	mu        sync.Mutex
	frames    []*page.Frame // indexed by FrameID; nil when the slot is free
	pageTable map[primitives.PageID]primitives.FrameID
	freeList  []primitives.FrameID
	replacer  *LRUKReplacer
	allocator *page.PageAllocator
	log       *zap.SugaredLogger
}

// NewPool builds a pool with poolSize frames and an LRU-K replacer
// parameterized by k.
func NewPool(poolSize, k int, allocator *page.PageAllocator) *Pool {
	free := make([]primitives.FrameID, poolSize)
	for i := range free {
		free[i] = primitives.FrameID(i)
	}
	return &Pool{
		frames:    make([]*page.Frame, poolSize),
		pageTable: make(map[primitives.PageID]primitives.FrameID),
		freeList:  free,
		replacer:  NewLRUKReplacer(poolSize, k),
		allocator: allocator,
		log:       dblog.WithComponent("buffer"),
	}
}

// FetchPage pins and returns the frame holding id, loading it from the
// allocator if it is not already resident.
func (p *Pool) FetchPage(id primitives.PageID) (*page.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fid, ok := p.pageTable[id]; ok {
		f := p.frames[fid]
		f.Pin()
		p.replacer.RecordAccess(fid)
		p.replacer.SetEvictable(fid, false)
		return f, nil
	}

	pg, ok := p.allocator.Read(id)
	if !ok {
		return nil, dberrors.Newf("fetch page %s: no such page", id)
	}

	fid, err := p.allocFrameLocked()
	if err != nil {
		return nil, err
	}

	frame := page.NewFrame(id, pg)
	frame.Pin()
	p.frames[fid] = frame
	p.pageTable[id] = fid
	p.replacer.RecordAccess(fid)
	p.replacer.SetEvictable(fid, false)
	p.log.Debugw("fetched page", "page_id", int64(id), "frame_id", int(fid))
	return frame, nil
}

// NewPage reserves a fresh page id, builds its page via factory, and
// returns it pinned in a frame. factory receives the reserved id so the
// constructed page can carry its own identity (as BTreePage does).
func (p *Pool) NewPage(factory func(primitives.PageID) page.Page) (*page.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, err := p.allocFrameLocked()
	if err != nil {
		return nil, err
	}

	id := p.allocator.Reserve()
	pg := factory(id)
	p.allocator.Write(id, pg)

	frame := page.NewFrame(id, pg)
	frame.Pin()
	p.frames[fid] = frame
	p.pageTable[id] = fid
	p.replacer.RecordAccess(fid)
	p.replacer.SetEvictable(fid, false)
	p.log.Debugw("allocated page", "page_id", int64(id), "frame_id", int(fid))
	return frame, nil
}

// UnpinPage releases one pin on id. dirty marks the page as modified; the
// frame becomes evictable once its pin count drops to zero.
func (p *Pool) UnpinPage(id primitives.PageID, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, ok := p.pageTable[id]
	if !ok {
		return dberrors.Newf("unpin page %s: not resident", id)
	}
	f := p.frames[fid]
	if dirty {
		f.Page().MarkDirty(true)
	}
	remaining := f.Unpin()
	dberrors.Assertf(remaining >= 0, "page %s unpinned more times than pinned", id)
	if remaining == 0 {
		p.replacer.SetEvictable(fid, true)
	}
	return nil
}

// DeletePage removes id from the buffer pool and its backing store. It
// fails if the page is still pinned.
func (p *Pool) DeletePage(id primitives.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, resident := p.pageTable[id]
	if !resident {
		p.allocator.Free(id)
		return nil
	}
	f := p.frames[fid]
	if f.PinCount() > 0 {
		return dberrors.Newf("delete page %s: still pinned", id)
	}
	p.replacer.Remove(fid)
	delete(p.pageTable, id)
	p.frames[fid] = nil
	p.freeList = append(p.freeList, fid)
	p.allocator.Free(id)
	return nil
}

// allocFrameLocked returns a free frame id, evicting a victim via the
// replacer (and writing it back if dirty) when the pool is full. Callers
// must hold p.mu.
func (p *Pool) allocFrameLocked() (primitives.FrameID, error) {
	if n := len(p.freeList); n > 0 {
		fid := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return fid, nil
	}

	fid, ok := p.replacer.Evict()
	if !ok {
		return 0, dberrors.Newf("buffer pool exhausted: no evictable frame")
	}
	victim := p.frames[fid]
	if victim.Page().IsDirty() {
		p.allocator.Write(victim.PageID(), victim.Page())
	}
	delete(p.pageTable, victim.PageID())
	p.frames[fid] = nil
	p.log.Debugw("evicted page", "page_id", int64(victim.PageID()), "frame_id", int(fid))
	return fid, nil
}
