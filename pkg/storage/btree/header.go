package btree

import "txnkernel/pkg/primitives"

// headerPage is the fixed well-known page persisting {index_name ->
// root_page_id}, updated on every root change (§6). It is a page.Page
// like any leaf/internal page so the buffer pool manages it uniformly,
// but it never participates in traversal.
type headerPage struct {
	id        primitives.PageID
	indexName string
	rootID    primitives.PageID
	dirty     bool
}

func newHeaderPage(id primitives.PageID, indexName string, rootID primitives.PageID) *headerPage {
	return &headerPage{id: id, indexName: indexName, rootID: rootID}
}

func (h *headerPage) ID() primitives.PageID { return h.id }
func (h *headerPage) IsDirty() bool         { return h.dirty }
func (h *headerPage) MarkDirty(d bool)      { h.dirty = d }
