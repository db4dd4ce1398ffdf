package vmo

import (
	"github.com/google/uuid"
	"github.com/ryogrid/cowvmo/interfaces"
)

// LookupCursor walks the hierarchy to resolve an offset to readable or
// owned content, forking/allocating/faulting as needed (spec.md §4.d).
// Grounded on the teacher's BufMgr.PageFetch drill-down loop in
// bufmgr.go, which walks from the root re-checking level on each step
// and restarts when the level it lands on doesn't match what it expected
// — the same "walk, validate, possibly redo" shape LookupCursor uses to
// walk from target up through owners.
type LookupCursor struct {
	target *Node
	end    uint64
	offset uint64

	owner       *Node
	ownerOffset uint64
	visibleEnd  uint64

	markAccessed bool
	zeroFork     bool
	allocList    []*Page

	pendingRequest *interfaces.PageRequest
}

func NewLookupCursor(target *Node, r Range) *LookupCursor {
	return &LookupCursor{
		target:       target,
		offset:       r.Offset,
		end:          r.end(),
		markAccessed: true,
		zeroFork:     true,
	}
}

// findOwner walks target's parent chain looking for the first node that
// owns content at the projected offset (spec.md §4.d "owner").
func (c *LookupCursor) findOwner(target *Node, off uint64) (*Node, uint64) {
	n := target
	rel := off
	for {
		if e := n.pageList.Lookup(rel); e != nil && (e.Kind == EntryPage || e.Kind == EntryReference) {
			return n, rel
		}
		if n.parent == nil || rel >= n.parentLimit {
			return nil, 0
		}
		rel = n.parentOffset + rel
		n = n.parent
	}
}

// maybePage is the fast path of spec.md §4.d "maybe_page": returns a page
// only if immediately usable without allocation, dirty trap, or fork.
func (c *LookupCursor) maybePage(willWrite bool) *Page {
	owner, rel := c.findOwner(c.target, c.offset)
	if owner == nil {
		return nil
	}
	e := owner.pageList.Lookup(rel)
	if e == nil || e.Kind != EntryPage {
		return nil
	}
	if willWrite {
		if owner != c.target {
			return nil // would require a fork
		}
		if e.Page.Loaned || (c.target.preservesContent() && e.Page.DirtyState == Clean) {
			return nil
		}
	}
	if c.markAccessed {
		e.Page.accessed = true
		if c.target.pmm != nil {
			c.target.pmm.Queues().MarkAccessed(e.Page.Page)
		}
	}
	return e.Page
}

// skipMissingPages implements spec.md §4.d "skip_missing_pages".
func (c *LookupCursor) skipMissingPages() uint64 {
	n := uint64(0)
	for off := c.offset; off < c.end; off += c.target.pageSize {
		if owner, rel := c.findOwner(c.target, off); owner != nil {
			if e := owner.pageList.Lookup(rel); e != nil && e.Kind == EntryPage {
				break
			}
		}
		n++
	}
	return n
}

// ifExistPages implements spec.md §4.d "if_exist_pages": vectorized fast
// path, filling contiguous physical addresses while every one is
// immediately usable.
func (c *LookupCursor) ifExistPages(willWrite bool, maxPages int, out []uint64) int {
	n := 0
	off := c.offset
	for n < maxPages && off < c.end {
		save := c.offset
		c.offset = off
		p := c.maybePage(willWrite)
		c.offset = save
		if p == nil {
			break
		}
		out[n] = p.Paddr
		n++
		off += c.target.pageSize
	}
	return n
}

// requirePage dispatches to requireOwnedPage/requireReadPage per spec.md
// §4.d "require_page".
func (c *LookupCursor) requirePage(willWrite bool, maxRequestPages int, d *DeferredOps) (*Page, bool, error) {
	if willWrite {
		return c.requireOwnedPage(maxRequestPages, d)
	}
	return c.requireReadPage(maxRequestPages, d)
}

// requireReadPage implements spec.md §4.d "require_read_page": any
// readable page, possibly owned by an ancestor, or the zero page.
func (c *LookupCursor) requireReadPage(maxRequestPages int, d *DeferredOps) (*Page, bool, error) {
	if p := c.maybePage(false); p != nil {
		return p, false, nil
	}

	owner, rel := c.findOwner(c.target, c.offset)
	if owner != nil {
		e := owner.pageList.Lookup(rel)
		if e != nil && e.Kind == EntryReference {
			return c.decompress(owner, rel, e)
		}
	}

	root := c.target
	for root.parent != nil {
		root = root.parent
	}
	if root.pageSource != nil {
		// Zero-content but backed by a pager: ask for it.
		if c.target.pageList.IsOffsetInZeroInterval(c.offset) || c.target.pageList.Lookup(c.offset) == nil {
			return nil, false, c.requestRead(maxRequestPages)
		}
	}

	// No source, no ancestor content: zero is the answer. No page is
	// returned and nothing is allocated or recorded; a nil page stands
	// for zero content.
	return nil, false, nil
}

// requireOwnedPage implements spec.md §4.d "require_owned_page": resolve
// a page owned by target, forking/allocating as necessary.
func (c *LookupCursor) requireOwnedPage(maxRequestPages int, d *DeferredOps) (*Page, bool, error) {
	target := c.target

	if e := target.pageList.Lookup(c.offset); e != nil && e.Kind == EntryPage {
		p := e.Page
		if p.Loaned {
			if err := target.replaceLoanedPageLocked(c.offset, e); err != nil {
				return nil, false, err
			}
			p = e.Page
		}
		if target.preservesContent() && p.DirtyState == Clean {
			if target.trapsDirtyTransitions() {
				return nil, false, c.requestDirty(maxRequestPages)
			}
			p.DirtyState = Dirty
		}
		if c.markAccessed {
			p.accessed = true
		}
		return p, true, nil
	}

	if e := target.pageList.Lookup(c.offset); e != nil && e.Kind == EntryReference {
		if _, _, err := c.decompress(target, c.offset, e); err != nil {
			return nil, false, err
		}
		return c.requireOwnedPage(maxRequestPages, d)
	}

	owner, rel := c.findOwner(target, c.offset)
	if owner != nil && owner != target {
		return c.forkFromOwner(owner, rel, d)
	}

	// Genuinely empty (or a marker/interval interior): the target owns a
	// conceptual zero page here. If the root is a content-preserving
	// pager and will be written, a dirty request may be required before
	// allocating the backing page.
	root := target
	for root.parent != nil {
		root = root.parent
	}
	if root.pageSource != nil && target.preservesContent() && target.trapsDirtyTransitions() {
		return nil, false, c.requestDirty(maxRequestPages)
	}
	if root.pageSource != nil && target.pageList.Lookup(c.offset) == nil && !target.pageList.IsOffsetInZeroInterval(c.offset) {
		// No local record at all in a pager tree: content must be
		// fetched before it can be made writable.
		if e := target.pageList.Lookup(c.offset); e == nil {
			return nil, false, c.requestRead(maxRequestPages)
		}
	}

	return c.allocateZeroFilled(target, d)
}

func (c *LookupCursor) allocateZeroFilled(target *Node, d *DeferredOps) (*Page, bool, error) {
	if target.pmm == nil {
		return nil, false, newErr("requireOwnedPage", NoMemory, "node has no PMM attached")
	}
	raw, err := target.pmm.AllocPage(target.pmmAllocFlags)
	if err != nil {
		return nil, false, newErr("requireOwnedPage", NoMemory, "pmm alloc: %v", err)
	}
	p := &Page{Page: raw, BacklinkNode: target, BacklinkOffset: c.offset}
	if target.preservesContent() {
		p.DirtyState = Dirty
	}
	if target.pageList.IsOffsetInZeroInterval(c.offset) {
		target.pageList.PopulateSlotsInInterval(c.offset, c.offset)
	}
	target.pageList.Set(c.offset, pageEntry(p))
	if c.markAccessed {
		p.accessed = true
	}
	return p, true, nil
}

// decompress resolves a Reference entry back into a Page, installing it
// in owner's page list in place of the reference (spec.md §6 "Compressor
// .decompress").
func (c *LookupCursor) decompress(owner *Node, off uint64, e *Entry) (*Page, bool, error) {
	if owner.compressor == nil {
		return nil, false, newErr("decompress", NotSupported, "no compressor attached to owner %s", owner.id)
	}
	if owner.pmm == nil {
		return nil, false, newErr("decompress", NoMemory, "owner %s has no pmm attached", owner.id)
	}
	raw, err := owner.pmm.AllocPage(owner.pmmAllocFlags)
	if err != nil {
		return nil, false, newErr("decompress", NoMemory, "pmm alloc: %v", err)
	}
	ref := interfaces.CompressedRef{Token: e.Ref.Token}
	if _, err := owner.compressor.Decompress(ref, raw.Data); err != nil {
		_ = owner.pmm.FreePage(raw)
		return nil, false, newErr("decompress", BadState, "decompress token %s: %v", e.Ref.Token, err)
	}
	p := &Page{Page: raw, BacklinkNode: owner, BacklinkOffset: off, ShareCount: e.Ref.ShareCount}
	if owner.preservesContent() {
		p.DirtyState = Clean
	}
	owner.pageList.Set(off, pageEntry(p))
	return p, false, nil
}

// forkFromOwner copies an ancestor-owned page down into target,
// decrementing the ancestor's share count (spec.md §4.e step 5 "lazily
// via FindPageContent during reads/writes").
func (c *LookupCursor) forkFromOwner(owner *Node, ownerOff uint64, d *DeferredOps) (*Page, bool, error) {
	target := c.target
	e := owner.pageList.Lookup(ownerOff)
	if e == nil || e.Kind != EntryPage {
		return nil, false, newErr("forkFromOwner", BadState, "owner lost content at %d", ownerOff)
	}

	if target.pmm == nil {
		return nil, false, newErr("forkFromOwner", NoMemory, "node has no PMM attached")
	}
	raw, err := target.pmm.AllocPage(target.pmmAllocFlags)
	if err != nil {
		return nil, false, newErr("forkFromOwner", NoMemory, "pmm alloc: %v", err)
	}
	copy(raw.Data, e.Page.Data)

	newPage := &Page{Page: raw, BacklinkNode: target, BacklinkOffset: c.offset}
	if target.preservesContent() {
		newPage.DirtyState = Dirty
	}
	target.pageList.Set(c.offset, pageEntry(newPage))

	if owner.IsHidden() && e.Page.ShareCount > 0 {
		e.Page.ShareCount--
	}
	return newPage, true, nil
}

func (c *LookupCursor) requestRead(maxRequestPages int) error {
	root := c.target
	for root.parent != nil {
		root = root.parent
	}
	if root.pageSource == nil {
		return newErr("requireReadPage", NotFound, "no page source to read from")
	}
	length := maxRequestPages
	if length <= 0 {
		length = 1
	}
	req := interfaces.NewPageRequest(uuid.NewString(), c.offset, uint64(length)*c.target.pageSize)
	c.pendingRequest = req
	if err := root.pageSource.GetPages(c.offset, req.Length, req, interfaces.VmoInfo{RootID: root.id, Size: root.size}); err != nil {
		return err
	}
	return newErr("requireReadPage", ShouldWait, "awaiting page source supply at %d", c.offset)
}

func (c *LookupCursor) requestDirty(maxRequestPages int) error {
	root := c.target
	for root.parent != nil {
		root = root.parent
	}
	length := maxRequestPages
	if length <= 0 {
		length = 1
	}
	req := interfaces.NewPageRequest(uuid.NewString(), c.offset, uint64(length)*c.target.pageSize)
	c.pendingRequest = req
	if err := root.pageSource.RequestDirtyTransition(req, c.offset, req.Length, interfaces.VmoInfo{RootID: root.id, Size: root.size}); err != nil {
		return err
	}
	return newErr("requireOwnedPage", ShouldWait, "awaiting dirty trap at %d", c.offset)
}

// replaceLoanedPageLocked implements the write-path policy of spec.md
// §4.d: a writable owned page must not be loaned.
func (n *Node) replaceLoanedPageLocked(off uint64, e *Entry) error {
	if n.pmm == nil {
		return newErr("replaceLoanedPage", NoMemory, "node has no PMM attached")
	}
	raw, err := n.pmm.AllocPage(n.pmmAllocFlags)
	if err != nil {
		return newErr("replaceLoanedPage", NoMemory, "pmm alloc: %v", err)
	}
	copy(raw.Data, e.Page.Data)
	old := e.Page
	e.Page = &Page{
		Page:           raw,
		BacklinkNode:   old.BacklinkNode,
		BacklinkOffset: old.BacklinkOffset,
		ShareCount:     old.ShareCount,
		PinCount:       old.PinCount,
		AlwaysNeed:     old.AlwaysNeed,
		DirtyState:     old.DirtyState,
	}
	if n.pmm != nil {
		_ = n.pmm.FreePage(old.Page)
	}
	n.metrics.LoanReplacedPages.Inc()
	return nil
}
