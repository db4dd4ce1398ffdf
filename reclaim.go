package vmo

import "github.com/ryogrid/cowvmo/interfaces"

// EvictionAction is the spec.md §4.f reclaim hint tag.
type EvictionAction uint8

const (
	EvictionFollowHeuristics EvictionAction = iota
	// EvictionRequire bypasses some heuristics but still refuses on
	// Dirty, pinned, or !Clean. Whether it should trigger a forced
	// writeback is explicitly left unresolved (DESIGN.md).
	EvictionRequire
)

// ReclaimCounts tracks how many pages a reclaim pass disposed of by
// strategy, mirroring spec.md §4.f "counters returned so the reclaimer
// can keep accurate eviction/compression/discard statistics."
type ReclaimCounts struct {
	Evicted    uint64
	Compressed uint64
	Discarded  uint64
}

// ReclaimPage implements spec.md §4.f "reclaim_page": dispatches to
// evict, compress, or discard depending on the node's configuration.
// Grounded on the teacher's BufMgr eviction sweep in bufmgr.go (the
// pin-count-gated victim scan in EvictPage), generalized from a single
// strategy to the spec's three-way policy dispatch.
func (n *Node) ReclaimPage(p *Page, off uint64, hint EvictionAction, compressor interfaces.Compressor, d *DeferredOps) (ReclaimCounts, error) {
	const op = "ReclaimPage"
	n.mu.Lock()
	defer n.mu.Unlock()

	e := n.pageList.Lookup(off)
	if e == nil || e.Kind != EntryPage || e.Page != p {
		e2 := e
		if e2 != nil && e2.Kind == EntryPage {
			e2.Page.accessed = true
		}
		return ReclaimCounts{}, newErr(op, BadState, "page no longer attributed to node %s at offset %d", n.id, off)
	}

	// Clear the access bit picked up by ordinary lookups so only a touch
	// that races with this very reclaim attempt can abort it below; the
	// node lock is held for the whole call, so in practice this always
	// survives unless a future caller splits ReclaimPage across a yield.
	p.accessed = false

	switch {
	case n.rootSource() != nil:
		return n.evictLocked(p, off, hint, d)
	case n.discardableTracker != nil:
		return n.discardLocked(p, off, d)
	case n.discardableTracker == nil && !n.options.has(OptCannotDecommitZeroPages):
		return n.compressLocked(p, off, compressor, d)
	default:
		p.accessed = true
		return ReclaimCounts{}, newErr(op, NotSupported, "no applicable reclaim strategy for node %s", n.id)
	}
}

func (n *Node) refuseLocked(p *Page, hint EvictionAction) error {
	if p.PinCount > 0 {
		p.accessed = true
		return newErr("ReclaimPage", BadState, "page pinned")
	}
	if p.DirtyState != Untracked && p.DirtyState != Clean {
		p.accessed = true
		return newErr("ReclaimPage", BadState, "page not Clean")
	}
	if hint != EvictionRequire {
		if p.AlwaysNeed {
			p.accessed = true
			return newErr("ReclaimPage", BadState, "page marked always_need")
		}
		if p.highPriority {
			p.accessed = true
			return newErr("ReclaimPage", BadState, "page is high priority")
		}
	}
	return nil
}

func (n *Node) evictLocked(p *Page, off uint64, hint EvictionAction, d *DeferredOps) (ReclaimCounts, error) {
	if err := n.refuseLocked(p, hint); err != nil {
		return ReclaimCounts{}, err
	}
	d.AddRangeChange(off, n.pageSize, interfaces.OpUnmapAndHarvest)
	if p.accessed {
		return ReclaimCounts{}, newErr("ReclaimPage", BadState, "accessed since call, skipped")
	}
	n.pageList.RemoveContent(off)
	n.freePageLocked(d, p)
	n.metrics.EvictedPages.Inc()
	return ReclaimCounts{Evicted: 1}, nil
}

func (n *Node) compressLocked(p *Page, off uint64, compressor interfaces.Compressor, d *DeferredOps) (ReclaimCounts, error) {
	if compressor == nil {
		return ReclaimCounts{}, newErr("ReclaimPage", NotSupported, "no compressor attached")
	}
	if err := n.refuseLocked(p, EvictionFollowHeuristics); err != nil {
		return ReclaimCounts{}, err
	}
	d.AddRangeChange(off, n.pageSize, interfaces.OpUnmapAndHarvest)
	if p.accessed {
		return ReclaimCounts{}, newErr("ReclaimPage", BadState, "accessed since call, skipped")
	}

	if err := compressor.Arm(); err != nil {
		return ReclaimCounts{}, newErr("ReclaimPage", NoMemory, "compressor arm: %v", err)
	}
	tempRef, err := compressor.Start(p.Page, 0)
	if err != nil {
		return ReclaimCounts{}, newErr("ReclaimPage", NoMemory, "compressor start: %v", err)
	}
	n.pageList.Set(off, referenceEntry(&Reference{Token: tempRef.Token}))

	// Compression itself runs outside the node lock in a real
	// implementation (cancellable, potentially slow); here the scope is
	// the node operation itself, so the actual Compress call happens
	// synchronously but the reconciliation step below still re-validates
	// the slot exactly as the spec requires, since a concurrent
	// requireOwnedPage could have raced and replaced it.
	if err := compressor.Compress(); err != nil {
		n.pageList.Set(off, pageEntry(p))
		compressor.Finalize()
		return ReclaimCounts{}, newErr("ReclaimPage", NoMemory, "compress: %v", err)
	}
	outcome, err := compressor.TakeCompressionResult()
	if err != nil {
		n.pageList.Set(off, pageEntry(p))
		compressor.Finalize()
		return ReclaimCounts{}, err
	}

	cur := n.pageList.Lookup(off)
	if cur == nil || cur.Kind != EntryReference || cur.Ref.Token != tempRef.Token {
		// Raced: someone else already reestablished content here. Drop
		// the compression result and leave the VMO alone.
		compressor.Finalize()
		return ReclaimCounts{}, nil
	}

	switch outcome.Kind {
	case interfaces.CompressionReference:
		n.pageList.Set(off, referenceEntry(&Reference{Token: outcome.Ref.Token}))
	case interfaces.CompressionZero:
		n.pageList.RemoveContent(off)
		n.pageList.Set(off, markerEntry())
	default:
		n.pageList.Set(off, pageEntry(p))
		compressor.Finalize()
		return ReclaimCounts{}, newErr("ReclaimPage", BadState, "compression failed")
	}
	n.freePageLocked(d, p)
	compressor.Finalize()
	n.metrics.CompressedPages.Inc()
	return ReclaimCounts{Compressed: 1}, nil
}

func (n *Node) discardLocked(p *Page, off uint64, d *DeferredOps) (ReclaimCounts, error) {
	if !n.discardableTracker.IsEligibleForReclamation() {
		return ReclaimCounts{}, newErr("ReclaimPage", BadState, "node not eligible for discard")
	}
	first := true
	n.pageList.ForEveryPageAndGapInRange(func(o uint64, e *Entry) error {
		if o < off {
			first = false
		}
		return nil
	}, nil, 0, off)
	if !first {
		return ReclaimCounts{}, newErr("ReclaimPage", BadState, "page is not the first page of the node")
	}

	count := uint64(0)
	n.pageList.RemovePages(func(o uint64, e *Entry) {
		count++
		n.freePageLocked(d, e.Page)
	}, 0, n.size)
	n.discardableTracker.SetDiscarded()
	n.metrics.DiscardedPages.Add(float64(count))
	return ReclaimCounts{Discarded: count}, nil
}

// ReplacePage implements spec.md §4.f "replace_page": unmap, allocate a
// non-loaned replacement, copy metadata and contents, install it, and
// free the old page through the pager free-list if applicable.
func (n *Node) ReplacePage(off uint64, d *DeferredOps) error {
	const op = "ReplacePage"
	n.mu.Lock()
	defer n.mu.Unlock()

	e := n.pageList.Lookup(off)
	if e == nil || e.Kind != EntryPage || !e.Page.Loaned {
		return newErr(op, NotFound, "no loaned page at offset %d", off)
	}
	d.AddRangeChange(off, n.pageSize, interfaces.OpUnmapAndHarvest)
	return n.replaceLoanedPageLocked(off, e)
}

// ReplacePagesWithNonLoaned implements spec.md §4.f
// "replace_pages_with_non_loaned" as a ranged wrapper over ReplacePage.
func (n *Node) ReplacePagesWithNonLoaned(r Range, d *DeferredOps) (replaced uint64, err error) {
	const op = "ReplacePagesWithNonLoaned"
	if err := n.checkAligned(op, r); err != nil {
		return 0, err
	}
	for off := r.Offset; off < r.end(); off += n.pageSize {
		n.mu.Lock()
		e := n.pageList.Lookup(off)
		if e == nil || e.Kind != EntryPage || !e.Page.Loaned {
			n.mu.Unlock()
			continue
		}
		d.AddRangeChange(off, n.pageSize, interfaces.OpUnmapAndHarvest)
		if err := n.replaceLoanedPageLocked(off, e); err != nil {
			n.mu.Unlock()
			return replaced, err
		}
		replaced++
		n.mu.Unlock()
	}
	return replaced, nil
}
