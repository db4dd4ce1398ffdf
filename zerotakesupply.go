package vmo

import "github.com/ryogrid/cowvmo/interfaces"

// ZeroRange implements spec.md §4.c "zero_range" / §4.c.1: the strategy
// cascade that makes a range read as zero as cheaply as possible.
// Grounded on the teacher's BufMgr.NewPage fast-path, which prefers
// reusing an already-free slot before ever touching the allocator; here
// the cheapest path (dropping the slot outright) is likewise tried
// before anything that costs a marker, a fork, or an allocation.
func (n *Node) ZeroRange(r Range, dirtyTrack bool, d *DeferredOps) (zeroedLen uint64, req *interfaces.PageRequest, err error) {
	const op = "ZeroRange"
	if err := n.checkAligned(op, r); err != nil {
		return 0, nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	for off := r.Offset; off < r.end(); off += n.pageSize {
		e := n.pageList.Lookup(off)

		switch {
		case e == nil && n.parent == nil && !n.preservesContent():
			// Strategy 1: no source, no parent, nothing pinned: already
			// reads zero, nothing to do.

		case e != nil && e.Kind == EntryParentContent:
			// Strategy 2: decrement the ancestor's share count and empty
			// the slot, producing zero without a marker.
			if owner, rel := (&LookupCursor{target: n}).findOwner(n.parent, n.parentOffset+off); owner != nil {
				if pe := owner.pageList.Lookup(rel); pe != nil && pe.Kind == EntryPage && pe.Page.ShareCount > 0 {
					pe.Page.ShareCount--
				}
			}
			n.pageList.Set(off, nil)

		case e != nil && e.Kind == EntryMarker:
			// Strategy 3: already a clean marker, nothing to do.

		case n.parent != nil && off < n.parentLimit && e == nil:
			// Strategy 4: the child sees through to its parent here;
			// insert a marker (whatever the parent holds) rather than
			// materializing a page.
			n.pageList.Set(off, markerEntry())

		default:
			// Strategy 5: drop an owned page (leaving a marker where the
			// child would otherwise see its parent), or (content-preserving
			// nodes) install a dirty zero interval.
			if n.preservesContent() {
				if e != nil && e.Kind == EntryPage {
					n.pageList.ReplacePageWithZeroInterval(off, Dirty)
					n.freePageLocked(d, e.Page)
				} else if !n.pageList.IsOffsetInZeroInterval(off) {
					if err := n.pageList.AddZeroInterval(off, off, Dirty); err != nil {
						return zeroedLen, nil, err
					}
				}
			} else {
				if e != nil && e.Kind == EntryPage {
					if e.Page.PinCount > 0 {
						return zeroedLen, nil, newErr(op, BadState, "pinned page at offset %d", off)
					}
					n.pageList.RemoveContent(off)
					n.freePageLocked(d, e.Page)
					if n.parent != nil && off < n.parentLimit {
						n.pageList.Set(off, markerEntry())
					}
				}
			}
		}

		zeroedLen += n.pageSize
	}

	d.AddRangeChange(r.Offset, r.Length, interfaces.OpUnmapZeroPage)
	return zeroedLen, nil, nil
}

// SpliceEntry is one element of a splice list used by take_pages /
// supply_pages to move page ownership between VMOs without a physical
// copy (spec.md §4.c).
type SpliceEntry struct {
	Offset uint64
	Page   *Page
	Ref    *Reference
}

// TakePages implements spec.md §4.c "take_pages": root anonymous only.
func (n *Node) TakePages(r Range, d *DeferredOps) (taken []SpliceEntry, err error) {
	const op = "TakePages"
	if err := n.checkAligned(op, r); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.parent != nil || n.pageSource != nil {
		return nil, newErr(op, NotSupported, "take_pages requires a rootless anonymous node")
	}

	pinned := false
	n.pageList.ForEveryPageAndGapInRange(func(off uint64, e *Entry) error {
		if e.Kind == EntryPage && e.Page.PinCount > 0 {
			pinned = true
		}
		return nil
	}, nil, r.Offset, r.end())
	if pinned {
		return nil, newErr(op, BadState, "pinned page in range")
	}

	n.pageList.RemovePages(func(off uint64, e *Entry) {
		switch e.Kind {
		case EntryPage:
			taken = append(taken, SpliceEntry{Offset: off, Page: e.Page})
		case EntryReference:
			taken = append(taken, SpliceEntry{Offset: off, Ref: e.Ref})
		}
	}, r.Offset, r.end())

	d.AddRangeChange(r.Offset, r.Length, interfaces.OpUnmap)
	return taken, nil
}

// SupplyOptions controls whether supply_pages may overwrite existing
// non-zero content (spec.md §4.c, §4.f "CanOverwriteContent").
type SupplyOptions uint8

const (
	SupplyIntoEmptyOnly SupplyOptions = iota
	SupplyTransferData
)

// SupplyPages implements spec.md §4.c "supply_pages": installs pages
// from a splice list into empty slots, or overwrites non-zero content
// if options == SupplyTransferData.
func (n *Node) SupplyPages(r Range, splice []SpliceEntry, options SupplyOptions, d *DeferredOps) error {
	const op = "SupplyPages"
	if err := n.checkAligned(op, r); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pageSource != nil && n.pageSource.IsDetached() {
		return newErr(op, BadState, "page source detached")
	}

	for _, s := range splice {
		if s.Offset < r.Offset || s.Offset >= r.end() {
			return newErr(op, OutOfRange, "splice offset %d outside range %+v", s.Offset, r)
		}
		existing := n.pageList.Lookup(s.Offset)
		if existing.IsContent() && options != SupplyTransferData {
			return newErr(op, BadState, "offset %d already has content", s.Offset)
		}
		if existing.IsContent() && options == SupplyTransferData {
			if existing.Kind == EntryPage {
				n.freePageLocked(d, existing.Page)
			}
		}
		switch {
		case s.Page != nil:
			s.Page.BacklinkNode = n
			s.Page.BacklinkOffset = s.Offset
			if n.preservesContent() {
				s.Page.DirtyState = Clean
			}
			n.pageList.Set(s.Offset, pageEntry(s.Page))
		case s.Ref != nil:
			n.pageList.Set(s.Offset, referenceEntry(s.Ref))
		}
	}

	if n.pageSource != nil {
		n.pageSource.OnPagesSupplied(r.Offset, r.Length)
	}
	return nil
}
