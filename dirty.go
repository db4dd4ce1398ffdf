package vmo

import "github.com/ryogrid/cowvmo/interfaces"

// DirtyPages implements spec.md §4.c "dirty_pages": marks a contiguous
// run Dirty atomically, turning zero markers and intervals into newly
// allocated Dirty pages. Grounded on the teacher's BufMgr.FlushPage,
// which is the teacher's one "this slot's state must change atomically
// under the node's lock or not at all" operation.
func (n *Node) DirtyPages(r Range, allocList []*Page) (*interfaces.PageRequest, error) {
	const op = "DirtyPages"
	if err := n.checkAligned(op, r); err != nil {
		return nil, err
	}
	if !n.preservesContent() {
		return nil, newErr(op, NotSupported, "node does not preserve content")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.trapsDirtyTransitions() {
		cur := NewLookupCursor(n, r)
		for cur.offset < r.end() {
			e := n.pageList.Lookup(cur.offset)
			if e == nil || e.Kind != EntryPage || e.Page.DirtyState != Clean {
				cur.offset += n.pageSize
				continue
			}
			if err := cur.requestDirty(0); err != nil {
				if k, ok := KindOf(err); ok && k == ShouldWait {
					root := n.rootSource()
					if root != nil {
						root.OnPagesFailed(r.Offset, r.Length, newErr(op, BadState, "superseded by new dirty_pages call"))
					}
					return cur.pendingRequest, err
				}
				return nil, err
			}
		}
	}

	allocIdx := 0
	takeAlloc := func() *Page {
		if allocIdx < len(allocList) {
			p := allocList[allocIdx]
			allocIdx++
			return p
		}
		return nil
	}

	for off := r.Offset; off < r.end(); off += n.pageSize {
		e := n.pageList.Lookup(off)
		switch {
		case e != nil && e.Kind == EntryPage:
			e.Page.DirtyState = Dirty
		case e == nil || e.Kind == EntryMarker || e.Kind == EntryParentContent || e.IsInterval():
			p := takeAlloc()
			if p == nil {
				if n.pmm == nil {
					return nil, newErr(op, NoMemory, "no pmm and allocList exhausted at offset %d", off)
				}
				raw, err := n.pmm.AllocPage(n.pmmAllocFlags)
				if err != nil {
					return nil, newErr(op, NoMemory, "pmm alloc at offset %d: %v", off, err)
				}
				p = &Page{Page: raw, BacklinkNode: n, BacklinkOffset: off}
			} else {
				p.BacklinkNode = n
				p.BacklinkOffset = off
			}
			p.DirtyState = Dirty
			if n.pageList.IsOffsetInZeroInterval(off) {
				n.pageList.PopulateSlotsInInterval(off, off)
			}
			n.pageList.Set(off, pageEntry(p))
		}
	}
	n.metrics.DirtyPages.Add(float64(r.Length / n.pageSize))
	return nil, nil
}

// EnumerateDirtyRanges implements spec.md §4.c "enumerate_dirty_ranges".
func (n *Node) EnumerateDirtyRanges(r Range, fn func(off, length uint64, isZeroRange bool) error) error {
	const op = "EnumerateDirtyRanges"
	if !n.preservesContent() {
		return newErr(op, NotSupported, "node does not preserve content")
	}
	if err := n.checkAligned(op, r); err != nil {
		return err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()

	type run struct {
		start, end uint64
		isZero     bool
	}
	var runs []run
	addPage := func(off uint64) {
		if len(runs) > 0 {
			last := &runs[len(runs)-1]
			if !last.isZero && last.end == off {
				last.end = off + n.pageSize
				return
			}
		}
		runs = append(runs, run{start: off, end: off + n.pageSize, isZero: false})
	}
	addZero := func(start, end uint64) {
		if len(runs) > 0 {
			last := &runs[len(runs)-1]
			if last.isZero && last.end == start {
				last.end = end
				return
			}
		}
		runs = append(runs, run{start: start, end: end, isZero: true})
	}

	for _, iv := range n.pageList.Intervals() {
		lo, hi := iv.start, iv.end+n.pageSize
		if hi <= r.Offset || lo >= r.end() {
			continue
		}
		if iv.dirty == Dirty || iv.dirty == AwaitingClean {
			if lo < r.Offset {
				lo = r.Offset
			}
			if hi > r.end() {
				hi = r.end()
			}
			addZero(lo, hi)
		}
	}

	n.pageList.ForEveryPageAndGapInRange(func(off uint64, e *Entry) error {
		if e.Kind == EntryPage && (e.Page.DirtyState == Dirty || e.Page.DirtyState == AwaitingClean) {
			addPage(off)
		}
		return nil
	}, nil, r.Offset, r.end())

	for _, rn := range runs {
		if err := fn(rn.start, rn.end-rn.start, rn.isZero); err != nil {
			return err
		}
	}
	return nil
}

// WritebackBegin implements spec.md §4.c "writeback_begin": Dirty ->
// AwaitingClean, skipping pinned pages, and (for zero ranges) leaving
// committed pages untouched.
func (n *Node) WritebackBegin(r Range, isZeroRange bool, d *DeferredOps) error {
	const op = "WritebackBegin"
	if !n.preservesContent() {
		return newErr(op, NotSupported, "node does not preserve content")
	}
	if err := n.checkAligned(op, r); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if !isZeroRange {
		n.pageList.ForEveryPageAndGapInRange(func(off uint64, e *Entry) error {
			if e.Kind != EntryPage || e.Page.PinCount > 0 {
				return nil
			}
			if e.Page.DirtyState == Dirty {
				e.Page.DirtyState = AwaitingClean
			}
			return nil
		}, nil, r.Offset, r.end())
	}

	n.pageList.MarkIntervalsAwaitingClean(r.Offset, r.end())

	if d != nil {
		d.AddRangeChange(r.Offset, r.Length, interfaces.OpRemoveWrite)
	}
	return nil
}

// WritebackEnd implements spec.md §4.c "writeback_end": AwaitingClean ->
// Clean, removing fully-cleaned intervals and clipping partially-cleaned
// interval starts.
func (n *Node) WritebackEnd(r Range) error {
	const op = "WritebackEnd"
	if !n.preservesContent() {
		return newErr(op, NotSupported, "node does not preserve content")
	}
	if err := n.checkAligned(op, r); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	n.pageList.ForEveryPageAndGapInRange(func(off uint64, e *Entry) error {
		if e.Kind == EntryPage && e.Page.DirtyState == AwaitingClean {
			e.Page.DirtyState = Clean
		}
		return nil
	}, nil, r.Offset, r.end())

	n.pageList.ResolveAwaitingCleanIntervals(r.Offset, r.end())
	return nil
}
