package vmo

import "github.com/ryogrid/cowvmo/interfaces"

// DeferredOps is a stack-scoped object constructed without the node lock
// held, whose Close runs after the node lock is released (spec.md §4.h,
// §9). It batches freed pages and range-change notifications so the
// mapping layer and PMM are touched outside the node's critical section,
// and (for pager-rooted hierarchies) holds the hierarchy lock for the
// whole operation so user space never observes a partial tree mutation.
//
// Grounded on the teacher's acquire-then-`defer`-release idiom used
// throughout bufmgr.go (e.g. `defer mgr.hashTable[hashIdx].latch.
// SpinReleaseWrite()`), generalized from a single bare defer into a
// struct because this scope must also batch work, not just release a
// lock.
type DeferredOps struct {
	pmm      interfaces.PMM
	mappings interfaces.MappingInvalidator

	freedPages []*interfaces.Page
	updates    []interfaces.RangeChangeUpdate

	hierarchy *interfaces.PagerHierarchyLock
	source    interfaces.PageSource
}

// NewDeferredOps constructs a scope for a single mutating operation on
// root. If root's hierarchy has a page source, its hierarchy lock is
// acquired immediately and released by Close.
func NewDeferredOps(root *Node, pmm interfaces.PMM, mappings interfaces.MappingInvalidator) *DeferredOps {
	d := &DeferredOps{pmm: pmm, mappings: mappings}
	if root != nil && root.pageSource != nil {
		d.source = root.pageSource
		d.hierarchy = root.pageSource.HierarchyLock()
		d.hierarchy.Lock()
	}
	return d
}

// AddFreedPage queues p to be freed through the PMM once the scope closes.
func (d *DeferredOps) AddFreedPage(p *interfaces.Page) {
	d.freedPages = append(d.freedPages, p)
}

// AddRangeChange accumulates a mapping-invalidation notification,
// combining it with any existing overlapping op per the UnmapZeroPage ->
// Unmap upgrade rule.
func (d *DeferredOps) AddRangeChange(off, length uint64, op interfaces.RangeChangeOp) {
	for i := range d.updates {
		u := &d.updates[i]
		if u.Offset == off && u.Length == length {
			u.Op = u.Op.Combine(op)
			return
		}
	}
	d.updates = append(d.updates, interfaces.RangeChangeUpdate{Offset: off, Length: length, Op: op})
}

// Close flushes batched frees and range-change notifications and releases
// the hierarchy lock, in that order: mapping invalidation must observe
// the post-free state, and the hierarchy lock must outlive both so no
// concurrent mutator can race the flush.
func (d *DeferredOps) Close() {
	if len(d.freedPages) > 0 && d.pmm != nil {
		if err := d.pmm.Free(d.freedPages); err != nil {
			warnInvariant("DeferredOps.Close", "pmm free failed: %v", err)
		}
	}
	if len(d.updates) > 0 && d.mappings != nil {
		d.mappings.Invalidate(d.updates)
	}
	if d.hierarchy != nil {
		d.hierarchy.Unlock()
	}
}
