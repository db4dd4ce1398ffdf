package vmo

import "github.com/google/uuid"

// CloneType is the spec.md §4.e "SnapshotType" strategy tag.
type CloneType uint8

const (
	// CloneOnWrite is the weakest mode: lazy copy-on-write of any pages,
	// never forced bidirectional.
	CloneOnWrite CloneType = iota
	// CloneModified requires bidirectional snapshotting only if the
	// target already has a parent.
	CloneModified
	// CloneFull is the strongest: equivalent to a memcpy semantically,
	// incompatible with user-pager backing.
	CloneFull
)

// ParentAndRange is the result of find_parent_and_range_for_clone
// (spec.md §4.e): the node to attach the clone under, the offset in
// that node corresponding to the clone's range start, and whether that
// parent is already Hidden.
type ParentAndRange struct {
	Parent       *Node
	ParentOffset uint64
	IsHidden     bool
}

// findParentAndRangeForClone walks up from target as far as still
// correct: through nodes fully transparent for the requested range,
// stopping at the first node owning content in the range, the first
// non-hidden node when parentMustBeHidden, or the root.
func findParentAndRangeForClone(target *Node, r Range, parentMustBeHidden bool) ParentAndRange {
	n := target
	off := r.Offset
	for {
		ownsContent := false
		n.pageList.ForEveryPageAndGapInRange(func(o uint64, e *Entry) error {
			ownsContent = true
			return errStopWalk
		}, nil, off, off+r.Length)

		if ownsContent {
			return ParentAndRange{Parent: n, ParentOffset: off, IsHidden: n.IsHidden()}
		}
		if parentMustBeHidden && !n.IsHidden() {
			return ParentAndRange{Parent: n, ParentOffset: off, IsHidden: n.IsHidden()}
		}
		if n.parent == nil {
			return ParentAndRange{Parent: n, ParentOffset: off, IsHidden: n.IsHidden()}
		}
		off = n.parentOffset + off
		n = n.parent
	}
}

var errStopWalk = newErr("findParentAndRangeForClone", BadState, "stop")

// CreateClone implements spec.md §4.e "create_clone".
func (n *Node) CreateClone(cloneType CloneType, requireUnidirectional bool, r Range, d *DeferredOps) (*Node, error) {
	const op = "CreateClone"
	if err := n.checkAligned(op, r); err != nil {
		return nil, err
	}

	bidirectional := cloneType == CloneFull || (cloneType == CloneModified && n.parent != nil)
	if requireUnidirectional {
		if bidirectional {
			return nil, newErr(op, InvalidArgs, "clone type requires bidirectional snapshot but caller requires unidirectional")
		}
		bidirectional = false
	}
	if cloneType == CloneFull && n.pageSource != nil {
		return nil, newErr(op, NotSupported, "full snapshot incompatible with a page source root")
	}

	if bidirectional {
		n.mu.RLock()
		pinned := n.pinnedPageCount > 0
		hasSource := n.pageSource != nil
		grandparent := n.parent
		n.mu.RUnlock()
		if pinned {
			return nil, newErr(op, BadState, "cannot bidirectionally snapshot: pinned pages present")
		}
		if hasSource {
			return nil, newErr(op, NotSupported, "cannot bidirectionally snapshot: page source present")
		}

		unlock := lockNodesDescending([]*Node{n, grandparent})
		defer unlock()
		if n.rootParentOffset+r.end() < n.rootParentOffset {
			return nil, newErr(op, InvalidArgs, "offset-onto-root projection overflow")
		}
		return n.createBidirectionalSnapshot(r, grandparent, d)
	}

	n.mu.RLock()
	par := findParentAndRangeForClone(n, r, false)
	n.mu.RUnlock()

	unlock := lockNodesDescending([]*Node{n, par.Parent})
	defer unlock()
	if n.rootParentOffset+r.end() < n.rootParentOffset {
		return nil, newErr(op, InvalidArgs, "offset-onto-root projection overflow")
	}
	return n.createUnidirectionalClone(r, par, d)
}

// createBidirectionalSnapshot interposes a new hidden node as parent of
// n; both n and the new clone become its children (spec.md §4.e step 4).
// Caller already holds n's and grandparent's locks (in lock-order).
func (n *Node) createBidirectionalSnapshot(r Range, grandparent *Node, d *DeferredOps) (*Node, error) {
	hidden := &Node{
		id:          uuid.NewString(),
		pageSize:    n.pageSize,
		size:        n.size,
		options:     OptHidden,
		pageList:    NewPageList(n.pageSize),
		lifeCycle:   LifeAlive,
		lockOrder:   hiddenLockOrder(n),
		pmm:         n.pmm,
		metrics:     n.metrics,
		rootCursors: newCursorList(),
		curCursors:  newCursorList(),
	}

	// Content n owned directly in the cloned range becomes shared
	// ancestor state: it moves into the new hidden node, with share_count
	// incremented to account for the new clone (spec.md §3.4 invariant 5
	// "for content owned by a hidden node, share_count+1 = number of
	// visible nodes that can reach that offset"). n's coordinate space
	// and hidden's are identical here (n.parentOffset becomes 0 below),
	// so no offset translation is needed.
	mergeFn := func(off uint64, e *Entry) *Entry {
		if e.Kind == EntryPage {
			e.Page.ShareCount++
			e.Page.BacklinkNode = hidden
			e.Page.BacklinkOffset = off
		}
		return e
	}
	n.pageList.MergeRangeOntoAndClear(mergeFn, hidden.pageList, r.Offset, r.end(), 0)

	if grandparent != nil {
		grandparent.unlinkChildLocked(n)
		hidden.parent = grandparent
		hidden.parentOffset = n.parentOffset
		hidden.parentLimit = n.parentLimit
		hidden.rootParentOffset = n.rootParentOffset
		grandparent.addChildLocked(hidden)
	} else {
		hidden.lockOrder = rootOrder
	}

	n.parent = hidden
	n.parentOffset = 0
	n.parentLimit = n.size
	n.lockOrder = childLockOrder(hidden)
	hidden.addChildLocked(n)

	clone := NewAnonymous(0, n.pmmAllocFlags, r.Length, n.pageSize, n.pmm, nil)
	clone.parent = hidden
	clone.parentOffset = r.Offset
	clone.parentLimit = r.Length
	// n already took childLockOrder(hidden); the clone needs a distinct
	// order one step further down so the two siblings can be locked
	// together (Destroy locks a to-be-destroyed child alongside its
	// surviving sibling for hidden-node merge).
	clone.lockOrder = childLockOrder(hidden) - lockOrderDelta
	clone.lifeCycle = LifeAlive
	clone.options |= n.options & OptParentContentMarkers
	hidden.addChildLocked(clone)

	if n.usesParentContentMarkers() {
		hidden.pageList.ForEveryPageAndGapInRange(func(off uint64, e *Entry) error {
			clone.pageList.Set(off-r.Offset, parentContentEntry())
			return nil
		}, nil, r.Offset, r.end())
	}

	_ = d
	return clone, nil
}

// createUnidirectionalClone creates a new leaf child under the chosen
// parent, without incrementing share counts (spec.md §4.e step 5).
// Caller already holds n's and par.Parent's locks (in lock-order); note
// par.Parent may equal n itself (n owns the content directly), so this
// never tries to lock a node the caller already holds.
func (n *Node) createUnidirectionalClone(r Range, par ParentAndRange, d *DeferredOps) (*Node, error) {
	clone := NewAnonymous(0, n.pmmAllocFlags, r.Length, n.pageSize, n.pmm, nil)
	clone.parent = par.Parent
	clone.parentOffset = par.ParentOffset
	clone.parentLimit = r.Length
	clone.rootParentOffset = par.Parent.rootParentOffset + par.ParentOffset
	clone.lockOrder = childLockOrder(par.Parent)
	clone.lifeCycle = LifeAlive

	par.Parent.addChildLocked(clone)
	return clone, nil
}
