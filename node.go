package vmo

import (
	"sync"

	"github.com/google/uuid"
	"github.com/ryogrid/cowvmo/interfaces"
)

// Options is the per-node bitset of spec.md §3.3.
type Options uint32

const (
	OptUserPagerBackedRoot Options = 1 << iota
	OptPreservingPageContentRoot
	OptPageSourceRoot
	OptCannotDecommitZeroPages
	OptHidden
	// OptParentContentMarkers opts a tree into the parent-content-marker
	// leaf representation (spec.md §3.1 "ParentContent").
	OptParentContentMarkers
)

func (o Options) has(bit Options) bool { return o&bit != 0 }

// LifeCycle is the node life-cycle of spec.md §3.5.
type LifeCycle uint8

const (
	LifeInit LifeCycle = iota
	LifeAlive
	LifeDying
	LifeDead
)

// Range is a page-aligned half-open byte range [Offset, Offset+Length).
type Range struct {
	Offset uint64
	Length uint64
}

func (r Range) end() uint64 { return r.Offset + r.Length }

// Node is VmCowPages: a copy-on-write page container (spec.md §3.3).
type Node struct {
	mu sync.RWMutex

	id       string
	pageSize uint64

	size             uint64
	options          Options
	pmmAllocFlags    uint32
	parent           *Node
	parentOffset     uint64
	parentLimit      uint64
	rootParentOffset uint64
	children         []*Node // insertion at head, iteration head->tail

	pageList   *PageList
	pageSource interfaces.PageSource

	pinnedPageCount   uint64
	highPriorityCount int64
	everPinned        bool
	pagerStatsModified bool

	lifeCycle LifeCycle

	discardableTracker interfaces.DiscardableTracker

	lockOrder LockOrder

	pmm        interfaces.PMM
	mappings   interfaces.MappingInvalidator
	compressor interfaces.Compressor
	metrics    *Metrics

	rootCursors *cursorList
	curCursors  *cursorList
}

// NewAnonymous constructs an anonymous root or leaf in Init state (spec.md
// §4.c "new_anonymous").
func NewAnonymous(opts Options, allocFlags uint32, size uint64, pageSize uint64, pmm interfaces.PMM, discardable interfaces.DiscardableTracker) *Node {
	n := &Node{
		id:                 uuid.NewString(),
		pageSize:           pageSize,
		size:               size,
		options:            opts,
		pmmAllocFlags:      allocFlags,
		pageList:           NewPageList(pageSize),
		lifeCycle:          LifeInit,
		discardableTracker: discardable,
		lockOrder:          firstAnonOrder,
		pmm:                pmm,
		metrics:            defaultMetrics,
		rootCursors:        newCursorList(),
		curCursors:         newCursorList(),
	}
	if discardable != nil {
		discardable.Init(n)
	}
	return n
}

// NewExternal constructs a node rooted at an external PageSource (pager,
// contiguous, or physical) in Init state (spec.md §4.c "new_external").
func NewExternal(src interfaces.PageSource, opts Options, size uint64, pageSize uint64, pmm interfaces.PMM) *Node {
	props := src.Properties()
	if props.IsPreservingPageContent {
		opts |= OptPreservingPageContentRoot
	}
	n := &Node{
		id:          uuid.NewString(),
		pageSize:    pageSize,
		size:        size,
		options:     opts | OptPageSourceRoot,
		pageList:    NewPageList(pageSize),
		pageSource:  src,
		lifeCycle:   LifeInit,
		lockOrder:   rootOrder,
		pmm:         pmm,
		metrics:     defaultMetrics,
		rootCursors: newCursorList(),
		curCursors:  newCursorList(),
	}
	if props.IsPreservingPageContent {
		// A freshly created content-preserving root starts life as one
		// dirty zero interval spanning the whole VMO (scenario S5).
		if size > 0 {
			_ = n.pageList.AddZeroInterval(0, size-pageSize, Dirty)
		}
	}
	return n
}

// TransitionToAlive moves a node from Init to Alive (spec.md §4.c).
func (n *Node) TransitionToAlive() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lifeCycle != LifeInit {
		return newErr("TransitionToAlive", BadState, "node %s not in Init (state=%d)", n.id, n.lifeCycle)
	}
	n.lifeCycle = LifeAlive
	return nil
}

func (n *Node) Size() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.size
}

func (n *Node) IsHidden() bool { return n.options.has(OptHidden) }

func (n *Node) preservesContent() bool { return n.options.has(OptPreservingPageContentRoot) }

func (n *Node) usesParentContentMarkers() bool { return n.options.has(OptParentContentMarkers) }

func (n *Node) trapsDirtyTransitions() bool {
	if n.pageSource == nil {
		return false
	}
	return n.pageSource.Properties().ShouldTrapDirtyTransitions
}

// SetCompressor attaches the compressor collaborator used to decompress
// Reference entries owned by this node (spec.md §6 "Compressor").
func (n *Node) SetCompressor(c interfaces.Compressor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.compressor = c
}

func (n *Node) rootSource() interfaces.PageSource {
	r := n
	for r.parent != nil {
		r = r.parent
	}
	return r.pageSource
}

// align rounds off down to a page boundary.
func (n *Node) align(off uint64) uint64 { return off - (off % n.pageSize) }

func (n *Node) checkAligned(op string, r Range) error {
	if r.Offset%n.pageSize != 0 || r.Length%n.pageSize != 0 {
		return newErr(op, InvalidArgs, "range %+v is not page-aligned (page size %d)", r, n.pageSize)
	}
	if r.end() > n.size {
		return newErr(op, OutOfRange, "range %+v exceeds size %d", r, n.size)
	}
	return nil
}

// Resize implements spec.md §4.c "resize".
func (n *Node) Resize(newSize uint64) error {
	const op = "Resize"
	if newSize%n.pageSize != 0 {
		return newErr(op, InvalidArgs, "new size %d is not page-aligned", newSize)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.rootParentOffset+newSize < n.rootParentOffset {
		return newErr(op, InvalidArgs, "root-parent offset projection overflow")
	}

	d := NewDeferredOps(n, n.pmm, n.mappings)
	defer d.Close()

	oldSize := n.size
	if newSize < oldSize {
		// Shrink: refuse if any page in the vanishing range is pinned.
		pinned := false
		n.pageList.ForEveryPageAndGapInRange(func(off uint64, e *Entry) error {
			if e.Kind == EntryPage && e.Page.PinCount > 0 {
				pinned = true
			}
			return nil
		}, nil, newSize, oldSize)
		if pinned {
			return newErr(op, BadState, "cannot shrink: pinned page in [%d, %d)", newSize, oldSize)
		}

		n.pageList.RemovePages(func(off uint64, e *Entry) {
			n.freePageLocked(d, e.Page)
		}, newSize, oldSize)

		if newSize > 0 {
			n.pageList.ClipIntervalEnd(oldSize-n.pageSize, newSize-n.pageSize)
		}

		// Clamp children's parent_limit so they can never see beyond
		// newSize even across a later grow (invariant 3, property 3).
		for _, c := range n.children {
			if c.parentOffset+c.parentLimit > newSize {
				if newSize > c.parentOffset {
					c.parentLimit = newSize - c.parentOffset
				} else {
					c.parentLimit = 0
				}
			}
		}

		d.AddRangeChange(newSize, oldSize-newSize, interfaces.OpUnmap)
	} else if newSize > oldSize {
		if n.preservesContent() {
			if err := n.pageList.AddZeroInterval(oldSize, newSize-n.pageSize, Dirty); err != nil {
				return err
			}
		}
	}

	n.size = newSize
	n.pagerStatsModified = true
	return nil
}

func (n *Node) freePageLocked(d *DeferredOps, p *Page) {
	if p == nil {
		return
	}
	if n.pmm != nil {
		d.AddFreedPage(p.Page)
	}
}

// CommitRange implements spec.md §4.c "commit_range": best-effort fill of
// range with owned pages.
func (n *Node) CommitRange(r Range) (committedLen uint64, req *interfaces.PageRequest, err error) {
	const op = "CommitRange"
	if err := n.checkAligned(op, r); err != nil {
		return 0, nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	d := NewDeferredOps(n, n.pmm, n.mappings)
	defer d.Close()

	cur := NewLookupCursor(n, r)
	for cur.offset < r.end() {
		_, _, e := cur.requirePage(true, 0, d)
		if e != nil {
			if k, ok := KindOf(e); ok && k == ShouldWait {
				return committedLen, cur.pendingRequest, e
			}
			return committedLen, nil, e
		}
		committedLen += n.pageSize
		cur.offset += n.pageSize
	}
	return committedLen, nil, nil
}

// PinRange implements spec.md §4.c "pin_range": all-or-nothing.
func (n *Node) PinRange(r Range) error {
	const op = "PinRange"
	if err := n.checkAligned(op, r); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	var pinned []*Page
	rollback := func() {
		for _, p := range pinned {
			p.PinCount--
		}
	}

	for off := r.Offset; off < r.end(); off += n.pageSize {
		e := n.pageList.Lookup(off)
		if e == nil || e.Kind != EntryPage {
			rollback()
			return newErr(op, BadState, "offset %d has no committed page", off)
		}
		const maxPinCount = 1 << 20
		if e.Page.PinCount >= maxPinCount {
			rollback()
			return newErr(op, Unavailable, "pin count saturated at offset %d", off)
		}
		e.Page.PinCount++
		pinned = append(pinned, e.Page)
	}
	n.pinnedPageCount += uint64(len(pinned))
	n.everPinned = true
	n.metrics.PinnedPages.Add(float64(len(pinned)))
	return nil
}

// UnpinRange implements spec.md §4.c "unpin_range".
func (n *Node) UnpinRange(r Range, d *DeferredOps) error {
	const op = "UnpinRange"
	if err := n.checkAligned(op, r); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	count := uint64(0)
	for off := r.Offset; off < r.end(); off += n.pageSize {
		e := n.pageList.Lookup(off)
		if e == nil || e.Kind != EntryPage || e.Page.PinCount == 0 {
			panic("UnpinRange: pin count underflow, caller unpinned a non-pinned page")
		}
		e.Page.PinCount--
		count++
		if e.Page.PinCount == 0 && n.pmm != nil {
			n.pmm.Queues().MoveToReclaim(e.Page.Page)
			if d != nil {
				d.AddRangeChange(off, n.pageSize, interfaces.OpDebugUnpin)
			}
		}
	}
	if count > n.pinnedPageCount {
		panic("UnpinRange: node pin count underflow")
	}
	n.pinnedPageCount -= count
	n.metrics.PinnedPages.Sub(float64(count))
	return nil
}

// DecommitRange implements spec.md §4.c "decommit_range".
func (n *Node) DecommitRange(r Range) (freed uint64, err error) {
	const op = "DecommitRange"
	if err := n.checkAligned(op, r); err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.parent != nil || n.preservesContent() {
		return 0, newErr(op, NotSupported, "decommit requires a rootless, non-content-preserving node")
	}
	if n.options.has(OptCannotDecommitZeroPages) {
		return 0, newErr(op, NotSupported, "node disallows decommit of zero pages")
	}

	pinned := false
	n.pageList.ForEveryPageAndGapInRange(func(off uint64, e *Entry) error {
		if e.Kind == EntryPage && e.Page.PinCount > 0 {
			pinned = true
		}
		return nil
	}, nil, r.Offset, r.end())
	if pinned {
		return 0, newErr(op, BadState, "pinned page in range")
	}

	d := NewDeferredOps(n, n.pmm, n.mappings)
	defer d.Close()

	n.pageList.RemovePages(func(off uint64, e *Entry) {
		freed++
		n.freePageLocked(d, e.Page)
	}, r.Offset, r.end())
	d.AddRangeChange(r.Offset, r.Length, interfaces.OpUnmap)
	return freed, nil
}

// LookupRange implements spec.md §4.c "lookup_range": no walk-up.
func (n *Node) LookupRange(r Range, fn func(off uint64, paddr uint64) error) error {
	const op = "LookupRange"
	if err := n.checkAligned(op, r); err != nil {
		return err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.pageList.ForEveryPageAndGapInRange(func(off uint64, e *Entry) error {
		if e.Kind == EntryPage {
			return fn(off, e.Page.Paddr)
		}
		return nil
	}, nil, r.Offset, r.end())
}

// LookupReadable implements spec.md §4.c "lookup_readable": walks
// parents, reporting offsets as they appear in this node.
func (n *Node) LookupReadable(r Range, fn func(off uint64, paddr uint64) error) error {
	const op = "LookupReadable"
	if err := n.checkAligned(op, r); err != nil {
		return err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()

	for off := r.Offset; off < r.end(); off += n.pageSize {
		cur := NewLookupCursor(n, Range{Offset: off, Length: n.pageSize})
		if p := cur.maybePage(false); p != nil {
			if err := fn(off, p.Paddr); err != nil {
				return err
			}
		}
	}
	return nil
}

// FailPageRequests implements spec.md §4.c "fail_page_requests".
func (n *Node) FailPageRequests(r Range, reason error) error {
	const op = "FailPageRequests"
	if err := n.checkAligned(op, r); err != nil {
		return err
	}
	if n.pageSource == nil {
		return newErr(op, BadState, "node has no page source")
	}
	n.pageSource.OnPagesFailed(r.Offset, r.Length, reason)
	return nil
}

// DetachSource implements spec.md §4.c "detach_source": only at root.
// Clean and Untracked pages are removed and freed; Dirty and
// AwaitingClean pages stay in place.
func (n *Node) DetachSource() error {
	const op = "DetachSource"
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.parent != nil {
		return newErr(op, NotSupported, "detach_source requires a root node")
	}
	if n.pageSource == nil {
		return newErr(op, BadState, "node has no page source")
	}
	if err := n.pageSource.Detach(); err != nil {
		return err
	}

	d := NewDeferredOps(n, n.pmm, n.mappings)
	defer d.Close()

	var clean []uint64
	n.pageList.ForEveryPageAndGapInRange(func(off uint64, e *Entry) error {
		if e.Kind == EntryPage && (e.Page.DirtyState == Clean || e.Page.DirtyState == Untracked) {
			clean = append(clean, off)
		}
		return nil
	}, nil, 0, n.size)
	for _, off := range clean {
		if e := n.pageList.RemoveContent(off); e != nil {
			n.freePageLocked(d, e.Page)
		}
	}
	return nil
}

// addChildLocked appends child at the head of n.children (spec.md §3.3
// "insertion at head, iteration head->tail").
func (n *Node) addChildLocked(child *Node) {
	n.children = append([]*Node{child}, n.children...)
	child.parent = n
}

// unlinkChildLocked drops child from n.children without evaluating n's
// own lifecycle. Used when the caller is about to give n a replacement
// child immediately (bidirectional-snapshot reparent): an intermediate
// zero-children state must not trip a premature dead-transition.
func (n *Node) unlinkChildLocked(child *Node) {
	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// removeChildLocked detaches child from n for good: child is being
// destroyed. It evaluates n's own state once the detach is final — a
// hidden n left with exactly one child collapses into it (spec.md
// §4.j), otherwise n's ordinary dead-transition check runs.
func (n *Node) removeChildLocked(child *Node) {
	n.unlinkChildLocked(child)
	if n.IsHidden() && len(n.children) == 1 {
		n.mergeIntoSurvivingChildLocked()
		return
	}
	n.maybeTransitionDeadLocked()
}

// mergeIntoSurvivingChildLocked implements spec.md §4.j "hidden-node
// merge": a hidden node that has dropped to its last child folds its own
// page list into that child (the departed sibling's potential read lapses,
// so each moved page's share count decrements — scenario S3) and splices
// itself out of the tree, restoring invariant 4 (hidden nodes hold 0 or
// >=2 children at steady state). Caller already holds locks on n, its
// surviving child, and n's own parent (if any), in lock order.
func (n *Node) mergeIntoSurvivingChildLocked() {
	surv := n.children[0]
	survOffset := surv.parentOffset

	mergeFn := func(off uint64, e *Entry) *Entry {
		if e.Kind == EntryPage {
			if e.Page.ShareCount > 0 {
				e.Page.ShareCount--
			}
			e.Page.BacklinkNode = surv
			e.Page.BacklinkOffset = off - survOffset
		}
		return e
	}
	n.pageList.MergeRangeOntoAndClear(mergeFn, surv.pageList, survOffset, survOffset+surv.parentLimit, survOffset)

	// Forward any cursor parked on n to surv before n's own child list
	// is torn down: onNodeDead prefers a child over a parent, so this
	// lands cursors on the node that actually inherits the range.
	n.rootCursors.notifyNodeDead(n)
	n.curCursors.notifyNodeDead(n)

	parent := n.parent

	// n's own parentLimit only bounds visibility when n itself reports to
	// a parent; a root hidden node's zero-value parentLimit must not
	// spuriously clamp the survivor once it becomes the new root.
	newLimit := surv.parentLimit
	if parent != nil && n.parentLimit < survOffset+newLimit {
		if n.parentLimit > survOffset {
			newLimit = n.parentLimit - survOffset
		} else {
			newLimit = 0
		}
	}

	surv.parentOffset = n.parentOffset + survOffset
	surv.parentLimit = newLimit
	surv.rootParentOffset = n.rootParentOffset
	surv.parent = parent
	if parent != nil {
		parent.unlinkChildLocked(n)
		surv.lockOrder = childLockOrder(parent)
		parent.addChildLocked(surv)
	} else {
		surv.lockOrder = rootOrder
	}

	n.children = nil
	n.lifeCycle = LifeDead
}

// Destroy implements spec.md §3.5's Dying/Dead transition as a public
// entry point: the caller is giving up the last external reference to
// n. n must already be childless — a node with live children is still
// reachable through them. Unlinking n from its parent may in turn
// collapse a hidden parent into its one remaining child (spec.md §4.j,
// scenario S3 "Destroying A").
func (n *Node) Destroy(d *DeferredOps) error {
	const op = "Destroy"

	n.mu.RLock()
	parent := n.parent
	n.mu.RUnlock()

	lockSet := []*Node{n, parent}
	var surv *Node
	if parent != nil {
		parent.mu.RLock()
		if parent.IsHidden() && len(parent.children) == 2 {
			for _, c := range parent.children {
				if c != n {
					surv = c
				}
			}
		}
		grandparent := parent.parent
		parent.mu.RUnlock()
		lockSet = append(lockSet, grandparent, surv)
	}

	unlock := lockNodesDescending(lockSet)
	defer unlock()

	if n.lifeCycle == LifeDead || n.lifeCycle == LifeDying {
		return newErr(op, BadState, "node %s already %v", n.id, n.lifeCycle)
	}
	if len(n.children) > 0 {
		return newErr(op, BadState, "node %s still has %d live children", n.id, len(n.children))
	}

	n.pageList.RemovePages(func(off uint64, e *Entry) {
		if e.Kind == EntryPage {
			n.freePageLocked(d, e.Page)
		}
	}, 0, n.size)
	n.maybeTransitionDeadLocked()

	if parent != nil {
		parent.removeChildLocked(n)
	}
	return nil
}

// maybeTransitionDeadLocked implements spec.md §3.5: a node with no
// paged_ref and no children becomes Dying then Dead.
func (n *Node) maybeTransitionDeadLocked() {
	if n.lifeCycle == LifeDead || n.lifeCycle == LifeDying {
		return
	}
	if len(n.children) > 0 {
		return
	}
	n.lifeCycle = LifeDying
	if n.pageSource != nil {
		_ = n.pageSource.Close()
	}
	n.pageList.RemovePages(func(off uint64, e *Entry) {}, 0, n.size)
	n.rootCursors.notifyNodeDead(n)
	n.curCursors.notifyNodeDead(n)
	n.lifeCycle = LifeDead
}

// SetPageHighPriority implements spec.md §2.j: marks or clears a single
// owned page as high-priority. If that flips n's own high_priority_count
// across zero, the +1/-1 contribution is forwarded up through every
// ancestor (invariant 12), one lock at a time so the walk never holds two
// node locks simultaneously (each node's lock is released before its
// parent's is taken, so the walk needs no descending lock-order
// discipline like the multi-node structural ops).
func (n *Node) SetPageHighPriority(off uint64, hp bool) error {
	const op = "SetPageHighPriority"
	n.mu.Lock()
	e := n.pageList.Lookup(off)
	if e == nil || e.Kind != EntryPage {
		n.mu.Unlock()
		return newErr(op, NotFound, "no page at offset %d", off)
	}
	if e.Page.highPriority == hp {
		n.mu.Unlock()
		return nil
	}
	e.Page.highPriority = hp

	delta := int64(1)
	if !hp {
		delta = -1
	}
	cur := n
	for {
		before := cur.highPriorityCount
		cur.highPriorityCount += delta
		if cur.highPriorityCount < 0 {
			cur.mu.Unlock()
			panic("high_priority_count went negative")
		}
		crossedZero := (before > 0) != (cur.highPriorityCount > 0)
		next := cur.parent
		cur.mu.Unlock()
		if !crossedZero || next == nil {
			return nil
		}
		next.mu.Lock()
		cur = next
	}
}

// HighPriorityCount reports n's own high_priority_count (spec.md §3.3).
func (n *Node) HighPriorityCount() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.highPriorityCount
}

// IsHighPriority reports whether n or any of its descendants currently
// holds a high-priority page (spec.md invariant 12).
func (n *Node) IsHighPriority() bool {
	return n.HighPriorityCount() > 0
}
