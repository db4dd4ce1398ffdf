package vmo

import "sort"

// LockOrder is the immutable per-node number used to keep multi-lock
// acquisition across the tree deadlock-free (spec.md §5). Larger values
// sit "higher" in the space; every concurrent multi-lock acquisition must
// walk strictly decreasing order, mirroring the teacher's fixed-mode lock
// ladder in bufmgr.go (PageLock/PageUnlock always applied Access then
// Write then Parent) generalized from a closed 4-mode enum to a
// comparable scalar so an arbitrarily deep tree still has one order.
type LockOrder int64

const (
	rootOrder      LockOrder = 1 << 32
	firstAnonOrder LockOrder = 1 << 16
	lockOrderDelta LockOrder = 3
)

// childLockOrder computes the order for a new child of parent. Children
// of a visible anonymous node get parent.order - delta so they sit below
// their parent; the very first anonymous node in a chain instead gets the
// reserved firstAnonOrder so later inserted hidden parents still have
// room above it.
func childLockOrder(parent *Node) LockOrder {
	if parent == nil {
		return firstAnonOrder
	}
	return parent.lockOrder - lockOrderDelta
}

// hiddenLockOrder computes the order for a newly interposed hidden node.
// Above an anonymous child it sits lockOrderDelta above that child; above
// a child with a page source it gets rootOrder, the same order as that
// pager-backed root.
func hiddenLockOrder(child *Node) LockOrder {
	if child.pageSource != nil {
		return rootOrder
	}
	return child.lockOrder + lockOrderDelta
}

// provisionalLockOrder is used for a brand-new, externally-unreferenced
// node the caller is still constructing: since nothing else can be
// racing to lock it yet, it may freely sit just above its parent.
func provisionalLockOrder(parent *Node, bump LockOrder) LockOrder {
	return parent.lockOrder + bump
}

// lockNodesDescending locks nodes in strictly decreasing lock-order,
// skipping nil and repeated nodes. If two distinct nodes share an order
// (a construction bug: orders are unique along any lock path) it panics
// before taking any lock.
func lockNodesDescending(nodes []*Node) func() {
	uniq := make([]*Node, 0, len(nodes))
	seen := make(map[*Node]bool, len(nodes))
	for _, n := range nodes {
		if n == nil || seen[n] {
			continue
		}
		seen[n] = true
		uniq = append(uniq, n)
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i].lockOrder > uniq[j].lockOrder })
	for i := 1; i < len(uniq); i++ {
		if uniq[i].lockOrder == uniq[i-1].lockOrder {
			panic("lockNodesDescending: duplicate lock order, tree construction invariant violated")
		}
	}
	for _, n := range uniq {
		n.mu.Lock()
	}
	return func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			uniq[i].mu.Unlock()
		}
	}
}
