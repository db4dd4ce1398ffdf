package vmo

import "sync"

// cursorList is the membership set a node keeps for the
// TreeWalkCursors rooted at or currently positioned on it (spec.md §4.i;
// SPEC_FULL §4 "RootListTag"/"CurListTag"). Grounded on the teacher's
// Latchs.next/prev intrusive chain in bufmgr.go, which links buffer-pool
// slots into a hash bucket the same way this links cursors into a node;
// here the membership is a mutex-guarded map keyed by cursor pointer
// rather than a linked chain, since cursors (unlike pool slots) aren't
// pre-allocated into a fixed array.
type cursorList struct {
	mu      sync.Mutex
	members map[*TreeWalkCursor]struct{}
}

func newCursorList() *cursorList {
	return &cursorList{members: make(map[*TreeWalkCursor]struct{})}
}

func (l *cursorList) add(c *TreeWalkCursor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.members[c] = struct{}{}
}

func (l *cursorList) remove(c *TreeWalkCursor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.members, c)
}

// notifyNodeDead forwards every registered cursor off the dying node, per
// spec.md §4.i "the operator explicitly forwards the cursor."
func (l *cursorList) notifyNodeDead(dead *Node) {
	l.mu.Lock()
	cursors := make([]*TreeWalkCursor, 0, len(l.members))
	for c := range l.members {
		cursors = append(cursors, c)
	}
	l.mu.Unlock()
	for _, c := range cursors {
		c.onNodeDead(dead)
	}
}

// TreeWalkCursor is a cooperating pre-order traversal cursor that
// survives concurrent tree mutation (spec.md §4.i). It holds at most one
// node lock at a time.
type TreeWalkCursor struct {
	mu      sync.Mutex
	root    *Node
	current *Node
	// childIdx is the index into current.children the cursor will
	// descend into next.
	childIdx int
}

// NewTreeWalkCursor registers a cursor rooted at and currently positioned
// on root.
func NewTreeWalkCursor(root *Node) *TreeWalkCursor {
	c := &TreeWalkCursor{root: root, current: root}
	root.rootCursors.add(c)
	root.curCursors.add(c)
	return c
}

// Close deregisters the cursor from both lists it may be a member of.
func (c *TreeWalkCursor) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.root != nil {
		c.root.rootCursors.remove(c)
	}
	if c.current != nil {
		c.current.curCursors.remove(c)
	}
}

func (c *TreeWalkCursor) Current() *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NextChild advances into current's next not-yet-visited child, or
// reports ok=false if current has no more children (spec.md §4.i
// "next_child()").
func (c *TreeWalkCursor) NextChild() (ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current.mu.RLock()
	children := append([]*Node(nil), c.current.children...)
	c.current.mu.RUnlock()

	if c.childIdx >= len(children) {
		return false
	}
	next := children[c.childIdx]
	c.moveToLocked(next)
	c.childIdx = 0
	return true
}

// NextSibling advances to current's next sibling under its parent, or
// reports ok=false if current is the last child or was concurrently
// removed from its parent; it does not retry (spec.md §4.i
// "next_sibling()").
func (c *TreeWalkCursor) NextSibling() (ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent := c.current.parent
	if parent == nil {
		return false
	}
	parent.mu.RLock()
	siblings := append([]*Node(nil), parent.children...)
	parent.mu.RUnlock()

	idx := -1
	for i, s := range siblings {
		if s == c.current {
			idx = i
			break
		}
	}
	if idx == -1 || idx+1 >= len(siblings) {
		// current was removed, or it was already last: nothing to do;
		// the caller retries after re-resolving if it still wants
		// forward progress.
		return false
	}
	c.moveToLocked(siblings[idx+1])
	c.childIdx = 0
	return true
}

func (c *TreeWalkCursor) moveToLocked(next *Node) {
	c.current.curCursors.remove(c)
	c.current = next
	next.curCursors.add(c)
}

// onNodeDead forwards the cursor off a dying node it was positioned on,
// preferring its first child, then its parent; siblings are not
// considered.
func (c *TreeWalkCursor) onNodeDead(dead *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != dead {
		return
	}
	dead.mu.RLock()
	children := append([]*Node(nil), dead.children...)
	dead.mu.RUnlock()
	if len(children) > 0 {
		c.moveToLocked(children[0])
		c.childIdx = 0
		return
	}
	if dead.parent != nil {
		c.moveToLocked(dead.parent)
		return
	}
	c.current.curCursors.remove(c)
	c.current = nil
}
