package vmo

import "testing"

func TestNode_CreateClone_Unidirectional(t *testing.T) {
	n := newTestAnonymous(testPageSize * 2)
	_ = n.TransitionToAlive()
	if _, _, err := n.CommitRange(Range{Offset: 0, Length: testPageSize * 2}); err != nil {
		t.Fatalf("CommitRange() error = %v", err)
	}

	d := NewDeferredOps(n, n.pmm, nil)
	clone, err := n.CreateClone(CloneOnWrite, true, Range{Offset: 0, Length: testPageSize * 2}, d)
	d.Close()
	if err != nil {
		t.Fatalf("CreateClone() error = %v", err)
	}
	if clone.Size() != testPageSize*2 {
		t.Errorf("clone.Size() = %d, want %d", clone.Size(), testPageSize*2)
	}
	if clone.parent != n {
		t.Errorf("clone.parent = %v, want the original node directly (unidirectional)", clone.parent)
	}
	if n.IsHidden() {
		t.Errorf("unidirectional clone should not interpose a hidden node, but source became hidden")
	}
}

func TestNode_CreateClone_BidirectionalInterposesHidden(t *testing.T) {
	n := newTestAnonymous(testPageSize * 2)
	_ = n.TransitionToAlive()
	if _, _, err := n.CommitRange(Range{Offset: 0, Length: testPageSize * 2}); err != nil {
		t.Fatalf("CommitRange() error = %v", err)
	}

	d := NewDeferredOps(n, n.pmm, nil)
	clone, err := n.CreateClone(CloneFull, false, Range{Offset: 0, Length: testPageSize * 2}, d)
	d.Close()
	if err != nil {
		t.Fatalf("CreateClone() error = %v", err)
	}

	if n.parent == nil || !n.parent.IsHidden() {
		t.Fatalf("bidirectional snapshot should interpose a hidden parent over n, got parent=%v", n.parent)
	}
	if clone.parent != n.parent {
		t.Errorf("clone and n should share the same hidden parent; clone.parent=%v n.parent=%v", clone.parent, n.parent)
	}

	for off := uint64(0); off < testPageSize*2; off += testPageSize {
		if e := n.pageList.Lookup(off); e != nil {
			t.Errorf("page at %d still attributed to n after snapshot, want it moved onto the hidden parent", off)
		}
		e := n.parent.pageList.Lookup(off)
		if e == nil || e.Kind != EntryPage {
			t.Fatalf("page at %d not found on hidden parent after snapshot", off)
		}
		if e.Page.ShareCount != 1 {
			t.Errorf("page at %d ShareCount = %d, want 1 after bidirectional snapshot", off, e.Page.ShareCount)
		}
		if e.Page.BacklinkNode != n.parent {
			t.Errorf("page at %d backlink = %v, want the hidden parent", off, e.Page.BacklinkNode)
		}
	}
}

// TestNode_Destroy_CollapsesHiddenParentIntoSurvivor covers spec.md
// scenario S3: destroying one side of a bidirectional snapshot migrates
// the hidden parent's shared page into the surviving sibling and splices
// the hidden node out of the tree.
func TestNode_Destroy_CollapsesHiddenParentIntoSurvivor(t *testing.T) {
	n := newTestAnonymous(testPageSize)
	_ = n.TransitionToAlive()
	if _, _, err := n.CommitRange(Range{Offset: 0, Length: testPageSize}); err != nil {
		t.Fatalf("CommitRange() error = %v", err)
	}

	d := NewDeferredOps(n, n.pmm, nil)
	clone, err := n.CreateClone(CloneFull, false, Range{Offset: 0, Length: testPageSize}, d)
	d.Close()
	if err != nil {
		t.Fatalf("CreateClone() error = %v", err)
	}
	hidden := n.parent
	if hidden == nil || !hidden.IsHidden() {
		t.Fatalf("expected a hidden parent after CreateClone(CloneFull)")
	}

	d2 := NewDeferredOps(n, n.pmm, nil)
	if err := n.Destroy(d2); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	d2.Close()

	if n.lifeCycle != LifeDead {
		t.Errorf("n.lifeCycle = %v, want LifeDead", n.lifeCycle)
	}
	if hidden.lifeCycle != LifeDead {
		t.Errorf("hidden.lifeCycle = %v, want LifeDead once it collapses into its last child", hidden.lifeCycle)
	}
	if clone.parent != nil {
		t.Errorf("clone.parent = %v, want nil (clone is now the root)", clone.parent)
	}

	e := clone.pageList.Lookup(0)
	if e == nil || e.Kind != EntryPage {
		t.Fatalf("clone should now own the migrated page directly, got %+v", e)
	}
	if e.Page.ShareCount != 0 {
		t.Errorf("migrated page ShareCount = %d, want 0", e.Page.ShareCount)
	}
	if e.Page.BacklinkNode != clone {
		t.Errorf("migrated page backlink = %v, want clone", e.Page.BacklinkNode)
	}
}

// TestNode_Destroy_RejectsNodeWithChildren covers spec.md §3.5: a node
// reachable through live children cannot be destroyed directly.
func TestNode_Destroy_RejectsNodeWithChildren(t *testing.T) {
	root := newTestAnonymous(testPageSize)
	child := newTestAnonymous(testPageSize)
	root.addChildLocked(child)

	if err := root.Destroy(NewDeferredOps(root, root.pmm, nil)); err == nil {
		t.Errorf("Destroy() on a node with live children expected an error, got nil")
	}
}

func TestNode_CreateClone_FullRequiresNoPageSource(t *testing.T) {
	n := newTestPreservingNode(testPageSize)
	d := NewDeferredOps(n, n.pmm, nil)
	defer d.Close()
	if _, err := n.CreateClone(CloneFull, false, Range{Offset: 0, Length: testPageSize}, d); err == nil {
		t.Errorf("CreateClone(CloneFull) on a page-source-backed node expected error, got nil")
	}
}

func TestNode_CreateClone_RequireUnidirectionalRejectsForcedBidirectional(t *testing.T) {
	n := newTestAnonymous(testPageSize)
	_ = n.TransitionToAlive()
	d := NewDeferredOps(n, n.pmm, nil)
	defer d.Close()
	if _, err := n.CreateClone(CloneFull, true, Range{Offset: 0, Length: testPageSize}, d); err == nil {
		t.Errorf("CreateClone(CloneFull, requireUnidirectional=true) expected error, got nil")
	}
}
