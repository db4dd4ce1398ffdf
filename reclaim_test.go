package vmo

import (
	"testing"

	"github.com/ryogrid/cowvmo/interfaces"
)

// fakeCompressor is a minimal in-memory Compressor stand-in, grounded on
// the teacher's ParentBufMgrDummy pattern of a same-package, no-op
// collaborator that just hands back canned results.
type fakeCompressor struct {
	outcome   interfaces.CompressionOutcome
	finalized bool
	armed     bool
}

func (c *fakeCompressor) Arm() error { c.armed = true; return nil }
func (c *fakeCompressor) Start(p *interfaces.Page, metadata uint64) (interfaces.CompressedRef, error) {
	return interfaces.CompressedRef{Token: "temp-token"}, nil
}
func (c *fakeCompressor) Compress() error { return nil }
func (c *fakeCompressor) TakeCompressionResult() (interfaces.CompressionOutcome, error) {
	return c.outcome, nil
}
func (c *fakeCompressor) Finalize()                                        { c.finalized = true }
func (c *fakeCompressor) IsTempReference(ref interfaces.CompressedRef) bool { return ref.Token == "temp-token" }
func (c *fakeCompressor) GetMetadata(ref interfaces.CompressedRef) uint64   { return 0 }
func (c *fakeCompressor) SetMetadata(ref interfaces.CompressedRef, v uint64) {}
func (c *fakeCompressor) Decompress(ref interfaces.CompressedRef, dst []byte) (uint64, error) {
	return 0, nil
}
func (c *fakeCompressor) MoveReference(ref interfaces.CompressedRef) (*interfaces.Page, uint64, bool) {
	return nil, 0, false
}

// fakeDiscardableTracker is a minimal DiscardableTracker stand-in.
type fakeDiscardableTracker struct {
	eligible  bool
	discarded bool
}

func (f *fakeDiscardableTracker) Init(node interface{})               {}
func (f *fakeDiscardableTracker) Lock(try bool) (bool, bool)          { return false, true }
func (f *fakeDiscardableTracker) Unlock()                             {}
func (f *fakeDiscardableTracker) IsEligibleForReclamation() bool      { return f.eligible }
func (f *fakeDiscardableTracker) SetDiscarded()                       { f.discarded = true }
func (f *fakeDiscardableTracker) RemoveFromDiscardableList()          {}
func (f *fakeDiscardableTracker) State() interfaces.DiscardableState {
	if f.discarded {
		return interfaces.DiscardableDiscarded
	}
	return interfaces.DiscardableReclaimable
}

func TestNode_ReclaimPage_EvictsCleanPagerBackedPage(t *testing.T) {
	n := newTestPreservingNode(testPageSize)
	if _, err := n.DirtyPages(Range{Offset: 0, Length: testPageSize}, nil); err != nil {
		t.Fatalf("DirtyPages() error = %v", err)
	}
	d := NewDeferredOps(n, n.pmm, nil)
	if err := n.WritebackBegin(Range{Offset: 0, Length: testPageSize}, false, d); err != nil {
		t.Fatalf("WritebackBegin() error = %v", err)
	}
	if err := n.WritebackEnd(Range{Offset: 0, Length: testPageSize}); err != nil {
		t.Fatalf("WritebackEnd() error = %v", err)
	}
	d.Close()

	e := n.pageList.Lookup(0)
	if e == nil || e.Kind != EntryPage {
		t.Fatalf("setup: expected a committed page at offset 0, got %v", e)
	}
	p := e.Page

	d2 := NewDeferredOps(n, n.pmm, nil)
	counts, err := n.ReclaimPage(p, 0, EvictionFollowHeuristics, nil, d2)
	d2.Close()
	if err != nil {
		t.Fatalf("ReclaimPage() error = %v", err)
	}
	if counts.Evicted != 1 {
		t.Errorf("ReclaimPage() counts = %+v, want Evicted=1", counts)
	}
	if got := n.pageList.Lookup(0); got != nil && got.Kind == EntryPage {
		t.Errorf("ReclaimPage() left a page installed at offset 0: %v", got)
	}
}

func TestNode_ReclaimPage_RefusesPinnedPage(t *testing.T) {
	n := newTestPreservingNode(testPageSize)
	if _, err := n.DirtyPages(Range{Offset: 0, Length: testPageSize}, nil); err != nil {
		t.Fatalf("DirtyPages() error = %v", err)
	}
	d := NewDeferredOps(n, n.pmm, nil)
	if err := n.WritebackBegin(Range{Offset: 0, Length: testPageSize}, false, d); err != nil {
		t.Fatalf("WritebackBegin() error = %v", err)
	}
	if err := n.WritebackEnd(Range{Offset: 0, Length: testPageSize}); err != nil {
		t.Fatalf("WritebackEnd() error = %v", err)
	}
	d.Close()

	e := n.pageList.Lookup(0)
	p := e.Page
	p.PinCount = 1

	d2 := NewDeferredOps(n, n.pmm, nil)
	_, err := n.ReclaimPage(p, 0, EvictionFollowHeuristics, nil, d2)
	d2.Close()
	if err == nil {
		t.Errorf("ReclaimPage() on a pinned page expected error, got nil")
	}
}

func TestNode_ReclaimPage_CompressesAnonymousPage(t *testing.T) {
	n := newTestAnonymous(testPageSize)
	_ = n.TransitionToAlive()
	if _, _, err := n.CommitRange(Range{Offset: 0, Length: testPageSize}); err != nil {
		t.Fatalf("CommitRange() error = %v", err)
	}
	e := n.pageList.Lookup(0)
	if e == nil || e.Kind != EntryPage {
		t.Fatalf("setup: expected a committed page at offset 0, got %v", e)
	}
	p := e.Page

	comp := &fakeCompressor{outcome: interfaces.CompressionOutcome{
		Kind: interfaces.CompressionReference,
		Ref:  interfaces.CompressedRef{Token: "final-token"},
	}}

	d := NewDeferredOps(n, n.pmm, nil)
	counts, err := n.ReclaimPage(p, 0, EvictionFollowHeuristics, comp, d)
	d.Close()
	if err != nil {
		t.Fatalf("ReclaimPage() error = %v", err)
	}
	if counts.Compressed != 1 {
		t.Errorf("ReclaimPage() counts = %+v, want Compressed=1", counts)
	}
	if !comp.finalized {
		t.Errorf("ReclaimPage() did not finalize the compressor")
	}
	got := n.pageList.Lookup(0)
	if got == nil || got.Kind != EntryReference || got.Ref.Token != "final-token" {
		t.Errorf("ReclaimPage() left entry %v, want a reference with token final-token", got)
	}
	if len(n.pmm.(*fakePMM).freed) != 1 {
		t.Errorf("ReclaimPage() freed %d pages, want 1", len(n.pmm.(*fakePMM).freed))
	}
}

func TestNode_ReclaimPage_CompressRefusesWithoutCompressor(t *testing.T) {
	n := newTestAnonymous(testPageSize)
	_ = n.TransitionToAlive()
	if _, _, err := n.CommitRange(Range{Offset: 0, Length: testPageSize}); err != nil {
		t.Fatalf("CommitRange() error = %v", err)
	}
	e := n.pageList.Lookup(0)
	p := e.Page

	d := NewDeferredOps(n, n.pmm, nil)
	_, err := n.ReclaimPage(p, 0, EvictionFollowHeuristics, nil, d)
	d.Close()
	if err == nil {
		t.Errorf("ReclaimPage() without a compressor expected error, got nil")
	}
}

func TestNode_ReclaimPage_DiscardsWholeNode(t *testing.T) {
	tracker := &fakeDiscardableTracker{eligible: true}
	n := NewAnonymous(0, 0, testPageSize*2, testPageSize, newFakePMM(), tracker)
	_ = n.TransitionToAlive()
	if _, _, err := n.CommitRange(Range{Offset: 0, Length: testPageSize * 2}); err != nil {
		t.Fatalf("CommitRange() error = %v", err)
	}
	e := n.pageList.Lookup(0)
	p := e.Page

	d := NewDeferredOps(n, n.pmm, nil)
	counts, err := n.ReclaimPage(p, 0, EvictionFollowHeuristics, nil, d)
	d.Close()
	if err != nil {
		t.Fatalf("ReclaimPage() error = %v", err)
	}
	if counts.Discarded != 2 {
		t.Errorf("ReclaimPage() counts = %+v, want Discarded=2", counts)
	}
	if !tracker.discarded {
		t.Errorf("ReclaimPage() did not mark the tracker discarded")
	}
	if len(n.pmm.(*fakePMM).freed) != 2 {
		t.Errorf("ReclaimPage() freed %d pages via pmm, want 2", len(n.pmm.(*fakePMM).freed))
	}
	for _, off := range []uint64{0, testPageSize} {
		if got := n.pageList.Lookup(off); got != nil && got.Kind == EntryPage {
			t.Errorf("ReclaimPage() left a page at offset %d after discard", off)
		}
	}
}

func TestNode_ReclaimPage_DiscardRefusesWhenNotEligible(t *testing.T) {
	tracker := &fakeDiscardableTracker{eligible: false}
	n := NewAnonymous(0, 0, testPageSize, testPageSize, newFakePMM(), tracker)
	_ = n.TransitionToAlive()
	if _, _, err := n.CommitRange(Range{Offset: 0, Length: testPageSize}); err != nil {
		t.Fatalf("CommitRange() error = %v", err)
	}
	e := n.pageList.Lookup(0)
	p := e.Page

	d := NewDeferredOps(n, n.pmm, nil)
	_, err := n.ReclaimPage(p, 0, EvictionFollowHeuristics, nil, d)
	d.Close()
	if err == nil {
		t.Errorf("ReclaimPage() expected error when tracker is not eligible, got nil")
	}
}

func TestNode_ReplacePage_ReplacesLoanedPage(t *testing.T) {
	n := newTestAnonymous(testPageSize)
	_ = n.TransitionToAlive()
	if _, _, err := n.CommitRange(Range{Offset: 0, Length: testPageSize}); err != nil {
		t.Fatalf("CommitRange() error = %v", err)
	}
	e := n.pageList.Lookup(0)
	original := e.Page
	original.Loaned = true
	original.Data[0] = 0x42

	d := NewDeferredOps(n, n.pmm, nil)
	if err := n.ReplacePage(0, d); err != nil {
		t.Fatalf("ReplacePage() error = %v", err)
	}
	d.Close()

	got := n.pageList.Lookup(0)
	if got == nil || got.Kind != EntryPage {
		t.Fatalf("ReplacePage() left no page installed: %v", got)
	}
	if got.Page.Loaned {
		t.Errorf("ReplacePage() left the replacement page loaned")
	}
	if got.Page.Data[0] != 0x42 {
		t.Errorf("ReplacePage() did not copy original page contents")
	}
	found := false
	for _, freed := range n.pmm.(*fakePMM).freed {
		if freed == original.Page {
			found = true
		}
	}
	if !found {
		t.Errorf("ReplacePage() did not free the original loaned page via the pmm")
	}
}

func TestNode_ReplacePage_RefusesNonLoanedPage(t *testing.T) {
	n := newTestAnonymous(testPageSize)
	_ = n.TransitionToAlive()
	if _, _, err := n.CommitRange(Range{Offset: 0, Length: testPageSize}); err != nil {
		t.Fatalf("CommitRange() error = %v", err)
	}

	d := NewDeferredOps(n, n.pmm, nil)
	err := n.ReplacePage(0, d)
	d.Close()
	if err == nil {
		t.Errorf("ReplacePage() on a non-loaned page expected error, got nil")
	}
}

func TestNode_ReplacePagesWithNonLoaned_ReplacesAllLoanedPages(t *testing.T) {
	n := newTestAnonymous(testPageSize * 2)
	_ = n.TransitionToAlive()
	if _, _, err := n.CommitRange(Range{Offset: 0, Length: testPageSize * 2}); err != nil {
		t.Fatalf("CommitRange() error = %v", err)
	}
	n.pageList.Lookup(0).Page.Loaned = true
	n.pageList.Lookup(testPageSize).Page.Loaned = false

	d := NewDeferredOps(n, n.pmm, nil)
	replaced, err := n.ReplacePagesWithNonLoaned(Range{Offset: 0, Length: testPageSize * 2}, d)
	d.Close()
	if err != nil {
		t.Fatalf("ReplacePagesWithNonLoaned() error = %v", err)
	}
	if replaced != 1 {
		t.Errorf("ReplacePagesWithNonLoaned() replaced = %d, want 1", replaced)
	}
	if n.pageList.Lookup(0).Page.Loaned {
		t.Errorf("ReplacePagesWithNonLoaned() left offset 0 loaned")
	}
}
