package vmo

import (
	"testing"
)

const testPageSize = 4096

func TestPageList_LookupOrAllocate(t *testing.T) {
	type args struct {
		off    uint64
		policy IntervalPolicy
	}
	tests := []struct {
		name          string
		setup         func(pl *PageList)
		args          args
		wantKind      EntryKind
		wantInterval  bool
	}{
		{
			name: "fresh offset allocates an empty slot",
			args: args{off: 0, policy: NoIntervals},
			setup: func(pl *PageList) {},
			wantKind:     EntryEmpty,
			wantInterval: false,
		},
		{
			name: "offset inside interval with CheckForInterval reports interval",
			setup: func(pl *PageList) {
				_ = pl.AddZeroInterval(0, testPageSize*3, Dirty)
			},
			args:         args{off: testPageSize, policy: CheckForInterval},
			wantInterval: true,
		},
		{
			name: "offset inside interval with SplitInterval carves a slot",
			setup: func(pl *PageList) {
				_ = pl.AddZeroInterval(0, testPageSize*3, Dirty)
			},
			args:         args{off: testPageSize, policy: SplitInterval},
			wantKind:     EntryEmpty,
			wantInterval: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pl := NewPageList(testPageSize)
			tt.setup(pl)
			e, wasInInterval := pl.LookupOrAllocate(tt.args.off, tt.args.policy)
			if wasInInterval != tt.wantInterval {
				t.Errorf("LookupOrAllocate() wasInInterval = %v, want %v", wasInInterval, tt.wantInterval)
			}
			if tt.args.policy == CheckForInterval && wasInInterval {
				return
			}
			if e == nil || e.Kind != tt.wantKind {
				t.Errorf("LookupOrAllocate() entry kind = %v, want %v", e, tt.wantKind)
			}
		})
	}
}

func TestPageList_SplitIntervalLocked_PreservesFlanks(t *testing.T) {
	pl := NewPageList(testPageSize)
	if err := pl.AddZeroInterval(0, testPageSize*4, Dirty); err != nil {
		t.Fatalf("AddZeroInterval() error = %v", err)
	}

	splitAt := uint64(testPageSize * 2)
	if _, wasInInterval := pl.LookupOrAllocate(splitAt, SplitInterval); !wasInInterval {
		t.Fatalf("LookupOrAllocate() expected offset to be reported as formerly in interval")
	}

	if !pl.IsOffsetInZeroInterval(0) {
		t.Errorf("left remainder of split interval should still be tracked")
	}
	if !pl.IsOffsetInZeroInterval(testPageSize * 3) {
		t.Errorf("right remainder of split interval should still be tracked")
	}
	if pl.IsOffsetInZeroInterval(splitAt) {
		t.Errorf("split offset should no longer read as interval interior")
	}
	if e := pl.Lookup(splitAt); e == nil || e.Kind != EntryEmpty {
		t.Errorf("Lookup(splitAt) = %v, want an empty slot", e)
	}
}

func TestPageList_MergeOrInsertSlotLocked_FusesAdjacentIntervals(t *testing.T) {
	pl := NewPageList(testPageSize)
	if err := pl.AddZeroInterval(0, 0, Dirty); err != nil {
		t.Fatalf("AddZeroInterval() error = %v", err)
	}
	if err := pl.AddZeroInterval(testPageSize*2, testPageSize*2, Dirty); err != nil {
		t.Fatalf("AddZeroInterval() error = %v", err)
	}

	// The gap at testPageSize*1 is a plain content slot; clearing it back
	// into the interval space should fuse all three spans into one.
	pl.Set(testPageSize, pageEntry(&Page{}))
	pl.ReplacePageWithZeroInterval(testPageSize, Dirty)

	ivs := pl.Intervals()
	if len(ivs) != 1 {
		t.Fatalf("Intervals() = %d entries, want 1 after fuse; got %+v", len(ivs), ivs)
	}
	if ivs[0].start != 0 || ivs[0].end != testPageSize*2 {
		t.Errorf("Intervals()[0] = %+v, want start=0 end=%d", ivs[0], testPageSize*2)
	}
}

func TestPageList_MarkAndResolveAwaitingClean(t *testing.T) {
	pl := NewPageList(testPageSize)
	if err := pl.AddZeroInterval(0, testPageSize*3, Dirty); err != nil {
		t.Fatalf("AddZeroInterval() error = %v", err)
	}

	// Mark only the first half of the interval AwaitingClean.
	pl.MarkIntervalsAwaitingClean(0, testPageSize*2)

	ivs := pl.Intervals()
	if len(ivs) != 1 || ivs[0].dirty != AwaitingClean {
		t.Fatalf("Intervals() after MarkIntervalsAwaitingClean = %+v, want single AwaitingClean interval", ivs)
	}
	if ivs[0].awaitingCleanLen != testPageSize*2 {
		t.Errorf("awaitingCleanLen = %d, want %d", ivs[0].awaitingCleanLen, testPageSize*2)
	}

	// Resolving the same sub-range should clip the cleaned prefix off and
	// leave only the Dirty remainder.
	pl.ResolveAwaitingCleanIntervals(0, testPageSize*2)

	ivs = pl.Intervals()
	if len(ivs) != 1 {
		t.Fatalf("Intervals() after ResolveAwaitingCleanIntervals = %d, want 1; got %+v", len(ivs), ivs)
	}
	if ivs[0].dirty != Dirty || ivs[0].start != testPageSize*2 || ivs[0].end != testPageSize*3 {
		t.Errorf("Intervals() = %+v, want a single Dirty span [%d, %d]", ivs, testPageSize*2, testPageSize*3)
	}
}

func TestPageList_ForEveryPageAndGapInRange(t *testing.T) {
	pl := NewPageList(testPageSize)
	pl.Set(0, pageEntry(&Page{}))
	pl.Set(testPageSize*2, pageEntry(&Page{}))

	var pages []uint64
	var gaps [][2]uint64
	err := pl.ForEveryPageAndGapInRange(func(off uint64, e *Entry) error {
		pages = append(pages, off)
		return nil
	}, func(lo, hi uint64) error {
		gaps = append(gaps, [2]uint64{lo, hi})
		return nil
	}, 0, testPageSize*3)
	if err != nil {
		t.Fatalf("ForEveryPageAndGapInRange() error = %v", err)
	}

	if len(pages) != 2 || pages[0] != 0 || pages[1] != testPageSize*2 {
		t.Errorf("pages = %v, want [0 %d]", pages, testPageSize*2)
	}
	if len(gaps) != 1 || gaps[0][0] != testPageSize || gaps[0][1] != testPageSize*2 {
		t.Errorf("gaps = %v, want single gap [%d,%d)", gaps, testPageSize, testPageSize*2)
	}
}
