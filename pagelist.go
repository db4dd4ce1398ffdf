package vmo

import (
	"sort"
	"sync"
)

// IntervalPolicy controls how LookupOrAllocate treats an offset that
// falls inside an existing zero interval (spec.md §4.a).
type IntervalPolicy uint8

const (
	NoIntervals IntervalPolicy = iota
	CheckForInterval
	SplitInterval
)

type intervalRange struct {
	start, end       uint64 // inclusive, page-aligned
	dirty            DirtyState
	awaitingCleanLen uint64
}

func (r *intervalRange) contains(off uint64) bool { return off >= r.start && off <= r.end }

// PageList is the sparse offset -> content-entry map described in
// spec.md §4.a. Internally it keeps concrete entries in a map (the
// teacher's bufmgr.go keys its buffer pool by a hash of the page number
// the same way: a flat associative index rather than a balanced tree)
// and zero intervals in a separate sorted slice, since interval interiors
// are never materialized.
type PageList struct {
	mu        sync.Mutex
	pageSize  uint64
	skew      uint64
	entries   map[uint64]*Entry
	intervals []*intervalRange // sorted by start, non-overlapping
}

func NewPageList(pageSize uint64) *PageList {
	return &PageList{
		pageSize: pageSize,
		entries:  make(map[uint64]*Entry),
	}
}

func (pl *PageList) Skew() uint64     { return pl.skew }
func (pl *PageList) SetSkew(s uint64) { pl.skew = s }

// Lookup returns the entry stored at off, or nil if the slot is empty or
// lies in the interior of a zero interval (whose presence is still
// discoverable via IsOffsetInZeroInterval).
func (pl *PageList) Lookup(off uint64) *Entry {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.lookupLocked(off)
}

func (pl *PageList) lookupLocked(off uint64) *Entry {
	if e, ok := pl.entries[off]; ok {
		return e
	}
	if rng := pl.findIntervalLocked(off); rng != nil {
		switch {
		case rng.start == rng.end:
			return intervalSlotEntry(rng.dirty)
		case off == rng.start:
			e := intervalStartEntry(rng.dirty)
			e.AwaitingCleanLen = rng.awaitingCleanLen
			return e
		case off == rng.end:
			return intervalEndEntry(rng.dirty)
		}
	}
	return nil
}

// LookupMut returns the same entry as Lookup but documents that the
// caller intends to mutate it in place (Page/Reference fields); the
// underlying map already stores pointers, so no copy is needed.
func (pl *PageList) LookupMut(off uint64) *Entry { return pl.Lookup(off) }

func (pl *PageList) findIntervalLocked(off uint64) *intervalRange {
	i := sort.Search(len(pl.intervals), func(i int) bool { return pl.intervals[i].end >= off })
	if i < len(pl.intervals) && pl.intervals[i].contains(off) {
		return pl.intervals[i]
	}
	return nil
}

// IsOffsetInZeroInterval reports whether off falls anywhere within a
// tracked zero interval, start/end sentinels included.
func (pl *PageList) IsOffsetInZeroInterval(off uint64) bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.findIntervalLocked(off) != nil
}

// LookupOrAllocate returns (slot, wasInInterval) per spec.md §4.a.
func (pl *PageList) LookupOrAllocate(off uint64, policy IntervalPolicy) (*Entry, bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if e, ok := pl.entries[off]; ok {
		return e, false
	}

	if rng := pl.findIntervalLocked(off); rng != nil {
		switch policy {
		case CheckForInterval:
			return nil, true
		case SplitInterval:
			return pl.splitIntervalLocked(rng, off), true
		default:
			// NoIntervals: caller asked to ignore interval bookkeeping;
			// fall through to a plain allocation, leaving the interval's
			// own sentinels as-is (the caller is responsible for not
			// corrupting interval well-formedness when it does this).
		}
	}

	e := emptyEntry()
	pl.entries[off] = e
	return e, false
}

// splitIntervalLocked turns the interval containing off into two
// intervals (or fewer, if off sits at an edge) plus a single usable slot
// at off, per the SplitInterval policy.
func (pl *PageList) splitIntervalLocked(rng *intervalRange, off uint64) *Entry {
	pl.removeIntervalLocked(rng)

	if rng.start < off {
		left := &intervalRange{start: rng.start, end: off - pl.pageSize, dirty: rng.dirty, awaitingCleanLen: rng.awaitingCleanLen}
		pl.insertIntervalLocked(left)
	}
	if off < rng.end {
		right := &intervalRange{start: off + pl.pageSize, end: rng.end, dirty: rng.dirty}
		pl.insertIntervalLocked(right)
	}

	e := emptyEntry()
	pl.entries[off] = e
	return e
}

func (pl *PageList) insertIntervalLocked(rng *intervalRange) {
	i := sort.Search(len(pl.intervals), func(i int) bool { return pl.intervals[i].start >= rng.start })
	pl.intervals = append(pl.intervals, nil)
	copy(pl.intervals[i+1:], pl.intervals[i:])
	pl.intervals[i] = rng
}

func (pl *PageList) removeIntervalLocked(rng *intervalRange) {
	for i, r := range pl.intervals {
		if r == rng {
			pl.intervals = append(pl.intervals[:i], pl.intervals[i+1:]...)
			return
		}
	}
}

// RemoveContent removes a Page/Reference entry, leaving the slot empty.
func (pl *PageList) RemoveContent(off uint64) *Entry {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	e, ok := pl.entries[off]
	if !ok || !e.IsContent() {
		return nil
	}
	delete(pl.entries, off)
	return e
}

// Set installs e at off directly, overwriting whatever was there. It does
// not touch interval bookkeeping; callers that need interval-aware
// overwrite use OverwriteZeroInterval.
func (pl *PageList) Set(off uint64, e *Entry) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if e == nil {
		delete(pl.entries, off)
		return
	}
	pl.entries[off] = e
}

// RemovePages removes every Page/Reference entry in [lo, hi), invoking cb
// for each before removal.
func (pl *PageList) RemovePages(cb func(off uint64, e *Entry), lo, hi uint64) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for off := lo; off < hi; off += pl.pageSize {
		if e, ok := pl.entries[off]; ok && e.IsContent() {
			if cb != nil {
				cb(off, e)
			}
			delete(pl.entries, off)
		}
	}
}

// ForEveryPageAndGapInRange walks [lo, hi), calling pageCb for contiguous
// present pages and gapCb for contiguous gaps (anything that isn't a
// Page/Reference entry, including interval interiors).
func (pl *PageList) ForEveryPageAndGapInRange(pageCb func(off uint64, e *Entry) error, gapCb func(lo, hi uint64) error, lo, hi uint64) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	gapStart := uint64(0)
	inGap := false
	flushGap := func(end uint64) error {
		if inGap {
			inGap = false
			if gapCb != nil {
				return gapCb(gapStart, end)
			}
		}
		return nil
	}

	for off := lo; off < hi; off += pl.pageSize {
		if e, ok := pl.entries[off]; ok && e.IsContent() {
			if err := flushGap(off); err != nil {
				return err
			}
			if pageCb != nil {
				if err := pageCb(off, e); err != nil {
					return err
				}
			}
			continue
		}
		if !inGap {
			inGap = true
			gapStart = off
		}
	}
	return flushGap(hi)
}

// MergeRangeOntoAndClear moves every entry in [lo, hi) from pl into
// other, passing each through mergeFn first (mergeFn may return nil to
// drop it). delta translates pl's offset space into other's: an entry
// found at off in pl is installed at off-delta in other. Used by
// hidden-node merge, where a hidden node's own coordinate space and its
// surviving child's parent-relative space differ by the child's
// parentOffset.
func (pl *PageList) MergeRangeOntoAndClear(mergeFn func(off uint64, e *Entry) *Entry, other *PageList, lo, hi uint64, delta uint64) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()

	for off := lo; off < hi; off += pl.pageSize {
		e, ok := pl.entries[off]
		if !ok {
			continue
		}
		delete(pl.entries, off)
		if mergeFn != nil {
			e = mergeFn(off, e)
		}
		if e != nil {
			other.entries[off-delta] = e
		}
	}

	var kept []*intervalRange
	for _, rng := range pl.intervals {
		if rng.start >= lo && rng.end < hi {
			if mergeFn == nil {
				other.insertIntervalLocked(&intervalRange{
					start:            rng.start - delta,
					end:              rng.end - delta,
					dirty:            rng.dirty,
					awaitingCleanLen: rng.awaitingCleanLen,
				})
				continue
			}
		}
		kept = append(kept, rng)
	}
	pl.intervals = kept
}

// AddZeroInterval installs a new zero interval spanning [startOff,
// endOff] inclusive (spec.md §4.a). The caller must ensure no existing
// content lies strictly between the bounds.
func (pl *PageList) AddZeroInterval(startOff, endOff uint64, dirty DirtyState) error {
	if startOff > endOff {
		return newErr("AddZeroInterval", InvalidArgs, "start %d > end %d", startOff, endOff)
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.insertIntervalLocked(&intervalRange{start: startOff, end: endOff, dirty: dirty})
	return nil
}

// ClipIntervalStart advances the interval covering off so it now begins
// at newStart, shrinking it. off must currently be the interval's start.
func (pl *PageList) ClipIntervalStart(off, newStart uint64) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	rng := pl.findIntervalLocked(off)
	if rng == nil || rng.start != off {
		return
	}
	if newStart > rng.end {
		pl.removeIntervalLocked(rng)
		return
	}
	rng.start = newStart
}

// ClipIntervalEnd retreats the interval covering off so it now ends at
// newEnd, shrinking it. off must currently be the interval's end.
func (pl *PageList) ClipIntervalEnd(off, newEnd uint64) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	rng := pl.findIntervalLocked(off)
	if rng == nil || rng.end != off {
		return
	}
	if newEnd < rng.start {
		pl.removeIntervalLocked(rng)
		return
	}
	rng.end = newEnd
}

// PopulateSlotsInInterval clears interval bookkeeping across [lo, hi]
// (inclusive), leaving every offset in the sub-range a plain empty slot
// ready to receive real Page entries. Used by dirty_pages when a write
// forces allocation across a dirty zero interval.
func (pl *PageList) PopulateSlotsInInterval(lo, hi uint64) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	var touched []*intervalRange
	for _, rng := range pl.intervals {
		if rng.start <= hi && rng.end >= lo {
			touched = append(touched, rng)
		}
	}
	for _, rng := range touched {
		pl.removeIntervalLocked(rng)
		if rng.start < lo {
			pl.insertIntervalLocked(&intervalRange{start: rng.start, end: lo - pl.pageSize, dirty: rng.dirty, awaitingCleanLen: rng.awaitingCleanLen})
		}
		if rng.end > hi {
			pl.insertIntervalLocked(&intervalRange{start: hi + pl.pageSize, end: rng.end, dirty: rng.dirty})
		}
	}
}

// OverwriteZeroInterval forces off (which must lie within a zero
// interval) to hold e, splitting the interval around it.
func (pl *PageList) OverwriteZeroInterval(off uint64, e *Entry) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	rng := pl.findIntervalLocked(off)
	if rng == nil {
		return newErr("OverwriteZeroInterval", BadState, "offset %d not in an interval", off)
	}
	pl.splitIntervalLocked(rng, off)
	pl.entries[off] = e
	return nil
}

// ReplacePageWithZeroInterval removes the Page/Reference entry at off and
// folds the offset into a (possibly new, possibly merged) zero interval
// with the given dirty state.
func (pl *PageList) ReplacePageWithZeroInterval(off uint64, dirty DirtyState) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	delete(pl.entries, off)
	pl.mergeOrInsertSlotLocked(off, dirty)
}

// ReturnIntervalSlot re-fuses a single-page slot back into a surrounding
// interval of the same dirty state if one is adjacent.
func (pl *PageList) ReturnIntervalSlot(off uint64, dirty DirtyState) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	delete(pl.entries, off)
	pl.mergeOrInsertSlotLocked(off, dirty)
}

func (pl *PageList) mergeOrInsertSlotLocked(off uint64, dirty DirtyState) {
	var left, right *intervalRange
	for _, rng := range pl.intervals {
		if rng.dirty != dirty {
			continue
		}
		if rng.end+pl.pageSize == off {
			left = rng
		}
		if rng.start == off+pl.pageSize {
			right = rng
		}
	}
	switch {
	case left != nil && right != nil:
		left.end = right.end
		if right.awaitingCleanLen > left.awaitingCleanLen {
			left.awaitingCleanLen = right.awaitingCleanLen
		}
		pl.removeIntervalLocked(right)
	case left != nil:
		left.end = off
	case right != nil:
		right.start = off
	default:
		pl.insertIntervalLocked(&intervalRange{start: off, end: off, dirty: dirty})
	}
}

// MarkIntervalsAwaitingClean transitions every Dirty zero interval
// overlapping [lo, hi) to AwaitingClean, recording the covered span as
// the interval's awaiting-clean length (max-take: the field only grows,
// per the writeback Open Question resolved in DESIGN.md).
func (pl *PageList) MarkIntervalsAwaitingClean(lo, hi uint64) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for _, rng := range pl.intervals {
		if rng.end+pl.pageSize <= lo || rng.start >= hi || rng.dirty != Dirty {
			continue
		}
		covStart, covEnd := rng.start, rng.end+pl.pageSize
		if covStart < lo {
			covStart = lo
		}
		if covEnd > hi {
			covEnd = hi
		}
		covered := covEnd - covStart
		if covered > rng.awaitingCleanLen {
			rng.awaitingCleanLen = covered
		}
		rng.dirty = AwaitingClean
	}
}

// ResolveAwaitingCleanIntervals resolves the AwaitingClean zero intervals
// overlapping [lo, hi): an interval whose awaiting-clean length covers
// all of it is removed, and any other is clipped back to its still-dirty
// remainder.
func (pl *PageList) ResolveAwaitingCleanIntervals(lo, hi uint64) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	var touched []*intervalRange
	for _, rng := range pl.intervals {
		if rng.dirty == AwaitingClean && rng.start < hi && rng.end+pl.pageSize > lo {
			touched = append(touched, rng)
		}
	}
	for _, rng := range touched {
		pl.removeIntervalLocked(rng)
		span := rng.end + pl.pageSize - rng.start
		if rng.awaitingCleanLen >= span {
			continue
		}
		// Partially cleaned: clip the start forward by the
		// awaiting-clean length, leaving the dirty remainder.
		pl.insertIntervalLocked(&intervalRange{start: rng.start + rng.awaitingCleanLen, end: rng.end, dirty: Dirty})
	}
}

// Intervals returns a snapshot of the current zero intervals, sorted by
// start offset. Used by enumerate_dirty_ranges.
func (pl *PageList) Intervals() []intervalRange {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	out := make([]intervalRange, len(pl.intervals))
	for i, r := range pl.intervals {
		out[i] = *r
	}
	return out
}
