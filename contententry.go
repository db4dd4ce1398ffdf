package vmo

import (
	"github.com/google/uuid"
	"github.com/ryogrid/cowvmo/interfaces"
)

// EntryKind tags which variant a PageList slot currently holds (spec.md
// §3.1). Go has no native sum type; a tag plus payload pointers is the
// idiomatic stand-in, same shape the teacher uses for its own page slot
// accessors (Key/Value/Dead over a single byte layout in bltree.go).
type EntryKind uint8

const (
	EntryEmpty EntryKind = iota
	EntryMarker
	EntryPage
	EntryReference
	EntryParentContent
	EntryIntervalStart
	EntryIntervalEnd
	EntryIntervalSlot
)

func (k EntryKind) String() string {
	switch k {
	case EntryEmpty:
		return "Empty"
	case EntryMarker:
		return "Marker"
	case EntryPage:
		return "Page"
	case EntryReference:
		return "Reference"
	case EntryParentContent:
		return "ParentContent"
	case EntryIntervalStart:
		return "IntervalStart"
	case EntryIntervalEnd:
		return "IntervalEnd"
	case EntryIntervalSlot:
		return "IntervalSlot"
	default:
		return "?"
	}
}

// DirtyState is the per-page state machine of spec.md §3.2.
type DirtyState uint8

const (
	Untracked DirtyState = iota
	Clean
	Dirty
	AwaitingClean
)

func (s DirtyState) String() string {
	switch s {
	case Untracked:
		return "Untracked"
	case Clean:
		return "Clean"
	case Dirty:
		return "Dirty"
	case AwaitingClean:
		return "AwaitingClean"
	default:
		return "?"
	}
}

// CanTransitionTo reports whether the spec's transition table (§3.2)
// permits s -> next. It is intentionally conservative: anything not
// explicitly listed is rejected so callers catch new states immediately.
func (s DirtyState) CanTransitionTo(next DirtyState) bool {
	switch next {
	case Clean:
		return true // any -> Clean only on initial supply or WritebackEnd; callers gate the "only" part
	case Dirty:
		return s == Clean || s == AwaitingClean
	case AwaitingClean:
		return s == Dirty
	case Untracked:
		return s == Untracked
	}
	return false
}

// Page is a physical page attributed to an owner node at an offset
// (spec.md §3.1 "Page(p, share_count, pin_count, always_need,
// dirty_state, loaned?)"). It wraps the raw interfaces.Page the PMM
// handed out with the node-local bookkeeping the spec requires.
type Page struct {
	*interfaces.Page
	BacklinkNode   *Node
	BacklinkOffset uint64
	ShareCount     uint32
	PinCount       uint32
	AlwaysNeed     bool
	DirtyState     DirtyState
	accessed       bool
	highPriority   bool
}

// Reference is a compressed surrogate (spec.md §3.1 "Reference"). token
// is an opaque handle into the compressor; this module never interprets
// it, only carries it.
type Reference struct {
	Token      string
	ShareCount uint32
}

func newReferenceToken() string {
	return uuid.NewString()
}

// Entry is one slot of a PageList. Exactly one of Page/Ref is non-nil
// when Kind is EntryPage/EntryReference; interval fields are only
// meaningful on EntryIntervalStart/End/Slot.
type Entry struct {
	Kind EntryKind

	Page *Page
	Ref  *Reference

	// Interval sentinel fields (spec.md §3.1, §4.a).
	IntervalDirty    DirtyState
	AwaitingCleanLen uint64 // only meaningful, and only ever grows, on IntervalStart
}

func emptyEntry() *Entry { return &Entry{Kind: EntryEmpty} }

func markerEntry() *Entry { return &Entry{Kind: EntryMarker} }

func pageEntry(p *Page) *Entry { return &Entry{Kind: EntryPage, Page: p} }

func referenceEntry(ref *Reference) *Entry { return &Entry{Kind: EntryReference, Ref: ref} }

func parentContentEntry() *Entry { return &Entry{Kind: EntryParentContent} }

func intervalStartEntry(dirty DirtyState) *Entry {
	return &Entry{Kind: EntryIntervalStart, IntervalDirty: dirty}
}

func intervalEndEntry(dirty DirtyState) *Entry {
	return &Entry{Kind: EntryIntervalEnd, IntervalDirty: dirty}
}

func intervalSlotEntry(dirty DirtyState) *Entry {
	return &Entry{Kind: EntryIntervalSlot, IntervalDirty: dirty}
}

// IsContent reports whether the slot holds an actual page or reference
// (as opposed to empty/marker/sentinel bookkeeping).
func (e *Entry) IsContent() bool {
	return e != nil && (e.Kind == EntryPage || e.Kind == EntryReference)
}

func (e *Entry) IsInterval() bool {
	return e != nil && (e.Kind == EntryIntervalStart || e.Kind == EntryIntervalEnd || e.Kind == EntryIntervalSlot)
}
