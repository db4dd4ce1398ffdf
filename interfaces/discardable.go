package interfaces

// DiscardableState is the per-node discardable-tracker state machine
// (spec.md §6).
type DiscardableState uint8

const (
	DiscardableUnset DiscardableState = iota
	DiscardableReclaimable
	DiscardableUnreclaimable
	DiscardableDiscarded
)

// DiscardableTracker is the opaque lock/unlock-counting collaborator
// spec.md treats as external; the core engine only reads eligibility and
// flips the Discarded transition.
type DiscardableTracker interface {
	Init(node interface{})
	Lock(try bool) (wasDiscarded bool, ok bool)
	Unlock()
	IsEligibleForReclamation() bool
	SetDiscarded()
	RemoveFromDiscardableList()
	State() DiscardableState
}
