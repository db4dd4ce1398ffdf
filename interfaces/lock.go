package interfaces

import "sync"

// PagerHierarchyLock is the serializing lock for a whole pager-rooted
// hierarchy (spec.md §5, §4.h). Every node sharing a root PageSource
// shares exactly one of these; DeferredOps acquires it for the duration
// of any mutating operation so user space observes a totally ordered
// sequence of mutations per hierarchy.
type PagerHierarchyLock struct {
	mu sync.Mutex
}

func NewPagerHierarchyLock() *PagerHierarchyLock {
	return &PagerHierarchyLock{}
}

func (l *PagerHierarchyLock) Lock()   { l.mu.Lock() }
func (l *PagerHierarchyLock) Unlock() { l.mu.Unlock() }
