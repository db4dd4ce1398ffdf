// Package pmm provides a physical-memory-manager stand-in for
// contiguous/physical root VMOs, reserving page-aligned blocks suitable
// for O_DIRECT transfer (spec.md §6 "PMM").
package pmm

import (
	"sync"
	"sync/atomic"

	"github.com/ncw/directio"
	"github.com/ryogrid/cowvmo/interfaces"
)

// DirectPMM allocates directio-aligned blocks in place of real physical
// pages, so pages handed to callers are safe to hand to an O_DIRECT
// transfer without an extra bounce buffer.
//
// Adapted from the teacher's storage/buffer/parent_bufmgr_impl.go
// wrapper-struct-over-a-concrete-manager shape (a thin interface
// adapter around a real resource manager); the wrapped manager here
// allocates directio-aligned memory instead of delegating to the
// teacher's (unavailable) SamehadaDB buffer pool.
type DirectPMM struct {
	mu        sync.Mutex
	pageSize  int
	nextPaddr uint64
	queues    *reclaimQueues
}

// NewDirectPMM constructs a PMM that hands out directio.BlockSize-
// aligned pages. pageSize must be a multiple of directio.BlockSize.
func NewDirectPMM(pageSize int) *DirectPMM {
	return &DirectPMM{
		pageSize: pageSize,
		queues:   newReclaimQueues(),
	}
}

func (m *DirectPMM) AllocPage(flags uint32) (*interfaces.Page, error) {
	buf := directio.AlignedBlock(m.pageSize)
	paddr := atomic.AddUint64(&m.nextPaddr, uint64(m.pageSize))
	return &interfaces.Page{Paddr: paddr, Data: buf}, nil
}

func (m *DirectPMM) AllocPages(count int, flags uint32) ([]*interfaces.Page, error) {
	pages := make([]*interfaces.Page, count)
	for i := range pages {
		p, err := m.AllocPage(flags)
		if err != nil {
			return pages[:i], err
		}
		pages[i] = p
	}
	return pages, nil
}

// AllocLoanedPage allocates a page and marks it loaned; initFn seeds its
// contents before the page is handed out.
func (m *DirectPMM) AllocLoanedPage(initFn func([]byte)) (*interfaces.Page, error) {
	p, err := m.AllocPage(0)
	if err != nil {
		return nil, err
	}
	p.Loaned = true
	if initFn != nil {
		initFn(p.Data)
	}
	return p, nil
}

func (m *DirectPMM) Free(pages []*interfaces.Page) error {
	for _, p := range pages {
		if err := m.FreePage(p); err != nil {
			return err
		}
	}
	return nil
}

func (m *DirectPMM) FreePage(p *interfaces.Page) error {
	if p == nil {
		return nil
	}
	m.queues.Remove(p)
	return nil
}

func (m *DirectPMM) BeginFreeLoanedPage(p *interfaces.Page) error {
	if p == nil || !p.Loaned {
		return newInvalidArgs("BeginFreeLoanedPage: page is not loaned")
	}
	return nil
}

func (m *DirectPMM) FinishFreeLoanedPages(pages []*interfaces.Page) error {
	for _, p := range pages {
		m.queues.Remove(p)
	}
	return nil
}

func (m *DirectPMM) Queues() interfaces.PageQueues { return m.queues }

type invalidArgsErr string

func (e invalidArgsErr) Error() string { return string(e) }

func newInvalidArgs(msg string) error { return invalidArgsErr(msg) }

// reclaimQueues is a minimal set of the page queues the PMM
// exposes per spec.md §6 "page_queues()". It tracks membership only
// (which queue a page is currently parked in), not real LRU ordering,
// since eviction order policy is the reclaimer's concern, not this
// collaborator's.
type reclaimQueues struct {
	mu    sync.Mutex
	queue map[*interfaces.Page]string
}

func newReclaimQueues() *reclaimQueues {
	return &reclaimQueues{queue: make(map[*interfaces.Page]string)}
}

func (q *reclaimQueues) MoveToReclaim(p *interfaces.Page) { q.set(p, "reclaim") }
func (q *reclaimQueues) MoveToWired(p *interfaces.Page)   { q.set(p, "wired") }
func (q *reclaimQueues) MoveToPinned(p *interfaces.Page)  { q.set(p, "pinned") }
func (q *reclaimQueues) SetToReclaim(p *interfaces.Page)  { q.set(p, "reclaim") }

func (q *reclaimQueues) MarkAccessed(p *interfaces.Page) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queue[p]; ok {
		q.queue[p] = "accessed"
	}
}

func (q *reclaimQueues) Remove(p *interfaces.Page) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queue, p)
}

func (q *reclaimQueues) set(p *interfaces.Page, state string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue[p] = state
}
