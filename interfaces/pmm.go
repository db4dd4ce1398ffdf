package interfaces

// PMM is the physical-memory-manager collaborator (spec.md §6 "PMM").
// VmCowPages never allocates physical memory itself; every page a node
// comes to own passes through one of these calls first.
type PMM interface {
	// AllocPage returns one zeroed physical page honoring flags (a
	// bitset meaningful only to the PMM implementation).
	AllocPage(flags uint32) (*Page, error)

	// AllocPages returns count zeroed physical pages.
	AllocPages(count int, flags uint32) ([]*Page, error)

	// AllocLoanedPage returns a page from the loan pool, running initFn
	// against its bytes before handing it back.
	AllocLoanedPage(initFn func([]byte)) (*Page, error)

	// Free returns pages to the allocator.
	Free(pages []*Page) error

	// FreePage returns a single page to the allocator.
	FreePage(p *Page) error

	// BeginFreeLoanedPage starts reclaiming a loaned page; the PMM may
	// need to coordinate with whoever lent it before it is reusable.
	BeginFreeLoanedPage(p *Page) error

	// FinishFreeLoanedPages completes a batch started with
	// BeginFreeLoanedPage.
	FinishFreeLoanedPages(pages []*Page) error

	// Queues returns the page-queue controller used to park pages in
	// age-tracked reclamation queues.
	Queues() PageQueues
}

// PageQueues is the per-page reclamation-queue controller exposed by the
// PMM (spec.md §6, "page_queues()").
type PageQueues interface {
	MoveToReclaim(p *Page)
	MoveToWired(p *Page)
	MoveToPinned(p *Page)
	SetToReclaim(p *Page)
	MarkAccessed(p *Page)
	Remove(p *Page)
}

// Page is the simulated physical page this module's collaborators hand
// each other. It carries exactly what the spec requires backlinks and
// dirty tracking to work (paddr, bytes, loaned flag); it is not a model
// of real MMU-visible memory.
type Page struct {
	Paddr  uint64
	Data   []byte
	Loaned bool
}
