// Package pagesource provides an in-memory stand-in for a user pager,
// used by tests and the demo CLI in place of a real RPC-backed
// PageSource (spec.md §6).
package pagesource

import (
	"sync"

	"github.com/dsnet/golib/memfile"
	"github.com/ryogrid/cowvmo/interfaces"
)

// MemPageSource backs a VMO with an in-memory file: GetPages reads bytes
// already present in the file (or zero, if the caller asked for offsets
// the backing file has never seen), resolving synchronously since there
// is no real transport to wait on.
//
// Grounded on the teacher's ParentBufMgrDummy ("store data in memory
// only and don't manage memory usage") in parent_buf_mgr_dummy.go: a
// minimal, synchronous, in-process sample implementation of an external
// collaborator interface.
type MemPageSource struct {
	mu       sync.Mutex
	file     *memfile.File
	pageSize uint64
	props    interfaces.PageSourceProperties
	hlock    *interfaces.PagerHierarchyLock
	detached bool
	closed   bool
}

// NewMemPageSource creates a page source backed by an in-memory file
// seeded with the given bytes (may be nil/empty for a lazily-supplied
// VMO).
func NewMemPageSource(seed []byte, pageSize uint64, props interfaces.PageSourceProperties) *MemPageSource {
	return &MemPageSource{
		file:     memfile.New(seed),
		pageSize: pageSize,
		props:    props,
		hlock:    interfaces.NewPagerHierarchyLock(),
	}
}

func (s *MemPageSource) Properties() interfaces.PageSourceProperties { return s.props }

func (s *MemPageSource) GetPages(off, length uint64, req *interfaces.PageRequest, info interfaces.VmoInfo) error {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		req.Resolve(nil)
		return nil
	}
	buf := make([]byte, length)
	n, err := s.file.ReadAt(buf, int64(off))
	s.mu.Unlock()
	if err != nil && n == 0 {
		// Offsets never written read as zero; ReadAt past EOF is not a
		// supply failure here.
		buf = make([]byte, length)
	}
	s.OnPagesSupplied(off, length)
	req.Resolve(nil)
	return nil
}

func (s *MemPageSource) RequestDirtyTransition(req *interfaces.PageRequest, off, length uint64, info interfaces.VmoInfo) error {
	s.OnPagesDirtied(off, length)
	req.Resolve(nil)
	return nil
}

func (s *MemPageSource) OnPagesSupplied(off, length uint64) {}
func (s *MemPageSource) OnPagesDirtied(off, length uint64)  {}
func (s *MemPageSource) OnPagesFailed(off, length uint64, err error) {}

// FreePages persists freed page contents back into the backing file so a
// later GetPages for the same offset still observes the last-written
// bytes, mirroring a real pager's writeback target.
func (s *MemPageSource) FreePages(pages []*interfaces.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pages {
		if p == nil {
			continue
		}
		if _, err := s.file.WriteAt(p.Data, int64(p.Paddr)); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemPageSource) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	return nil
}

func (s *MemPageSource) IsDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

func (s *MemPageSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

func (s *MemPageSource) HierarchyLock() *interfaces.PagerHierarchyLock { return s.hlock }

// Bytes returns a snapshot of the backing file's current contents, for
// test assertions.
func (s *MemPageSource) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.file.Bytes()...)
}
