package pagesource

import (
	"testing"

	"github.com/ryogrid/cowvmo/interfaces"
)

const testPageSize = 4096

func TestMemPageSource_GetPages_ReadsSeededBytes(t *testing.T) {
	seed := make([]byte, testPageSize)
	seed[10] = 0x7F
	s := NewMemPageSource(seed, testPageSize, interfaces.PageSourceProperties{})

	req := interfaces.NewPageRequest("req-1", 0, testPageSize)
	if err := s.GetPages(0, testPageSize, req, interfaces.VmoInfo{}); err != nil {
		t.Fatalf("GetPages() error = %v", err)
	}
	if got := s.Bytes()[10]; got != 0x7F {
		t.Errorf("Bytes()[10] = %x, want 0x7F", got)
	}
}

func TestMemPageSource_GetPages_UnwrittenOffsetReadsZero(t *testing.T) {
	s := NewMemPageSource(nil, testPageSize, interfaces.PageSourceProperties{})

	req := interfaces.NewPageRequest("req-1", testPageSize*4, testPageSize)
	if err := s.GetPages(testPageSize*4, testPageSize, req, interfaces.VmoInfo{}); err != nil {
		t.Fatalf("GetPages() past EOF error = %v", err)
	}
}

func TestMemPageSource_GetPages_DetachedResolvesWithoutReading(t *testing.T) {
	s := NewMemPageSource([]byte{1, 2, 3}, testPageSize, interfaces.PageSourceProperties{})
	if err := s.Detach(); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	if !s.IsDetached() {
		t.Errorf("IsDetached() = false after Detach()")
	}

	req := interfaces.NewPageRequest("req-1", 0, testPageSize)
	if err := s.GetPages(0, testPageSize, req, interfaces.VmoInfo{}); err != nil {
		t.Fatalf("GetPages() error = %v", err)
	}
	select {
	case <-req.Done:
	default:
		t.Errorf("GetPages() on a detached source did not resolve the request")
	}
}

func TestMemPageSource_FreePages_PersistsContentForLaterRead(t *testing.T) {
	s := NewMemPageSource(nil, testPageSize, interfaces.PageSourceProperties{})

	data := make([]byte, testPageSize)
	data[0] = 0x55
	if err := s.FreePages([]*interfaces.Page{{Paddr: 0, Data: data}}); err != nil {
		t.Fatalf("FreePages() error = %v", err)
	}

	req := interfaces.NewPageRequest("req-1", 0, testPageSize)
	if err := s.GetPages(0, testPageSize, req, interfaces.VmoInfo{}); err != nil {
		t.Fatalf("GetPages() error = %v", err)
	}
	if got := s.Bytes()[0]; got != 0x55 {
		t.Errorf("Bytes()[0] = %x, want 0x55 after FreePages()", got)
	}
}

func TestMemPageSource_FreePages_SkipsNilPages(t *testing.T) {
	s := NewMemPageSource(nil, testPageSize, interfaces.PageSourceProperties{})
	if err := s.FreePages([]*interfaces.Page{nil}); err != nil {
		t.Errorf("FreePages() with a nil page error = %v, want nil", err)
	}
}

func TestMemPageSource_Close_IsIdempotent(t *testing.T) {
	s := NewMemPageSource(nil, testPageSize, interfaces.PageSourceProperties{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() second call error = %v, want nil", err)
	}
}

func TestMemPageSource_HierarchyLock_SerializesAcquisition(t *testing.T) {
	s := NewMemPageSource(nil, testPageSize, interfaces.PageSourceProperties{})
	l := s.HierarchyLock()
	l.Lock()
	done := make(chan struct{})
	go func() {
		l.Lock()
		l.Unlock()
		close(done)
	}()
	select {
	case <-done:
		t.Errorf("second HierarchyLock acquisition did not block while held")
	default:
	}
	l.Unlock()
	<-done
}
