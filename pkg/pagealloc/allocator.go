package pagealloc

import (
	"fmt"

	"github.com/1stub/allocator/internal/runtime"
	"github.com/1stub/allocator/pkg/pagetable"
)

// PageAllocator hands back a BlockSize-aligned, zeroed page already
// registered in the PageTable.
type PageAllocator interface {
	FreshPage(entrySize int, canaryMode bool) (*Page, error)

	// Release returns a page's backing memory and removes it from the
	// PageTable. Nothing in this runtime calls it: ordinary pages are
	// recycled through Page.State transitions instead, and the root
	// scanner's scratch buffer goes back through ReleaseScratch.
	Release(p *Page) error

	// ScratchPage hands back a zeroed, BlockSize-sized buffer with no
	// slot layout and no PageTable registration: the root scanner's
	// output array for root candidates discovered during a single scan,
	// not a page that can itself hold objects.
	ScratchPage() ([]byte, error)

	// ReleaseScratch returns a buffer obtained from ScratchPage.
	ReleaseScratch(data []byte) error
}

// OSPageAllocator is the production PageAllocator: it asks the OS for an
// anonymous, zeroed mapping (mmap_unix.go / mmap_windows.go) and
// registers every page it hands out in a shared PageTable so the root
// scanner can later recognize it as a managed address.
type OSPageAllocator struct {
	table *pagetable.PageTable
}

// NewOSPageAllocator returns a PageAllocator that allocates pages from
// the OS and registers them in table.
func NewOSPageAllocator(table *pagetable.PageTable) *OSPageAllocator {
	return &OSPageAllocator{table: table}
}

func (a *OSPageAllocator) FreshPage(entrySize int, canaryMode bool) (*Page, error) {
	data, base, err := acquireZeroedPage(runtime.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", runtime.ErrOutOfMemory, err)
	}
	a.table.Insert(base)
	return newPage(base, data, entrySize, canaryMode), nil
}

func (a *OSPageAllocator) Release(p *Page) error {
	a.table.Remove(p.Base)
	return releasePage(p.data)
}

func (a *OSPageAllocator) ScratchPage() ([]byte, error) {
	data, _, err := acquireZeroedPage(runtime.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", runtime.ErrOutOfMemory, err)
	}
	return data, nil
}

func (a *OSPageAllocator) ReleaseScratch(data []byte) error {
	return releasePage(data)
}

// DeterministicPageAllocator hands out pages at successive fixed
// addresses from a configured base instead of letting the OS choose, for
// reproducible tests. It still registers every page in the shared
// PageTable so conservative root scanning works identically to the
// OS-backed path.
//
// Pages are carved out of one large Go-heap arena rather than requesting
// fixed-address OS mappings (which would need MAP_FIXED and the
// willingness to clobber whatever the OS already placed there); the
// arena's backing array does not move once allocated, so addresses
// derived from it stay stable for the arena's lifetime. The address
// every Page reports as its Base is a purely logical bookkeeping value —
// nothing in this runtime ever reinterprets a Page.Base back into an
// unsafe.Pointer to read memory, only the arena slice itself is — so
// base need not equal the arena's real address; it is free to be the
// caller-supplied DeterministicBase instead, which is what makes
// addresses reproducible across runs regardless of where the Go
// allocator happened to place the arena this time.
type DeterministicPageAllocator struct {
	table  *pagetable.PageTable
	arena  []byte
	base   uintptr
	cursor int
}

// NewDeterministicPageAllocator reserves room for maxPages pages and
// starts handing out logical addresses as if the first page began at
// base (rounded down to a BlockSize boundary, since every page address
// must stay BlockSize-aligned for PageTable's masking arithmetic to
// work). base of zero means "derive it from the arena's own address",
// the behavior this type had before callers could supply
// Config.DeterministicBase.
func NewDeterministicPageAllocator(table *pagetable.PageTable, maxPages int, base uintptr) *DeterministicPageAllocator {
	arena := make([]byte, maxPages*runtime.BlockSize)
	if base == 0 {
		base = arenaBase(arena)
	}
	base &^= uintptr(runtime.BlockSize) - 1
	return &DeterministicPageAllocator{
		table: table,
		arena: arena,
		base:  base,
	}
}

func (a *DeterministicPageAllocator) FreshPage(entrySize int, canaryMode bool) (*Page, error) {
	start := a.cursor * runtime.BlockSize
	end := start + runtime.BlockSize
	if end > len(a.arena) {
		return nil, fmt.Errorf("%w: deterministic arena exhausted", runtime.ErrOutOfMemory)
	}
	data := a.arena[start:end]
	for i := range data {
		data[i] = 0
	}
	base := a.base + uintptr(start)
	a.cursor++

	a.table.Insert(base)
	return newPage(base, data, entrySize, canaryMode), nil
}

func (a *DeterministicPageAllocator) Release(p *Page) error {
	a.table.Remove(p.Base)
	return nil
}

// ScratchPage is not carved from the deterministic arena: it never holds
// objects and its address is never asserted on by a test, so an ordinary
// Go allocation is sufficient here.
func (a *DeterministicPageAllocator) ScratchPage() ([]byte, error) {
	return make([]byte, runtime.BlockSize), nil
}

func (a *DeterministicPageAllocator) ReleaseScratch(data []byte) error {
	return nil
}
