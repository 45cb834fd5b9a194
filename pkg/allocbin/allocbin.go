// Package allocbin implements AllocatorBin, the mutator-facing fast path
// for a single size class: a pointer pair (current page, current
// free-list head), with no per-allocation locking. Allocate tries the
// free list first and falls through to page rotation only on
// exhaustion.
package allocbin

import (
	"github.com/1stub/allocator/internal/runtime"
	"github.com/1stub/allocator/pkg/pagealloc"
	"github.com/1stub/allocator/pkg/pagemgr"
	"github.com/1stub/allocator/pkg/schema"
)

// AllocatorBin hands out objects of one size class.
type AllocatorBin struct {
	EntrySize  int
	Manager    *pagemgr.PageManager
	Descriptor *schema.Descriptor

	page *pagealloc.Page
}

// New creates a bin for entrySize-byte objects, obtaining its first page
// immediately. index is the Runtime-wide PageIndex (see
// pkg/pagealloc.PageIndex); every bin in a Runtime shares the same one so
// root resolution works across size classes.
func New(entrySize int, canaryMode bool, allocator pagealloc.PageAllocator, descriptor *schema.Descriptor, index *pagealloc.PageIndex) (*AllocatorBin, error) {
	mgr := pagemgr.New(entrySize, canaryMode, allocator, index)
	p, err := mgr.AcquireFreshAllPage()
	if err != nil {
		return nil, err
	}
	return &AllocatorBin{EntrySize: entrySize, Manager: mgr, Descriptor: descriptor, page: p}, nil
}

// CurrentPage returns the page currently being allocated into.
func (b *AllocatorBin) CurrentPage() *pagealloc.Page { return b.page }

// Allocate pops the head of the current page's free list, rotating to a
// fresh page first if it is exhausted. The returned Object's MetaData is
// freshly cleared:
// IsAlloc=true, IsMarked=false, IsRoot=false, ForwardIndex=SentinelNone,
// RefCount=0, Age=0.
func (b *AllocatorBin) Allocate() (pagealloc.Object, error) {
	if !b.page.HasFree() {
		if err := b.rotate(); err != nil {
			return pagealloc.Object{}, err
		}
	}

	slot, ok := b.page.PopFree()
	if !ok {
		// rotate() always leaves a page with free capacity unless the
		// allocator itself is out of memory, in which case rotate
		// already returned an error above.
		return pagealloc.Object{}, runtime.ErrOutOfMemory
	}

	meta := b.page.Meta(slot)
	meta.Clear()
	meta.IsAlloc = true
	meta.Descriptor = b.Descriptor

	return pagealloc.Object{Page: b.page, Slot: slot}, nil
}

// rotate retires the exhausted page to filled_pages, then adopts a fresh
// one.
func (b *AllocatorBin) rotate() error {
	old := b.page
	b.Manager.RetireToFilled(old)

	fresh, err := b.Manager.AcquireFreshAllPage()
	if err != nil {
		return err
	}
	b.page = fresh
	return nil
}

// PrepareForCollection retires every page this bin currently owns in
// all_pages — not only the page being actively allocated into, but every
// earlier page still sitting in all_pages (including survivor pages a
// prior cycle's FinishCycle folded back in) — into filled_pages, then
// adopts a fresh page for further allocation. Called once per bin at the
// start of a collection cycle so every previously allocated object, no
// matter which cycle produced its page, is visible to this cycle's
// mark/evacuate pass.
func (b *AllocatorBin) PrepareForCollection() error {
	b.Manager.RetireAllForCollection()

	fresh, err := b.Manager.AcquireFreshAllPage()
	if err != nil {
		return err
	}
	b.page = fresh
	return nil
}
