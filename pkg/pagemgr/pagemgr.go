// Package pagemgr implements PageManager: the three singly-linked page
// chains backing one size class — all_pages (pages currently being
// allocated into), filled_pages (pages pending collection), and the
// evacuate chain (the destination of moved survivors) — threaded
// through intrusive Page.Next links rather than a separate index
// structure, since a size class's page count is small enough that a
// linked chain stays cheap to walk.
package pagemgr

import (
	"github.com/1stub/allocator/pkg/pagealloc"
)

// PageManager owns the three page chains for one size class.
type PageManager struct {
	EntrySize  int
	CanaryMode bool
	Allocator  pagealloc.PageAllocator
	Index      *pagealloc.PageIndex

	AllPages     *pagealloc.Page
	FilledPages  *pagealloc.Page
	EvacuatePage *pagealloc.Page

	nextOrdinal    int
	pagesByOrdinal []*pagealloc.Page
}

// New returns a PageManager with empty chains for the given size class.
// index is shared across every size class in a Runtime so the collector
// can resolve a conservative root candidate to its Page regardless of
// which bin allocated it; it may be nil in tests that never scan roots.
func New(entrySize int, canaryMode bool, allocator pagealloc.PageAllocator, index *pagealloc.PageIndex) *PageManager {
	return &PageManager{EntrySize: entrySize, CanaryMode: canaryMode, Allocator: allocator, Index: index}
}

func (pm *PageManager) register(p *pagealloc.Page) {
	p.Ordinal = pm.nextOrdinal
	p.Owner = pm
	pm.nextOrdinal++
	pm.pagesByOrdinal = append(pm.pagesByOrdinal, p)
	if pm.Index != nil {
		pm.Index.Register(p)
	}
}

// ForEachPage visits every page currently owned by pm, across all three
// chains (all_pages, filled_pages, the evacuate chain). The collector's
// pointer-rewrite pass needs this union: a forwarded object's address may
// be referenced from a page in any of the three, not only the ones being
// actively collected this cycle.
func (pm *PageManager) ForEachPage(fn func(*pagealloc.Page)) {
	for p := pm.AllPages; p != nil; p = p.Next {
		fn(p)
	}
	for p := pm.FilledPages; p != nil; p = p.Next {
		fn(p)
	}
	for p := pm.EvacuatePage; p != nil; p = p.Next {
		fn(p)
	}
}

// PageByOrdinal resolves a page ordinal (half of a forward index) back to
// its *pagealloc.Page, for the collector's pointer-rewrite pass.
func (pm *PageManager) PageByOrdinal(ordinal int) *pagealloc.Page {
	if ordinal < 0 || ordinal >= len(pm.pagesByOrdinal) {
		return nil
	}
	return pm.pagesByOrdinal[ordinal]
}

// AcquireFreshAllPage obtains a fresh page from the allocator, marks it
// ActiveAllocation, and prepends it to all_pages — the final step of the
// AllocatorBin rotation protocol.
func (pm *PageManager) AcquireFreshAllPage() (*pagealloc.Page, error) {
	p, err := pm.Allocator.FreshPage(pm.EntrySize, pm.CanaryMode)
	if err != nil {
		return nil, err
	}
	pm.register(p)
	p.State = pagealloc.ActiveAllocation
	p.Next = pm.AllPages
	pm.AllPages = p
	return p, nil
}

// RetireToFilled removes p from all_pages, marks it ActiveEvacuation, and
// prepends it to filled_pages — steps 1-2 of the rotation protocol.
func (pm *PageManager) RetireToFilled(p *pagealloc.Page) {
	pm.AllPages = removeFromChain(pm.AllPages, p)
	p.State = pagealloc.ActiveEvacuation
	p.Next = pm.FilledPages
	pm.FilledPages = p
}

// RetireAllForCollection moves every page currently in all_pages —
// not just the bin's actively-allocating page, but every survivor page a
// prior FinishCycle folded back in and every other page this bin has ever
// allocated — into filled_pages, marking each ActiveEvacuation. Called
// once per bin at the start of a collection cycle so no previously
// allocated page, and no object inside it, is ever invisible to this
// cycle's mark and evacuate passes.
func (pm *PageManager) RetireAllForCollection() {
	for p := pm.AllPages; p != nil; {
		next := p.Next
		p.State = pagealloc.ActiveEvacuation
		p.Next = pm.FilledPages
		pm.FilledPages = p
		p = next
	}
	pm.AllPages = nil
}

// EvacuateDestinationHead returns the current head of the evacuate
// chain — the page evacuation writes survivors into — or nil if none has
// been acquired yet this cycle.
func (pm *PageManager) EvacuateDestinationHead() *pagealloc.Page {
	return pm.EvacuatePage
}

// AcquireFreshEvacPage obtains a fresh page, marks it EvacDestination,
// and prepends it to the evacuate chain. Called when the current
// destination page fills during evacuation; an allocation failure here
// is fatal, because the cycle cannot complete safely without somewhere
// to put the object already being copied.
func (pm *PageManager) AcquireFreshEvacPage() (*pagealloc.Page, error) {
	p, err := pm.Allocator.FreshPage(pm.EntrySize, pm.CanaryMode)
	if err != nil {
		return nil, err
	}
	pm.register(p)
	p.State = pagealloc.EvacDestination
	p.Next = pm.EvacuatePage
	pm.EvacuatePage = p
	return p, nil
}

// FinishCycle runs the per-PageManager half of the cycle's final
// cleanup: filled_pages have their free lists rebuilt and rejoin
// all_pages; evacuate-chain pages flip back to GroundState and are
// folded into all_pages too, becoming the new young-generation space.
// The evacuate chain itself is emptied; a fresh destination page is
// acquired lazily on the next cycle that needs one.
func (pm *PageManager) FinishCycle() {
	for p := pm.FilledPages; p != nil; {
		next := p.Next
		p.RebuildFreeList()
		p.State = pagealloc.GroundState
		p.Next = pm.AllPages
		pm.AllPages = p
		p = next
	}
	pm.FilledPages = nil

	for p := pm.EvacuatePage; p != nil; {
		next := p.Next
		p.State = pagealloc.GroundState
		p.Next = pm.AllPages
		pm.AllPages = p
		p = next
	}
	pm.EvacuatePage = nil
}

func removeFromChain(head *pagealloc.Page, target *pagealloc.Page) *pagealloc.Page {
	if head == target {
		return head.Next
	}
	for p := head; p != nil; p = p.Next {
		if p.Next == target {
			p.Next = target.Next
			return head
		}
	}
	return head
}
