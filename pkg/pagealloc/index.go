package pagealloc

import (
	"sync"

	"github.com/1stub/allocator/internal/runtime"
)

// PageIndex maps a page base address back to the *Page object that owns
// it. PageTable (pkg/pagetable) only answers "is this address inside some
// page we own" with a bool, which is all conservative root filtering
// needs; once a candidate survives that filter, the collector needs the
// actual Page to resolve an interior pointer to a slot, and that is what
// PageIndex is for. Kept as its own type, alongside the trie, because
// root scanning runs far more often than resolution and should not pay
// for carrying Page pointers through every trie node.
type PageIndex struct {
	mu     sync.RWMutex
	byBase map[uintptr]*Page
}

// NewPageIndex returns an empty PageIndex.
func NewPageIndex() *PageIndex {
	return &PageIndex{byBase: make(map[uintptr]*Page)}
}

// Register records p under its base address.
func (idx *PageIndex) Register(p *Page) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byBase[p.Base] = p
}

// Unregister removes p. Pages are recycled rather than freed in normal
// operation, so this only matters when an allocator genuinely releases
// backing memory (OSPageAllocator.Release).
func (idx *PageIndex) Unregister(p *Page) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.byBase, p.Base)
}

// Lookup resolves any address known to fall inside a registered page
// (the caller must have already checked a PageTable) to that Page.
// Returns nil if addr's page base was never registered.
func (idx *PageIndex) Lookup(addr uintptr) *Page {
	base := addr &^ (uintptr(runtime.BlockSize) - 1)
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.byBase[base]
}
