package rootscan

import (
	"testing"

	"github.com/1stub/allocator/internal/runtime"
	"github.com/1stub/allocator/pkg/pagealloc"
	"github.com/1stub/allocator/pkg/pagetable"
)

// fakeWalker lets tests drive LoadNativeRootSet's filtering logic without
// touching real CPU registers or a real native frame chain.
type fakeWalker struct {
	frames  map[uintptr]fakeFrame
	entry   uintptr
	regs    []uintptr
}

type fakeFrame struct {
	returnAddr uintptr
	parent     uintptr
	hasParent  bool
}

func (w *fakeWalker) CurrentFrame() Frame { return Frame{fp: w.entry} }

func (w *fakeWalker) ParentFrame(f Frame) (Frame, bool) {
	fr, ok := w.frames[f.fp]
	if !ok || !fr.hasParent {
		return Frame{}, false
	}
	return Frame{fp: fr.parent}, true
}

func (w *fakeWalker) ReturnSlot(f Frame) uintptr {
	return w.frames[f.fp].returnAddr
}

func (w *fakeWalker) Registers() []uintptr { return w.regs }

// scratchAllocator is a minimal pagealloc.PageAllocator that only
// implements the scratch-page half of the interface, enough to exercise
// LoadNativeRootSet.
type scratchAllocator struct{}

func (scratchAllocator) FreshPage(entrySize int, canaryMode bool) (*pagealloc.Page, error) {
	panic("not used by these tests")
}
func (scratchAllocator) Release(p *pagealloc.Page) error { panic("not used by these tests") }
func (scratchAllocator) ScratchPage() ([]byte, error) {
	return make([]byte, runtime.BlockSize), nil
}
func (scratchAllocator) ReleaseScratch(data []byte) error { return nil }

func newTestThreadInfo(t *testing.T, stackBase uintptr, managed map[uintptr]bool, walker StackWalker) *ThreadInfo {
	t.Helper()
	table := pagetable.New()
	for base := range managed {
		table.Insert(base)
	}
	return &ThreadInfo{
		ID:        1,
		StackBase: stackBase,
		table:     table,
		allocator: scratchAllocator{},
		walker:    walker,
		stackTop:  func() uintptr { return stackBase - 0x100 },
	}
}

func TestLoadNativeRootSetAcceptsManagedReturnAddress(t *testing.T) {
	const managedPage = 0x4000_0000
	managed := map[uintptr]bool{managedPage: true}

	walker := &fakeWalker{
		entry: 0x7f00,
		frames: map[uintptr]fakeFrame{
			0x7f00: {returnAddr: managedPage + 0x10, hasParent: false},
		},
	}

	ti := newTestThreadInfo(t, 0x8000, managed, walker)
	roots, err := ti.LoadNativeRootSet(0, ^uintptr(0))
	if err != nil {
		t.Fatalf("LoadNativeRootSet: %v", err)
	}
	if len(roots) != 1 || roots[0] != managedPage+0x10 {
		t.Fatalf("roots = %v, want [%#x]", roots, managedPage+0x10)
	}
}

func TestLoadNativeRootSetRejectsUnmanagedAddress(t *testing.T) {
	walker := &fakeWalker{
		entry: 0x7f00,
		frames: map[uintptr]fakeFrame{
			0x7f00: {returnAddr: 0x1234, hasParent: false},
		},
	}

	ti := newTestThreadInfo(t, 0x8000, nil, walker)
	roots, err := ti.LoadNativeRootSet(0, ^uintptr(0))
	if err != nil {
		t.Fatalf("LoadNativeRootSet: %v", err)
	}
	if len(roots) != 0 {
		t.Fatalf("roots = %v, want none", roots)
	}
}

func TestLoadNativeRootSetRejectsOutOfRange(t *testing.T) {
	const managedPage = 0x4000_0000
	managed := map[uintptr]bool{managedPage: true}

	walker := &fakeWalker{
		entry: 0x7f00,
		frames: map[uintptr]fakeFrame{
			0x7f00: {returnAddr: managedPage, hasParent: false},
		},
	}

	ti := newTestThreadInfo(t, 0x8000, managed, walker)
	// Range gate excludes the managed page entirely.
	roots, err := ti.LoadNativeRootSet(managedPage+runtime.BlockSize, ^uintptr(0))
	if err != nil {
		t.Fatalf("LoadNativeRootSet: %v", err)
	}
	if len(roots) != 0 {
		t.Fatalf("roots = %v, want none (outside range gate)", roots)
	}
}

func TestLoadNativeRootSetWalksFrameChain(t *testing.T) {
	const pageA = 0x4000_0000
	const pageB = 0x5000_0000
	managed := map[uintptr]bool{pageA: true, pageB: true}

	walker := &fakeWalker{
		entry: 0x100,
		frames: map[uintptr]fakeFrame{
			0x100: {returnAddr: pageA + 8, parent: 0x200, hasParent: true},
			0x200: {returnAddr: pageB + 16, parent: 0x300, hasParent: true},
			0x300: {returnAddr: 0x99, hasParent: false},
		},
	}

	ti := newTestThreadInfo(t, 0x400, managed, walker)
	roots, err := ti.LoadNativeRootSet(0, ^uintptr(0))
	if err != nil {
		t.Fatalf("LoadNativeRootSet: %v", err)
	}
	if len(roots) != 2 {
		t.Fatalf("roots = %v, want 2 entries", roots)
	}
}

func TestLoadNativeRootSetIncludesManagedRegister(t *testing.T) {
	const managedPage = 0x4000_0000
	managed := map[uintptr]bool{managedPage: true}

	walker := &fakeWalker{
		entry: 0x100,
		frames: map[uintptr]fakeFrame{
			0x100: {returnAddr: 0x99, hasParent: false},
		},
		regs: []uintptr{0x1, managedPage + 4, 0x2},
	}

	ti := newTestThreadInfo(t, 0x400, managed, walker)
	roots, err := ti.LoadNativeRootSet(0, ^uintptr(0))
	if err != nil {
		t.Fatalf("LoadNativeRootSet: %v", err)
	}
	if len(roots) != 1 || roots[0] != managedPage+4 {
		t.Fatalf("roots = %v, want [%#x]", roots, managedPage+4)
	}
}

func TestAllTracksRegisteredThreads(t *testing.T) {
	lock := runtime.NewGlobalLock()
	table := pagetable.New()
	ti := Register(lock, table, scratchAllocator{})
	defer ti.Unregister()

	found := false
	for _, t2 := range All() {
		if t2.ID == ti.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("Register'd thread %d not found in All()", ti.ID)
	}
}
