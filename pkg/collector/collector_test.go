package collector

import (
	"encoding/binary"
	"testing"

	"github.com/1stub/allocator/internal/runtime"
	"github.com/1stub/allocator/pkg/allocbin"
	"github.com/1stub/allocator/pkg/pagealloc"
	"github.com/1stub/allocator/pkg/pagetable"
	"github.com/1stub/allocator/pkg/schema"
)

func setupBin(t *testing.T) (*pagetable.PageTable, *pagealloc.PageIndex, *allocbin.AllocatorBin) {
	t.Helper()
	table := pagetable.New()
	index := pagealloc.NewPageIndex()
	allocator := pagealloc.NewDeterministicPageAllocator(table, 8, 0)
	desc := schema.NewFixed(0, 8)
	bin, err := allocbin.New(16, false, allocator, desc, index)
	if err != nil {
		t.Fatalf("allocbin.New: %v", err)
	}
	return table, index, bin
}

func setChild(obj pagealloc.Object, offset int, addr uintptr) {
	binary.LittleEndian.PutUint64(obj.Payload()[offset:offset+8], uint64(addr))
}

func childAt(obj pagealloc.Object, offset int) uintptr {
	return uintptr(binary.LittleEndian.Uint64(obj.Payload()[offset : offset+8]))
}

func TestRunCycleKeepsRootPinnedAndReclaimsGarbage(t *testing.T) {
	table, index, bin := setupBin(t)

	root, err := bin.Allocate()
	if err != nil {
		t.Fatalf("Allocate root: %v", err)
	}
	garbage, err := bin.Allocate()
	if err != nil {
		t.Fatalf("Allocate garbage: %v", err)
	}

	rootAddr := root.Addr()

	c := New(table, index, runtime.Config{}, bin)
	if err := c.RunCycle(rootAddr); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if root.Addr() != rootAddr {
		t.Fatalf("pinned root moved: got %#x, want %#x", root.Addr(), rootAddr)
	}
	if !root.Meta().IsAlloc {
		t.Fatalf("pinned root was reclaimed")
	}
	if root.Meta().IsMarked {
		t.Fatalf("root's mark bit was not cleared at cycle end")
	}
	if root.Meta().RefCount != 1 {
		t.Fatalf("root RefCount = %d, want 1 (the root edge)", root.Meta().RefCount)
	}
	if garbage.Meta().IsAlloc {
		t.Fatalf("unreachable object was not reclaimed")
	}
}

func TestRunCycleEvacuatesReachableChildAndRewritesPointer(t *testing.T) {
	table, index, bin := setupBin(t)

	child, err := bin.Allocate()
	if err != nil {
		t.Fatalf("Allocate child: %v", err)
	}
	root, err := bin.Allocate()
	if err != nil {
		t.Fatalf("Allocate root: %v", err)
	}
	setChild(root, 0, child.Addr())
	oldChildAddr := child.Addr()

	c := New(table, index, runtime.Config{}, bin)
	if err := c.RunCycle(root.Addr()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	newChildAddr := childAt(root, 0)
	if newChildAddr == oldChildAddr {
		t.Fatalf("reachable non-root object was not evacuated")
	}
	if !table.Contains(newChildAddr) {
		t.Fatalf("rewritten child address %#x not recognized as managed", newChildAddr)
	}
	childPage := index.Lookup(newChildAddr)
	if childPage == nil {
		t.Fatalf("no page registered for evacuated child address")
	}
	slot := childPage.SlotForAddr(newChildAddr)
	if slot < 0 || !childPage.Meta(slot).IsAlloc {
		t.Fatalf("evacuated child slot is not live")
	}
}

func TestRunCycleSharedChildGetsRefCountTwo(t *testing.T) {
	table, index, bin := setupBin(t)

	child, err := bin.Allocate()
	if err != nil {
		t.Fatalf("Allocate child: %v", err)
	}
	parentA, err := bin.Allocate()
	if err != nil {
		t.Fatalf("Allocate parentA: %v", err)
	}
	parentB, err := bin.Allocate()
	if err != nil {
		t.Fatalf("Allocate parentB: %v", err)
	}
	setChild(parentA, 0, child.Addr())
	setChild(parentB, 0, child.Addr())

	c := New(table, index, runtime.Config{}, bin)
	if err := c.RunCycle(parentA.Addr(), parentB.Addr()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	newChildAddr := childAt(parentA, 0)
	if newChildAddr != childAt(parentB, 0) {
		t.Fatalf("parents disagree on the evacuated child's address")
	}
	childPage := index.Lookup(newChildAddr)
	slot := childPage.SlotForAddr(newChildAddr)
	if got := childPage.Meta(slot).RefCount; got != 2 {
		t.Fatalf("shared child RefCount = %d, want 2", got)
	}
}

func TestRunCycleOldGenerationSurvivesInPlaceAcrossCycles(t *testing.T) {
	table, index, bin := setupBin(t)

	root, err := bin.Allocate()
	if err != nil {
		t.Fatalf("Allocate root: %v", err)
	}
	child, err := bin.Allocate()
	if err != nil {
		t.Fatalf("Allocate child: %v", err)
	}
	setChild(root, 0, child.Addr())

	cfg := runtime.Config{YoungAgeThreshold: 3}
	c := New(table, index, cfg, bin)

	// Age the child past the threshold by hand rather than running three
	// cycles: the first child-aging cycle is identical regardless of how
	// many prior cycles it took, so this directly isolates the
	// past-threshold behavior.
	child.Meta().Age = cfg.YoungAgeThreshold

	oldChildAddr := child.Addr()
	for i := 0; i < 3; i++ {
		if err := c.RunCycle(root.Addr()); err != nil {
			t.Fatalf("RunCycle %d: %v", i, err)
		}
		if !child.Meta().IsAlloc {
			t.Fatalf("cycle %d: old-generation child reachable via a live root was reclaimed", i)
		}
		if newChildAddr := childAt(root, 0); newChildAddr != oldChildAddr {
			t.Fatalf("cycle %d: old-generation child was evacuated (moved from %#x to %#x), spec.md says past-threshold objects are not evacuated", i, oldChildAddr, newChildAddr)
		}
		if child.Meta().RefCount == 0 {
			t.Fatalf("cycle %d: reachable old-generation child has RefCount 0", i)
		}
	}
}

func TestRunCycleOldGenerationReclaimedWhenUnreachable(t *testing.T) {
	table, index, bin := setupBin(t)

	child, err := bin.Allocate()
	if err != nil {
		t.Fatalf("Allocate child: %v", err)
	}

	cfg := runtime.Config{YoungAgeThreshold: 3}
	child.Meta().Age = cfg.YoungAgeThreshold

	c := New(table, index, cfg, bin)
	if err := c.RunCycle(); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if child.Meta().IsAlloc {
		t.Fatalf("unreachable old-generation object was not reclaimed")
	}
}

func TestResolveDiscardsPointerIntoFreeSlot(t *testing.T) {
	table, index, bin := setupBin(t)

	obj, err := bin.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	addr := obj.Addr()
	bin.CurrentPage().PushFree(obj.Page.SlotForAddr(addr))

	c := New(table, index, runtime.Config{}, bin)
	if _, ok := c.resolve(addr); ok {
		t.Fatalf("resolve accepted a pointer into a free slot")
	}
}
