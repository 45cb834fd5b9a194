// Package allocator is the mutator-facing entry point of this runtime:
// startup, thread registration, bin registration, allocation, running a
// collection cycle, and canary/slot-accounting verification, implemented
// as methods on a single constructed Runtime value rather than
// package-level globals.
package allocator

import (
	"github.com/1stub/allocator/internal/runtime"
	"github.com/1stub/allocator/pkg/allocbin"
	"github.com/1stub/allocator/pkg/collector"
	"github.com/1stub/allocator/pkg/pagealloc"
	"github.com/1stub/allocator/pkg/pagetable"
	"github.com/1stub/allocator/pkg/rootscan"
	"github.com/1stub/allocator/pkg/schema"
)

// Runtime bundles everything a host embedding this collector needs: the
// process-wide PageTable and PageIndex, the page allocator, and one
// AllocatorBin per registered size class. MarkFromRoots builds a fresh
// collector over the bins for each cycle.
type Runtime struct {
	Config runtime.Config

	lock      *runtime.GlobalLock
	table     *pagetable.PageTable
	index     *pagealloc.PageIndex
	allocator pagealloc.PageAllocator

	bins []*allocbin.AllocatorBin
	byES map[int]*allocbin.AllocatorBin
}

// NewRuntime constructs a Runtime ready to register threads and
// allocator bins. Zero-valued Config fields take their package defaults.
// cfg.Deterministic selects pagealloc.DeterministicPageAllocator instead
// of the OS-backed one, for reproducible test addresses.
func NewRuntime(cfg runtime.Config) *Runtime {
	cfg = cfg.WithDefaults()
	table := pagetable.New()

	var alloc pagealloc.PageAllocator
	if cfg.Deterministic {
		alloc = pagealloc.NewDeterministicPageAllocator(table, 4096, cfg.DeterministicBase)
	} else {
		alloc = pagealloc.NewOSPageAllocator(table)
	}

	return &Runtime{
		Config:    cfg,
		lock:      runtime.NewGlobalLock(),
		table:     table,
		index:     pagealloc.NewPageIndex(),
		allocator: alloc,
		byES:      make(map[int]*allocbin.AllocatorBin),
	}
}

// InitializeThreadLocalInfo registers the calling OS thread as a mutator
// thread. The returned ThreadInfo must be torn down with Unregister when
// the thread exits.
func (rt *Runtime) InitializeThreadLocalInfo() *rootscan.ThreadInfo {
	return rootscan.Register(rt.lock, rt.table, rt.allocator)
}

// InitializeAllocatorBin creates the bin for entrySize-byte objects laid
// out per descriptor. Calling it twice for the same entrySize returns
// the existing bin rather than erroring, since a host typically calls
// this once per object type it registers and object types can share a
// size class.
func (rt *Runtime) InitializeAllocatorBin(entrySize int, descriptor *schema.Descriptor) (*allocbin.AllocatorBin, error) {
	if b, ok := rt.byES[entrySize]; ok {
		return b, nil
	}
	var bin *allocbin.AllocatorBin
	var err error
	rt.lock.Do(func() {
		bin, err = allocbin.New(entrySize, rt.Config.CanaryMode, rt.allocator, descriptor, rt.index)
	})
	if err != nil {
		return nil, err
	}
	rt.byES[entrySize] = bin
	rt.bins = append(rt.bins, bin)
	return bin, nil
}

// Allocate hands out a fresh object from the bin for entrySize (spec.md
// §6's allocate(bin, type_descriptor) -> Object*).
func (rt *Runtime) Allocate(entrySize int) (pagealloc.Object, error) {
	bin, ok := rt.byES[entrySize]
	if !ok {
		return pagealloc.Object{}, runtime.ErrBinNotRegistered
	}
	return bin.Allocate()
}

// StopTheWorld runs fn as the sole active mutator action, under the
// single process-wide safepoint barrier spec.md §5 describes. It does
// not suspend other OS threads itself — true preemptive suspension is a
// host/runtime integration concern outside this package's scope (see
// DESIGN.md) — but it does guarantee fn does not interleave with another
// call to StopTheWorld or with bin registration.
func (rt *Runtime) StopTheWorld(fn func()) {
	rt.lock.Do(fn)
}

// MarkFromRoots runs one full collection cycle (load roots, mark,
// evacuate, rewrite, clear — spec.md §4.6) across every registered
// allocator bin, scanning every thread registered via
// InitializeThreadLocalInfo plus any explicitly supplied root addresses.
func (rt *Runtime) MarkFromRoots(extraRoots ...uintptr) error {
	var err error
	rt.StopTheWorld(func() {
		c := collector.New(rt.table, rt.index, rt.Config, rt.bins...)
		err = c.RunCycle(extraRoots...)
	})
	return err
}

// VerifyCanariesInBlock checks one object's guard words (spec.md §6's
// verify_canaries_in_block).
func (rt *Runtime) VerifyCanariesInBlock(obj pagealloc.Object) *runtime.FatalError {
	return pagealloc.VerifyCanariesInBlock(obj.Page, obj.Slot)
}

// VerifySlotAccounting checks the free/alloc slot accounting invariant
// of every page in every registered bin (spec.md §7's "Slot accounting
// mismatch").
func (rt *Runtime) VerifySlotAccounting() *runtime.FatalError {
	for _, bin := range rt.bins {
		var result *runtime.FatalError
		bin.Manager.ForEachPage(func(p *pagealloc.Page) {
			if result == nil {
				result = pagealloc.VerifySlotAccounting(p)
			}
		})
		if result != nil {
			return result
		}
	}
	return nil
}

// VerifyAllCanaries checks every slot's canaries across every page in
// every registered bin (spec.md §6's verify_all_canaries).
func (rt *Runtime) VerifyAllCanaries() *runtime.FatalError {
	for _, bin := range rt.bins {
		var result *runtime.FatalError
		bin.Manager.ForEachPage(func(p *pagealloc.Page) {
			if result == nil {
				result = pagealloc.VerifyCanariesInPage(p)
			}
		})
		if result != nil {
			return result
		}
	}
	return nil
}
