// Package collector implements the stop-the-world collection cycle: load
// roots, mark, evacuate survivors, rewrite pointers, clear. It is the
// orchestration layer sitting on top of pkg/pagealloc, pkg/pagemgr,
// pkg/allocbin, pkg/schema, and pkg/rootscan. Those packages expose only
// per-bin and per-page steps (PrepareForCollection, FinishCycle,
// RebuildFreeList); Collector is the only place that sequences them into
// the five-step cycle.
//
// The reference-counting half of the hybrid generational design (old
// objects past YoungAgeThreshold tracked by RefCount rather than
// re-evacuated every cycle) recomputes RefCount from the current trace
// rather than decrementing it on each parent's death, since this
// collector has no write barrier to catch a pointer store happening
// between cycles.
package collector

import (
	"encoding/binary"
	"math"

	"github.com/1stub/allocator/internal/runtime"
	"github.com/1stub/allocator/pkg/allocbin"
	"github.com/1stub/allocator/pkg/pagealloc"
	"github.com/1stub/allocator/pkg/pagemgr"
	"github.com/1stub/allocator/pkg/pagetable"
	"github.com/1stub/allocator/pkg/rootscan"
)

// wordSize is the width of a pointer-shaped field as stored in an
// object's payload, independent of host uintptr width; every size class
// in this runtime stores child pointers as little-endian 64-bit values.
const wordSize = 8

// Collector runs collection cycles over a fixed set of AllocatorBins
// (one per size class) sharing a PageTable and PageIndex.
type Collector struct {
	Table  *pagetable.PageTable
	Index  *pagealloc.PageIndex
	Config runtime.Config
	Bins   []*allocbin.AllocatorBin

	worklist []pagealloc.Object
}

// New returns a Collector over the given bins. All bins must have been
// created against the same PageTable and PageIndex that table/index
// reference, or root resolution will silently fail to find objects.
func New(table *pagetable.PageTable, index *pagealloc.PageIndex, cfg runtime.Config, bins ...*allocbin.AllocatorBin) *Collector {
	return &Collector{Table: table, Index: index, Config: cfg.WithDefaults(), Bins: bins}
}

// RunCycle executes one full collection cycle: load roots, mark,
// evacuate, rewrite, clear. extraRoots lets a caller supply root
// addresses beyond what native stack scanning finds — e.g. global
// variables the host language keeps outside any mutator thread's stack —
// and is also how tests drive a cycle without registering a real
// rootscan.ThreadInfo.
func (c *Collector) RunCycle(extraRoots ...uintptr) error {
	for _, b := range c.Bins {
		if err := b.PrepareForCollection(); err != nil {
			return err
		}
	}

	c.resetRefCounts()

	c.worklist = c.worklist[:0]
	if err := c.loadRoots(extraRoots); err != nil {
		return err
	}

	c.mark()

	for _, b := range c.Bins {
		if err := c.evacuateBin(b); err != nil {
			return err
		}
	}

	for _, b := range c.Bins {
		c.rewriteBin(b)
	}

	c.clearStrayMarks()

	for _, b := range c.Bins {
		b.Manager.FinishCycle()
	}
	return nil
}

// resetRefCounts zeroes every live object's RefCount before marking, so
// it ends the cycle holding exactly the number of in-graph references
// (including the implicit root edge) discovered during this trace rather
// than an ever-growing total across cycles.
func (c *Collector) resetRefCounts() {
	for _, b := range c.Bins {
		b.Manager.ForEachPage(func(p *pagealloc.Page) {
			for slot := 0; slot < p.EntryCount; slot++ {
				meta := p.Meta(slot)
				if meta.IsAlloc {
					meta.RefCount = 0
				}
			}
		})
	}
}

// loadRoots scans every registered mutator thread's native stack and
// registers plus any explicitly supplied addresses, resolves each
// conservative candidate to an object, and marks the ones that resolve
// as roots.
func (c *Collector) loadRoots(extra []uintptr) error {
	type key struct {
		page *pagealloc.Page
		slot int
	}
	seen := make(map[key]bool)

	consider := func(word uintptr) {
		obj, ok := c.resolve(word)
		if !ok {
			return
		}
		k := key{obj.Page, obj.Slot}
		if seen[k] {
			return
		}
		seen[k] = true

		obj.Meta().IsRoot = true
		c.incRef(obj) // the root edge itself counts as one reference
		c.markOne(obj)
	}

	for _, w := range extra {
		consider(w)
	}

	for _, ti := range rootscan.All() {
		words, err := ti.LoadNativeRootSet(c.Config.MinManagedAddress, c.Config.MaxManagedAddress)
		if err != nil {
			return err
		}
		for _, w := range words {
			consider(w)
		}
	}
	return nil
}

// mark drains the worklist, tracing every child pointer of every marked
// object via its schema.Descriptor.
func (c *Collector) mark() {
	for len(c.worklist) > 0 {
		n := len(c.worklist) - 1
		obj := c.worklist[n]
		c.worklist = c.worklist[:n]
		c.traceChildren(obj)
	}
}

func (c *Collector) traceChildren(obj pagealloc.Object) {
	payload := obj.Payload()
	desc := obj.Meta().Descriptor
	for _, off := range desc.ChildOffsetsIn(payload, wordSize) {
		if off+wordSize > len(payload) {
			continue
		}
		addr := uintptr(binary.LittleEndian.Uint64(payload[off : off+wordSize]))
		if addr == 0 {
			continue
		}
		child, ok := c.resolve(addr)
		if !ok {
			continue
		}
		c.incRef(child)
		c.markOne(child)
	}
}

func (c *Collector) markOne(obj pagealloc.Object) {
	meta := obj.Meta()
	if meta.IsMarked {
		return
	}
	meta.IsMarked = true
	c.worklist = append(c.worklist, obj)
}

func (c *Collector) incRef(obj pagealloc.Object) {
	meta := obj.Meta()
	if meta.RefCount < math.MaxInt32 {
		meta.RefCount++
	}
}

// resolve turns an arbitrary machine word into the Object it is an
// interior pointer into, or (Object{}, false) if it is not recognized as
// one of this runtime's addresses. Used both for conservative root
// candidates and for exact child pointers read from a live payload.
//
// A word that passes the range gate and PageTable check but lands on a
// slot that is neither allocated nor a stale post-evacuation source slot
// is discarded here rather than accepted: spec.md §4.6's failure
// semantics require such a pointer to be "silently discarded (not
// dereferenced)", not treated as a live object.
func (c *Collector) resolve(addr uintptr) (pagealloc.Object, bool) {
	if !c.Table.Contains(addr) {
		return pagealloc.Object{}, false
	}
	page := c.Index.Lookup(addr)
	if page == nil {
		return pagealloc.Object{}, false
	}
	slot := page.SlotForAddr(addr)
	if slot < 0 {
		return pagealloc.Object{}, false
	}
	meta := page.Meta(slot)
	if !meta.IsAlloc && meta.ForwardIndex == runtime.SentinelNone {
		// Free slot: either genuinely never allocated, or garbage
		// abandoned by this cycle's evacuateBin. rewriteChildren still
		// needs to resolve an evacuated object's stale source address to
		// read its ForwardIndex, so a cleared-but-forwarded slot is not
		// rejected here — only one that is free with nothing recorded.
		return pagealloc.Object{}, false
	}
	return pagealloc.Object{Page: page, Slot: slot}, true
}

// evacuateBin evacuates one size class: every marked, non-root, young
// object in filled_pages is copied to the evacuate chain and its source
// slot's ForwardIndex recorded; marked root objects are left exactly
// where they are, since a conservative root candidate might not actually
// be a pointer and this collector can never be certain it is safe to
// move (and therefore rewrite) whatever referenced it. An object that has
// aged past YoungAgeThreshold is old-generation: spec.md §4.6 says it is
// "not evacuated" at all and instead lives or dies by RefCount, so it is
// left in place too, and reclaimed right here rather than by evacuation
// if nothing marked it this cycle. Unmarked allocated slots (young or
// old) are garbage and are left for Page.RebuildFreeList to thread back
// onto the free list during FinishCycle.
func (c *Collector) evacuateBin(b *allocbin.AllocatorBin) error {
	mgr := b.Manager
	for p := mgr.FilledPages; p != nil; p = p.Next {
		for slot := 0; slot < p.EntryCount; slot++ {
			meta := p.Meta(slot)
			if !meta.IsAlloc {
				continue
			}
			if !meta.IsMarked {
				// Unreachable. RebuildFreeList (run during FinishCycle)
				// only threads slots that are not IsAlloc back onto the
				// free list, so the reclamation itself has to happen
				// here, not there.
				meta.IsAlloc = false
				continue
			}
			if meta.IsRoot {
				c.resetSurvivorMeta(meta)
				continue
			}
			if meta.Age >= c.Config.YoungAgeThreshold {
				// Old generation: liveness is RefCount, not evacuation.
				// RefCount is recomputed from this cycle's trace (see
				// resetRefCounts/incRef) rather than decremented on a
				// parent's death, so a marked-but-RefCount==0 object
				// should never occur in practice; the check is made
				// explicit anyway because it is RefCount, not the mark
				// bit, that spec.md §4.6 names as the reclamation signal
				// for this generation.
				if meta.RefCount == 0 {
					meta.IsAlloc = false
					continue
				}
				c.resetSurvivorMeta(meta)
				continue
			}
			if err := c.evacuateOne(mgr, pagealloc.Object{Page: p, Slot: slot}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Collector) evacuateOne(mgr *pagemgr.PageManager, src pagealloc.Object) error {
	dst := mgr.EvacuateDestinationHead()
	if dst == nil || !dst.HasFree() {
		var err error
		dst, err = mgr.AcquireFreshEvacPage()
		if err != nil {
			return err
		}
	}
	slot, ok := dst.PopFree()
	if !ok {
		return runtime.ErrOutOfMemory
	}

	copy(dst.Payload(slot), src.Payload())
	dstMeta := dst.Meta(slot)
	*dstMeta = *src.Meta()
	c.resetSurvivorMeta(dstMeta)

	dstObj := pagealloc.Object{Page: dst, Slot: slot}
	src.Meta().ForwardIndex = dstObj.Ordinal()
	src.Meta().IsAlloc = false
	return nil
}

// resetSurvivorMeta clears the per-cycle bookkeeping (mark bit, root
// status, forward index) a survivor no longer needs once evacuation and
// rewriting have used it, and advances Age toward YoungAgeThreshold.
func (c *Collector) resetSurvivorMeta(meta *pagealloc.MetaData) {
	meta.IsMarked = false
	meta.IsRoot = false
	meta.ForwardIndex = runtime.SentinelNone
	if meta.Age < c.Config.YoungAgeThreshold {
		meta.Age++
	}
}

// rewriteBin rewrites one size class: every still-live object, wherever
// it lives (not only the pages this cycle touched), has its child
// pointers rewritten to follow any forwarding recorded this cycle.
func (c *Collector) rewriteBin(b *allocbin.AllocatorBin) {
	b.Manager.ForEachPage(func(p *pagealloc.Page) {
		for slot := 0; slot < p.EntryCount; slot++ {
			if !p.Meta(slot).IsAlloc {
				continue
			}
			c.rewriteChildren(pagealloc.Object{Page: p, Slot: slot})
		}
	})
}

func (c *Collector) rewriteChildren(obj pagealloc.Object) {
	payload := obj.Payload()
	desc := obj.Meta().Descriptor
	for _, off := range desc.ChildOffsetsIn(payload, wordSize) {
		if off+wordSize > len(payload) {
			continue
		}
		addr := uintptr(binary.LittleEndian.Uint64(payload[off : off+wordSize]))
		if addr == 0 {
			continue
		}
		child, ok := c.resolve(addr)
		if !ok {
			continue
		}
		fwd := child.Meta().ForwardIndex
		if fwd == runtime.SentinelNone {
			continue
		}
		mgr, ok := child.Page.Owner.(*pagemgr.PageManager)
		if !ok {
			continue
		}
		pageOrdinal, dstSlot := pagealloc.DecodeOrdinal(fwd)
		dstPage := mgr.PageByOrdinal(pageOrdinal)
		if dstPage == nil {
			continue
		}
		binary.LittleEndian.PutUint64(payload[off:off+wordSize], uint64(dstPage.SlotAddr(dstSlot)))
	}
}

// clearStrayMarks resets the per-cycle bookkeeping of any allocated object
// outside filled_pages that is still marked after evacuation. evacuateBin
// only visits filled_pages; PrepareForCollection has already moved every
// all_pages page there and evacuateOne resets each copy it makes, so this
// sweep normally finds nothing, but it guarantees that no mark bit
// carries over into the next cycle.
func (c *Collector) clearStrayMarks() {
	for _, b := range c.Bins {
		b.Manager.ForEachPage(func(p *pagealloc.Page) {
			for slot := 0; slot < p.EntryCount; slot++ {
				meta := p.Meta(slot)
				if meta.IsAlloc && meta.IsMarked {
					c.resetSurvivorMeta(meta)
				}
			}
		})
	}
}
