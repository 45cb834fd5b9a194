// Package pagealloc implements the PageAllocator and Page abstractions: a
// BlockSize-aligned, zeroed, OS-backed region carrying a header and an
// array of equal-size entry slots, plus the intra-page free list that
// threads those slots together.
//
// The mmap acquisition code (mmap_unix.go / mmap_windows.go) uses a raw
// golang.org/x/sys/unix syscall shape, mapping anonymous MAP_ANON |
// MAP_PRIVATE memory rather than a file-backed MAP_SHARED region, since
// these pages are never persisted. Page carries no pin-counting mutex:
// page lists are single-owner under a stop-the-world collector, so there
// is no concurrent reader to protect against.
package pagealloc

import (
	"encoding/binary"

	"github.com/1stub/allocator/internal/runtime"
	"github.com/1stub/allocator/pkg/schema"
)

// State is a Page's position in its lifecycle:
// GroundState -> ActiveAllocation -> ActiveEvacuation -> GroundState for
// pages owned by a bin, or GroundState -> EvacDestination -> GroundState
// for pages on the evacuate chain.
type State int

const (
	GroundState State = iota
	ActiveAllocation
	ActiveEvacuation
	EvacDestination
)

func (s State) String() string {
	switch s {
	case GroundState:
		return "ground"
	case ActiveAllocation:
		return "active-allocation"
	case ActiveEvacuation:
		return "active-evacuation"
	case EvacDestination:
		return "evac-destination"
	default:
		return "unknown"
	}
}

// MetaData is colocated, logically, with every entry slot (allocated or
// free) and must be cleared on allocation and on an entry's return to the
// free list.
type MetaData struct {
	IsAlloc      bool
	IsMarked     bool
	IsRoot       bool
	Age          int
	RefCount     int32
	ForwardIndex uint64 // SentinelNone until the object is evacuated this cycle
	Descriptor   *schema.Descriptor
}

// Clear resets m to the state every free or freshly allocated slot must
// be in.
func (m *MetaData) Clear() {
	*m = MetaData{ForwardIndex: runtime.SentinelNone}
}

// Page is a BlockSize-aligned region holding EntryCount equal-size
// entries of EntrySize payload bytes each, plus per-slot MetaData and
// (optionally) guard canary words.
type Page struct {
	Base       uintptr
	EntrySize  int
	EntryCount int
	FreeCount  int
	State      State
	Next       *Page // intrusive next-page link
	Ordinal    int   // index in the owning PageManager's page table; used to encode ForwardIndex

	// Owner is the *pagemgr.PageManager this page belongs to, stored as
	// an opaque value so this package need not import pagemgr (which
	// already imports pagealloc). The collector type-asserts it back to
	// resolve a ForwardIndex's page ordinal against the correct manager,
	// since ordinals are only unique within one PageManager.
	Owner any

	canaryMode bool
	slotStride int    // bytes per slot in data, including canary words if enabled
	data       []byte // raw backing memory, length BlockSize
	meta       []MetaData
	freeHead   uint64 // slot index of the free list head, SentinelNone if empty
}

const canaryWordSize = 8

// newPage lays out a fresh, already-zeroed BlockSize buffer into
// entryCount slots of entrySize payload bytes, threading every slot into
// the free list in order: slot 0 -> slot 1 -> ... -> slot N-1 -> null.
func newPage(base uintptr, data []byte, entrySize int, canaryMode bool) *Page {
	stride := entrySize
	if canaryMode {
		stride += 2 * canaryWordSize
	}
	entryCount := len(data) / stride

	p := &Page{
		Base:       base,
		EntrySize:  entrySize,
		EntryCount: entryCount,
		FreeCount:  entryCount,
		State:      GroundState,
		canaryMode: canaryMode,
		slotStride: stride,
		data:       data,
		meta:       make([]MetaData, entryCount),
		freeHead:   runtime.SentinelNone,
	}

	for i := entryCount - 1; i >= 0; i-- {
		p.meta[i].Clear()
		p.stampCanaries(i)
		p.setFreeNext(i, p.freeHead)
		p.freeHead = uint64(i)
	}
	return p
}

func (p *Page) slotOffset(slot int) int { return slot * p.slotStride }

// Payload returns the payload bytes of slot i (excludes canary words).
func (p *Page) Payload(slot int) []byte {
	off := p.slotOffset(slot)
	if p.canaryMode {
		off += canaryWordSize
	}
	return p.data[off : off+p.EntrySize]
}

// Meta returns a pointer to slot i's MetaData.
func (p *Page) Meta(slot int) *MetaData { return &p.meta[slot] }

// SlotAddr returns the address of slot i's payload, as an object base a
// root scanner or collector can hand back to the mutator.
func (p *Page) SlotAddr(slot int) uintptr {
	off := p.slotOffset(slot)
	if p.canaryMode {
		off += canaryWordSize
	}
	return p.Base + uintptr(off)
}

// SlotForAddr resolves an interior pointer into the page back to its
// containing slot index by consulting the page's entry size and layout.
// Returns -1 if addr does not fall within any slot's payload.
func (p *Page) SlotForAddr(addr uintptr) int {
	if addr < p.Base {
		return -1
	}
	rel := int(addr - p.Base)
	slot := rel / p.slotStride
	if slot < 0 || slot >= p.EntryCount {
		return -1
	}
	payloadStart := p.slotOffset(slot)
	if p.canaryMode {
		payloadStart += canaryWordSize
	}
	payloadEnd := payloadStart + p.EntrySize
	if rel < payloadStart || rel >= payloadEnd {
		return -1
	}
	return slot
}

func (p *Page) stampCanaries(slot int) {
	if !p.canaryMode {
		return
	}
	off := p.slotOffset(slot)
	binary.LittleEndian.PutUint64(p.data[off:off+canaryWordSize], runtime.AllocDebugCanaryValue)
	postOff := off + canaryWordSize + p.EntrySize
	binary.LittleEndian.PutUint64(p.data[postOff:postOff+canaryWordSize], runtime.AllocDebugCanaryValue)
}

// CheckCanaries verifies slot i's guard words, returning a fatal error if
// either has been overwritten. No-op (always nil) when canary mode is
// off.
func (p *Page) CheckCanaries(slot int) *runtime.FatalError {
	if !p.canaryMode {
		return nil
	}
	off := p.slotOffset(slot)
	pre := binary.LittleEndian.Uint64(p.data[off : off+canaryWordSize])
	if pre != runtime.AllocDebugCanaryValue {
		return &runtime.FatalError{Kind: "canary", PageBase: p.Base, Slot: slot,
			Expected: runtime.AllocDebugCanaryValue, Actual: pre, Detail: "pre-canary"}
	}
	postOff := off + canaryWordSize + p.EntrySize
	post := binary.LittleEndian.Uint64(p.data[postOff : postOff+canaryWordSize])
	if post != runtime.AllocDebugCanaryValue {
		return &runtime.FatalError{Kind: "canary", PageBase: p.Base, Slot: slot,
			Expected: runtime.AllocDebugCanaryValue, Actual: post, Detail: "post-canary"}
	}
	return nil
}

// freeNext/setFreeNext overlay the next-link of a free slot on the first
// pointer-sized word of its payload region.
func (p *Page) freeNext(slot int) uint64 {
	payload := p.Payload(slot)
	return binary.LittleEndian.Uint64(payload[:8])
}

func (p *Page) setFreeNext(slot int, next uint64) {
	payload := p.Payload(slot)
	binary.LittleEndian.PutUint64(payload[:8], next)
}

// PopFree pops the head of the free list, restamping its canaries,
// returning (slot, true), or (0, false) if the page has no free slots.
func (p *Page) PopFree() (int, bool) {
	if p.freeHead == runtime.SentinelNone {
		return 0, false
	}
	slot := int(p.freeHead)
	p.freeHead = p.freeNext(slot)
	p.stampCanaries(slot)
	p.FreeCount--
	return slot, true
}

// PushFree returns slot to the head of the free list, clearing its
// MetaData and restamping its canaries, mirroring allocation's restamp
// on the way out.
func (p *Page) PushFree(slot int) {
	p.meta[slot].Clear()
	p.stampCanaries(slot)
	p.setFreeNext(slot, p.freeHead)
	p.freeHead = uint64(slot)
	p.FreeCount++
}

// AllocCount returns the number of slots currently marked IsAlloc, used
// by the slot-accounting verifier.
func (p *Page) AllocCount() int {
	n := 0
	for i := range p.meta {
		if p.meta[i].IsAlloc {
			n++
		}
	}
	return n
}

// RebuildFreeList discards the current free list and rebuilds it from
// every slot not currently marked IsAlloc. Run once per source page at
// the end of a collection cycle, after evacuation has cleared IsAlloc on
// every slot that turned out to be garbage.
func (p *Page) RebuildFreeList() {
	p.freeHead = runtime.SentinelNone
	p.FreeCount = 0
	for i := p.EntryCount - 1; i >= 0; i-- {
		if p.meta[i].IsAlloc {
			continue
		}
		p.meta[i].Clear()
		p.stampCanaries(i)
		p.setFreeNext(i, p.freeHead)
		p.freeHead = uint64(i)
		p.FreeCount++
	}
}

// HasFree reports whether the page has at least one free slot.
func (p *Page) HasFree() bool { return p.freeHead != runtime.SentinelNone }
