// Canary and slot-accounting verification: this runtime checks the fixed
// guard words placed around every entry slot and the free/alloc slot
// accounting invariant, sweeping every page in a chain.
package pagealloc

import (
	"fmt"

	"github.com/1stub/allocator/internal/runtime"
)

// VerifyCanariesInBlock checks the pre/post canary words of a single
// slot. An out-of-range slot is always reported; for an in-range slot it
// returns nil when canary mode is off or both words are intact.
func VerifyCanariesInBlock(p *Page, slot int) *runtime.FatalError {
	if slot < 0 || slot >= p.EntryCount {
		return &runtime.FatalError{Kind: "canary", PageBase: p.Base, Slot: slot,
			Detail: "slot out of range"}
	}
	return p.CheckCanaries(slot)
}

// VerifyCanariesInPage checks every slot's canaries and the page's
// free/alloc slot accounting invariant: length(freelist) +
// count(isalloc=true entries) must equal the page's entry count.
func VerifyCanariesInPage(p *Page) *runtime.FatalError {
	for slot := 0; slot < p.EntryCount; slot++ {
		if err := p.CheckCanaries(slot); err != nil {
			return err
		}
	}
	return VerifySlotAccounting(p)
}

// VerifySlotAccounting checks only the free/alloc slot accounting
// invariant, without touching canaries, for callers that want that one
// check without paying for a full canary sweep.
func VerifySlotAccounting(p *Page) *runtime.FatalError {
	freeLen := freeListLength(p)
	allocCount := p.AllocCount()
	if freeLen+allocCount != p.EntryCount {
		return &runtime.FatalError{
			Kind:     "slot-accounting",
			PageBase: p.Base,
			Detail: fmt.Sprintf("free=%d alloc=%d entrycount=%d",
				freeLen, allocCount, p.EntryCount),
		}
	}
	return nil
}

func freeListLength(p *Page) int {
	n := 0
	cur := p.freeHead
	for cur != runtime.SentinelNone {
		n++
		if cur >= uint64(p.EntryCount) {
			break
		}
		cur = p.freeNext(int(cur))
		if n > p.EntryCount {
			// Defensive: a cyclic free list would otherwise loop forever;
			// this itself is a slot-accounting bug the caller should
			// report.
			break
		}
	}
	return n
}

// VerifyAllCanaries walks every page reachable from the given chains
// (allocator-bin pages and evacuate-chain pages) and reports the first
// fatal error found, or nil.
func VerifyAllCanaries(chains ...*Page) *runtime.FatalError {
	for _, head := range chains {
		for p := head; p != nil; p = p.Next {
			if err := VerifyCanariesInPage(p); err != nil {
				return err
			}
		}
	}
	return nil
}
