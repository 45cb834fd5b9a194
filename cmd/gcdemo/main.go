// cmd/gcdemo/main.go
//
// gcdemo - minimal driver for the generational moving collector.
//
// Usage:
//
//	gcdemo [object-count]
//
// Allocates a small linked chain of fixed-size objects, drops every
// other link, runs one collection cycle, and prints what survived.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"

	"github.com/1stub/allocator"
	"github.com/1stub/allocator/internal/runtime"
	"github.com/1stub/allocator/pkg/pagealloc"
	"github.com/1stub/allocator/pkg/schema"
)

const entrySize = 16 // one 8-byte "next" pointer, one 8-byte payload word

func main() {
	count := 8
	if len(os.Args) > 1 {
		n, err := strconv.Atoi(os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "gcdemo: invalid object count %q: %v\n", os.Args[1], err)
			os.Exit(1)
		}
		count = n
	}

	rt := allocator.NewRuntime(runtime.Config{CanaryMode: true})
	desc := schema.NewFixed(0)
	if _, err := rt.InitializeAllocatorBin(entrySize, desc); err != nil {
		fmt.Fprintf(os.Stderr, "gcdemo: InitializeAllocatorBin: %v\n", err)
		os.Exit(1)
	}

	chain, err := buildChain(rt, count)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gcdemo: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("allocated %d objects, keeping only even-indexed ones reachable\n", count)

	// Keep only the even-indexed links reachable, by pointing each kept
	// link's "next" field at the next kept link instead of its immediate
	// successor; the odd-indexed links become garbage.
	for i := 0; i+2 < len(chain); i += 2 {
		writeNext(chain[i], chain[i+2].Addr())
	}
	if len(chain) > 0 {
		writeNext(chain[(len(chain)-1)&^1], 0)
	}

	root := chain[0].Addr()
	if err := rt.MarkFromRoots(root); err != nil {
		fmt.Fprintf(os.Stderr, "gcdemo: MarkFromRoots: %v\n", err)
		os.Exit(1)
	}

	survivors := 0
	for i := 0; i < len(chain); i += 2 {
		if chain[i].Meta().IsAlloc {
			survivors++
		}
	}
	fmt.Printf("after collection: %d/%d even-indexed objects still allocated\n", survivors, (count+1)/2)

	if err := rt.VerifyAllCanaries(); err != nil {
		fmt.Fprintf(os.Stderr, "gcdemo: canary verification failed: %v\n", err)
		os.Exit(1)
	}
	if err := rt.VerifySlotAccounting(); err != nil {
		fmt.Fprintf(os.Stderr, "gcdemo: slot accounting failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("canaries and slot accounting check out")
}

func buildChain(rt *allocator.Runtime, count int) ([]pagealloc.Object, error) {
	chain := make([]pagealloc.Object, count)
	for i := 0; i < count; i++ {
		obj, err := rt.Allocate(entrySize)
		if err != nil {
			return nil, fmt.Errorf("allocate link %d: %w", i, err)
		}
		chain[i] = obj
		if i > 0 {
			writeNext(chain[i-1], chain[i].Addr())
		}
	}
	return chain, nil
}

func writeNext(obj pagealloc.Object, addr uintptr) {
	binary.LittleEndian.PutUint64(obj.Payload()[0:8], uint64(addr))
}
