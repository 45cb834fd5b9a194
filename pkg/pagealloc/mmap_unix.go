//go:build unix || linux || darwin || freebsd || openbsd || netbsd

// pkg/pagealloc/mmap_unix.go
package pagealloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// acquireZeroedPage hands back a BlockSize-aligned, zeroed region backed
// by an anonymous mapping (no backing file, MAP_PRIVATE) since GC pages
// never persist.
//
// mmap only guarantees alignment to the system page size (typically
// 4 KiB), not to BlockSize, so a naive single mmap(size) call can hand
// back a base that is not a multiple of BlockSize and would desync the
// PageTable's address-masking arithmetic. This over-maps 2*size, trims
// the unaligned slop off both ends with Munmap, and keeps only the
// aligned middle, the same double-map-then-trim idiom used to get
// aligned huge-page-sized regions out of a page-granular mmap.
func acquireZeroedPage(size int) ([]byte, uintptr, error) {
	raw, err := unix.Mmap(-1, 0, 2*size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, 0, err
	}

	rawBase := uintptr(unsafe.Pointer(&raw[0]))
	alignedBase := (rawBase + uintptr(size) - 1) &^ (uintptr(size) - 1)
	head := int(alignedBase - rawBase)
	tail := head + size

	if head > 0 {
		if err := unix.Munmap(raw[:head]); err != nil {
			unix.Munmap(raw)
			return nil, 0, err
		}
	}
	if tail < len(raw) {
		if err := unix.Munmap(raw[tail:]); err != nil {
			unix.Munmap(raw[head:tail])
			return nil, 0, err
		}
	}

	// unix.Mmap already zero-fills anonymous mappings; no explicit clear
	// needed, matching PageAllocator's "zeroed region" contract. Reslice
	// to an exact-length slice so cap does not reach into the
	// already-unmapped tail.
	data := unsafe.Slice((*byte)(unsafe.Pointer(alignedBase)), size)
	return data, alignedBase, nil
}

// releasePage returns a page's backing memory to the OS. Called by
// OSPageAllocator.ReleaseScratch for the root scanner's scratch page and
// by OSPageAllocator.Release; ordinary GC pages are recycled through page
// states and never reach it.
func releasePage(data []byte) error {
	return unix.Munmap(data)
}
