package pagealloc

import "unsafe"

// arenaBase returns the address of arena's backing array. Used only by
// DeterministicPageAllocator to derive stable, reproducible page
// addresses from a Go-heap-backed arena.
func arenaBase(arena []byte) uintptr {
	if len(arena) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&arena[0]))
}
