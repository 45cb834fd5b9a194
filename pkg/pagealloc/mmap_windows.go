//go:build windows

// pkg/pagealloc/mmap_windows.go
package pagealloc

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// acquireZeroedPage mirrors acquireZeroedPage in mmap_unix.go using
// VirtualAlloc in place of mmap. VirtualAlloc-committed memory is always
// zero-filled by the OS, and Windows' allocation granularity (64 KiB) is
// never smaller than BlockSize, so unlike the unix path no separate
// over-map-and-trim step is needed to get a BlockSize-aligned base.
func acquireZeroedPage(size int) ([]byte, uintptr, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, 0, err
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return data, addr, nil
}

// releasePage mirrors releasePage in mmap_unix.go.
func releasePage(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&data[0]))
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}
