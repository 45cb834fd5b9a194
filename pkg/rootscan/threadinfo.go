// Package rootscan implements the native stack-walking capability and
// ThreadInfo bookkeeping needed for conservative scanning: walking a
// mutator thread's native stack and registers for machine words that
// might be pointers into a managed page.
//
// A thread "enters" by registering itself in a process-wide table keyed
// by thread id and "leaves" on teardown, the same enter/leave shape used
// by epoch-based reader tracking, substituted here for a stop-the-world
// collector rather than a lock-free concurrent one.
package rootscan

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/1stub/allocator/internal/runtime"
	"github.com/1stub/allocator/pkg/pagealloc"
	"github.com/1stub/allocator/pkg/pagetable"
)

var wordSize = int(unsafe.Sizeof(uintptr(0)))

// Frame is one entry in a native frame-pointer chain.
type Frame struct {
	fp uintptr
}

// StackWalker is the capability needed to walk a native stack frame by
// frame: current frame, parent frame, return-address slot, and a
// register snapshot. nativeStackWalker is the only production
// implementation; tests may substitute a fake one built over a plain Go
// byte slice.
type StackWalker interface {
	CurrentFrame() Frame
	ParentFrame(f Frame) (Frame, bool)
	ReturnSlot(f Frame) uintptr
	Registers() []uintptr
}

// nativeStackWalker walks the real frame-pointer chain of the calling OS
// thread. It assumes frame-pointer chaining (the word at [fp] is the
// caller's saved fp, the word at [fp+wordSize] is the return address),
// which is the convention Go's own compiler maintains on amd64 and arm64
// when frame pointers are enabled, the default since Go 1.7.
type nativeStackWalker struct{}

func (nativeStackWalker) CurrentFrame() Frame {
	return Frame{fp: currentFramePointer()}
}

func (nativeStackWalker) ParentFrame(f Frame) (Frame, bool) {
	if f.fp == 0 {
		return Frame{}, false
	}
	parent := *(*uintptr)(unsafe.Pointer(f.fp))
	if parent == 0 || parent <= f.fp {
		// Frames climb toward higher addresses on a stack that grows
		// down; anything else means the chain is broken or we have
		// already reached the top.
		return Frame{}, false
	}
	return Frame{fp: parent}, true
}

func (nativeStackWalker) ReturnSlot(f Frame) uintptr {
	return *(*uintptr)(unsafe.Pointer(f.fp + uintptr(wordSize)))
}

func (nativeStackWalker) Registers() []uintptr {
	return captureRegisters()
}

// registry is the process-wide table of enrolled mutator threads, keyed
// by ThreadInfo.ID.
var registry sync.Map

// ThreadInfo is a mutator thread's per-thread scanning state: a thread
// id, the recorded base of its native stack, and the StackWalker used to
// discover roots from it.
type ThreadInfo struct {
	ID        uint64
	StackBase uintptr

	table     *pagetable.PageTable
	allocator pagealloc.PageAllocator
	walker    StackWalker
	stackTop  func() uintptr // overridden by tests; production uses currentStackPointer
}

// Register enrolls the calling OS thread as a mutator thread and records
// its stack base. Callers should invoke this as close to their own entry
// point as practical, since every frame below the registration point is
// permanently invisible to LoadNativeRootSet.
func Register(lock *runtime.GlobalLock, table *pagetable.PageTable, allocator pagealloc.PageAllocator) *ThreadInfo {
	ti := &ThreadInfo{
		ID:        lock.NextThreadID(),
		StackBase: currentFramePointer(),
		table:     table,
		allocator: allocator,
		walker:    nativeStackWalker{},
		stackTop:  currentStackPointer,
	}
	registry.Store(ti.ID, ti)
	return ti
}

// Unregister removes a thread from the process-wide registry.
func (t *ThreadInfo) Unregister() {
	registry.Delete(t.ID)
}

// All returns every currently registered ThreadInfo, for the collector's
// stop-the-world root load over every live mutator thread.
func All() []*ThreadInfo {
	var out []*ThreadInfo
	registry.Range(func(_, v any) bool {
		out = append(out, v.(*ThreadInfo))
		return true
	})
	return out
}

// withinOwnStack reports whether addr falls inside this thread's live
// stack extent. A word found there is either a frame-internal scalar or
// one of the frame-chain words LoadNativeRootSet already inspects
// explicitly by construction, never a heap pointer worth keeping.
func (t *ThreadInfo) withinOwnStack(addr uintptr) bool {
	low := t.stackTop()
	high := t.StackBase
	if low > high {
		low, high = high, low
	}
	return addr >= low && addr <= high
}

// LoadNativeRootSet walks the native frame chain from the current frame
// back to the thread's recorded stack base, collecting every
// return-address slot that passes the conservative filter, then does the
// same for a snapshot of the general-purpose registers. minAddr/maxAddr
// is the allocated-address range gate; a word outside it is rejected
// before the (more expensive) PageTable lookup ever runs.
//
// The scratch page backs the output array exactly as the mutator-facing
// allocator backs ordinary objects: acquired zeroed, written as a flat
// sequence of machine words, and released before returning.
func (t *ThreadInfo) LoadNativeRootSet(minAddr, maxAddr uintptr) ([]uintptr, error) {
	scratch, err := t.allocator.ScratchPage()
	if err != nil {
		return nil, err
	}
	defer t.allocator.ReleaseScratch(scratch)

	maxCandidates := len(scratch) / wordSize
	count := 0
	accept := func(word uintptr) {
		if count >= maxCandidates {
			return
		}
		if word < minAddr || word > maxAddr {
			return
		}
		if t.withinOwnStack(word) {
			return
		}
		if !t.table.Contains(word) {
			return
		}
		binary.LittleEndian.PutUint64(scratch[count*wordSize:], uint64(word))
		count++
	}

	frame := t.walker.CurrentFrame()
	for {
		accept(t.walker.ReturnSlot(frame))

		parent, ok := t.walker.ParentFrame(frame)
		if !ok || parent.fp >= t.StackBase {
			break
		}
		frame = parent
	}

	for _, reg := range t.walker.Registers() {
		accept(reg)
	}

	out := make([]uintptr, count)
	for i := 0; i < count; i++ {
		out[i] = uintptr(binary.LittleEndian.Uint64(scratch[i*wordSize:]))
	}
	return out, nil
}
