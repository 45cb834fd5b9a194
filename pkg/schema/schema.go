// Package schema describes the host language front-end's object layout:
// for each size class, which bytes of an object's payload are themselves
// pointers the collector must trace.
//
// A Descriptor is supplied once, when a size class's AllocatorBin is
// created, and consulted by the collector's mark and pointer-rewrite
// passes to enumerate and relocate an object's children (evacuation
// copies the whole payload without consulting it).
// The caller hands over field offsets; this package never interprets the
// type itself.
package schema

// Kind distinguishes a fixed list of child-pointer offsets from a
// variable-length array of children.
type Kind int

const (
	// Fixed means ChildOffsets lists every child-pointer byte offset in
	// the payload directly.
	Fixed Kind = iota

	// Variable means the payload begins with a count field (at
	// CountOffset) followed by CountOffset-adjacent elements each
	// ElementStride bytes apart, each containing one child pointer at
	// ElementPointerOffset within the element.
	Variable
)

// Descriptor enumerates the child pointers held in an object's payload
// for one size class, expressed purely as byte offsets — the collector
// never needs to know what the fields are for.
type Descriptor struct {
	Kind Kind

	// ChildOffsets is used when Kind == Fixed: the byte offset of each
	// child pointer within the payload.
	ChildOffsets []int

	// CountOffset, ElementStride, and ElementPointerOffset are used when
	// Kind == Variable.
	CountOffset         int
	ElementStride       int
	ElementPointerOffset int
}

// NewFixed builds a Descriptor for an object with a statically known list
// of child-pointer offsets (e.g. two fields at offsets 0 and 8 for a cons
// cell).
func NewFixed(offsets ...int) *Descriptor {
	return &Descriptor{Kind: Fixed, ChildOffsets: offsets}
}

// NewVariable builds a Descriptor for an object whose payload begins with
// an element count and is followed by a packed array of fixed-stride
// elements, each carrying one child pointer.
func NewVariable(countOffset, elementStride, elementPointerOffset int) *Descriptor {
	return &Descriptor{
		Kind:                 Variable,
		CountOffset:          countOffset,
		ElementStride:        elementStride,
		ElementPointerOffset: elementPointerOffset,
	}
}

// ChildOffsetsIn returns the byte offsets, within a payload of the given
// length, at which a child pointer is stored. For Variable descriptors,
// payload must already contain the count field (i.e. this is called
// against a live object's actual bytes, not just its static shape).
func (d *Descriptor) ChildOffsetsIn(payload []byte, wordSize int) []int {
	if d == nil {
		return nil
	}
	switch d.Kind {
	case Fixed:
		return d.ChildOffsets
	case Variable:
		if d.CountOffset+wordSize > len(payload) {
			return nil
		}
		count := readUint(payload[d.CountOffset : d.CountOffset+wordSize])
		offsets := make([]int, 0, count)
		for i := uint64(0); i < count; i++ {
			base := d.CountOffset + wordSize + int(i)*d.ElementStride
			off := base + d.ElementPointerOffset
			if off+wordSize > len(payload) {
				break
			}
			offsets = append(offsets, off)
		}
		return offsets
	default:
		return nil
	}
}

func readUint(b []byte) uint64 {
	var v uint64
	for i, c := range b {
		v |= uint64(c) << (8 * uint(i))
	}
	return v
}
