package pagealloc

// Object is a handle to one allocated entry slot: the page it lives in
// plus its slot index. An object's identity (its MetaData) travels with
// it across evacuation, but its address does not.
type Object struct {
	Page *Page
	Slot int
}

// Addr returns the object's current address. Not stable across
// evacuation — callers that need a stable identity should track the
// Object value (Page, Slot) until forwarding is resolved, not this
// address.
func (o Object) Addr() uintptr { return o.Page.SlotAddr(o.Slot) }

// Payload returns the object's payload bytes.
func (o Object) Payload() []byte { return o.Page.Payload(o.Slot) }

// Meta returns the object's MetaData.
func (o Object) Meta() *MetaData { return o.Page.Meta(o.Slot) }

// Ordinal encodes this object's (page, slot) as a compact forward index:
// a page ordinal within the owning PageManager's table plus a slot
// index, rather than a raw pointer. The page ordinal is taken from
// Page.Ordinal, assigned by the owning PageManager.
func (o Object) Ordinal() uint64 {
	return uint64(o.Page.Ordinal)<<32 | uint64(uint32(o.Slot))
}

// DecodeOrdinal splits a forward index back into its page ordinal and
// slot index.
func DecodeOrdinal(v uint64) (pageOrdinal int, slot int) {
	return int(v >> 32), int(uint32(v))
}
