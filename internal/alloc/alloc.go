// Package alloc implements the machine execution core's Allocator: a
// coalescing first-fit free-list manager over a guest address range,
// with every live allocation mirrored into the label registry so the
// error reporter and inspector can name a faulting address back to the
// request that produced it (spec.md §4.4). This replaces the teacher's
// bump-only heap (internal/emulator.Emulator.Malloc), which never frees,
// with a real free list since guest code in this domain routinely
// allocates and releases memory over a long-running session.
package alloc

import (
	"sort"

	"github.com/amitools-go/machinecore/internal/errs"
	"github.com/amitools-go/machinecore/internal/label"
)

// align is the minimum allocation granularity and alignment; every
// M68K data type up to a longword fits without a misaligned access.
const align = 4

func alignUp(n uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

// Allocation is one live request returned by the allocator.
type Allocation struct {
	Name string
	Base uint32
	Size uint32 // rounded up to align
}

type freeBlock struct {
	base uint32
	size uint32
}

// Allocator manages free space within [base, base+size) and mirrors
// every live allocation into labels, if non-nil.
type Allocator struct {
	base, size uint32
	labels     *label.Registry

	free []freeBlock // kept sorted by base, no two entries adjacent
	used map[uint32]*Allocation
}

// New creates an allocator over [base, base+size), initially one single
// free block spanning the whole range.
func New(base, size uint32, labels *label.Registry) *Allocator {
	return &Allocator{
		base:   base,
		size:   size,
		labels: labels,
		free:   []freeBlock{{base: base, size: size}},
		used:   make(map[uint32]*Allocation),
	}
}

// AllocMemory reserves size bytes, naming the range in the label
// registry (if one is attached) so diagnostics can resolve addresses
// within it back to name. Fails with *errs.AllocError if no free block
// is large enough.
func (a *Allocator) AllocMemory(name string, size uint32) (*Allocation, error) {
	want := alignUp(size)
	if want == 0 {
		want = align
	}

	for i, b := range a.free {
		if b.size < want {
			continue
		}
		alloc := &Allocation{Name: name, Base: b.base, Size: want}
		remBase, remSize := b.base+want, b.size-want
		if remSize > 0 {
			a.free[i] = freeBlock{base: remBase, size: remSize}
		} else {
			a.free = append(a.free[:i], a.free[i+1:]...)
		}
		a.used[alloc.Base] = alloc
		if a.labels != nil {
			// A label overlap here would mean the free list itself is
			// corrupt; that is a bug in this package, not a guest fault,
			// so it is deliberately not propagated as an AllocError.
			_ = a.labels.Add(label.Label{Name: name, Base: alloc.Base, Size: alloc.Size})
		}
		return alloc, nil
	}
	return nil, &errs.AllocError{Label: name, Size: want}
}

// Field describes one named member of a Layout: its byte offset within
// the struct and its width in bytes (1, 2, or 4 — the M68K byte/word/
// longword widths this core's memory facade can read and write).
type Field struct {
	Name   string
	Offset uint32
	Width  uint32
}

// Layout is an ordered field list, as spec.md §4.4 requires for
// alloc_struct: {offset, width, name} per field. Size is the byte just
// past the last field's last byte, not necessarily the sum of widths,
// since a layout may include host-side padding between fields.
type Layout []Field

// Size reports sizeof(layout): the extent needed to hold every field.
func (l Layout) Size() uint32 {
	var size uint32
	for _, f := range l {
		if end := f.Offset + f.Width; end > size {
			size = end
		}
	}
	return size
}

func (l Layout) field(name string) (Field, bool) {
	for _, f := range l {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Accessor is the subset of the memory facade a Struct needs to read
// and write its fields. *memimage.Memory satisfies this.
type Accessor interface {
	R8(addr uint32) (uint8, error)
	R16(addr uint32) (uint16, error)
	R32(addr uint32) (uint32, error)
	W8(addr uint32, val uint8) error
	W16(addr uint32, val uint16) error
	W32(addr uint32, val uint32) error
}

// Struct is a live alloc_struct allocation: an Allocation plus the
// Layout that describes how to address its fields by name.
type Struct struct {
	*Allocation
	Layout Layout
}

// Get reads the named field's current value, widened to uint32.
// Fails with *errs.NotFoundError if name is not in the layout.
func (s *Struct) Get(mem Accessor, name string) (uint32, error) {
	f, ok := s.Layout.field(name)
	if !ok {
		return 0, &errs.NotFoundError{Addr: s.Base}
	}
	addr := s.Base + f.Offset
	switch f.Width {
	case 1:
		v, err := mem.R8(addr)
		return uint32(v), err
	case 2:
		v, err := mem.R16(addr)
		return uint32(v), err
	default:
		return mem.R32(addr)
	}
}

// Set writes value into the named field, truncating to the field's
// width. Fails with *errs.NotFoundError if name is not in the layout.
func (s *Struct) Set(mem Accessor, name string, value uint32) error {
	f, ok := s.Layout.field(name)
	if !ok {
		return &errs.NotFoundError{Addr: s.Base}
	}
	addr := s.Base + f.Offset
	switch f.Width {
	case 1:
		return mem.W8(addr, uint8(value))
	case 2:
		return mem.W16(addr, uint16(value))
	default:
		return mem.W32(addr, value)
	}
}

// AllocStruct allocates sizeof(layout) bytes and returns a typed
// accessor over them (spec.md §4.4): layout.Size() bytes are reserved
// and mirrored into the label registry exactly as AllocMemory does, and
// the returned *Struct resolves layout's named fields to guest
// addresses via Get/Set instead of making the caller compute offsets.
func (a *Allocator) AllocStruct(name string, layout Layout) (*Struct, error) {
	alloc, err := a.AllocMemory(name, layout.Size())
	if err != nil {
		return nil, err
	}
	return &Struct{Allocation: alloc, Layout: layout}, nil
}

// AllocCStr reserves room for s plus its NUL terminator. Writing the
// bytes themselves is the caller's job via the memory facade.
func (a *Allocator) AllocCStr(name, s string) (*Allocation, error) {
	return a.AllocMemory(name, uint32(len(s))+1)
}

// AllocBStr reserves room for s as a BCPL length-prefixed string (one
// length byte plus up to 255 data bytes).
func (a *Allocator) AllocBStr(name, s string) (*Allocation, error) {
	if len(s) > 255 {
		return nil, &errs.AllocError{Label: name, Size: uint32(len(s)) + 1}
	}
	return a.AllocMemory(name, uint32(len(s))+1)
}

// Free releases a previously returned allocation, coalescing it with
// any adjacent free blocks and removing its label. Fails with
// *errs.NotFoundError if a is not (or no longer) live.
func (a *Allocator) Free(alloc *Allocation) error {
	if alloc == nil {
		return &errs.NotFoundError{Addr: 0}
	}
	if _, ok := a.used[alloc.Base]; !ok {
		return &errs.NotFoundError{Addr: alloc.Base}
	}
	delete(a.used, alloc.Base)
	if a.labels != nil {
		_ = a.labels.Remove(alloc.Base)
	}
	a.insertFree(freeBlock{base: alloc.Base, size: alloc.Size})
	return nil
}

// insertFree adds blk to the free list in address order and coalesces
// it with whichever neighbors it now touches.
func (a *Allocator) insertFree(blk freeBlock) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].base >= blk.base })
	a.free = append(a.free, freeBlock{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = blk

	// Merge with the following neighbor first so indices stay valid.
	if i+1 < len(a.free) && a.free[i].base+a.free[i].size == a.free[i+1].base {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].base+a.free[i-1].size == a.free[i].base {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// FreeBytes reports total bytes still available across every free
// block, for diagnostics and tests.
func (a *Allocator) FreeBytes() uint32 {
	var n uint32
	for _, b := range a.free {
		n += b.size
	}
	return n
}

// Len reports the number of live allocations.
func (a *Allocator) Len() int {
	return len(a.used)
}
