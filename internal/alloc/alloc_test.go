package alloc

import (
	"testing"

	"github.com/amitools-go/machinecore/internal/label"
)

func TestAllocMemoryNonOverlapping(t *testing.T) {
	a := New(0x800, 0x1000, nil)

	x, err := a.AllocMemory("x", 100)
	if err != nil {
		t.Fatalf("alloc x: %v", err)
	}
	y, err := a.AllocMemory("y", 50)
	if err != nil {
		t.Fatalf("alloc y: %v", err)
	}

	if x.Base%align != 0 || y.Base%align != 0 {
		t.Fatalf("allocations must be 4-byte aligned, got x=0x%x y=0x%x", x.Base, y.Base)
	}
	if y.Base < x.Base+x.Size {
		t.Fatalf("y (0x%x) overlaps x (0x%x+0x%x)", y.Base, x.Base, x.Size)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := New(0x800, 64, nil)
	if _, err := a.AllocMemory("big", 128); err == nil {
		t.Fatalf("expected AllocError when request exceeds the whole region")
	}
}

func TestAllocatorRoundTrip(t *testing.T) {
	// spec.md §8 scenario 6: allocate x then y, free y then x, and the
	// allocator must return to its initial single-free-block shape.
	a := New(0x800, 0x1000, label.New())

	x, err := a.AllocMemory("x", 128)
	if err != nil {
		t.Fatalf("alloc x: %v", err)
	}
	y, err := a.AllocMemory("y", 64)
	if err != nil {
		t.Fatalf("alloc y: %v", err)
	}

	if err := a.Free(y); err != nil {
		t.Fatalf("free y: %v", err)
	}
	if err := a.Free(x); err != nil {
		t.Fatalf("free x: %v", err)
	}

	if a.Len() != 0 {
		t.Fatalf("expected no live allocations after freeing both, got %d", a.Len())
	}
	if got, want := a.FreeBytes(), uint32(0x1000); got != want {
		t.Fatalf("free bytes = 0x%x, want 0x%x (whole region coalesced back)", got, want)
	}
	if len(a.free) != 1 || a.free[0].base != 0x800 || a.free[0].size != 0x1000 {
		t.Fatalf("expected a single free block spanning the whole region, got %+v", a.free)
	}
}

func TestFreeRemovesLabel(t *testing.T) {
	labels := label.New()
	a := New(0x800, 0x1000, labels)

	x, err := a.AllocMemory("x", 32)
	if err != nil {
		t.Fatalf("alloc x: %v", err)
	}
	if _, ok := labels.FindName(x.Base); !ok {
		t.Fatalf("expected a label for x right after allocation")
	}
	if err := a.Free(x); err != nil {
		t.Fatalf("free x: %v", err)
	}
	if _, ok := labels.FindName(x.Base); ok {
		t.Fatalf("expected x's label to be gone after Free")
	}
}

func TestFreeUnknownAllocation(t *testing.T) {
	a := New(0x800, 0x1000, nil)
	bogus := &Allocation{Name: "ghost", Base: 0x900, Size: 16}
	if err := a.Free(bogus); err == nil {
		t.Fatalf("expected NotFoundError freeing an allocation the allocator never returned")
	}
}

func TestAllocCStrAndBStr(t *testing.T) {
	a := New(0x800, 0x1000, nil)

	cs, err := a.AllocCStr("greeting", "hello")
	if err != nil {
		t.Fatalf("alloc cstr: %v", err)
	}
	if cs.Size < 6 {
		t.Fatalf("cstr allocation too small for %q plus NUL: got %d bytes", "hello", cs.Size)
	}

	bs, err := a.AllocBStr("bname", "amiga")
	if err != nil {
		t.Fatalf("alloc bstr: %v", err)
	}
	if bs.Size < 6 {
		t.Fatalf("bstr allocation too small for %q plus length byte: got %d bytes", "amiga", bs.Size)
	}

	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := a.AllocBStr("toolong", string(long)); err == nil {
		t.Fatalf("expected AllocError for a bstr longer than 255 bytes")
	}
}

// fakeMem is a minimal Accessor backed by a flat byte slice, enough to
// exercise Struct.Get/Set without pulling in internal/memimage.
type fakeMem []byte

func (m fakeMem) R8(addr uint32) (uint8, error) { return m[addr], nil }
func (m fakeMem) R16(addr uint32) (uint16, error) {
	return uint16(m[addr])<<8 | uint16(m[addr+1]), nil
}
func (m fakeMem) R32(addr uint32) (uint32, error) {
	return uint32(m[addr])<<24 | uint32(m[addr+1])<<16 | uint32(m[addr+2])<<8 | uint32(m[addr+3]), nil
}
func (m fakeMem) W8(addr uint32, val uint8) error { m[addr] = val; return nil }
func (m fakeMem) W16(addr uint32, val uint16) error {
	m[addr], m[addr+1] = byte(val>>8), byte(val)
	return nil
}
func (m fakeMem) W32(addr uint32, val uint32) error {
	m[addr] = byte(val >> 24)
	m[addr+1] = byte(val >> 16)
	m[addr+2] = byte(val >> 8)
	m[addr+3] = byte(val)
	return nil
}

func TestAllocStructLayoutAndAccessors(t *testing.T) {
	a := New(0, 0x1000, label.New())
	layout := Layout{
		{Name: "id", Offset: 0, Width: 2},
		{Name: "flags", Offset: 2, Width: 1},
		{Name: "value", Offset: 4, Width: 4},
	}
	s, err := a.AllocStruct("node", layout)
	if err != nil {
		t.Fatalf("alloc struct: %v", err)
	}
	if s.Size != layout.Size() || s.Size != 8 {
		t.Fatalf("struct size = %d, want %d", s.Size, layout.Size())
	}

	mem := make(fakeMem, 0x1000)
	if err := s.Set(mem, "id", 0x1234); err != nil {
		t.Fatalf("set id: %v", err)
	}
	if err := s.Set(mem, "flags", 0xFF); err != nil {
		t.Fatalf("set flags: %v", err)
	}
	if err := s.Set(mem, "value", 0xDEADBEEF); err != nil {
		t.Fatalf("set value: %v", err)
	}

	id, err := s.Get(mem, "id")
	if err != nil || id != 0x1234 {
		t.Fatalf("get id = 0x%x, err %v, want 0x1234", id, err)
	}
	flags, err := s.Get(mem, "flags")
	if err != nil || flags != 0xFF {
		t.Fatalf("get flags = 0x%x, err %v, want 0xff", flags, err)
	}
	value, err := s.Get(mem, "value")
	if err != nil || value != 0xDEADBEEF {
		t.Fatalf("get value = 0x%x, err %v, want 0xdeadbeef", value, err)
	}

	if _, ok := labelsFind(a, s.Base); !ok {
		t.Fatalf("expected the struct allocation to be mirrored into the label registry")
	}
	if _, err := s.Get(mem, "nope"); err == nil {
		t.Fatalf("expected an error reading an unknown field name")
	}
}

func labelsFind(a *Allocator, addr uint32) (string, bool) {
	return a.labels.FindName(addr)
}

func TestCoalesceAdjacentFreeBlocks(t *testing.T) {
	a := New(0x800, 256, nil)

	x, _ := a.AllocMemory("x", 64)
	y, _ := a.AllocMemory("y", 64)
	z, _ := a.AllocMemory("z", 64)

	if err := a.Free(x); err != nil {
		t.Fatalf("free x: %v", err)
	}
	if err := a.Free(z); err != nil {
		t.Fatalf("free z: %v", err)
	}
	if err := a.Free(y); err != nil {
		t.Fatalf("free y: %v", err)
	}

	if len(a.free) != 1 {
		t.Fatalf("expected all three frees to coalesce into one block, got %d blocks: %+v", len(a.free), a.free)
	}
	if a.free[0].base != 0x800 || a.free[0].size != 256 {
		t.Fatalf("coalesced block = %+v, want base=0x800 size=256", a.free[0])
	}
}
