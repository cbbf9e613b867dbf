// Package label maintains the machine execution core's label registry:
// named, non-overlapping guest-address ranges used by the allocator and
// the error reporter to annotate addresses for diagnostics. The registry
// is purely informational — it never gates memory access.
package label

import (
	"fmt"

	"github.com/google/btree"

	"github.com/amitools-go/machinecore/internal/errs"
)

// Label names a byte range [Base, Base+Size) in guest address space.
type Label struct {
	Name string
	Base uint32
	Size uint32
}

func (l Label) end() uint32 { return l.Base + l.Size }

// item adapts Label to btree.Item, ordered by Base — exactly the
// "ordered map with predecessor lookup" structure spec.md §4.1 calls
// for.
type item struct{ Label }

func (a item) Less(than btree.Item) bool {
	return a.Base < than.(item).Base
}

// Registry is an ordered collection of labels keyed by base address.
type Registry struct {
	tree *btree.BTree
}

// New creates an empty label registry. degree 32 matches btree's own
// documented default for general-purpose use; this registry is not
// large enough (thousands of labels at most) for the degree to matter
// much in practice.
func New() *Registry {
	return &Registry{tree: btree.New(32)}
}

// Add inserts a label, failing with OverlapError if the new range
// intersects an existing one in either direction: the new range's own
// endpoints falling inside an existing label, or an existing label's
// base falling inside the new range (the new range enclosing it).
func (r *Registry) Add(l Label) error {
	if existing := r.Find(l.Base); existing != nil {
		return &errs.OverlapError{Name: l.Name, Base: l.Base, Size: l.Size}
	}
	if existing := r.Find(l.end() - 1); l.Size > 0 && existing != nil {
		return &errs.OverlapError{Name: l.Name, Base: l.Base, Size: l.Size}
	}
	encloses := false
	r.tree.AscendRange(item{Label{Base: l.Base}}, item{Label{Base: l.end()}}, func(i btree.Item) bool {
		encloses = true
		return false
	})
	if encloses {
		return &errs.OverlapError{Name: l.Name, Base: l.Base, Size: l.Size}
	}
	r.tree.ReplaceOrInsert(item{l})
	return nil
}

// Remove deletes the label whose base equals addr, failing with
// NotFoundError if none matches.
func (r *Registry) Remove(addr uint32) error {
	removed := r.tree.Delete(item{Label{Base: addr}})
	if removed == nil {
		return &errs.NotFoundError{Addr: addr}
	}
	return nil
}

// Find returns the label whose range contains addr, or nil.
func (r *Registry) Find(addr uint32) *Label {
	var found *Label
	r.tree.DescendLessOrEqual(item{Label{Base: addr}}, func(i btree.Item) bool {
		l := i.(item).Label
		if addr >= l.Base && addr < l.end() {
			found = &l
		}
		return false // only the first (innermost/closest) candidate matters
	})
	return found
}

// FindName is the narrow view of Find that internal/errs.Labeler needs.
func (r *Registry) FindName(addr uint32) (string, bool) {
	l := r.Find(addr)
	if l == nil {
		return "", false
	}
	return l.Name, true
}

// Len returns the number of labels currently registered.
func (r *Registry) Len() int {
	return r.tree.Len()
}

// Walk calls fn for every label in ascending base-address order.
func (r *Registry) Walk(fn func(Label)) {
	r.tree.Ascend(func(i btree.Item) bool {
		fn(i.(item).Label)
		return true
	})
}

// String renders the registry for diagnostics, e.g. at shutdown to spot
// leaked allocations.
func (r *Registry) String() string {
	s := fmt.Sprintf("label registry (%d entries)", r.Len())
	r.Walk(func(l Label) {
		s += fmt.Sprintf("\n  0x%06x+0x%-6x %s", l.Base, l.Size, l.Name)
	})
	return s
}
