// Package trap maintains the machine execution core's Trap Table: the
// dense vector of host callbacks the guest CPU reaches via the M68K
// TRAP #n instruction (spec.md §4.3). Each live entry binds one trap id
// to a Go handler and an auto_rts flag; dispatch itself is driven by
// internal/cpu's InterruptTrap events, decoded from Unicorn's HOOK_INTR
// callback (see internal/cpu.installHooks).
package trap

import (
	"sync"

	"github.com/amitools-go/machinecore/internal/cpu"
	"github.com/amitools-go/machinecore/internal/errs"
)

// Handler is invoked when the guest CPU executes TRAP #id at pc. An
// error return is captured by the run engine as the in-flight fault for
// the current run (spec.md §4.5's trap-exception handler).
type Handler func(id int, pc uint32) error

// Entry is one live trap table slot.
type Entry struct {
	ID      int
	Handler Handler
	AutoRTS bool
}

// Table is the machine execution core's Trap Table, a dense vector of
// at most cpu.MaxTrapID live entries — the real capacity of the M68K
// TRAP #n instruction space this core dispatches through.
type Table struct {
	mu      sync.RWMutex
	entries [cpu.MaxTrapID]*Entry
}

// New creates an empty trap table.
func New() *Table {
	return &Table{}
}

// Setup installs handler at the lowest free id and returns it. Fails
// with *errs.TrapExhausted if every slot is taken.
func (t *Table) Setup(handler Handler, autoRTS bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := 0; id < cpu.MaxTrapID; id++ {
		if t.entries[id] == nil {
			t.entries[id] = &Entry{ID: id, Handler: handler, AutoRTS: autoRTS}
			return id, nil
		}
	}
	return 0, &errs.TrapExhausted{Max: cpu.MaxTrapID}
}

// Free releases id, failing with *errs.NotFoundError if it was not in
// use.
func (t *Table) Free(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= cpu.MaxTrapID || t.entries[id] == nil {
		return &errs.NotFoundError{Addr: uint32(id)}
	}
	t.entries[id] = nil
	return nil
}

// Lookup returns the entry bound to id, or nil if the slot is free.
func (t *Table) Lookup(id int) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id < 0 || id >= cpu.MaxTrapID {
		return nil
	}
	return t.entries[id]
}

// Opcode returns the real TRAP #id instruction word, for host code that
// needs to write a trap landing pad into guest memory (e.g. the
// shutdown trap).
func Opcode(id int) uint16 {
	return cpu.OpTrapBase | uint16(id)&cpu.OpTrapMask
}

// Len returns the number of installed entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.entries {
		if e != nil {
			n++
		}
	}
	return n
}
