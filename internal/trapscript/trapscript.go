// Package trapscript lets a host register a trap handler whose body is
// a JS snippet instead of compiled Go, via goja. This plugs into
// internal/trap exactly the way a compiled trap.Handler does (spec.md
// §11, §12.1's CLI -trap-script flag), shaped after the teacher's
// stubs.HookFunc closure-per-slot pattern (internal/stubs/registry.go)
// but with the closure body supplied at runtime rather than compiled in.
package trapscript

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/amitools-go/machinecore/internal/machine"
	"github.com/amitools-go/machinecore/internal/trap"
)

// emuBinding is the object a scripted trap handler sees as `emu` inside
// its JS source.
type emuBinding struct {
	m    *machine.Machine
	id   int
	pc   uint32
	done bool
}

func (b *emuBinding) R8(addr uint32) uint8 {
	v, _ := b.m.Mem().R8(addr)
	return v
}

func (b *emuBinding) R16(addr uint32) uint16 {
	v, _ := b.m.Mem().R16(addr)
	return v
}

func (b *emuBinding) R32(addr uint32) uint32 {
	v, _ := b.m.Mem().R32(addr)
	return v
}

func (b *emuBinding) W8(addr uint32, val uint8) { _ = b.m.Mem().W8(addr, val) }

func (b *emuBinding) W16(addr uint32, val uint16) { _ = b.m.Mem().W16(addr, val) }

func (b *emuBinding) W32(addr uint32, val uint32) { _ = b.m.Mem().W32(addr, val) }

func (b *emuBinding) PC() uint32 { return b.pc }

func (b *emuBinding) ID() int { return b.id }

// Done lets a script signal that, although it did not error, the
// machine should be treated as finished after this trap returns. The
// script compiler checks this flag after every invocation.
func (b *emuBinding) Done() { b.done = true }

// Handler compiles source once and returns a trap.Handler that runs it
// on every dispatch, with a fresh `emu` binding scoped to that call.
// Scripted handlers never install further traps or allocate memory
// directly — they only read/write the memory facade — matching the
// narrow surface spec.md's host API exposes to callback code.
func Handler(m *machine.Machine, source string) (trap.Handler, error) {
	program, err := goja.Compile("trap-script", source, true)
	if err != nil {
		return nil, fmt.Errorf("compile trap script: %w", err)
	}

	return func(id int, pc uint32) error {
		vm := goja.New()
		binding := &emuBinding{m: m, id: id, pc: pc}
		if err := vm.Set("emu", binding); err != nil {
			return fmt.Errorf("bind trap script globals: %w", err)
		}
		if _, err := vm.RunProgram(program); err != nil {
			return fmt.Errorf("trap script #%d at 0x%06x: %w", id, pc, err)
		}
		if binding.done {
			m.Finish()
		}
		return nil
	}, nil
}
