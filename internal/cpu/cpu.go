// Package cpu wraps Unicorn Engine's M68K backend behind the small
// contract the machine execution core needs: run a bounded slice of
// guest instructions, pulse a hardware reset, snapshot and restore full
// context across nested runs, and notify the host of reset-sentinel
// opcodes, software traps, and CPU exceptions as they occur.
package cpu

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/amitools-go/machinecore/internal/errs"
)

// Type identifies the M68K model being emulated. Unicorn's M68K backend
// only implements the base 68000 instruction set today; Type is retained
// on Cpu for API compatibility with callers that branch on CPU model and
// for diagnostics, not to configure Unicorn itself.
type Type int

const (
	Type68000 Type = iota
	Type68020
	Type68030
)

func (t Type) String() string {
	switch t {
	case Type68000:
		return "68000"
	case Type68020:
		return "68020"
	case Type68030:
		return "68030"
	default:
		return "unknown"
	}
}

// Register names the M68K registers this core reads and writes.
type Register int

const (
	D0 Register = iota
	D1
	D2
	D3
	D4
	D5
	D6
	D7
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	PC
	SR
)

// SP is an alias for A7, the active stack pointer.
const SP = A7

// The real M68K opcodes this core relies on. RESET is repurposed (as in
// the system this core is modeled on) as a guest-return sentinel rather
// than a literal hardware reset: on real silicon RESET only pulses an
// external bus line and does not touch CPU state, which is exactly the
// "executes harmlessly but is rare enough to trap on" property a return
// trampoline needs.
const (
	OpReset    uint16 = 0x4E70
	OpTrapBase uint16 = 0x4E40 // TRAP #0 .. TRAP #15 = OpTrapBase | n
	OpTrapMask uint16 = 0x000F
	OpRTS      uint16 = 0x4E75
	OpNOP      uint16 = 0x4E71
)

// MaxTrapID is the number of distinct TRAP #n vectors Unicorn's M68K
// HOOK_INTR surfaces for this core to dispatch on (n = 0..15).
const MaxTrapID = 16

// trapIntnoBase is the M68K exception vector number of TRAP #0; TRAP #n
// raises vector trapIntnoBase+n (vectors 32..47 per the M68K architecture
// manual).
const trapIntnoBase = 32

// Bus exposes the byte-level memory access Cpu needs to fetch opcodes
// for RESET-sentinel detection and disassembly. The memory facade in
// internal/memimage implements it.
type Bus interface {
	R16(addr uint32) (uint16, error)
	R32(addr uint32) (uint32, error)
}

// InterruptKind distinguishes a host-raised software trap from any other
// CPU exception (bus error, address error, illegal instruction, a
// genuine external interrupt, ...).
type InterruptKind int

const (
	InterruptTrap InterruptKind = iota
	InterruptException
)

// InterruptEvent describes one HOOK_INTR callback.
type InterruptEvent struct {
	Kind   InterruptKind
	TrapID int    // valid when Kind == InterruptTrap
	Vector uint32 // M68K exception vector number
	PC     uint32
}

// ResetEvent describes one reset-sentinel opcode execution.
type ResetEvent struct {
	// PC of the RESET opcode itself (Unicorn's HOOK_CODE reports the PC
	// of the fetched instruction, so no "pc-2" adjustment is needed here
	// the way the Musashi-backed original required).
	PC uint32
	SP uint32
}

// Cpu drives one Unicorn M68K instance.
type Cpu struct {
	mu   uc.Unicorn
	typ  Type
	bus  Bus
	done bool

	budget  int
	fetched int // instructions fetched since the current Execute call started

	onReset      func(ResetEvent)
	onIntr       func(InterruptEvent)
	onInstr      func(pc uint32)
	onInvalidMem func(mode errs.AccessMode, width int, addr uint32)
}

// accessMode translates a Unicorn UC_MEM_* access code into this core's
// own AccessMode, which the rest of the module uses so that nothing
// outside this file needs to know about Unicorn's constants.
func accessMode(access int) errs.AccessMode {
	switch access {
	case uc.MEM_WRITE, uc.MEM_WRITE_UNMAPPED, uc.MEM_WRITE_PROT:
		return errs.AccessWrite
	case uc.MEM_FETCH, uc.MEM_FETCH_UNMAPPED, uc.MEM_FETCH_PROT:
		return errs.AccessFetch
	default:
		return errs.AccessRead
	}
}

// New creates an M68K CPU. ramBase/ramSize describe the single flat
// region the machine core maps as guest RAM; the CPU backend does not
// know about labels or special ranges, only about mapped bytes.
//
// bus may be nil at construction time: the memory facade that
// implements Bus itself needs a Backend (which Cpu provides), so the
// two are wired up in two steps by internal/machine — construct Cpu
// with a nil bus, build the Memory facade over it, then call SetBus.
// The code hook only dereferences bus lazily, per callback, so this is
// safe as long as SetBus runs before the first Execute.
func New(typ Type, ramBase, ramSize uint32, bus Bus) (*Cpu, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_M68K, uc.MODE_BIG_ENDIAN)
	if err != nil {
		return nil, fmt.Errorf("create m68k unicorn: %w", err)
	}
	if err := mu.MemMap(uint64(ramBase), uint64(ramSize)); err != nil {
		mu.Close()
		return nil, fmt.Errorf("map ram (0x%x bytes at 0x%x): %w", ramSize, ramBase, err)
	}
	c := &Cpu{mu: mu, typ: typ, bus: bus}
	if err := c.installHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return c, nil
}

// MapRegion maps an additional guest-visible region. Nothing in this
// module calls it: the memory facade keeps its special range host-side
// and never maps it into the CPU (see internal/memimage).
func (c *Cpu) MapRegion(base, size uint32) error {
	return c.mu.MemMap(uint64(base), uint64(size))
}

// ReadBytes/WriteBytes give the memory facade direct access to the
// region(s) mapped into this CPU.
func (c *Cpu) ReadBytes(addr uint32, n int) ([]byte, error) {
	return c.mu.MemRead(uint64(addr), uint64(n))
}

func (c *Cpu) WriteBytes(addr uint32, data []byte) error {
	return c.mu.MemWrite(uint64(addr), data)
}

func (c *Cpu) installHooks() error {
	_, err := c.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if c.done {
			c.mu.Stop()
			return
		}
		c.fetched++
		if c.budget > 0 && c.fetched >= c.budget {
			c.mu.Stop()
		}
		op, err := c.bus.R16(uint32(addr))
		if err == nil && op == OpReset {
			if c.onReset != nil {
				sp, _ := c.mu.RegRead(uc.M68K_REG_A7)
				c.onReset(ResetEvent{PC: uint32(addr), SP: uint32(sp)})
			}
			return
		}
		if c.onInstr != nil {
			c.onInstr(uint32(addr))
		}
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("install code hook: %w", err)
	}

	_, err = c.mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		pcv, _ := c.mu.RegRead(uc.M68K_REG_PC)
		ev := InterruptEvent{Vector: intno, PC: uint32(pcv)}
		if intno >= trapIntnoBase && intno < trapIntnoBase+MaxTrapID {
			ev.Kind = InterruptTrap
			ev.TrapID = int(intno - trapIntnoBase)
		} else {
			ev.Kind = InterruptException
		}
		if c.onIntr != nil {
			c.onIntr(ev)
		}
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("install interrupt hook: %w", err)
	}

	_, err = c.mu.HookAdd(uc.HOOK_MEM_INVALID, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		if c.onInvalidMem != nil {
			c.onInvalidMem(accessMode(access), size*8, uint32(addr))
		}
		// Returning false tells Unicorn the access was not handled,
		// which stops the current Start() call; the run loop treats
		// that as the normal way a fault ends a slice (see Execute).
		return false
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("install invalid-memory hook: %w", err)
	}
	return nil
}

// SetBus completes two-phase construction for callers that needed a
// live Cpu before their Bus implementation existed (internal/machine's
// Cpu/Memory wiring).
func (c *Cpu) SetBus(bus Bus) { c.bus = bus }

// SetResetCallback installs the handler invoked whenever the guest
// fetches a RESET opcode.
func (c *Cpu) SetResetCallback(fn func(ResetEvent)) { c.onReset = fn }

// SetInterruptCallback installs the handler invoked for every software
// trap and CPU exception.
func (c *Cpu) SetInterruptCallback(fn func(InterruptEvent)) { c.onIntr = fn }

// SetInstrHook installs a per-instruction callback, fired for every
// fetched instruction that is not the RESET sentinel.
func (c *Cpu) SetInstrHook(fn func(pc uint32)) { c.onInstr = fn }

// SetInvalidMemCallback installs the handler invoked when the guest CPU
// itself (as opposed to a host-side memory facade call) touches
// unmapped memory.
func (c *Cpu) SetInvalidMemCallback(fn func(mode errs.AccessMode, width int, addr uint32)) {
	c.onInvalidMem = fn
}

// Execute runs up to count instructions (Unicorn has no cycle-accurate
// M68K timing model, and spec's Non-goals exclude cycle-accurate timing,
// so this core treats "cycles" as an instruction-count budget). Returns
// the number of instructions actually executed.
func (c *Cpu) Execute(count int) (int, error) {
	c.done = false
	c.budget = count
	c.fetched = 0
	pcv, err := c.mu.RegRead(uc.M68K_REG_PC)
	if err != nil {
		return 0, fmt.Errorf("read pc: %w", err)
	}
	// until=0 (no upper address bound): the HOOK_CODE callback above is
	// what stops this Start() call, either on the instruction budget or
	// on a reset/interrupt/done signal from the run engine.
	_ = c.mu.Start(pcv, 0)
	// Unicorn returns an error when our own hook calls Stop() mid-slice;
	// that is this core's normal way of ending a slice, not a failure.
	// Genuine faults are already captured through the reset/interrupt/
	// invalid-memory callbacks before Start returns, so the error value
	// itself carries no information this core needs.
	return c.fetched, nil
}

// End terminates the current Execute slice immediately.
func (c *Cpu) End() {
	c.done = true
	c.mu.Stop()
}

// PulseReset loads sp into A7 and pc into PC, the M68K power-on reset
// sequence. The machine core is responsible for writing sp/pc into the
// zero page first (see internal/memimage) and restoring it afterward.
func (c *Cpu) PulseReset(sp, pc uint32) error {
	if err := c.mu.RegWrite(uc.M68K_REG_A7, uint64(sp)); err != nil {
		return fmt.Errorf("load sp: %w", err)
	}
	if err := c.mu.RegWrite(uc.M68K_REG_PC, uint64(pc)); err != nil {
		return fmt.Errorf("load pc: %w", err)
	}
	return nil
}

func regID(r Register) int {
	switch r {
	case D0:
		return uc.M68K_REG_D0
	case D1:
		return uc.M68K_REG_D1
	case D2:
		return uc.M68K_REG_D2
	case D3:
		return uc.M68K_REG_D3
	case D4:
		return uc.M68K_REG_D4
	case D5:
		return uc.M68K_REG_D5
	case D6:
		return uc.M68K_REG_D6
	case D7:
		return uc.M68K_REG_D7
	case A0:
		return uc.M68K_REG_A0
	case A1:
		return uc.M68K_REG_A1
	case A2:
		return uc.M68K_REG_A2
	case A3:
		return uc.M68K_REG_A3
	case A4:
		return uc.M68K_REG_A4
	case A5:
		return uc.M68K_REG_A5
	case A6:
		return uc.M68K_REG_A6
	case A7:
		return uc.M68K_REG_A7
	case PC:
		return uc.M68K_REG_PC
	case SR:
		return uc.M68K_REG_SR
	default:
		return uc.M68K_REG_INVALID
	}
}

// RReg reads a single register.
func (c *Cpu) RReg(r Register) (uint32, error) {
	v, err := c.mu.RegRead(regID(r))
	if err != nil {
		return 0, fmt.Errorf("read reg %v: %w", r, err)
	}
	return uint32(v), nil
}

// WReg writes a single register.
func (c *Cpu) WReg(r Register, val uint32) error {
	if err := c.mu.RegWrite(regID(r), uint64(val)); err != nil {
		return fmt.Errorf("write reg %v: %w", r, err)
	}
	return nil
}

// RPC reads the program counter.
func (c *Cpu) RPC() (uint32, error) {
	return c.RReg(PC)
}

// Context is an opaque CPU state snapshot, restored byte-for-byte.
type Context struct {
	ctx *uc.Context
}

// GetContext snapshots the full CPU context, used to freeze the outer
// run's state across a nested run.
func (c *Cpu) GetContext() (*Context, error) {
	ctx, err := c.mu.ContextSave(nil)
	if err != nil {
		return nil, fmt.Errorf("save cpu context: %w", err)
	}
	return &Context{ctx: ctx}, nil
}

// SetContext restores a previously saved context.
func (c *Cpu) SetContext(ctx *Context) error {
	if ctx == nil {
		return fmt.Errorf("restore cpu context: nil context")
	}
	if err := c.mu.ContextRestore(ctx.ctx); err != nil {
		return fmt.Errorf("restore cpu context: %w", err)
	}
	return nil
}

// Close releases the underlying Unicorn instance.
func (c *Cpu) Close() error {
	return c.mu.Close()
}

// Type returns the configured CPU model.
func (c *Cpu) Type() Type { return c.typ }
