// Package machine is the Run Engine: the top-level object a host wires
// a guest program through. It owns the CPU, the memory facade, the
// trap table, the label registry and the allocator, and drives nested
// guest runs via a return-trampoline RESET opcode the way the system
// this core is modeled on does (spec.md §4.5, §9).
package machine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amitools-go/machinecore/internal/alloc"
	"github.com/amitools-go/machinecore/internal/cpu"
	"github.com/amitools-go/machinecore/internal/errs"
	"github.com/amitools-go/machinecore/internal/label"
	machinelog "github.com/amitools-go/machinecore/internal/log"
	"github.com/amitools-go/machinecore/internal/memimage"
	"github.com/amitools-go/machinecore/internal/trap"
)

// Fixed memory layout (spec.md §3.4). Every address below RamBegin is
// reserved for the run engine's own bookkeeping; guest allocations
// start at RamBegin.
const (
	// RunResetAddr..RunResetAddr+2*(RunMaxNesting-1) holds one RESET
	// opcode per possible nesting depth, two bytes apart (RESET is a
	// single 16-bit opcode), used as that depth's return address.
	RunResetAddr = 0x400
	// RunMaxNesting bounds how deep Run may nest before NestingOverflow.
	RunMaxNesting = 16
	// ResetExvecAddr holds a RESET opcode every raw exception vector in
	// the zero-page table points at, so an unhandled M68K exception
	// lands somewhere this core can recognize as "not a normal return".
	// Unicorn reports the real vector number directly through
	// HOOK_INTR (see internal/cpu.InterruptEvent.Vector), so this core
	// only needs the landing pad for the layout's own sake, not to
	// classify the exception the way the Musashi-backed original did.
	ResetExvecAddr = 0x420
	// ShutdownTrapAddr holds the auto-rts trap this core uses to invoke
	// the shutdown hook from within the top-level run.
	ShutdownTrapAddr = 0x422
	// RamBegin is the first byte of RAM the allocator and guest code may
	// use; everything below it is the reserved layout above.
	RamBegin = 0x800
)

// RunState is the bookkeeping for one in-flight (or just-finished) call
// to Run, one per nesting depth.
type RunState struct {
	ID      string
	Name    string
	PC      uint32
	SP      uint32
	RetAddr uint32
	Error   error
	Done    bool
	Cycles  int
	Elapsed time.Duration
	Regs    map[cpu.Register]uint32
}

// Paused reports whether this run stopped because it hit its cycle
// budget rather than because it finished or faulted (spec.md §9's
// max_cycles open question: a paused run has neither Done nor Error
// set, and a caller that wants to resume it re-invokes Run with the
// same pc/sp it read back out).
func (r *RunState) Paused() bool { return !r.Done && r.Error == nil }

func (r *RunState) String() string {
	return fmt.Sprintf("RunState(%q, pc=%06x, sp=%06x, ret=%06x, err=%v, done=%v, cycles=%d)",
		r.Name, r.PC, r.SP, r.RetAddr, r.Error, r.Done, r.Cycles)
}

// Machine is the machine execution core's Run Engine.
type Machine struct {
	cpuType        cpu.Type
	ramSizeKiB     uint32
	raiseOnMainRun bool

	c      *cpu.Cpu
	mem    *memimage.Memory
	traps  *trap.Table
	labels *label.Registry
	allocr *alloc.Allocator

	reporter *errs.Reporter
	log      *machinelog.Logger

	runStates []*RunState

	mem0, mem4   uint32
	shutdownFunc func()
	shutdownTid  int
	cyclesPerRun int
}

// New builds a Machine with ramSizeKiB kibibytes of guest RAM. When
// useLabels is false the label registry is disabled entirely (nil),
// matching spec.md §6.3's use_labels switch. When strict is true, every
// 16- and 32-bit access made through the memory facade is checked
// against 68000 alignment rules (spec.md §4.2, SPEC_FULL §10.3's
// strict_alignment profile knob) and a misaligned one returns an error;
// accesses the guest CPU makes itself do not pass through the facade
// and are not checked here. When raiseOnMainRun is
// false, an error from a top-level (nesting 0) run is reported but not
// returned as a Go error — only a nested run's error always propagates,
// since its caller is guest trap code that must be unwound.
func New(cpuType cpu.Type, ramSizeKiB uint32, useLabels, strict, raiseOnMainRun bool, logger *machinelog.Logger) (*Machine, error) {
	if logger == nil {
		logger = machinelog.NewNop()
	}
	ramTotal := ramSizeKiB * 1024
	if ramTotal <= RamBegin {
		return nil, fmt.Errorf("ram too small: need more than %d bytes, got %d", RamBegin, ramTotal)
	}

	c, err := cpu.New(cpuType, 0, ramTotal, nil)
	if err != nil {
		return nil, fmt.Errorf("create cpu: %w", err)
	}
	mem := memimage.New(c, ramTotal, strict)
	c.SetBus(mem)

	var labels *label.Registry
	if useLabels {
		labels = label.New()
	}

	var lbler errs.Labeler
	if labels != nil {
		lbler = labels
	}

	m := &Machine{
		cpuType:        cpuType,
		ramSizeKiB:     ramSizeKiB,
		raiseOnMainRun: raiseOnMainRun,
		c:              c,
		mem:            mem,
		traps:          trap.New(),
		labels:         labels,
		allocr:         alloc.New(RamBegin, ramTotal-RamBegin, labels),
		reporter:       errs.NewReporter(logger.Logger, lbler, c),
		log:            logger,
		cyclesPerRun:   1000,
	}

	m.shutdownTid, err = m.traps.Setup(m.shutdownTrap, true)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("allocate shutdown trap: %w", err)
	}
	if err := m.initBaseMem(); err != nil {
		c.Close()
		return nil, fmt.Errorf("init base memory: %w", err)
	}
	m.installHandlers()
	return m, nil
}

// initBaseMem lays out the reserved low-memory region (spec.md §3.4):
// an exception vector table that all point at a RESET landing pad, one
// RESET opcode per nesting depth, and the shutdown trap opcode.
func (m *Machine) initBaseMem() error {
	addr := uint32(8)
	for i := 0; i < 254; i++ {
		if err := m.mem.W32(addr, ResetExvecAddr); err != nil {
			return err
		}
		addr += 4
	}
	if addr != RunResetAddr {
		return fmt.Errorf("internal layout error: vector table ended at 0x%x, want 0x%x", addr, RunResetAddr)
	}
	for i := 0; i < RunMaxNesting; i++ {
		if err := m.mem.W16(addr, cpu.OpReset); err != nil {
			return err
		}
		addr += 2
	}
	if addr != ResetExvecAddr {
		return fmt.Errorf("internal layout error: reset table ended at 0x%x, want 0x%x", addr, ResetExvecAddr)
	}
	if err := m.mem.W16(ResetExvecAddr, cpu.OpReset); err != nil {
		return err
	}
	return m.mem.W16(ShutdownTrapAddr, trap.Opcode(m.shutdownTid))
}

func (m *Machine) installHandlers() {
	m.c.SetResetCallback(m.onReset)
	m.c.SetInterruptCallback(m.onIntr)
	// Both hooks route to the same handler: the CPU callback fires when
	// guest code itself touches unmapped memory mid-instruction, the
	// memory facade's callback fires when host code (trap handlers,
	// scripted handlers) does the same through Mem() directly.
	m.c.SetInvalidMemCallback(m.onInvalidMem)
	m.mem.SetInvalidFunc(m.onInvalidMem)
}

// Cleanup frees the shutdown trap and releases the underlying CPU.
func (m *Machine) Cleanup() error {
	_ = m.traps.Free(m.shutdownTid)
	return m.c.Close()
}

// CPU, Mem, Traps, Labels and Alloc expose the components this Machine
// wires together, for callers that need lower-level access (the
// inspector, trap scripting, tests).
func (m *Machine) CPU() *cpu.Cpu           { return m.c }
func (m *Machine) Mem() *memimage.Memory   { return m.mem }
func (m *Machine) Traps() *trap.Table      { return m.traps }
func (m *Machine) Labels() *label.Registry { return m.labels }
func (m *Machine) Alloc() *alloc.Allocator { return m.allocr }

// SetZeroMem defines the long words written to addresses 0 and 4 after
// every reset pulse restores them — on the system this core models,
// typically 0 and the guest library base.
func (m *Machine) SetZeroMem(mem0, mem4 uint32) { m.mem0, m.mem4 = mem0, mem4 }

// GetZeroMem returns the values set by SetZeroMem.
func (m *Machine) GetZeroMem() (uint32, uint32) { return m.mem0, m.mem4 }

// SetCyclesPerRun sets the default instruction-count slice size passed
// to cpu.Execute between done-checks, overridable per Run call.
func (m *Machine) SetCyclesPerRun(n int) { m.cyclesPerRun = n }

// SetShutdownHook installs a function invoked, from within guest
// execution via a trap, just before the top-level run ends.
func (m *Machine) SetShutdownHook(fn func()) { m.shutdownFunc = fn }

// SetInstrHook installs a callback fired for every fetched instruction.
func (m *Machine) SetInstrHook(fn func(pc uint32)) { m.c.SetInstrHook(fn) }

// ShowInstr wires a disassembling instruction hook that logs each
// instruction (and, if showRegs, the full register file) as it runs.
func (m *Machine) ShowInstr(showRegs bool) {
	m.c.SetInstrHook(func(pc uint32) {
		if showRegs {
			for _, r := range []cpu.Register{cpu.D0, cpu.D1, cpu.D2, cpu.D3, cpu.D4, cpu.D5, cpu.D6, cpu.D7,
				cpu.A0, cpu.A1, cpu.A2, cpu.A3, cpu.A4, cpu.A5, cpu.A6, cpu.A7} {
				v, _ := m.c.RReg(r)
				m.log.Info("reg", zap.Uint32(fmt.Sprintf("r%d", r), v))
			}
		}
		_, txt := m.c.Disassemble(pc)
		m.log.Info("instr", zap.String("pc", fmt.Sprintf("0x%06x", pc)), zap.String("text", txt))
	})
}

// SetMemTraceHook enables memory trace mode and routes every access
// through fn.
func (m *Machine) SetMemTraceHook(fn memimage.TraceFunc) {
	m.mem.SetTraceFunc(fn)
}

// Finish marks the current run done without an error, for a trap
// handler (scripted or compiled) that wants to end the run cleanly
// rather than returning to the guest caller.
func (m *Machine) Finish() {
	rs := m.curRunState()
	if rs == nil {
		return
	}
	rs.Done = true
	m.c.End()
}

// GetRunNesting returns the current run nesting depth.
func (m *Machine) GetRunNesting() int { return len(m.runStates) }

func (m *Machine) curRunState() *RunState {
	if len(m.runStates) == 0 {
		return nil
	}
	return m.runStates[len(m.runStates)-1]
}

// Run executes guest code starting at pc until it returns to its own
// call frame, a fault ends it, or maxCycles instructions have run
// (spec.md §4.5). When hasSP is false, sp is ignored and, for a nested
// run, the enclosing run's stack (minus one longword) is reused.
func (m *Machine) Run(pc uint32, sp uint32, hasSP bool, setRegs map[cpu.Register]uint32, getRegs []cpu.Register, maxCycles, cyclesPerRun int, name string) (*RunState, error) {
	if name == "" {
		name = "default"
	}
	nesting := len(m.runStates)
	if nesting >= RunMaxNesting {
		return nil, &errs.NestingOverflow{Max: RunMaxNesting}
	}
	retAddr := uint32(RunResetAddr + nesting*2)

	var cpuCtx *cpu.Context
	if nesting > 0 {
		var err error
		cpuCtx, err = m.c.GetContext()
		if err != nil {
			return nil, err
		}
	}

	if !hasSP {
		if nesting == 0 {
			return nil, fmt.Errorf("machine: stack pointer must be specified for a top-level run")
		}
		cur, err := m.c.RReg(cpu.SP)
		if err != nil {
			return nil, err
		}
		sp = cur - 4
	}

	m.log.Run(nesting, name, pc, sp)

	if err := m.mem.W32(sp, retAddr); err != nil {
		return nil, err
	}
	if m.shutdownFunc != nil && nesting == 0 {
		sp -= 4
		if err := m.mem.W32(sp, ShutdownTrapAddr); err != nil {
			return nil, err
		}
	}

	if err := m.mem.W32(0, sp); err != nil {
		return nil, err
	}
	if err := m.mem.W32(4, pc); err != nil {
		return nil, err
	}
	if err := m.c.PulseReset(sp, pc); err != nil {
		return nil, err
	}
	if err := m.mem.W32(0, m.mem0); err != nil {
		return nil, err
	}
	if err := m.mem.W32(4, m.mem4); err != nil {
		return nil, err
	}

	rs := &RunState{ID: uuid.NewString(), Name: name, PC: pc, SP: sp, RetAddr: retAddr}
	m.runStates = append(m.runStates, rs)

	for reg, val := range setRegs {
		if err := m.c.WReg(reg, val); err != nil {
			m.runStates = m.runStates[:len(m.runStates)-1]
			return nil, err
		}
	}

	if cyclesPerRun == 0 {
		cyclesPerRun = m.cyclesPerRun
	}
	start := time.Now()
	total := 0
	for !rs.Done {
		n, err := m.c.Execute(cyclesPerRun)
		total += n
		if err != nil && rs.Error == nil {
			rs.Error = err
		}
		if maxCycles > 0 && total >= maxCycles {
			break
		}
	}
	rs.Elapsed = time.Since(start)
	rs.Cycles = total

	if len(getRegs) > 0 {
		regs := make(map[cpu.Register]uint32, len(getRegs))
		for _, r := range getRegs {
			v, _ := m.c.RReg(r)
			regs[r] = v
		}
		rs.Regs = regs
	}

	if cpuCtx != nil {
		if err := m.c.SetContext(cpuCtx); err != nil {
			return rs, err
		}
	}

	m.runStates = m.runStates[:len(m.runStates)-1]
	m.log.Info("run end", zap.Int("nesting", nesting), zap.String("name", name), zap.Error(rs.Error))

	if rs.Error != nil && (nesting > 0 || m.raiseOnMainRun) {
		pcv, _ := m.c.RPC()
		return rs, &errs.NestedCPURunError{PC: pcv, Inner: rs.Error}
	}
	return rs, nil
}

// onReset handles every RESET-sentinel opcode fetch: either it is the
// current run's own return trampoline (normal end of a run) or it is an
// opcode this core did not itself place, which is always a fault.
func (m *Machine) onReset(ev cpu.ResetEvent) {
	rs := m.curRunState()
	if rs == nil {
		return
	}
	if ev.PC == rs.RetAddr {
		rs.Done = true
		m.c.End()
		return
	}
	if rs.Error == nil {
		rs.Error = &errs.InvalidCPUStateError{PC: ev.PC, Reason: "unexpected RESET opcode"}
	}
	rs.Done = true
	m.c.End()
	m.reporter.Report(len(m.runStates)-1, ev.PC, rs.Error, nil)
}

// onInvalidMem handles an access outside mapped RAM, whether made by
// the guest CPU or by host code through the memory facade.
func (m *Machine) onInvalidMem(mode errs.AccessMode, width int, addr uint32) {
	rs := m.curRunState()
	if rs == nil || rs.Error != nil {
		return
	}
	rs.Error = &errs.InvalidMemoryAccessError{Mode: mode, Width: width, Addr: addr}
	rs.Done = true
	m.c.End()
	pc, _ := m.c.RPC()
	m.reporter.Report(len(m.runStates)-1, pc, rs.Error, nil)
}

// onIntr handles both software traps (TRAP #n) and genuine CPU
// exceptions raised by Unicorn.
func (m *Machine) onIntr(ev cpu.InterruptEvent) {
	rs := m.curRunState()
	if rs == nil {
		return
	}
	if ev.Kind != cpu.InterruptTrap {
		if rs.Error == nil {
			rs.Error = &errs.InvalidCPUStateError{PC: ev.PC, Reason: fmt.Sprintf("m68k Exception #%d", ev.Vector)}
		}
		rs.Done = true
		m.c.End()
		m.reporter.Report(len(m.runStates)-1, ev.PC, rs.Error, nil)
		return
	}

	entry := m.traps.Lookup(ev.TrapID)
	if entry != nil {
		m.log.Trap(ev.TrapID, ev.PC, entry.AutoRTS)
	}
	if entry == nil {
		if rs.Error == nil {
			rs.Error = &errs.InvalidCPUStateError{PC: ev.PC, Reason: fmt.Sprintf("trap #%d not installed", ev.TrapID)}
			rs.Done = true
			m.c.End()
			m.reporter.Report(len(m.runStates)-1, ev.PC, rs.Error, nil)
		}
		return
	}

	if err := entry.Handler(ev.TrapID, ev.PC); err != nil {
		if rs.Error == nil {
			rs.Error = err
		}
		rs.Done = true
		m.c.End()
		m.reporter.Report(len(m.runStates)-1, ev.PC, rs.Error, nil)
		return
	}

	if entry.AutoRTS {
		sp, err := m.c.RReg(cpu.SP)
		if err != nil {
			return
		}
		ret, err := m.mem.R32(sp)
		if err != nil {
			return
		}
		_ = m.c.WReg(cpu.SP, sp+4)
		_ = m.c.WReg(cpu.PC, ret)
	}
}

func (m *Machine) shutdownTrap(id int, pc uint32) error {
	m.log.Debug("shutdown trap fired")
	if m.shutdownFunc != nil {
		m.shutdownFunc()
	}
	return nil
}
