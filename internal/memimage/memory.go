// Package memimage wraps the CPU backend's mapped RAM with the typed
// accessors, string helpers, and special-range allocator the rest of
// the machine execution core needs (spec.md §4.2). Big-endian byte
// order is used regardless of host, as M68K requires.
package memimage

import (
	"encoding/binary"
	"fmt"

	"github.com/amitools-go/machinecore/internal/errs"
)

// Backend is the byte-level access the CPU backend exposes. Only
// addresses below ramTotal are ever sent here; the special range lives
// entirely host-side (see Memory.special below).
type Backend interface {
	ReadBytes(addr uint32, n int) ([]byte, error)
	WriteBytes(addr uint32, data []byte) error
}

// InvalidAccessFunc is notified whenever a host-initiated access misses
// both mapped RAM and the special range.
type InvalidAccessFunc func(mode errs.AccessMode, width int, addr uint32)

// TraceFunc is notified of memory accesses made through this facade
// when trace mode is on; Machine.SetMemTraceHook installs it. Alignment
// failures in strict mode are returned as errors and are not reported
// through it.
type TraceFunc func(mode errs.AccessMode, width int, addr uint32, value uint32)

// Memory is the machine execution core's Memory Facade.
type Memory struct {
	backend  Backend
	ramTotal uint32

	specialBase uint32
	special     []byte

	invalidFunc InvalidAccessFunc
	traceFunc   TraceFunc
	traceMode   bool
	strict      bool // true on strict 68000 alignment enforcement
}

// New creates a Memory facade over backend, which must already have
// [0, ramTotal) mapped. The special range begins immediately above
// ramTotal and is never mapped into the CPU backend, so guest code can
// never fetch from or otherwise touch it directly.
func New(backend Backend, ramTotal uint32, strict bool) *Memory {
	return &Memory{
		backend:     backend,
		ramTotal:    ramTotal,
		specialBase: ramTotal,
		strict:      strict,
	}
}

// SetInvalidFunc installs the callback fired when a host-initiated
// access misses mapped RAM and the special range.
func (m *Memory) SetInvalidFunc(fn InvalidAccessFunc) { m.invalidFunc = fn }

// SetTraceFunc installs the trace callback and, matching
// set_cpu_mem_trace_hook in the system this module is modeled on,
// enables trace mode as a side effect.
func (m *Memory) SetTraceFunc(fn TraceFunc) {
	m.traceFunc = fn
	m.traceMode = true
}

// SetTraceMode toggles tracing independent of whether a trace func is
// installed (mirrors the original's set_trace_mode/set_trace_func
// split).
func (m *Memory) SetTraceMode(on bool) { m.traceMode = on }

// RamTotal returns the number of bytes mapped as guest RAM, including
// the zero page.
func (m *Memory) RamTotal() uint32 { return m.ramTotal }

// ReserveSpecialRange returns a fresh address above RAM for a
// synthetic handle range (locks, files, ports, ...). Allocation is
// monotonic; special ranges are never freed, matching spec.md §4.2.
func (m *Memory) ReserveSpecialRange(size uint32) uint32 {
	addr := m.specialBase + uint32(len(m.special))
	m.special = append(m.special, make([]byte, size)...)
	return addr
}

func (m *Memory) trace(mode errs.AccessMode, width int, addr uint32, value uint32) {
	if m.traceMode && m.traceFunc != nil {
		m.traceFunc(mode, width, addr, value)
	}
}

func (m *Memory) fail(mode errs.AccessMode, width int, addr uint32) error {
	err := &errs.InvalidMemoryAccessError{Mode: mode, Width: width, Addr: addr}
	if m.invalidFunc != nil {
		m.invalidFunc(mode, width, addr)
	}
	return err
}

// read resolves addr..addr+n to either the backend or the host-side
// special buffer, or reports an invalid access.
func (m *Memory) read(addr uint32, n int, mode errs.AccessMode) ([]byte, error) {
	if uint64(addr)+uint64(n) <= uint64(m.ramTotal) {
		data, err := m.backend.ReadBytes(addr, n)
		if err != nil {
			return nil, m.fail(mode, n*8, addr)
		}
		return data, nil
	}
	if addr >= m.specialBase && uint64(addr)+uint64(n) <= uint64(m.specialBase)+uint64(len(m.special)) {
		off := addr - m.specialBase
		return append([]byte(nil), m.special[off:off+uint32(n)]...), nil
	}
	return nil, m.fail(mode, n*8, addr)
}

func (m *Memory) write(addr uint32, data []byte) error {
	n := len(data)
	if uint64(addr)+uint64(n) <= uint64(m.ramTotal) {
		if err := m.backend.WriteBytes(addr, data); err != nil {
			return m.fail(errs.AccessWrite, n*8, addr)
		}
		return nil
	}
	if addr >= m.specialBase && uint64(addr)+uint64(n) <= uint64(m.specialBase)+uint64(len(m.special)) {
		off := addr - m.specialBase
		copy(m.special[off:off+uint32(n)], data)
		return nil
	}
	return m.fail(errs.AccessWrite, n*8, addr)
}

func (m *Memory) checkAlign(addr uint32, width int) error {
	if !m.strict {
		return nil
	}
	if width == 16 && addr%2 != 0 {
		return &errs.InvalidCPUStateError{PC: addr, Reason: "odd address on 16-bit access"}
	}
	if width == 32 && addr%2 != 0 {
		return &errs.InvalidCPUStateError{PC: addr, Reason: "misaligned 32-bit access"}
	}
	return nil
}

// R8 reads one byte.
func (m *Memory) R8(addr uint32) (uint8, error) {
	data, err := m.read(addr, 1, errs.AccessRead)
	if err != nil {
		return 0, err
	}
	m.trace(errs.AccessRead, 8, addr, uint32(data[0]))
	return data[0], nil
}

// R16 reads one big-endian word.
func (m *Memory) R16(addr uint32) (uint16, error) {
	if err := m.checkAlign(addr, 16); err != nil {
		return 0, err
	}
	data, err := m.read(addr, 2, errs.AccessRead)
	if err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(data)
	m.trace(errs.AccessRead, 16, addr, uint32(v))
	return v, nil
}

// R32 reads one big-endian longword.
func (m *Memory) R32(addr uint32) (uint32, error) {
	if err := m.checkAlign(addr, 32); err != nil {
		return 0, err
	}
	data, err := m.read(addr, 4, errs.AccessRead)
	if err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(data)
	m.trace(errs.AccessRead, 32, addr, v)
	return v, nil
}

// W8 writes one byte.
func (m *Memory) W8(addr uint32, val uint8) error {
	m.trace(errs.AccessWrite, 8, addr, uint32(val))
	return m.write(addr, []byte{val})
}

// W16 writes one big-endian word.
func (m *Memory) W16(addr uint32, val uint16) error {
	if err := m.checkAlign(addr, 16); err != nil {
		return err
	}
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, val)
	m.trace(errs.AccessWrite, 16, addr, uint32(val))
	return m.write(addr, buf)
}

// W32 writes one big-endian longword.
func (m *Memory) W32(addr uint32, val uint32) error {
	if err := m.checkAlign(addr, 32); err != nil {
		return err
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, val)
	m.trace(errs.AccessWrite, 32, addr, val)
	return m.write(addr, buf)
}

// RCStr reads a NUL-terminated string, up to maxLen bytes.
func (m *Memory) RCStr(addr uint32, maxLen int) (string, error) {
	buf := make([]byte, 0, 32)
	for i := 0; i < maxLen; i++ {
		b, err := m.R8(addr + uint32(i))
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
	return string(buf), nil
}

// WCStr writes s followed by a NUL terminator.
func (m *Memory) WCStr(addr uint32, s string) error {
	if err := m.write(addr, []byte(s)); err != nil {
		return err
	}
	return m.W8(addr+uint32(len(s)), 0)
}

// RBStr reads a BCPL length-prefixed string (first byte is length, up
// to 255).
func (m *Memory) RBStr(addr uint32) (string, error) {
	n, err := m.R8(addr)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	data, err := m.read(addr+1, int(n), errs.AccessRead)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WBStr writes s as a BCPL length-prefixed string; len(s) must fit in
// one byte.
func (m *Memory) WBStr(addr uint32, s string) error {
	if len(s) > 255 {
		return fmt.Errorf("bstr too long: %d bytes (max 255)", len(s))
	}
	if err := m.W8(addr, uint8(len(s))); err != nil {
		return err
	}
	return m.write(addr+1, []byte(s))
}
