package cpu

import "fmt"

// Disassemble decodes the opcode at pc well enough for diagnostics. It
// only recognizes the handful of instructions this core itself
// synthesizes or depends on (RESET, TRAP #n, RTS, NOP, BRA.S) and falls back to
// a raw hex dump for anything else — see DESIGN.md for why no
// third-party M68K disassembler is used. Returns the instruction size in
// bytes and its text form.
func (c *Cpu) Disassemble(pc uint32) (int, string) {
	op, err := c.bus.R16(pc)
	if err != nil {
		return 2, fmt.Sprintf("????    ; unreadable at 0x%06x", pc)
	}
	switch {
	case op == OpReset:
		return 2, "RESET"
	case op == OpRTS:
		return 2, "RTS"
	case op == OpNOP:
		return 2, "NOP"
	case op&^OpTrapMask == OpTrapBase:
		return 2, fmt.Sprintf("TRAP    #%d", op&OpTrapMask)
	case op&0xFF00 == 0x6000: // BRA.s
		disp := int8(op & 0xFF)
		return 2, fmt.Sprintf("BRA.S   0x%06x", int32(pc)+2+int32(disp))
	default:
		return 2, fmt.Sprintf("DC.W    $%04x", op)
	}
}
