package errs

import (
	"fmt"

	"go.uber.org/zap"
)

// Labeler resolves an address to its containing label name, if any. The
// label registry implements it; Reporter only depends on this narrow
// interface to avoid importing internal/label.
type Labeler interface {
	FindName(addr uint32) (string, bool)
}

// Disassembler renders one instruction as text. internal/cpu implements
// it.
type Disassembler interface {
	Disassemble(pc uint32) (int, string)
}

// RegisterDump is a flat register snapshot, supplied by the caller at
// report time since Reporter has no CPU reference of its own.
type RegisterDump map[string]uint32

// Report is the enriched, renderable form of a raw fault.
type Report struct {
	Err      error
	Nesting  int
	PC       uint32
	Disasm   string
	Label    string
	HasLabel bool
	Regs     RegisterDump
}

func (r *Report) String() string {
	loc := fmt.Sprintf("0x%06x", r.PC)
	if r.HasLabel {
		loc = fmt.Sprintf("%s (in %q)", loc, r.Label)
	}
	return fmt.Sprintf("[run depth %d] %v at %s: %s", r.Nesting, r.Err, loc, r.Disasm)
}

// Reporter classifies and enriches faults raised during a run. Rendering
// is deferred: Report stores nothing by itself, it builds and
// returns a Report the caller decides whether to log, display, or
// discard.
type Reporter struct {
	log    *zap.Logger
	labels Labeler
	disasm Disassembler
}

// NewReporter builds a Reporter. labels may be nil when label tracking
// is disabled (spec.md §6.3 new(... use_labels ...)).
func NewReporter(log *zap.Logger, labels Labeler, disasm Disassembler) *Reporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{log: log, labels: labels, disasm: disasm}
}

// faultAddr extracts the address most relevant to labeling a given
// error — the faulting memory address for invalid accesses, the PC for
// everything else.
func faultAddr(pc uint32, err error) uint32 {
	if ime, ok := err.(*InvalidMemoryAccessError); ok {
		return ime.Addr
	}
	return pc
}

// Report classifies err, enriches it with disassembly and label
// context, logs it at debug level, and returns the Report for the
// caller to surface however it likes.
func (r *Reporter) Report(nesting int, pc uint32, err error, regs RegisterDump) *Report {
	rep := &Report{Err: err, Nesting: nesting, PC: pc, Regs: regs}

	if r.disasm != nil {
		_, text := r.disasm.Disassemble(pc)
		rep.Disasm = text
	}

	if r.labels != nil {
		if name, ok := r.labels.FindName(faultAddr(pc, err)); ok {
			rep.Label = name
			rep.HasLabel = true
		}
	}

	r.log.Debug("machine fault",
		zap.Int("nesting", nesting),
		zap.String("pc", fmt.Sprintf("0x%06x", pc)),
		zap.String("label", rep.Label),
		zap.Error(err),
	)

	return rep
}
