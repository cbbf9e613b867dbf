package errs

import "testing"

type fakeLabeler map[uint32]string

func (f fakeLabeler) FindName(addr uint32) (string, bool) {
	name, ok := f[addr]
	return name, ok
}

type fakeDisasm struct{ text string }

func (f fakeDisasm) Disassemble(pc uint32) (int, string) { return 2, f.text }

func TestReportEnrichesWithLabelAndDisasm(t *testing.T) {
	labels := fakeLabeler{0x1000: "entry"}
	disasm := fakeDisasm{text: "RTS"}
	r := NewReporter(nil, labels, disasm)

	err := &InvalidCPUStateError{PC: 0x1000, Reason: "unexpected RESET opcode"}
	rep := r.Report(0, 0x1000, err, nil)

	if rep.Disasm != "RTS" {
		t.Errorf("Disasm = %q, want RTS", rep.Disasm)
	}
	if !rep.HasLabel || rep.Label != "entry" {
		t.Errorf("expected label %q, got %q (has=%v)", "entry", rep.Label, rep.HasLabel)
	}
	if rep.String() == "" {
		t.Errorf("expected a non-empty rendered report")
	}
}

func TestReportUsesFaultAddrForMemoryErrors(t *testing.T) {
	labels := fakeLabeler{0x2000: "buf"}
	r := NewReporter(nil, labels, nil)

	err := &InvalidMemoryAccessError{Mode: AccessRead, Width: 32, Addr: 0x2000}
	// pc differs from the faulting address; the label lookup must use the
	// faulting address, not pc, for a memory access error.
	rep := r.Report(1, 0x800, err, nil)

	if !rep.HasLabel || rep.Label != "buf" {
		t.Errorf("expected the reporter to resolve the fault address (0x2000), got label %q has=%v", rep.Label, rep.HasLabel)
	}
}

func TestReportWithoutLabels(t *testing.T) {
	r := NewReporter(nil, nil, nil)
	err := &InvalidCPUStateError{PC: 0x800, Reason: "x"}
	rep := r.Report(0, 0x800, err, nil)
	if rep.HasLabel {
		t.Errorf("expected no label when the reporter has no Labeler attached")
	}
}
