// Command machinerun loads a flat M68K binary into the machine
// execution core's guest RAM, runs it to completion or fault, and
// prints the resulting run state (spec.md §11.2).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amitools-go/machinecore/internal/config"
	"github.com/amitools-go/machinecore/internal/cpu"
	"github.com/amitools-go/machinecore/internal/inspector"
	machinelog "github.com/amitools-go/machinecore/internal/log"
	"github.com/amitools-go/machinecore/internal/machine"
	"github.com/amitools-go/machinecore/internal/trapscript"
	"github.com/amitools-go/machinecore/internal/ui/colorize"
)

var (
	profilePath  string
	ramKiB       uint32
	cpuTypeFlag  string
	cyclesPerRun int
	maxCycles    int
	entryOffset  uint32
	traceFlag    bool
	watchFlag    bool
	trapScript   string
	verbose      bool
)

func main() {
	root := &cobra.Command{
		Use:   "machinerun <binary>",
		Short: "Run a flat M68K binary on the machine execution core",
		Long: `machinerun loads a flat M68K binary at the guest RAM base, runs it on an
emulated 68000-family CPU until it returns, faults, or exhausts its cycle
budget, and prints the resulting run state.`,
		Args: cobra.ExactArgs(1),
		RunE: run,
	}

	root.Flags().StringVar(&profilePath, "profile", "", "YAML machine profile")
	root.Flags().Uint32Var(&ramKiB, "ram-kib", 0, "guest RAM size in KiB (overrides profile)")
	root.Flags().StringVar(&cpuTypeFlag, "cpu-type", "", "68000, 68020, or 68030 (overrides profile)")
	root.Flags().IntVar(&cyclesPerRun, "cycles-per-run", 0, "instructions executed per CPU time slice (overrides profile)")
	root.Flags().IntVar(&maxCycles, "max-cycles", 0, "stop after this many instructions (0 = unbounded)")
	root.Flags().Uint32Var(&entryOffset, "entry", 0, "entry point, as an offset from the RAM base")
	root.Flags().BoolVar(&traceFlag, "trace", false, "print a colorized disassembly trace")
	root.Flags().BoolVar(&watchFlag, "watch", false, "open a live TUI inspector while the machine runs")
	root.Flags().StringVar(&trapScript, "trap-script", "", "install a JS trap handler (file) at the lowest free trap id")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	binPath := args[0]

	profile, err := config.Load(profilePath)
	if err != nil {
		return err
	}
	if ramKiB != 0 {
		profile.RAMKiB = ramKiB
	}
	if cpuTypeFlag != "" {
		profile.CPUType = cpuTypeFlag
	}
	if cyclesPerRun != 0 {
		profile.CyclesPerRun = cyclesPerRun
	}

	code, err := os.ReadFile(binPath)
	if err != nil {
		return fmt.Errorf("read binary: %w", err)
	}

	machinelog.Init(verbose)
	logger := machinelog.L
	if logger == nil {
		logger = machinelog.NewNop()
	}

	useLabels := profile.UseLabels == nil || *profile.UseLabels
	strict := profile.Strict != nil && *profile.Strict
	m, err := machine.New(profile.CPUTypeValue(), profile.RAMKiB, useLabels, strict, true, logger)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	defer m.Cleanup()
	m.SetCyclesPerRun(profile.CyclesPerRun)

	if uint32(len(code)) > m.Mem().RamTotal()-machine.RamBegin {
		return fmt.Errorf("binary (%d bytes) does not fit in %d bytes of usable RAM", len(code), m.Mem().RamTotal()-machine.RamBegin)
	}
	for i, b := range code {
		if err := m.Mem().W8(machine.RamBegin+uint32(i), b); err != nil {
			return fmt.Errorf("load binary: %w", err)
		}
	}

	if trapScript != "" {
		src, err := os.ReadFile(trapScript)
		if err != nil {
			return fmt.Errorf("read trap script: %w", err)
		}
		handler, err := trapscript.Handler(m, string(src))
		if err != nil {
			return err
		}
		id, err := m.Traps().Setup(handler, true)
		if err != nil {
			return fmt.Errorf("install trap script: %w", err)
		}
		fmt.Printf("trap script installed at id %d (opcode 0x%04x)\n", id, uint16(0x4E40|id))
	}

	if traceFlag {
		m.SetInstrHook(func(pc uint32) {
			_, text := m.CPU().Disassemble(pc)
			fmt.Printf("%s  %s\n", colorize.Address(uint64(pc)), colorize.Instruction(text))
		})
	}

	entry := machine.RamBegin + entryOffset
	sp := m.Mem().RamTotal() - 4

	runOne := func() (*machine.RunState, error) {
		return m.Run(entry, sp, true, nil, []cpu.Register{cpu.D0}, maxCycles, 0, "main")
	}

	var rs *machine.RunState
	if watchFlag {
		done := make(chan struct{})
		go func() {
			rs, err = runOne()
			close(done)
		}()
		if watchErr := inspector.Run(m); watchErr != nil {
			return watchErr
		}
		<-done
	} else {
		rs, err = runOne()
	}

	if rs != nil {
		fmt.Println(rs.String())
	}
	if err != nil {
		return err
	}
	return nil
}
