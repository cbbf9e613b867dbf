// Package inspector is a live terminal view of a running Machine: the
// current run-nesting stack, the label registry (scrollable, since a
// long-running guest can register thousands of labels), and the last
// reported fault. No teacher file does this (the teacher's go.mod
// lists bubbletea/bubbles/lipgloss but never imports them); built in
// the idiom those libraries use elsewhere — a bubbletea Model/Update/
// View loop polling the Machine on a tick, with the label list rendered
// through a bubbles viewport (spec.md §11, domain stack table).
package inspector

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/amitools-go/machinecore/internal/machine"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	faultStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Model is the inspector's bubbletea model.
type Model struct {
	mach      *machine.Machine
	labels    viewport.Model
	lastFault error
	quitting  bool
}

// New builds an inspector watching m.
func New(m *machine.Machine) Model {
	vp := viewport.New(60, 10)
	return Model{mach: m, labels: vp}
}

// Run starts the inspector's own event loop, blocking until the user
// quits or the underlying program finishes.
func Run(m *machine.Machine) error {
	p := tea.NewProgram(New(m))
	_, err := p.Run()
	return err
}

func (mo Model) Init() tea.Cmd { return tick() }

func (mo Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			mo.quitting = true
			return mo, tea.Quit
		}
	case tea.WindowSizeMsg:
		mo.labels.Width = msg.Width
		mo.labels.Height = msg.Height - 8
	case tickMsg:
		if labels := mo.mach.Labels(); labels != nil {
			mo.labels.SetContent(labels.String())
		}
		return mo, tick()
	}
	var cmd tea.Cmd
	mo.labels, cmd = mo.labels.Update(msg)
	return mo, cmd
}

func (mo Model) View() string {
	if mo.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("machine inspector") + "\n\n")

	nesting := mo.mach.GetRunNesting()
	fmt.Fprintf(&b, "run nesting: %d / %d\n\n", nesting, machine.RunMaxNesting)

	if mo.mach.Labels() != nil {
		b.WriteString(mo.labels.View() + "\n\n")
	} else {
		b.WriteString(dimStyle.Render("label tracking disabled") + "\n\n")
	}

	if mo.lastFault != nil {
		b.WriteString(faultStyle.Render("last fault: "+mo.lastFault.Error()) + "\n")
	} else {
		b.WriteString(dimStyle.Render("no fault reported yet") + "\n")
	}

	b.WriteString("\n" + dimStyle.Render("press q to quit"))
	return b.String()
}

// ReportFault lets the host feed the inspector the most recent fault
// reported by the Error Reporter, since Model has no way to observe
// errs.Reporter output on its own.
func (mo *Model) ReportFault(err error) { mo.lastFault = err }
