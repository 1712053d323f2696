// Package status implements a small bubbletea status/monitor TUI showing
// live Engine state: transport, tempo, song position, per-track active
// notes, and prefetch-pipe occupancy.
package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/muesli/termenv"

	"github.com/schollz/calfbox/internal/engine"
	"github.com/schollz/calfbox/internal/master"
)

var (
	profile      = termenv.ColorProfile()
	labelStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	pipeEmptyColor, _ = colorful.Hex("#404040")
	pipeFullColor, _  = colorful.Hex("#FFFFFF")
)

// tickMsg drives the periodic refresh.
type tickMsg time.Time

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Model is the bubbletea model for the status view.
type Model struct {
	eng       *engine.Engine
	interval  time.Duration
	pipeGauge progress.Model
}

// New builds a status Model polling eng every interval.
func New(eng *engine.Engine, interval time.Duration) Model {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	p := progress.New(progress.WithDefaultGradient())
	p.Width = 30
	return Model{eng: eng, interval: interval, pipeGauge: p}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tick(m.interval)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tickMsg:
		return m, tick(m.interval)
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	sp := m.eng.SongPlayback()
	if sp == nil {
		return fmt.Sprintf("%s\n%s\n",
			labelStyle.Render("calfbox"),
			stoppedStyle.Render("no song loaded"))
	}

	state := stateLabel(sp.State)
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s %s\n%s %s\n%s %s\n",
		labelStyle.Render("calfbox"),
		labelStyle.Render("transport:"), state,
		labelStyle.Render("tempo (bpm):"), valueStyle.Render(fmt.Sprintf("%d", int(m.eng.Master.Tempo))),
		labelStyle.Render("position:"), valueStyle.Render(fmt.Sprintf("%d samples / %d ppqn", sp.SongPosSamples, sp.SongPosPPQN)),
	)
	for _, t := range sp.Tracks {
		names := t.ActiveNotes.Names()
		sounding := "-"
		if len(names) > 0 {
			sounding = strings.Join(names, " ")
		}
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("  "+t.Name+":"), valueStyle.Render(sounding))
	}

	b.WriteString(m.prefetchView())
	return b.String()
}

// prefetchView renders one occupancy gauge per disk-prefetch pipe: a
// bubbles/progress bar plus a percentage readout colored by blending
// pipeEmptyColor into pipeFullColor by fill ratio, rather than bubbles'
// own built-in gradient.
func (m Model) prefetchView() string {
	if m.eng.Prefetch == nil {
		return ""
	}
	pipes := m.eng.Prefetch.Pipes()
	if len(pipes) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", labelStyle.Render("prefetch pipes:"))
	for i, p := range pipes {
		occ := p.Occupancy()
		blended := pipeEmptyColor.BlendLab(pipeFullColor, occ)
		pct := termenv.String(fmt.Sprintf("%3.0f%%", occ*100)).
			Foreground(profile.Color(blended.Hex())).String()
		fmt.Fprintf(&b, "  pipe %d %s %s\n", i, m.pipeGauge.ViewAs(occ), pct)
	}
	return b.String()
}

// stateLabel colors the transport state directly with termenv rather
// than through a lipgloss style, so the color tracks the terminal's
// detected profile.
func stateLabel(s master.TransportState) string {
	switch s {
	case master.Rolling:
		return termenv.String("rolling").Foreground(profile.Color("10")).Bold().String()
	case master.Stopping:
		return termenv.String("stopping").Foreground(profile.Color("11")).String()
	default:
		return termenv.String("stopped").Foreground(profile.Color("8")).String()
	}
}

// Run starts the status TUI program and blocks until the user quits.
func Run(eng *engine.Engine, interval time.Duration) error {
	p := tea.NewProgram(New(eng, interval))
	_, err := p.Run()
	return err
}
