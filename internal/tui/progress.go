package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fmcg/dimpipe/internal/pipeline"
	"github.com/fmcg/dimpipe/internal/state"
	"github.com/fmcg/dimpipe/internal/table"
)

// StageMsg carries a stage status update into the program.
type StageMsg pipeline.StageStatus

// DoneMsg ends the program with the run's error, if any.
type DoneMsg struct{ Err error }

// ProgressModel is the bubbletea model for a pipeline run.
type ProgressModel struct {
	params    table.Params
	order     []state.Stage
	stages    map[state.Stage]pipeline.StageStatus
	spinner   spinner.Model
	done      bool
	cancelled bool
	err       error
	width     int
}

// NewProgressModel creates a progress view for the given stages.
func NewProgressModel(p table.Params, stages []state.Stage) ProgressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	m := ProgressModel{
		params:  p,
		order:   stages,
		stages:  make(map[state.Stage]pipeline.StageStatus, len(stages)),
		spinner: s,
		width:   100,
	}
	for _, st := range stages {
		m.stages[st] = pipeline.StageStatus{Stage: st, Status: state.StatusPending}
	}
	return m
}

func (m ProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if !m.done {
				m.cancelled = true
			}
			return m, tea.Quit
		}

	case StageMsg:
		if _, ok := m.stages[msg.Stage]; !ok {
			m.order = append(m.order, msg.Stage)
		}
		m.stages[msg.Stage] = pipeline.StageStatus(msg)
		return m, nil

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m ProgressModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("dimpipe: %s.%s", m.params.Catalog, m.params.DataSource)))
	b.WriteString("\n\n")

	for _, s := range m.order {
		st := m.stages[s]
		var icon string
		switch st.Status {
		case state.StatusRunning:
			icon = m.spinner.View()
		case state.StatusComplete:
			icon = successStyle.Render("✓")
		case state.StatusFailed:
			icon = errStyle.Render("✗")
		case state.StatusSkipped:
			icon = dimStyle.Render("-")
		default:
			icon = dimStyle.Render("·")
		}

		line := fmt.Sprintf("  %s %-10s", icon, s)
		switch st.Status {
		case state.StatusComplete:
			detail := fmt.Sprintf("%d rows", st.Rows)
			if st.Table != "" {
				detail += fmt.Sprintf("  %s v%d", st.Table, st.Version)
			}
			line += " " + dimStyle.Render(detail+"  "+st.Elapsed.Round(time.Millisecond).String())
		case state.StatusFailed:
			if st.Err != nil {
				line += " " + errStyle.Render(st.Err.Error())
			}
		case state.StatusRunning:
			line += " " + highlightStyle.Render("running")
		default:
			line += " " + dimStyle.Render(st.Status)
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n")
	switch {
	case m.done && m.err != nil:
		b.WriteString(errStyle.Render("Run failed.") + "\n")
	case m.done:
		b.WriteString(successStyle.Render("Run complete.") + "\n")
	case m.cancelled:
		b.WriteString(warnStyle.Render("Cancelling...") + "\n")
	default:
		b.WriteString(dimStyle.Render("q: cancel") + "\n")
	}
	return b.String()
}

// Done reports whether the run finished.
func (m ProgressModel) Done() bool { return m.done }

// Cancelled reports whether the user quit before the run finished.
func (m ProgressModel) Cancelled() bool { return m.cancelled }

// Err returns the run error once done.
func (m ProgressModel) Err() error { return m.err }
