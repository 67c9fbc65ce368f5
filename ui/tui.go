package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/quintal-io/stevedore/config"
	"github.com/quintal-io/stevedore/engine"
)

// Queue is the scheduler surface the TUI drives. *engine.Scheduler
// satisfies it.
type Queue interface {
	List() []engine.Snapshot
	Aggregate() engine.Aggregate
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	MoveUp(id string) error
	MoveDown(id string) error
	Dismiss(id string) error
	DismissCompleted()
	SetMaxConcurrent(n int)
}

// pollMsg carries a fresh view of the queue.
type pollMsg struct {
	rows []engine.Snapshot
	agg  engine.Aggregate
}

const pollInterval = 200 * time.Millisecond

// Model implements the tea.Model interface over the transfer queue.
type Model struct {
	queue    Queue
	settings *config.Settings

	rows   []engine.Snapshot
	agg    engine.Aggregate
	cursor int
	notice string

	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	width  int
	height int

	// Styles
	titleStyle    lipgloss.Style
	infoStyle     lipgloss.Style
	selectedStyle lipgloss.Style
	runningStyle  lipgloss.Style
	pausedStyle   lipgloss.Style
	helpStyle     lipgloss.Style
	errorStyle    lipgloss.Style
	successStyle  lipgloss.Style
}

func NewModel(queue Queue, settings *config.Settings) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return Model{
		queue:         queue,
		settings:      settings,
		spinner:       s,
		progress:      prog,
		titleStyle:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		selectedStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229")),
		runningStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		pausedStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		helpStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.poll(),
	)
}

func (m Model) poll() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg {
		return pollMsg{rows: m.queue.List(), agg: m.queue.Aggregate()}
	})
}

func (m Model) selected() (engine.Snapshot, bool) {
	if m.cursor < 0 || m.cursor >= len(m.rows) {
		return engine.Snapshot{}, false
	}
	return m.rows[m.cursor], true
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		m.notice = ""
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.rows)-1 {
				m.cursor++
			}
		case "shift+up", "K":
			if row, ok := m.selected(); ok {
				m.report(m.queue.MoveUp(row.ID))
			}
		case "shift+down", "J":
			if row, ok := m.selected(); ok {
				m.report(m.queue.MoveDown(row.ID))
			}
		case "p":
			if row, ok := m.selected(); ok {
				m.report(m.queue.Pause(row.ID))
			}
		case "r":
			if row, ok := m.selected(); ok {
				m.report(m.queue.Resume(row.ID))
			}
		case "c":
			if row, ok := m.selected(); ok {
				m.report(m.queue.Cancel(row.ID))
			}
		case "d":
			if row, ok := m.selected(); ok {
				m.report(m.queue.Dismiss(row.ID))
			}
		case "D":
			m.queue.DismissCompleted()
		case "+", "=":
			m.queue.SetMaxConcurrent(m.settings.MaxConcurrent() + 1)
		case "-":
			m.queue.SetMaxConcurrent(m.settings.MaxConcurrent() - 1)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14

		headerHeight := 5
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)

	case pollMsg:
		m.rows = msg.rows
		m.agg = msg.agg
		if m.cursor >= len(m.rows) {
			m.cursor = len(m.rows) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}
		cmds = append(cmds, m.poll())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// report keeps the last rejected action visible without interrupting
// the queue view.
func (m *Model) report(err error) {
	if err != nil {
		m.notice = err.Error()
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder

	// Header
	header := fmt.Sprintf("%s Stevedore %s", m.spinner.View(), m.titleStyle.Render("Transfer Queue"))
	sb.WriteString(header + "\n")

	opsInfo := fmt.Sprintf("Running: %d/%d | %s | Overall: %d%%",
		m.agg.Running, m.settings.MaxConcurrent(),
		formatSpeed(m.agg.Rate), m.agg.Percent)
	sb.WriteString(m.infoStyle.Render(opsInfo) + "\n")
	sb.WriteString(m.progress.ViewAs(float64(m.agg.Percent)/100) + "\n\n")

	// Queue rows
	var rowContent strings.Builder
	if len(m.rows) == 0 {
		rowContent.WriteString(m.infoStyle.Render("Queue is empty..."))
	} else {
		for i, row := range m.rows {
			line := m.renderRow(row)
			if i == m.cursor {
				line = m.selectedStyle.Render("> ") + line
			} else {
				line = "  " + line
			}
			rowContent.WriteString(line + "\n")
		}
	}

	m.viewport.SetContent(rowContent.String())
	sb.WriteString(m.viewport.View())

	// Footer
	if m.notice != "" {
		sb.WriteString("\n" + m.errorStyle.Render(m.notice))
	}
	help := m.helpStyle.Render("p: pause • r: resume • c: cancel • d: dismiss • D: clear done • K/J: reorder • +/-: slots • q: quit")
	sb.WriteString("\n" + help)

	return sb.String()
}

func (m Model) renderRow(row engine.Snapshot) string {
	name := "(none)"
	if len(row.Sources) > 0 {
		name = row.Sources[0]
		if len(row.Sources) > 1 {
			name = fmt.Sprintf("%s (+%d)", name, len(row.Sources)-1)
		}
	}
	if len(name) > 40 {
		name = "..." + name[len(name)-37:]
	}

	status := string(row.Status)
	switch row.Status {
	case engine.StatusRunning:
		status = m.runningStyle.Render(status)
	case engine.StatusPaused:
		status = m.pausedStyle.Render(status)
	case engine.StatusFailed:
		status = m.errorStyle.Render(status)
	case engine.StatusCompleted:
		status = m.successStyle.Render(status)
	}

	var ratio float64
	var eta string
	if row.Progress != nil && row.Progress.BytesTotal > 0 {
		ratio = float64(row.Progress.BytesDone) / float64(row.Progress.BytesTotal)
		eta = formatETA(row.Rate, row.Progress.BytesDone, row.Progress.BytesTotal)
	} else {
		eta = "Calculating..."
	}

	line := fmt.Sprintf("%-9s %-7s %s %-10s ETA %-13s %s",
		status, row.Op.String(), m.progress.ViewAs(ratio),
		formatSpeed(row.Rate), eta, name)
	if row.Error != "" {
		line += " " + m.errorStyle.Render(row.Error)
	}
	return line
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1024*1024*1024))
	} else if bytesPerSec >= 1024*1024 {
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1024*1024))
	} else if bytesPerSec >= 1024 {
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}

func formatETA(bytesPerSec float64, completedBytes, totalBytes int64) string {
	if bytesPerSec <= 0 || totalBytes == 0 {
		return "Calculating..."
	}

	remainingBytes := totalBytes - completedBytes
	if remainingBytes <= 0 {
		return "0s"
	}

	remainingSec := float64(remainingBytes) / bytesPerSec
	d := time.Duration(remainingSec * float64(time.Second))

	if d.Hours() > 24 {
		return "> 1d"
	}

	return d.Round(time.Second).String()
}
