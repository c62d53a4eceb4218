package cli

import (
	"fmt"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/kbctl/internal/ingest"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// eventMsg carries a runner event into the view.
type eventMsg ingest.Event

// runDoneMsg is sent once the run returned.
type runDoneMsg struct {
	report *ingest.Report
	err    error
}

// progressModel is the bubbletea model for an ingestion run.
type progressModel struct {
	progress progress.Model
	theme    Theme

	total     int
	keys      int
	finished  int
	failed    int
	current   int
	status    string
	lastJobID string
	errors    []string

	done     bool
	quitting bool
	report   *ingest.Report
	err      error
}

func newProgressModel() progressModel {
	return progressModel{
		progress: progress.New(
			progress.WithDefaultBlend(),
			progress.WithWidth(40),
		),
		theme:  defaultTheme,
		status: "listing",
	}
}

func newProgressProgram() *tea.Program {
	return tea.NewProgram(newProgressModel())
}

// Init returns the initial command.
func (m progressModel) Init() tea.Cmd {
	return m.progress.Init()
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case eventMsg:
		m.apply(ingest.Event(msg))
		return m, nil

	case runDoneMsg:
		m.done = true
		m.report = msg.report
		m.err = msg.err
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *progressModel) apply(e ingest.Event) {
	switch e.Kind {
	case ingest.EventPlanned:
		m.total = e.Total
		m.keys = e.Keys
		m.status = "planned"
	case ingest.EventBatchStarted:
		m.current = e.Batch
		m.status = "submitting"
	case ingest.EventBatchSubmitted:
		m.lastJobID = e.JobID
		m.status = "waiting"
	case ingest.EventBatchDone:
		m.finished++
		m.status = string(e.Status)
		if !e.Status.Succeeded() && e.Status != ingest.StatusQueued {
			m.failed++
		}
	case ingest.EventBatchFailed:
		m.finished++
		m.failed++
		m.status = "failed"
		if e.Err != nil {
			m.errors = append(m.errors, fmt.Sprintf("batch %d: %s", e.Batch, e.Err))
		}
	case ingest.EventFinished:
		m.status = "finished"
	}
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}
	if m.total == 0 {
		return m.theme.statusStyle().Render("[listing]") + " Looking for new documents...\n"
	}

	var pct float64
	if m.total > 0 {
		pct = float64(m.finished) / float64(m.total)
	}
	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.status))
	counts := fmt.Sprintf("%d/%d batches", m.finished, m.total)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", status, m.progress.ViewAs(pct), counts)
	if m.current > 0 {
		fmt.Fprintf(&b, "Batch %d", m.current)
		if m.lastJobID != "" {
			fmt.Fprintf(&b, ", job %s", m.lastJobID)
		}
		b.WriteString("\n")
	}
	b.WriteString(m.theme.hintStyle().Render("Press Ctrl+C to stop after saving progress"))
	b.WriteString("\n")
	return b.String()
}

func (m progressModel) finalView() string {
	if m.quitting && !m.done {
		return m.theme.hintStyle().Render("\nStopping, submitted files are being recorded...\n")
	}
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Run stopped: %s\n", m.err))
	}

	var b strings.Builder
	if m.failed > 0 {
		b.WriteString(m.theme.errorStyle().Render(fmt.Sprintf("✗ %d of %d batches failed", m.failed, m.total)))
	} else {
		b.WriteString(m.theme.completedStyle().Render("✓ Completed"))
	}
	b.WriteString("\n")
	for _, e := range m.errors {
		fmt.Fprintf(&b, "  • %s\n", e)
	}
	return b.String()
}
