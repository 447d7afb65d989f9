package cli

import (
	"errors"
	"fmt"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/omnisync/internal/models"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

// Style functions for dynamic theming
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

// progressRow is one tracked job.
type progressRow struct {
	Label    string
	Progress float64
	Status   models.JobStatus
	Err      string
}

// progressState is what the model renders; Done ends the program.
type progressState struct {
	Rows []progressRow
	Done bool
}

// changeSource is a store the model re-reads on every notification.
type changeSource interface {
	Subscribe() chan struct{}
	Unsubscribe(ch chan struct{})
}

// changedMsg signals that the watched store changed.
type changedMsg struct{}

// progressModel is the bubbletea model for job progress.
type progressModel struct {
	changes  chan struct{}
	read     func() progressState
	state    progressState
	hint     string
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
}

// newProgressModel creates a new progress model.
func newProgressModel(changes chan struct{}, read func() progressState, hint string) progressModel {
	// Create progress bar with color blend
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		changes:  changes,
		read:     read,
		state:    read(),
		hint:     hint,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (wait for the first change).
func (m progressModel) Init() tea.Cmd {
	if m.state.Done {
		return tea.Quit
	}
	return tea.Batch(
		waitForChange(m.changes),
		m.progress.Init(),
	)
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

	case changedMsg:
		m.state = m.read()
		if m.state.Done {
			m.done = true
			return m, tea.Quit
		}
		return m, waitForChange(m.changes)

	case progress.FrameMsg:
		// Update progress bar animation
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m progressModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}

	if len(m.state.Rows) == 0 {
		return "Waiting for job status...\n"
	}

	var b strings.Builder
	for _, row := range m.state.Rows {
		status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", row.Status))
		fmt.Fprintf(&b, "%s %s %3.0f%% %s\n", status, m.progress.ViewAs(row.Progress), row.Progress*100, row.Label)
	}
	b.WriteString(m.theme.hintStyle().Render("Press Ctrl+C to stop watching"))
	b.WriteString("\n")
	return b.String()
}

// finalView renders the completion message.
func (m progressModel) finalView() string {
	if m.quitting {
		return m.theme.hintStyle().Render("\n" + m.hint + "\n")
	}

	var b strings.Builder
	for _, row := range m.state.Rows {
		if row.Err != "" || row.Status == models.JobStatusFailed {
			b.WriteString(m.theme.errorStyle().Render(fmt.Sprintf("✗ %s: %s", row.Label, row.Err)))
		} else {
			b.WriteString(m.theme.completedStyle().Render("✓ " + row.Label))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// err returns the failures of the final state.
func (s progressState) err() error {
	var errs []error
	for _, row := range s.Rows {
		if row.Err != "" || row.Status == models.JobStatusFailed {
			errs = append(errs, fmt.Errorf("%s: %s", row.Label, row.Err))
		}
	}
	return errors.Join(errs...)
}

// waitForChange blocks until the store notifies. Runs as a command to avoid
// blocking Update().
func waitForChange(ch chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return changedMsg{}
	}
}

// runProgress runs the interactive progress UI until read reports Done.
// Returns nil on success or Ctrl+C, the joined row errors otherwise.
func runProgress(src changeSource, read func() progressState, hint string) error {
	ch := src.Subscribe()
	defer src.Unsubscribe(ch)

	model := newProgressModel(ch, read, hint)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	// Check final state
	if m, ok := finalModel.(progressModel); ok {
		if m.quitting {
			return nil
		}
		return m.state.err()
	}
	return nil
}
