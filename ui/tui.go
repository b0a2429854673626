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

	"github.com/franksops/gocoerce/engine"
)

// UIState is what the TUI renders for one job.
type UIState struct {
	JobID          string
	Name           string
	Status         engine.JobStatus
	TotalFiles     int64
	TotalBytes     int64
	CompletedFiles int64
	FailedFiles    int64
	CompletedBytes int64
	ActiveTasks    []*ActiveTask
	Workers        int
	ThroughputBPms float64 // bytes per millisecond
	Err            error
	Done           bool
}

// ActiveTask is a task with an attempt in flight.
type ActiveTask struct {
	TaskID   int
	FilePath string
	Attempt  int
	Size     int64
	Elapsed  time.Duration
}

// FromSnapshot builds the UI state for a job snapshot taken at now.
func FromSnapshot(snap engine.JobSnapshot, now time.Time) *UIState {
	state := &UIState{
		JobID:          snap.JobID,
		Name:           snap.Name,
		Status:         snap.Status,
		TotalFiles:     int64(snap.TotalTasks),
		TotalBytes:     snap.TotalBytes,
		CompletedFiles: int64(snap.CompletedTasks),
		FailedFiles:    int64(snap.FailedTasks),
		CompletedBytes: snap.CompletedBytes,
		Workers:        snap.Workers,
		Err:            snap.Err,
		Done:           snap.Status.Terminal(),
	}
	if elapsed := now.Sub(snap.Started).Milliseconds(); elapsed > 0 {
		state.ThroughputBPms = float64(snap.CompletedBytes) / float64(elapsed)
	}
	for _, a := range snap.Active {
		state.ActiveTasks = append(state.ActiveTasks, &ActiveTask{
			TaskID:   a.TaskID,
			FilePath: a.SourcePath,
			Attempt:  a.Attempt,
			Size:     a.Size,
			Elapsed:  now.Sub(a.Started),
		})
	}
	return state
}

// TUIModel implements the tea.Model interface
type TUIModel struct {
	engineState *UIState
	scale       func(delta int)
	spinner     spinner.Model
	progress    progress.Model
	viewport    viewport.Model

	width  int
	height int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	streamStyle  lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// TUIUpdateMsg is sent periodically to update the UI state
type TUIUpdateMsg struct {
	State *UIState
}

// WorkerCountMsg is sent when modifying the worker count
type WorkerCountMsg int

// NewTUIModel returns a model rendering initialState. scale is called with
// +1 or -1 when the user adjusts the worker count; it may be nil.
func NewTUIModel(initialState *UIState, scale func(delta int)) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return TUIModel{
		engineState:  initialState,
		scale:        scale,
		spinner:      s,
		progress:     prog,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		streamStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
	)
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "+", "=":
			return m, func() tea.Msg { return WorkerCountMsg(1) }
		case "-":
			return m, func() tea.Msg { return WorkerCountMsg(-1) }
		}

	case WorkerCountMsg:
		if m.scale != nil && !m.engineState.Done {
			m.scale(int(msg))
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14

		headerHeight := 5
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)

	case TUIUpdateMsg:
		m.engineState = msg.State

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

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	st := m.engineState
	var sb strings.Builder

	header := fmt.Sprintf("%s gcoerce %s", m.spinner.View(), m.titleStyle.Render(st.Name))
	sb.WriteString(header + "\n")

	var percent float64
	if st.TotalBytes > 0 {
		percent = float64(st.CompletedBytes) / float64(st.TotalBytes)
	}

	opsInfo := fmt.Sprintf("%s | ETA: %s | %s | Workers: %d | Files: %d/%d (%d failed) | %s / %s",
		st.Status,
		formatETA(percent, st.ThroughputBPms, st.TotalBytes, st.CompletedBytes),
		formatSpeed(st.ThroughputBPms*1000),
		st.Workers,
		st.CompletedFiles, st.TotalFiles, st.FailedFiles,
		formatBytes(st.CompletedBytes), formatBytes(st.TotalBytes))

	sb.WriteString(m.infoStyle.Render(opsInfo) + "\n")
	sb.WriteString(m.progress.ViewAs(percent) + "\n\n")

	sb.WriteString("Active Tasks:\n")
	var taskContent strings.Builder

	if len(st.ActiveTasks) == 0 {
		taskContent.WriteString(m.infoStyle.Render("No active tasks..."))
	} else {
		for _, t := range st.ActiveTasks {
			truncatePath := t.FilePath
			if len(truncatePath) > 40 {
				truncatePath = "..." + truncatePath[len(truncatePath)-37:]
			}

			// Format: #12 try 1 | 1.5 MB  | 12s | /path/to/file
			taskContent.WriteString(fmt.Sprintf("#%-5d try %d | %-10s | %-6s | %s\n",
				t.TaskID, t.Attempt,
				m.streamStyle.Render(formatBytes(t.Size)),
				t.Elapsed.Round(time.Second), truncatePath))
		}
	}

	m.viewport.SetContent(taskContent.String())
	sb.WriteString(m.viewport.View())

	help := m.helpStyle.Render("q/ctrl+c: quit and kill job • +/-: adjust workers")
	if st.Done {
		switch {
		case st.Status == engine.Succeeded:
			help = m.successStyle.Render("Coercion complete!") + " Press 'q' to exit."
		case st.Err != nil:
			help = m.errorStyle.Render(fmt.Sprintf("Job %s: %v", strings.ToLower(st.Status.String()), st.Err)) + " Press 'q' to exit."
		default:
			help = m.errorStyle.Render("Job "+strings.ToLower(st.Status.String())) + " Press 'q' to exit."
		}
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func formatBytes(n int64) string {
	b := float64(n)
	switch {
	case b >= 1024*1024*1024*1024:
		return fmt.Sprintf("%.2f TB", b/(1024*1024*1024*1024))
	case b >= 1024*1024*1024:
		return fmt.Sprintf("%.2f GB", b/(1024*1024*1024))
	case b >= 1024*1024:
		return fmt.Sprintf("%.2f MB", b/(1024*1024))
	case b >= 1024:
		return fmt.Sprintf("%.2f KB", b/1024)
	}
	return fmt.Sprintf("%d B", n)
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

func formatETA(progress float64, bytesPerMs float64, totalBytes, completedBytes int64) string {
	if progress == 0 || bytesPerMs <= 0 || totalBytes == 0 {
		return "Calculating..."
	}

	remainingBytes := totalBytes - completedBytes
	if remainingBytes <= 0 {
		return "0s"
	}

	remainingMs := float64(remainingBytes) / bytesPerMs
	d := time.Duration(remainingMs) * time.Millisecond

	if d.Hours() > 24 {
		return "> 1d"
	}

	return d.Round(time.Second).String()
}
