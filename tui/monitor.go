package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lumaframe/lumaframe/database"
)

// TickMsg is sent periodically to refresh the monitor
type TickMsg time.Time

// refreshMsg carries one round of database state
type refreshMsg struct {
	jobCounts map[string]int
	subCounts map[string]int
	jobs      []*database.PipelineJob
	subs      []*database.Submission
	err       error
}

// MonitorConfig holds configuration for the queue monitor.
type MonitorConfig struct {
	DB              *database.DB
	RefreshInterval time.Duration
	MaxRows         int
}

// MonitorModel is the queue/submissions monitor model
type MonitorModel struct {
	db              *database.DB
	refreshInterval time.Duration
	maxRows         int

	spinner spinner.Model
	width   int
	height  int

	// "queue" or "submissions"
	focused string

	jobCounts   map[string]int
	subCounts   map[string]int
	jobs        []*database.PipelineJob
	subs        []*database.Submission
	lastRefresh time.Time
	fetchErr    error

	styles    *Styles
	startTime time.Time
	quitting  bool
}

// NewMonitorModel creates a monitor model
func NewMonitorModel(cfg MonitorConfig) *MonitorModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ColorPrimary)

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Second
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 20
	}

	return &MonitorModel{
		db:              cfg.DB,
		refreshInterval: cfg.RefreshInterval,
		maxRows:         cfg.MaxRows,
		spinner:         s,
		focused:         "queue",
		jobCounts:       map[string]int{},
		subCounts:       map[string]int{},
		styles:          DefaultStyles(),
		startTime:       time.Now(),
	}
}

// Init initializes the monitor
func (m *MonitorModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.refresh(),
		m.tick(),
	)
}

func (m *MonitorModel) tick() tea.Cmd {
	return tea.Tick(m.refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// refresh queries the database off the update loop
func (m *MonitorModel) refresh() tea.Cmd {
	db := m.db
	maxRows := m.maxRows
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		msg := refreshMsg{}
		msg.jobCounts, msg.err = db.CountJobsByStatus(ctx)
		if msg.err != nil {
			return msg
		}
		msg.subCounts, msg.err = db.CountSubmissionsByStatus(ctx)
		if msg.err != nil {
			return msg
		}
		msg.jobs, msg.err = db.ListJobs(ctx, "", maxRows)
		if msg.err != nil {
			return msg
		}
		msg.subs, msg.err = db.ListSubmissions(ctx, "")
		if len(msg.subs) > maxRows {
			msg.subs = msg.subs[:maxRows]
		}
		return msg
	}
}

// Update handles messages
func (m *MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "tab":
			if m.focused == "queue" {
				m.focused = "submissions"
			} else {
				m.focused = "queue"
			}
		case "r":
			return m, m.refresh()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.refresh(), m.tick())

	case refreshMsg:
		m.fetchErr = msg.err
		if msg.err == nil {
			m.jobCounts = msg.jobCounts
			m.subCounts = msg.subCounts
			m.jobs = msg.jobs
			m.subs = msg.subs
			m.lastRefresh = time.Now()
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the monitor
func (m *MonitorModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(m.styles.Title.Render("Gallery Pipeline Monitor") + "\n")
	b.WriteString(m.headerLine() + "\n\n")

	if m.fetchErr != nil {
		b.WriteString(m.styles.Error.Render(fmt.Sprintf("database error: %v", m.fetchErr)) + "\n\n")
	}

	if m.focused == "queue" {
		b.WriteString(RenderJobsTable(jobRows(m.jobs)))
	} else {
		b.WriteString(RenderSubmissionsTable(submissionRows(m.subs)))
	}

	b.WriteString("\n")
	b.WriteString(m.helpLine())
	return b.String()
}

func (m *MonitorModel) headerLine() string {
	queue := fmt.Sprintf("queue: %d pending %s %d in-stages %s %d failed",
		m.jobCounts[database.JobStatusPending], SymbolBullet,
		m.jobCounts[database.JobStatusInStages], SymbolBullet,
		m.jobCounts[database.JobStatusFailed])
	subs := fmt.Sprintf("submissions: %d pending", m.subCounts[database.SubmissionStatusPending])

	refreshed := "never"
	if !m.lastRefresh.IsZero() {
		refreshed = FormatDuration(time.Since(m.lastRefresh)) + " ago"
	}
	return m.styles.Subtitle.Render(queue) + "   " +
		m.styles.Subtitle.Render(subs) + "   " +
		m.styles.Muted.Render(m.spinner.View()+" refreshed "+refreshed)
}

func (m *MonitorModel) helpLine() string {
	keys := []struct{ key, desc string }{
		{"tab", "switch view"},
		{"r", "refresh"},
		{"q", "quit"},
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, m.styles.HelpKey.Render(k.key)+" "+m.styles.HelpDesc.Render(k.desc))
	}
	return m.styles.Help.Render(strings.Join(parts, "  "))
}

func jobRows(jobs []*database.PipelineJob) []JobRow {
	rows := make([]JobRow, 0, len(jobs))
	for _, job := range jobs {
		target := job.Payload.StorageKey
		if target == "" {
			target = job.Payload.PhotoID
		}
		stage := ""
		if job.Stage != nil {
			stage = string(*job.Stage)
		}
		errMsg := ""
		if job.ErrorMessage != nil {
			errMsg = *job.ErrorMessage
		}
		rows = append(rows, JobRow{
			ID:       fmt.Sprintf("%d", job.ID),
			Kind:     string(job.Payload.Kind),
			Target:   target,
			Status:   job.Status,
			Stage:    stage,
			Attempts: fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts),
			Error:    errMsg,
		})
	}
	return rows
}

func submissionRows(subs []*database.Submission) []SubmissionRow {
	rows := make([]SubmissionRow, 0, len(subs))
	for _, sub := range subs {
		size := ""
		if sub.FileSize != nil {
			size = FormatBytes(*sub.FileSize)
		}
		rows = append(rows, SubmissionRow{
			ID:          fmt.Sprintf("%d", sub.ID),
			FileName:    sub.FileName,
			Submitter:   sub.SubmitterName,
			Size:        size,
			Status:      sub.Status,
			SubmittedAt: sub.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	return rows
}

// RunMonitor runs the monitor until the user quits.
func RunMonitor(cfg MonitorConfig) error {
	model := NewMonitorModel(cfg)
	program := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("monitor failed: %w", err)
	}
	return nil
}
