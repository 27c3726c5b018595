package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Column represents a table column
type Column struct {
	Title string
	Width int
}

// Row represents a table row
type Row []string

// Table renders data in a styled table format
type Table struct {
	columns []Column
	rows    []Row
	styles  *Styles
}

// NewTable creates a new table with the given columns
func NewTable(columns []Column) *Table {
	return &Table{
		columns: columns,
		rows:    []Row{},
		styles:  DefaultStyles(),
	}
}

// AddRow adds a row to the table
func (t *Table) AddRow(row Row) {
	t.rows = append(t.rows, row)
}

// SetRows sets all rows at once
func (t *Table) SetRows(rows []Row) {
	t.rows = rows
}

// Render renders the table as a string
func (t *Table) Render() string {
	var b strings.Builder

	// Header
	headerCells := make([]string, len(t.columns))
	for i, col := range t.columns {
		cell := t.styles.TableHeader.Width(col.Width).Render(col.Title)
		headerCells[i] = cell
	}
	b.WriteString(strings.Join(headerCells, " ") + "\n")

	// Separator
	for _, col := range t.columns {
		b.WriteString(strings.Repeat("─", col.Width) + " ")
	}
	b.WriteString("\n")

	// Rows
	for _, row := range t.rows {
		rowCells := make([]string, len(t.columns))
		for i, col := range t.columns {
			var cell string
			if i < len(row) {
				cell = row[i]
			}
			// Truncate if too long
			if len(cell) > col.Width {
				cell = cell[:col.Width-3] + "..."
			}
			rowCells[i] = t.styles.TableCell.Width(col.Width).Render(cell)
		}
		b.WriteString(strings.Join(rowCells, " ") + "\n")
	}

	return b.String()
}

// JobRow represents a queue job for table display
type JobRow struct {
	ID       string
	Kind     string
	Target   string
	Status   string
	Stage    string
	Attempts string
	Error    string
}

// RenderJobsTable renders a table of pipeline queue jobs
func RenderJobsTable(jobs []JobRow) string {
	styles := DefaultStyles()
	var b strings.Builder

	b.WriteString(styles.Title.Render("Pipeline Queue") + "\n\n")

	if len(jobs) == 0 {
		b.WriteString(styles.Muted.Render("  Queue is empty\n"))
		return b.String()
	}

	columns := []Column{
		{Title: "STATUS", Width: 8},
		{Title: "ID", Width: 6},
		{Title: "KIND", Width: 24},
		{Title: "TARGET", Width: 34},
		{Title: "STAGE", Width: 18},
		{Title: "TRIES", Width: 6},
		{Title: "ERROR", Width: 30},
	}

	var headerLine string
	for _, col := range columns {
		cell := styles.TableHeader.Width(col.Width).Render(col.Title)
		headerLine += cell + " "
	}
	b.WriteString(headerLine + "\n")

	for _, col := range columns {
		b.WriteString(styles.Muted.Render(strings.Repeat("─", col.Width)) + " ")
	}
	b.WriteString("\n")

	for _, job := range jobs {
		icon := styles.StatusIcon(job.Status)

		target := job.Target
		if len(target) > 32 {
			target = target[:32] + ".."
		}
		errMsg := job.Error
		if len(errMsg) > 28 {
			errMsg = errMsg[:28] + ".."
		}

		cells := []string{icon, job.ID, job.Kind, target, job.Stage, job.Attempts, errMsg}
		for i, col := range columns {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			styled := lipgloss.NewStyle().Width(col.Width).Render(cell)
			b.WriteString(styled + " ")
		}
		b.WriteString("\n")
	}

	b.WriteString(fmt.Sprintf("\n%s %d jobs\n", styles.Muted.Render("Total:"), len(jobs)))

	return b.String()
}

// SubmissionRow represents a submission for table display
type SubmissionRow struct {
	ID          string
	FileName    string
	Submitter   string
	Size        string
	Status      string
	SubmittedAt string
}

// RenderSubmissionsTable renders a table of guest submissions
func RenderSubmissionsTable(subs []SubmissionRow) string {
	styles := DefaultStyles()
	var b strings.Builder

	b.WriteString(styles.Title.Render("Guest Submissions") + "\n\n")

	if len(subs) == 0 {
		b.WriteString(styles.Muted.Render("  No submissions found\n"))
		return b.String()
	}

	columns := []Column{
		{Title: "STATUS", Width: 8},
		{Title: "ID", Width: 6},
		{Title: "FILE", Width: 28},
		{Title: "SUBMITTER", Width: 18},
		{Title: "SIZE", Width: 10},
		{Title: "SUBMITTED", Width: 20},
	}

	var headerLine string
	for _, col := range columns {
		cell := styles.TableHeader.Width(col.Width).Render(col.Title)
		headerLine += cell + " "
	}
	b.WriteString(headerLine + "\n")

	for _, col := range columns {
		b.WriteString(styles.Muted.Render(strings.Repeat("─", col.Width)) + " ")
	}
	b.WriteString("\n")

	for _, sub := range subs {
		icon := styles.StatusIcon(sub.Status)

		fileName := sub.FileName
		if len(fileName) > 26 {
			fileName = fileName[:26] + ".."
		}
		submitter := sub.Submitter
		if len(submitter) > 16 {
			submitter = submitter[:16] + ".."
		}

		cells := []string{icon, sub.ID, fileName, submitter, sub.Size, sub.SubmittedAt}
		for i, col := range columns {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			styled := lipgloss.NewStyle().Width(col.Width).Render(cell)
			b.WriteString(styled + " ")
		}
		b.WriteString("\n")
	}

	b.WriteString(fmt.Sprintf("\n%s %d submissions\n", styles.Muted.Render("Total:"), len(subs)))

	return b.String()
}
