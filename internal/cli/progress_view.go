package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"clip-acquirer/internal/model"
)

var (
	viewTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	viewMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	viewErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	viewOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
)

const (
	minBarWidth = 20
	maxBarWidth = 60
)

type recordMsg model.ProgressRecord

// finishedMsg ends the view. Summary is printed in place of the hint line.
type finishedMsg struct {
	summary string
	err     error
}

type progressRow struct {
	rec model.ProgressRecord
	bar progress.Model
}

// progressModel renders one bar per resource id, in first-seen order.
type progressModel struct {
	title   string
	order   []string
	rows    map[string]*progressRow
	width   int
	summary string
	err     error
	done    bool
	aborted bool
}

func newProgressModel(title string, ids ...string) progressModel {
	m := progressModel{title: title, rows: map[string]*progressRow{}}
	for _, id := range ids {
		m.row(id)
	}
	return m
}

func (m *progressModel) row(id string) *progressRow {
	if r, ok := m.rows[id]; ok {
		return r
	}
	r := &progressRow{
		rec: model.ProgressRecord{ResourceID: id, Status: model.StatusQueued},
		bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(m.barWidth())),
	}
	m.rows[id] = r
	m.order = append(m.order, id)
	return r
}

func (m progressModel) barWidth() int {
	w := m.width - 40
	if w < minBarWidth {
		return minBarWidth
	}
	if w > maxBarWidth {
		return maxBarWidth
	}
	return w
}

func (m progressModel) Init() tea.Cmd {
	return nil
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		for _, r := range m.rows {
			r.bar.Width = m.barWidth()
		}
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.aborted = true
			return m, tea.Quit
		}
		return m, nil
	case recordMsg:
		m.row(msg.ResourceID).rec = model.ProgressRecord(msg)
		return m, nil
	case finishedMsg:
		m.done = true
		m.summary = msg.summary
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m progressModel) View() string {
	var b strings.Builder
	b.WriteString(viewTitleStyle.Render(m.title))
	b.WriteString("\n\n")
	for _, id := range m.order {
		r := m.rows[id]
		b.WriteString(renderRow(r))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	switch {
	case m.err != nil:
		b.WriteString(viewErrorStyle.Render(m.err.Error()))
	case m.summary != "":
		b.WriteString(viewOKStyle.Render(m.summary))
	case !m.done:
		b.WriteString(viewMutedStyle.Render("q to cancel"))
	}
	b.WriteString("\n")
	return b.String()
}

func renderRow(r *progressRow) string {
	rec := r.rec
	line := fmt.Sprintf("%-24s %s %s", truncate(rec.ResourceID, 24), r.bar.ViewAs(float64(rec.Progress)/100), statusStyle(rec.Status).Render(rec.Status))
	if rec.Phase != "" && !model.IsTerminal(rec.Status) {
		line += " " + viewMutedStyle.Render(rec.Phase)
	}
	if rec.Strategy != "" {
		line += " " + viewMutedStyle.Render("via "+rec.Strategy)
	}
	if rec.Error != "" {
		line += "\n  " + viewErrorStyle.Render(rec.Error)
	}
	return line
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case model.StatusCompleted:
		return viewOKStyle
	case model.StatusError, model.StatusCancelled:
		return viewErrorStyle
	default:
		return viewMutedStyle
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// plainLine is the non-interactive rendering of a record.
func plainLine(rec model.ProgressRecord) string {
	parts := []string{rec.ResourceID, rec.Status, fmt.Sprintf("%d%%", rec.Progress)}
	if rec.Phase != "" {
		parts = append(parts, rec.Phase)
	}
	if rec.Strategy != "" {
		parts = append(parts, "strategy="+rec.Strategy)
	}
	if rec.Error != "" {
		parts = append(parts, "error="+rec.Error)
	}
	return strings.Join(parts, " ")
}
