package progress

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const refreshInterval = 250 * time.Millisecond

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type tickMsg struct{}
type stopMsg struct{}

type dashboardModel struct {
	viewFn    func() View
	interrupt func()
	view      View
}

func (m dashboardModel) Init() tea.Cmd {
	return nil
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.String() == "q" {
			if m.interrupt != nil {
				m.interrupt()
			}
		}
	case tickMsg:
		m.view = m.viewFn()
	case stopMsg:
		m.view = m.viewFn()
		return m, tea.Quit
	}
	return m, nil
}

func (m dashboardModel) View() string {
	return renderDashboard(m.view)
}

// RunDashboard renders t until ctx ends or the returned stop function is
// called. On a terminal it runs a bubbletea program; elsewhere it prints a
// status line per second. interrupt is invoked when the user presses Ctrl-C.
func RunDashboard(ctx context.Context, w io.Writer, t *Tracker, interrupt func()) (stop func()) {
	if !IsTTY(w) {
		return runPlain(ctx, w, t, time.Second)
	}
	model := dashboardModel{viewFn: t.Snapshot, interrupt: interrupt, view: t.Snapshot()}
	program := tea.NewProgram(model, tea.WithOutput(w), tea.WithContext(ctx))
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		_, _ = program.Run()
	}()

	ticker := time.NewTicker(refreshInterval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				program.Send(tickMsg{})
			}
		}
	}()
	return func() {
		close(done)
		program.Send(stopMsg{})
		<-exited
	}
}

func runPlain(ctx context.Context, w io.Writer, t *Tracker, every time.Duration) func() {
	ticker := time.NewTicker(every)
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				fmt.Fprintln(w, statusLine(t.Snapshot()))
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func statusLine(v View) string {
	return fmt.Sprintf("progress %d/%d failed=%d retries=%d in_flight=%d/%d rate=%s elapsed=%s",
		v.Done, v.Total, v.Failed, v.Retries, v.InFlight, v.Limit, formatRate(v.Rate.RateBps), formatClock(v.Elapsed))
}

func renderDashboard(v View) string {
	var b strings.Builder
	title := v.Title
	if title == "" {
		title = "assetflux"
	}
	b.WriteString(titleStyle.Render(title))
	if v.Policy != "" {
		b.WriteString(labelStyle.Render("  policy " + string(v.Policy)))
	}
	b.WriteString("\n")

	pct := 0.0
	if v.Total > 0 {
		pct = float64(v.Done+v.Failed) / float64(v.Total) * 100
	}
	fmt.Fprintf(&b, "%s %5.1f%%\n", renderBar(pct, 30), pct)

	fmt.Fprintf(&b, "%s %s  %s %s  %s %d\n",
		labelStyle.Render("done"), okStyle.Render(fmt.Sprintf("%d/%d", v.Done, v.Total)),
		labelStyle.Render("failed"), failStyle.Render(fmt.Sprintf("%d", v.Failed)),
		labelStyle.Render("retries"), v.Retries)
	fmt.Fprintf(&b, "%s %d/%d (peak %d)  %s %d\n",
		labelStyle.Render("in flight"), v.InFlight, v.Limit, v.PeakFlight,
		labelStyle.Render("batch"), v.BatchSize)
	fmt.Fprintf(&b, "%s %s / %s  %s %s  %s %s\n",
		labelStyle.Render("bytes"), FormatBytes(v.Rate.Done), FormatBytes(v.Rate.Total),
		labelStyle.Render("rate"), formatRate(v.Rate.RateBps),
		labelStyle.Render("elapsed"), formatClock(v.Elapsed))
	if v.Network != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("network"), v.Network)
	}
	if len(v.Active) > 0 {
		shown := v.Active
		if len(shown) > 8 {
			shown = shown[:8]
		}
		fmt.Fprintf(&b, "%s %s", labelStyle.Render("active"), activeStyle.Render(strings.Join(shown, " ")))
		if extra := len(v.Active) - len(shown); extra > 0 {
			fmt.Fprintf(&b, " +%d", extra)
		}
		b.WriteString("\n")
	}
	return boxStyle.Render(strings.TrimSuffix(b.String(), "\n"))
}

func renderBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int(percent / 100 * float64(width))
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}
