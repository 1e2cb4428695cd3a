// Package ui draws the device screen.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"capy-firmware/pkg/globals"
	"capy-firmware/pkg/metrics"
	"capy-firmware/pkg/store"
)

const (
	MinWidth   = 20
	maxListed  = 3
	maxLogTail = 4
)

// Snapshot is a copy of everything one frame shows. Render never reaches
// back into shared state.
type Snapshot struct {
	Config      store.Config
	Provisioned bool

	Dashboard    metrics.Dashboard
	HasDashboard bool

	WiFi string

	BatteryPercent int
	OnACPower      bool
	HasBattery     bool

	Logs []string
}

var (
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().Bold(true)

	labelStyle = lipgloss.NewStyle().Faint(true)

	promptStyle = lipgloss.NewStyle().
			Bold(true).
			Align(lipgloss.Center)

	errorStyle = lipgloss.NewStyle().Italic(true)
)

// Render lays s out in a bordered panel width columns wide.
func Render(s Snapshot, width int) string {
	if width < MinWidth {
		width = MinWidth
	}
	inner := width - panelStyle.GetHorizontalFrameSize()

	lines := []string{header(s, inner), strings.Repeat("─", inner)}
	if !s.Provisioned {
		lines = append(lines, unprovisioned(s, inner)...)
	} else {
		lines = append(lines, provisioned(s, inner)...)
	}

	return panelStyle.Width(width - panelStyle.GetHorizontalBorderSize()).Render(strings.Join(lines, "\n"))
}

func header(s Snapshot, inner int) string {
	title := titleStyle.Render(globals.ProductName)
	right := ""
	if s.HasBattery {
		right = fmt.Sprintf("%d%%", s.BatteryPercent)
		if s.OnACPower {
			right += " AC"
		}
	}
	gap := inner - lipgloss.Width(title) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return title + strings.Repeat(" ", gap) + right
}

func unprovisioned(s Snapshot, inner int) []string {
	lines := []string{
		"",
		promptStyle.Width(inner).Render("Connect with the " + globals.ProductName + " app"),
		"",
	}
	logs := s.Logs
	if len(logs) > maxLogTail {
		logs = logs[len(logs)-maxLogTail:]
	}
	for _, l := range logs {
		lines = append(lines, labelStyle.Render(clip(l, inner)))
	}
	return lines
}

func provisioned(s Snapshot, inner int) []string {
	field := func(label, value string) string {
		return labelStyle.Render(fmt.Sprintf("%-6s", label)) + clip(value, inner-6)
	}

	wifi := s.WiFi
	if wifi == "" {
		wifi = "idle"
	}
	lines := []string{
		field("WiFi", s.Config.WiFi.SSID+" ("+wifi+")"),
		field("Token", tokenLabel(s.Config.Token)),
	}

	if !s.HasDashboard {
		return append(lines, "", labelStyle.Render("Waiting for metrics..."))
	}

	d := s.Dashboard
	lines = append(lines, "",
		field("Commit", fmt.Sprintf("%d total  %d/7d  %d/30d", d.Commits.AllTime, d.Commits.Week, d.Commits.Month)))

	if len(d.PullRequests) > 0 {
		lines = append(lines, "", titleStyle.Render("Pull requests"))
		for i, pr := range d.PullRequests {
			if i == maxListed {
				break
			}
			lines = append(lines, clip(fmt.Sprintf("#%d %s %s", pr.Number, prMark(pr), pr.Title), inner))
		}
	}

	if len(d.Workflows) > 0 {
		lines = append(lines, "", titleStyle.Render("Workflows"))
		for i, run := range d.Workflows {
			if i == maxListed {
				break
			}
			lines = append(lines, clip(runMark(run)+" "+run.Name, inner))
		}
	}

	if d.LastError != "" {
		lines = append(lines, "", errorStyle.Render(clip("! "+d.LastError, inner)))
	}
	return lines
}

func tokenLabel(tok string) string {
	if tok == "" {
		return "not set"
	}
	return store.Mask(tok)
}

func prMark(pr metrics.PullRequest) string {
	switch {
	case pr.Merged:
		return "M"
	case pr.State == "open":
		return "O"
	default:
		return "C"
	}
}

func runMark(r metrics.WorkflowRun) string {
	if r.Status != "completed" {
		return "…"
	}
	switch r.Conclusion {
	case "success":
		return "✓"
	case "failure", "timed_out":
		return "✗"
	default:
		return "-"
	}
}

func clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
