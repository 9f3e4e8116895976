package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/sdlcflow/sdlcflow/internal/types"
)

var (
	colorSuccess = lipgloss.AdaptiveColor{Light: "#16A34A", Dark: "#4ADE80"}
	colorRunning = lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#FBBF24"}
	colorFailed  = lipgloss.AdaptiveColor{Light: "#DC2626", Dark: "#F87171"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#2563EB", Dark: "#60A5FA"}

	keyStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorInfo)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	errStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorFailed)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)

	progressFilled = lipgloss.NewStyle().Foreground(colorSuccess)
	progressEmpty  = lipgloss.NewStyle().Foreground(colorMuted)
)

func statusStyle(s types.WorkflowStatus) lipgloss.Style {
	switch s {
	case types.StatusCompleted:
		return lipgloss.NewStyle().Bold(true).Foreground(colorSuccess)
	case types.StatusRunning:
		return lipgloss.NewStyle().Bold(true).Foreground(colorRunning)
	case types.StatusFailed, types.StatusBlocked:
		return lipgloss.NewStyle().Bold(true).Foreground(colorFailed)
	case types.StatusCancelled:
		return mutedStyle
	default:
		return mutedStyle
	}
}

func artifactStyle(s types.ArtifactStatus) lipgloss.Style {
	switch s {
	case types.ArtifactComplete:
		return lipgloss.NewStyle().Foreground(colorSuccess)
	case types.ArtifactFailed, types.ArtifactMissing:
		return lipgloss.NewStyle().Foreground(colorFailed)
	default:
		return mutedStyle
	}
}

// progressBar renders a filled/empty block-character bar of the given width.
func progressBar(done, total, width int) string {
	if width <= 0 {
		return ""
	}
	var frac float64
	if total > 0 {
		frac = float64(done) / float64(total)
	}
	filled := int(frac * float64(width))
	if filled > width {
		filled = width
	}
	var b strings.Builder
	if filled > 0 {
		b.WriteString(progressFilled.Render(strings.Repeat("█", filled)))
	}
	if width-filled > 0 {
		b.WriteString(progressEmpty.Render(strings.Repeat("░", width-filled)))
	}
	return b.String()
}

// Render renders a full single-workflow status report as plain text with
// lipgloss styling, suitable for direct terminal output.
func Render(s *Summary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n", keyStyle.Render("workflow:"), s.WorkflowID)
	fmt.Fprintf(&b, "%s %s\n", keyStyle.Render("status:  "), statusStyle(s.Status).Render(string(s.Status)))
	fmt.Fprintf(&b, "%s %s (updated %s)\n\n", keyStyle.Render("since:   "), s.CreatedAt.Format(time.RFC3339), s.UpdatedAt.Format(time.RFC3339))

	stats := s.StepStats
	bar := progressBar(stats.Completed, stats.Total, 30)
	fmt.Fprintf(&b, "%s %s %d/%d steps\n", keyStyle.Render("progress:"), bar, stats.Completed, stats.Total)
	fmt.Fprintf(&b, "  %s %d  %s %d  %s %d  %s %d\n\n",
		lipgloss.NewStyle().Foreground(colorSuccess).Render("done"), stats.Completed,
		lipgloss.NewStyle().Foreground(colorRunning).Render("running"), stats.Running,
		lipgloss.NewStyle().Foreground(colorFailed).Render("failed"), stats.Failed,
		mutedStyle.Render("pending"), stats.Pending)

	if len(s.RunningSteps) > 0 {
		b.WriteString(headerStyle.Render("running steps"))
		b.WriteString("\n")
		for _, rs := range s.RunningSteps {
			fmt.Fprintf(&b, "  %s  attempt %d  %s\n", rs.StepID, rs.Attempt, formatDuration(rs.Duration))
		}
		b.WriteString("\n")
	}

	if len(s.Artifacts) > 0 {
		b.WriteString(headerStyle.Render("artifacts"))
		b.WriteString("\n")
		for _, a := range s.Artifacts {
			st := artifactStyle(a.Status).Render(string(a.Status))
			fmt.Fprintf(&b, "  %-24s %s  (v%d, from %s)\n", a.Name, st, a.Version, a.CreatedBy)
		}
		b.WriteString("\n")
	}

	if s.BlockedOn != nil && len(s.BlockedOn.Reasons) > 0 {
		b.WriteString(errStyle.Render("blocked"))
		b.WriteString("\n")
		for _, r := range s.BlockedOn.Reasons {
			budget := ""
			if r.LoopbackBudget {
				budget = " (loopback budget exhausted)"
			}
			fmt.Fprintf(&b, "  %s missing %s%s\n", r.StepID, strings.Join(r.MissingInputs, ", "), budget)
		}
		b.WriteString("\n")
	}

	if s.LastError != "" {
		fmt.Fprintf(&b, "%s %s: %s\n", errStyle.Render("last error:"), s.LastFailedStep, s.LastError)
	}

	return b.String()
}

// RenderLine renders a single-line summary suitable for a list of workflows.
func RenderLine(s *Summary) string {
	return fmt.Sprintf("%-20s %s  %d/%d steps  (updated %s)",
		s.WorkflowID,
		statusStyle(s.Status).Render(string(s.Status)),
		s.StepStats.Completed, s.StepStats.Total,
		s.UpdatedAt.Format(time.RFC3339))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
