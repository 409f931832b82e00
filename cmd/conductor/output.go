package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/artpar/conductor/internal/core/capability"
	"github.com/artpar/conductor/internal/core/domain"
	"github.com/artpar/conductor/internal/orchestrator"
)

// =============================================================================
// Colors
// =============================================================================

var colorize = func(kind color.Attribute, format string, a ...any) string {
	return fmt.Sprintf(format, a...)
}

// initColors enables color on terminals unless disabled or NO_COLOR is set.
func initColors(disabled bool) {
	if disabled || color.NoColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
		colorize = func(kind color.Attribute, format string, a ...any) string {
			return fmt.Sprintf(format, a...)
		}
		return
	}
	colorize = func(kind color.Attribute, format string, a ...any) string {
		return color.New(kind).SprintfFunc()(format, a...)
	}
}

func statusColor(s domain.ExecutionStatus) color.Attribute {
	switch s {
	case domain.StatusSucceeded:
		return color.FgGreen
	case domain.StatusFailed:
		return color.FgRed
	case domain.StatusRolledBack, domain.StatusCancelled:
		return color.FgYellow
	default:
		return color.FgWhite
	}
}

func phaseColor(s domain.PhaseStatus) color.Attribute {
	switch s {
	case domain.PhaseStatusSucceeded:
		return color.FgGreen
	case domain.PhaseStatusFailed:
		return color.FgRed
	default:
		return color.FgWhite
	}
}

// =============================================================================
// Tables
// =============================================================================

func renderTable(w io.Writer, header []string, data [][]string) error {
	table := tablewriter.NewTable(
		w,
		tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines: tw.Lines{
					ShowHeaderLine: tw.Off,
				},
				Separators: tw.Separators{
					BetweenColumns: tw.Off,
				},
			},
		})),
	)
	if len(header) > 0 {
		table.Header(header)
	}
	if err := table.Bulk(data); err != nil {
		return fmt.Errorf("bulk adding data to table: %w", err)
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	return nil
}

// printExecution writes the execution summary and its phase table.
func printExecution(w io.Writer, exec *domain.DeploymentExecution) error {
	fmt.Fprintf(w, "Execution %s\n", exec.ID)
	fmt.Fprintf(w, "  target:  %s\n", exec.Target)
	fmt.Fprintf(w, "  profile: %s\n", exec.Profile)
	fmt.Fprintf(w, "  status:  %s\n", colorize(statusColor(exec.Status), "%s", exec.Status))
	if exec.FailureReason != "" {
		fmt.Fprintf(w, "  reason:  %s\n", exec.FailureReason)
	}
	fmt.Fprintln(w)

	data := make([][]string, 0, len(exec.Results))
	for _, r := range exec.Results {
		note := r.Error
		if r.FromCheckpoint {
			note = "restored from checkpoint"
		}
		data = append(data, []string{
			string(r.Phase),
			colorize(phaseColor(r.Status), "%s", r.Status),
			formatDuration(r.Duration()),
			strconv.Itoa(r.Retries),
			note,
		})
	}
	if err := renderTable(w, []string{"Phase", "Status", "Duration", "Retries", "Note"}, data); err != nil {
		return err
	}

	if rb := exec.Rollback; rb != nil {
		fmt.Fprintf(w, "\nRollback: %d attempted, %d succeeded, %d failed\n", rb.Attempted, rb.Succeeded, rb.Failed)
		rows := make([][]string, 0, len(rb.Outcomes))
		for _, o := range rb.Outcomes {
			state := colorize(color.FgGreen, "ok")
			if !o.Succeeded {
				state = colorize(color.FgRed, "%s", o.Error)
			}
			rows = append(rows, []string{strconv.Itoa(o.Index), o.Type, o.Description, state})
		}
		if len(rows) > 0 {
			return renderTable(w, []string{"#", "Type", "Action", "Result"}, rows)
		}
	}
	return nil
}

// printPortfolio writes one row per target and the totals.
func printPortfolio(w io.Writer, res orchestrator.PortfolioResult) error {
	data := make([][]string, 0, len(res.Results))
	for _, r := range res.Results {
		reason := r.Error
		if reason == "" && r.Execution != nil {
			reason = r.Execution.FailureReason
		}
		data = append(data, []string{
			r.Target.String(),
			r.ExecutionID,
			colorize(statusColor(r.Status), "%s", r.Status),
			reason,
		})
	}
	if err := renderTable(w, []string{"Target", "Execution", "Status", "Reason"}, data); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d succeeded, %d failed, %d rolled back, %d cancelled, %d errors (peak concurrency %d, %s)\n",
		res.Succeeded, res.Failed, res.RolledBack, res.Cancelled, res.Errors, res.Peak, formatDuration(res.Duration))
	return nil
}

// printCapabilities writes the catalog with enabled markers.
func printCapabilities(w io.Writer, reg *capability.Registry) error {
	report := reg.Report()
	data := make([][]string, 0, len(report))
	for _, e := range report {
		mark := ""
		if e.Enabled {
			mark = colorize(color.FgGreen, "yes")
		}
		data = append(data, []string{
			e.Name,
			string(e.Category),
			mark,
			strings.Join(e.Prerequisites, ","),
			e.Description,
		})
	}
	fmt.Fprintf(w, "Mode: %s (%d enabled)\n\n", reg.Mode(), len(reg.Enabled()))
	return renderTable(w, []string{"Capability", "Category", "Enabled", "Requires", "Description"}, data)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}
