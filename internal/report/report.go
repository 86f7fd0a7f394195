// Package report prints the outcome of a snapshot run.
package report

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/schaermu/reftrackd/internal/reflog"
	"github.com/schaermu/reftrackd/internal/snapshot"
)

// Printer writes run summaries.
type Printer struct {
	// Out is where the summary goes; os.Stdout when nil.
	Out io.Writer
	// NoColor disables status coloring.
	NoColor bool
}

func (p Printer) out() io.Writer {
	if p.Out == nil {
		return os.Stdout
	}
	return p.Out
}

// Print writes one table row per repository followed by a totals line.
func (p Printer) Print(r *snapshot.Report) {
	w := p.out()

	table := newTable(w, "Repo", "Status", "Branches", "Tags", "Written", "Deleted", "Unchanged", "Duration", "Error")

	for _, res := range r.Results {
		errText := ""
		if res.Err != nil {
			errText = res.Err.Error()
		}
		table.Append([]string{
			res.ID,
			p.status(res.Status),
			strconv.Itoa(res.Branches),
			strconv.Itoa(res.Tags),
			strconv.Itoa(res.Written),
			strconv.Itoa(res.Deleted),
			strconv.Itoa(res.Unchanged),
			res.Duration.Round(time.Millisecond).String(),
			errText,
		})
	}
	table.Render()

	failed := len(r.Failed())
	summary := fmt.Sprintf("%d repositories, %d failed", len(r.Results), failed)
	if r.DryRun {
		summary += " (dry run)"
	}
	if r.Committed {
		summary += ", committed"
	}
	if r.Pushed {
		summary += ", pushed"
	}
	_, _ = fmt.Fprintf(w, "\n%s  run %s\n", summary, r.RunID)
}

// PrintLog writes a ref's history, newest commit first. Times are shown
// only when the ref file carries them.
func (p Printer) PrintLog(commits []reflog.Commit) {
	table := newTable(p.out(), "Commit", "Date", "Subject")
	for i := len(commits) - 1; i >= 0; i-- {
		c := commits[i]
		date := ""
		if !c.Time.IsZero() {
			date = c.Time.UTC().Format(time.DateTime)
		}
		table.Append([]string{c.Hash, date, c.Subject})
	}
	table.Render()
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetRowLine(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetAutoWrapText(false)
	table.SetColumnSeparator(" ")
	table.SetCenterSeparator(" ")
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(header)
	return table
}

func (p Printer) status(s snapshot.Status) string {
	var c *color.Color
	switch s {
	case snapshot.StatusSynced:
		c = color.New(color.FgGreen)
	case snapshot.StatusPlanned:
		c = color.New(color.FgCyan)
	case snapshot.StatusFailed:
		c = color.New(color.FgRed, color.Bold)
	default:
		c = color.New(color.FgYellow)
	}
	if p.NoColor {
		c.DisableColor()
	}
	return c.Sprint(string(s))
}
