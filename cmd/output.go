package cmd

import (
	"io"
	"sort"
	"strconv"
	"time"

	"photoflow/internal/engine"
	"photoflow/internal/models"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
)

// colorStatus renders a task status in its display color.
func colorStatus(s models.TaskStatus) string {
	switch s {
	case models.StatusCompleted:
		return color.GreenString(string(s))
	case models.StatusFailed:
		return color.RedString(string(s))
	case models.StatusCancelled:
		return color.YellowString(string(s))
	case models.StatusProcessing:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}

func colorHealth(result string) string {
	if result == "ok" {
		return color.GreenString(result)
	}
	return color.RedString(result)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func renderTasks(w io.Writer, list []*models.Task) {
	table := newTable(w, []string{"ID", "Type", "Owner", "State", "Status", "Retries", "Credits", "Created At"})
	for _, t := range list {
		created := t.CreatedAt
		table.Append([]string{
			t.ID.String(),
			string(t.Type),
			t.OwnerID,
			string(t.State),
			colorStatus(t.Status),
			strconv.Itoa(t.RetryCount),
			strconv.Itoa(t.CreditsConsumed),
			formatTime(&created),
		})
	}
	table.Render()
}

func renderCycle(w io.Writer, summary engine.CycleSummary) {
	table := newTable(w, []string{"Task", "State", "Result", "Error"})
	for _, r := range summary.Results {
		result := color.GreenString("ok")
		if !r.Success {
			result = color.RedString("failed")
		}
		id := "-"
		if r.TaskID != uuid.Nil {
			id = r.TaskID.String()
		}
		table.Append([]string{id, string(r.State), result, r.Error})
	}
	table.SetFooter([]string{"", "", "processed " + strconv.Itoa(summary.Processed), summary.Duration.Round(time.Millisecond).String()})
	table.Render()
}

func renderStats(w io.Writer, stats models.Stats) {
	table := newTable(w, []string{"State", "Count"})
	for _, st := range models.AllStates {
		table.Append([]string{string(st), strconv.Itoa(stats.ByState[st])})
	}
	table.Render()

	statusTable := newTable(w, []string{"Status", "Count"})
	for _, st := range models.AllStatuses {
		statusTable.Append([]string{colorStatus(st), strconv.Itoa(stats.ByStatus[st])})
	}
	statusTable.SetFooter([]string{"total", strconv.Itoa(stats.Total)})
	statusTable.Render()
}

func renderEntries(w io.Writer, entries []*models.CreditEntry) {
	table := newTable(w, []string{"ID", "Kind", "Amount", "Reason", "Task", "Created At"})
	for _, e := range entries {
		task := "-"
		if e.TaskID != nil {
			task = e.TaskID.String()
		}
		created := e.CreatedAt
		table.Append([]string{
			strconv.FormatInt(e.ID, 10),
			e.Kind,
			strconv.Itoa(e.Amount),
			e.Reason,
			task,
			formatTime(&created),
		})
	}
	table.Render()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
