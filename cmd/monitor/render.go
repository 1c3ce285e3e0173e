package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"conductor/internal/domain"
	"conductor/internal/orchestrator"
	"conductor/internal/verification"
)

func statusColor(s domain.TaskStatus) tcell.Color {
	switch s {
	case domain.TaskStatusRunning:
		return tcell.ColorYellow
	case domain.TaskStatusAssigned:
		return tcell.ColorAqua
	case domain.TaskStatusCompleted:
		return tcell.ColorGreen
	case domain.TaskStatusFailed, domain.TaskStatusDeadLetter:
		return tcell.ColorRed
	case domain.TaskStatusCancelled:
		return tcell.ColorGray
	default:
		return tview.Styles.PrimaryTextColor
	}
}

func agentColor(s domain.AgentStatus) tcell.Color {
	switch s {
	case domain.AgentStatusBusy:
		return tcell.ColorYellow
	case domain.AgentStatusError:
		return tcell.ColorRed
	case domain.AgentStatusOffline:
		return tcell.ColorGray
	default:
		return tcell.ColorGreen
	}
}

// sortTasks orders by most recent update, newest first.
func sortTasks(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
	})
}

func renderTasksTable(table *tview.Table, tasks []domain.Task, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Status", "Pri", "Type", "Agent", "Retry", "Verify", "Updated"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)).SetTextColor(statusColor(t.Status)))
		table.SetCell(row, 2, tview.NewTableCell(fmt.Sprint(t.Priority)).SetAlign(tview.AlignRight))
		table.SetCell(row, 3, tview.NewTableCell(trimLine(t.Type, 20)))
		table.SetCell(row, 4, tview.NewTableCell(shortID(t.AgentID)))
		table.SetCell(row, 5, tview.NewTableCell(fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries)))
		table.SetCell(row, 6, tview.NewTableCell(verificationLabel(t)))
		table.SetCell(row, 7, tview.NewTableCell(t.UpdatedAt.Local().Format("15:04:05")))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func verificationLabel(t domain.Task) string {
	if t.QualityScore == nil {
		return string(t.VerificationStatus)
	}
	return fmt.Sprintf("%s %.0f", t.VerificationStatus, *t.QualityScore)
}

func renderAgentsTable(table *tview.Table, agents []domain.Agent, now time.Time) {
	table.Clear()
	headers := []string{"Agent", "Name", "Kind", "Status", "Tasks", "Load", "Success", "Beat"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	row := 1
	for _, a := range agents {
		if a.Deregistered() {
			continue
		}
		status := string(a.Status)
		if !a.Active {
			status += " (inactive)"
		}
		table.SetCell(row, 0, tview.NewTableCell(shortID(a.ID)))
		table.SetCell(row, 1, tview.NewTableCell(trimLine(a.Name, 16)))
		table.SetCell(row, 2, tview.NewTableCell(trimLine(a.Kind, 10)))
		table.SetCell(row, 3, tview.NewTableCell(status).SetTextColor(agentColor(a.Status)))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("%d/%d", a.CurrentTaskCount, a.MaxConcurrentTasks)))
		table.SetCell(row, 5, tview.NewTableCell(fmt.Sprintf("%.2f", a.LoadScore)).SetAlign(tview.AlignRight))
		table.SetCell(row, 6, tview.NewTableCell(fmt.Sprintf("%.1f%%", a.SuccessRate)).SetAlign(tview.AlignRight))
		table.SetCell(row, 7, tview.NewTableCell(sinceLabel(now, a.LastHeartbeat)))
		row++
	}
	if row == 1 {
		table.SetCell(1, 0, tview.NewTableCell("no agents registered").SetSelectable(false))
	}
}

func sinceLabel(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}

func renderSummary(snap orchestrator.Snapshot, m orchestrator.Metrics, q verification.QualityReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "strategy=[::b]%s[::-]  online=%d", snap.Strategy, snap.OnlineAgents)
	for _, s := range []domain.AgentStatus{domain.AgentStatusIdle, domain.AgentStatusBusy, domain.AgentStatusError, domain.AgentStatusOffline} {
		fmt.Fprintf(&b, "  %s=%d", s, snap.Agents[s])
	}
	b.WriteString("\n")
	for i, s := range domain.AllTaskStatuses {
		if i > 0 {
			b.WriteString("  ")
		}
		n := snap.Tasks[s]
		if s == domain.TaskStatusDeadLetter && n > 0 {
			fmt.Fprintf(&b, "[red]%s=%d[-]", s, n)
			continue
		}
		fmt.Fprintf(&b, "%s=%d", s, n)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "success=%.1f%%  avg_run=%.1fs  avg_wait=%.1fs  total=%d\n",
		m.SuccessRate, m.AvgCompletionSeconds, m.AvgWaitSeconds, m.TotalTasks)
	fmt.Fprintf(&b, "quality: checks=%d passed=%d failed=%d warn=%d avg=%.1f reassigned=%d",
		q.Total, q.Passed, q.Failed, q.Warnings, q.AverageScore, q.Reassignments)
	return b.String()
}

func renderTaskDetail(task *domain.Task, records []domain.VerificationRecord, decisions []domain.DecisionLog) string {
	if task == nil {
		return "No task selected"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[::b]%s[::-]  type=%s status=%s priority=%d\n", task.ID, task.Type, task.Status, task.Priority)
	if task.AgentID != "" {
		fmt.Fprintf(&b, "agent=%s", task.AgentID)
		if task.RequiredCapability != "" {
			fmt.Fprintf(&b, " capability=%s", task.RequiredCapability)
		}
		b.WriteString("\n")
	}
	if task.Deadline != nil {
		fmt.Fprintf(&b, "deadline=%s boosted=%t\n", task.Deadline.Local().Format(time.DateTime), task.DeadlineBoosted)
	}
	if len(task.Dependencies) > 0 {
		fmt.Fprintf(&b, "depends_on=%s\n", strings.Join(task.Dependencies, ","))
	}
	if task.ErrorMessage != "" {
		b.WriteString("[red]error:[-] " + trimLine(task.ErrorMessage, 160) + "\n")
	}

	b.WriteString("\n[::b]Verification[::-]\n")
	b.WriteString(renderVerifications(records))
	b.WriteString("\n[::b]Decisions[::-]\n")
	b.WriteString(renderDecisions(decisions))
	return b.String()
}

func renderVerifications(items []domain.VerificationRecord) string {
	if len(items) == 0 {
		return "No verification records\n"
	}
	var b strings.Builder
	for _, r := range items {
		fmt.Fprintf(&b, "%-15s %-8s %5.1f", r.Type, r.Status, r.QualityScore)
		if r.AutoReassigned {
			fmt.Fprintf(&b, "  reassigned->%s", shortID(r.ReassignedToTaskID))
		}
		b.WriteString("\n")
		for _, issue := range r.Issues {
			fmt.Fprintf(&b, "  %s: %s\n", issue.Severity, trimLine(issue.Description, 100))
		}
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions\n"
	}
	var b strings.Builder
	for _, d := range items {
		fmt.Fprintf(&b,
			"[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Local().Format("15:04:05"),
			d.Actor,
			d.Action,
			trimLine(d.Reason, 100),
		)
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
