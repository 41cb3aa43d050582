package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"PortfolioAutopilot/internal/execlog"
	"PortfolioAutopilot/internal/model"
	"PortfolioAutopilot/internal/rebalance"
	"PortfolioAutopilot/internal/scheduler"
	"PortfolioAutopilot/internal/trigger"
)

const timeLayout = "2006-01-02 15:04"

// HelpText lists the supported chat commands.
const HelpText = "Available commands:\n" +
	"• /status - scheduler statistics\n" +
	"• /jobs - job list\n" +
	"• /triggers - trigger state\n" +
	"• /run &lt;job-id&gt; - run a job now\n" +
	"• /reset &lt;trigger-id&gt; [baseline] - re-arm a trigger"

// FormatTriggerFired reports a fired trigger and its swap.
func FormatTriggerFired(cfg trigger.Config, res trigger.Result) string {
	dir, pct := trigger.DirectionOf(cfg.TriggerPercent)
	icon := "🚀"
	if dir == model.DirectionBelow {
		icon = "🔻"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>Trigger fired</b> | %s\n\n", icon, html.EscapeString(cfg.ID))
	fmt.Fprintf(&b, "Asset: %s\n", html.EscapeString(cfg.Asset))
	fmt.Fprintf(&b, "Rule: %s %.2f%% from %.4f\n", dir, pct, cfg.BaselinePrice)
	fmt.Fprintf(&b, "Price: %.4f (%+.2f%%)\n", res.Price, res.Change)
	fmt.Fprintf(&b, "Sold: %.6f %s (%.0f%% of balance)\n", res.SellAmount, html.EscapeString(cfg.Asset), cfg.ActionPercent)
	fmt.Fprintf(&b, "Tx: <code>%s</code>", html.EscapeString(res.TxID))
	return b.String()
}

// FormatRebalance reports the trades of one rebalance cycle.
func FormatRebalance(portfolioID string, res rebalance.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚖️ <b>Rebalance</b> | %s\n\n", html.EscapeString(portfolioID))
	for _, t := range res.Trades {
		fmt.Fprintf(&b, "%s %s: %.2f%% → %.2f%% (%+.2f) tx <code>%s</code>\n",
			t.Action, html.EscapeString(t.Asset), t.CurrentPercent, t.TargetPercent, t.DeltaValue, html.EscapeString(t.TxID))
	}
	if res.After != nil {
		fmt.Fprintf(&b, "\nTotal value: %.2f", res.After.TotalValue)
	}
	return b.String()
}

// FormatJobFailure reports a failed job run.
func FormatJobFailure(rec model.ExecutionRecord) string {
	return fmt.Sprintf("❌ <b>Job failed</b> | %s\n\n%s\nAt: %s (%dms)",
		html.EscapeString(rec.JobID), html.EscapeString(rec.Error),
		rec.StartedAt.Format(timeLayout), rec.DurationMs())
}

// FormatStatus renders scheduler statistics.
func FormatStatus(s execlog.Statistics) string {
	var b strings.Builder
	b.WriteString("📊 <b>Autopilot status</b>\n\n")
	fmt.Fprintf(&b, "Jobs: %d total, %d enabled, %d active\n", s.TotalJobs, s.EnabledJobs, s.ActiveJobs)
	fmt.Fprintf(&b, "Runs: %d (✅ %d / ❌ %d)\n", s.Executions, s.Successes, s.Failures)
	fmt.Fprintf(&b, "Avg duration: %s\n", s.AverageDuration.Round(time.Millisecond))
	if s.LastRunAt != nil {
		fmt.Fprintf(&b, "Last run: %s\n", s.LastRunAt.Format(timeLayout))
	}
	if s.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", html.EscapeString(s.LastError))
	}
	return b.String()
}

// FormatJobs renders one line per job.
func FormatJobs(jobs []scheduler.JobStatus) string {
	if len(jobs) == 0 {
		return "No jobs scheduled."
	}
	var b strings.Builder
	b.WriteString("🗓 <b>Jobs</b>\n\n")
	for _, j := range jobs {
		state := "⏸"
		switch {
		case j.Running:
			state = "⏳"
		case j.Active:
			state = "▶️"
		}
		fmt.Fprintf(&b, "%s <code>%s</code> [%s] ✅%d ❌%d", state, html.EscapeString(j.ID),
			html.EscapeString(j.Schedule), j.Successes, j.Failures)
		if j.NextRun != nil {
			fmt.Fprintf(&b, " next %s", j.NextRun.Format(timeLayout))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatTriggers renders one line per trigger.
func FormatTriggers(triggers []model.Trigger) string {
	if len(triggers) == 0 {
		return "No triggers configured."
	}
	var b strings.Builder
	b.WriteString("🎯 <b>Triggers</b>\n\n")
	for _, t := range triggers {
		state := "👀 monitoring"
		if t.Fired {
			state = "✅ fired"
		} else if !t.Enabled {
			state = "⏸ disabled"
		}
		fmt.Fprintf(&b, "<code>%s</code> %s %s %.2f%% of %.4f, checks %d, %s\n",
			html.EscapeString(t.ID), html.EscapeString(t.Asset), t.Direction, t.ThresholdPercent,
			t.BaselinePrice, t.CheckCount, state)
	}
	return b.String()
}
