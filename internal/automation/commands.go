package automation

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"PortfolioAutopilot/internal/notifier"
)

// HandleCommand processes a chat command and returns the reply.
func (s *Service) HandleCommand(ctx context.Context, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return notifier.HelpText
	}
	cmd := fields[0]
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "/status":
		return notifier.FormatStatus(s.Statistics())
	case "/jobs":
		return notifier.FormatJobs(s.Jobs())
	case "/triggers":
		triggers, err := s.Triggers(ctx)
		if err != nil {
			log.Error().Err(err).Msg("load triggers")
			return "❌ failed to load triggers"
		}
		return notifier.FormatTriggers(triggers)
	case "/run":
		if len(args) != 1 {
			return "Usage: /run &lt;job-id&gt;"
		}
		rec, err := s.deps.Scheduler.RunNow(ctx, args[0])
		if err != nil {
			return fmt.Sprintf("❌ %s", html.EscapeString(err.Error()))
		}
		if !rec.Success {
			return notifier.FormatJobFailure(rec)
		}
		return fmt.Sprintf("✅ %s completed in %dms", html.EscapeString(rec.JobID), rec.DurationMs())
	case "/reset":
		if len(args) < 1 || len(args) > 2 {
			return "Usage: /reset &lt;trigger-id&gt; [baseline]"
		}
		var baseline *float64
		if len(args) == 2 {
			v, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Sprintf("❌ invalid baseline %q", html.EscapeString(args[1]))
			}
			baseline = &v
		}
		if err := s.ResetTrigger(ctx, args[0], baseline); err != nil {
			return fmt.Sprintf("❌ %s", html.EscapeString(err.Error()))
		}
		return fmt.Sprintf("🔄 trigger %s re-armed", html.EscapeString(args[0]))
	default:
		return notifier.HelpText
	}
}
