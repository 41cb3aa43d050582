package scheduler

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"PortfolioAutopilot/internal/model"
)

// parser accepts standard 5-field expressions and descriptors such as @hourly or @every 30s.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a recurrence expression. Failures wrap model.ErrInvalidSchedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", model.ErrInvalidSchedule)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", model.ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

// ValidateSchedule reports whether expr is an accepted recurrence expression.
func ValidateSchedule(expr string) error {
	_, err := ParseSchedule(expr)
	return err
}

// cronLogger routes robfig/cron's internal logging onto zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Str("component", "cron").Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Str("component", "cron").Fields(keysAndValues).Msg(msg)
}
