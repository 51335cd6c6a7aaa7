package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// StartSweep runs DetectSuspicious on schedule and logs every finding at
// warn level. The returned stop function waits for a running sweep to end.
func (l *Log) StartSweep(schedule string, window time.Duration) (stop func(), err error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { l.sweep(window) }); err != nil {
		return nil, fmt.Errorf("audit: invalid sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	l.logger.Info().Str("schedule", schedule).Dur("window", window).Msg("suspicious-activity sweep scheduled")
	return func() { <-c.Stop().Done() }, nil
}

func (l *Log) sweep(window time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	findings, err := l.DetectSuspicious(ctx, window)
	if err != nil {
		l.logger.Error().Err(err).Msg("suspicious-activity sweep failed")
		return
	}
	for _, f := range findings {
		l.logger.Warn().
			Str("user", f.User).
			Str("type", f.Type).
			Int("count", f.Count).
			Str("window", f.Window).
			Msg("suspicious activity detected")
	}
}
