package jobs

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/companion-lens/core/pkg/logger"
)

// overdueDelay is how soon a job whose period already elapsed (for example
// while the process was down) becomes due after registration
const overdueDelay = time.Second

// periodicSchedule is a cron.Schedule that fires once per period, anchored
// on the last persisted run so restarts do not reset the cadence
type periodicSchedule struct {
	period time.Duration

	mu     sync.Mutex
	anchor time.Time
}

var _ cron.Schedule = (*periodicSchedule)(nil)

func newPeriodicSchedule(period time.Duration, lastRun *time.Time, now time.Time) *periodicSchedule {
	anchor := now.Add(period)
	if lastRun != nil {
		anchor = lastRun.Add(period)
		if !anchor.After(now) {
			anchor = now.Add(overdueDelay)
		}
	}
	return &periodicSchedule{period: period, anchor: anchor}
}

// Next returns the pending anchor, or moves it one period past t once it has been reached
func (s *periodicSchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.anchor.After(t) {
		return s.anchor
	}
	s.anchor = t.Add(s.period)
	return s.anchor
}

// cronLogger routes robfig/cron's internal logging into zerolog
type cronLogger struct {
	log *logger.Logger
}

var _ cron.Logger = cronLogger{}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug().Fields(keysAndValues).Str("action", "cron").Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error().Err(err).Fields(keysAndValues).Str("action", "cron").Msg(msg)
}
