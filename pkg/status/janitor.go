package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Janitor runs CleanupOldData on a cron schedule.
type Janitor struct {
	tracker  *Tracker
	schedule cron.Schedule
	days     int

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewJanitor parses the cron expression (standard five fields) and returns a
// janitor that prunes data older than retentionDays.
func NewJanitor(tracker *Tracker, expr string, retentionDays int) (*Janitor, error) {
	if tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if retentionDays <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule: %w", err)
	}

	return &Janitor{
		tracker:  tracker,
		schedule: schedule,
		days:     retentionDays,
	}, nil
}

// Start arms the first timer. Safe to call once.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped || j.timer != nil {
		return
	}
	j.armLocked()
	log.Info().Int("retentionDays", j.days).Msg("Cleanup janitor started")
}

// Stop cancels any pending sweep.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped {
		return
	}
	j.stopped = true
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	log.Info().Msg("Cleanup janitor stopped")
}

// RunNow performs a sweep immediately, outside the schedule.
func (j *Janitor) RunNow() int {
	return j.sweep()
}

func (j *Janitor) armLocked() {
	next := j.schedule.Next(time.Now())
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	j.timer = time.AfterFunc(delay, func() {
		j.sweep()
		j.mu.Lock()
		defer j.mu.Unlock()
		if j.stopped {
			return
		}
		j.armLocked()
	})
	log.Debug().Time("nextRun", next).Msg("Cleanup sweep scheduled")
}

func (j *Janitor) sweep() int {
	removed := j.tracker.CleanupOldData(j.days)
	log.Info().Int("removed", removed).Int("retentionDays", j.days).Msg("Cleanup sweep completed")
	return removed
}
