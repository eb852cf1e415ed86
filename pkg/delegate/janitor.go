package delegate

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Janitor prunes terminal runs from the tracker on a cron schedule.
type Janitor struct {
	tracker   *Tracker
	retention time.Duration
	schedule  string
	logger    zerolog.Logger

	cron *cron.Cron
}

// JanitorConfig holds janitor configuration.
type JanitorConfig struct {
	Tracker *Tracker
	// Schedule is a cron expression. Defaults to hourly.
	Schedule string
	// Retention is how long terminal runs are kept.
	Retention time.Duration
	Logger    zerolog.Logger
}

// NewJanitor creates a janitor.
func NewJanitor(cfg JanitorConfig) (*Janitor, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("tracker is required")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@hourly"
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Janitor{
		tracker:   cfg.Tracker,
		retention: retention,
		schedule:  schedule,
		logger:    cfg.Logger.With().Str("component", "delegate_janitor").Logger(),
	}, nil
}

// Start schedules the cleanup job.
func (j *Janitor) Start() error {
	c := cron.New()
	_, err := c.AddFunc(j.schedule, func() {
		removed, err := j.tracker.Cleanup(j.retention)
		if err != nil {
			j.logger.Error().Err(err).Msg("cleanup failed")
			return
		}
		if removed > 0 {
			j.logger.Info().Int("removed", removed).Msg("pruned terminal runs")
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	j.cron = c

	j.logger.Info().Str("schedule", j.schedule).Dur("retention", j.retention).Msg("janitor started")
	return nil
}

// Stop halts scheduling and waits for a running job to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
		j.cron = nil
	}
}
