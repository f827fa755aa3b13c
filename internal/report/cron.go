package report

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Default schedules, in the business timezone.
const (
	DailySummarySpec    = "0 9 * * *"
	MonthlyExportSpec   = "0 6 1 * *"
	ReminderCleanupSpec = "30 3 * * *"
)

// Scheduler runs periodic admin jobs on cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

func NewScheduler(loc *time.Location, logger zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Add registers fn under a standard five-field spec. fn runs with ctx.
func (s *Scheduler) Add(ctx context.Context, name, spec string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		started := time.Now()
		if err := fn(ctx); err != nil {
			s.logger.Error().Err(err).Str("job", name).Msg("scheduled job failed")
			return
		}
		s.logger.Info().Str("job", name).Dur("took", time.Since(started)).Msg("scheduled job finished")
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.logger.Info().Str("job", name).Str("spec", spec).Msg("job scheduled")
	return nil
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int { return len(s.cron.Entries()) }

func (s *Scheduler) Start() { s.cron.Start() }

// Stop prevents new runs and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
