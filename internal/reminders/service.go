package reminders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bookingd/internal/metrics"
	"bookingd/internal/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds configuration for the reminder service.
type Config struct {
	// CheckInterval is how often due jobs are looked for.
	// Default: 1 minute.
	CheckInterval time.Duration

	// LeadTimes are the offsets before an appointment at which reminders fire.
	// Default: 24h and 2h.
	LeadTimes []time.Duration

	// GraceWindow bounds how late a first attempt may go out. A job whose fire
	// time passed longer ago than this (for example after downtime) is skipped.
	// Default: 30 minutes.
	GraceWindow time.Duration

	// ClaimTimeout is how long a claimed job may stay in processing or sending
	// before recovery takes it back.
	// Default: 10 minutes.
	ClaimTimeout time.Duration

	// MaxConcurrentNotifications limits parallel notification sends.
	// Default: 10.
	MaxConcurrentNotifications int

	// BatchSize caps the number of due jobs handled per tick.
	// Default: 100.
	BatchSize int

	// SendTimeout bounds a single delivery.
	// Default: 30 seconds.
	SendTimeout time.Duration

	// Retention is how long finished jobs are kept.
	// Default: 30 days.
	Retention time.Duration

	Business BusinessInfo
	Location *time.Location
	Retry    RetryConfig
	Rate     RateLimiterConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CheckInterval:              time.Minute,
		LeadTimes:                  []time.Duration{24 * time.Hour, 2 * time.Hour},
		GraceWindow:                30 * time.Minute,
		ClaimTimeout:               10 * time.Minute,
		MaxConcurrentNotifications: 10,
		BatchSize:                  100,
		SendTimeout:                30 * time.Second,
		Retention:                  30 * 24 * time.Hour,
		Location:                   time.UTC,
		Retry:                      DefaultRetryConfig(),
		Rate:                       DefaultRateLimiterConfig(),
	}
}

// TickResult summarises one pass of the scheduler.
type TickResult struct {
	Created   int
	Recovered int
	Failed    int
	Skipped   int
	Due       int
	Delivered int
	Errors    int
}

// Service schedules and sends appointment reminders.
type Service struct {
	config       *Config
	repo         JobRepository
	appointments AppointmentSource
	sender       *ReminderSender
	logger       zerolog.Logger
	now          func() time.Time

	kickCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	tickMu sync.Mutex

	running bool
}

// NewService creates a new reminder service.
func NewService(
	config *Config,
	repo JobRepository,
	appointments AppointmentSource,
	notifier Notifier,
	logger zerolog.Logger,
) *Service {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if len(config.LeadTimes) == 0 {
		config.LeadTimes = defaults.LeadTimes
	}
	if config.GraceWindow <= 0 {
		config.GraceWindow = defaults.GraceWindow
	}
	if config.ClaimTimeout <= 0 {
		config.ClaimTimeout = defaults.ClaimTimeout
	}
	if config.MaxConcurrentNotifications <= 0 {
		config.MaxConcurrentNotifications = defaults.MaxConcurrentNotifications
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.Retry.MaxRetries == 0 && len(config.Retry.RetryDelays) == 0 {
		config.Retry = defaults.Retry
	}

	logger = logger.With().Str("component", "reminders").Logger()

	s := &Service{
		config:       config,
		repo:         repo,
		appointments: appointments,
		logger:       logger,
		now:          time.Now,
		kickCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	s.sender = NewReminderSender(notifier, repo, NewRateLimiter(config.Rate), config.Retry, config.SendTimeout, &s.logger)
	s.sender.now = func() time.Time { return s.now() }
	return s
}

// SetClock replaces the clock used for fire times and job bookkeeping.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Start begins the reminder check loop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info().
		Dur("check_interval", s.config.CheckInterval).
		Interface("lead_times", s.config.LeadTimes).
		Msg("reminder service started")
}

// Stop stops dispatching new reminders and waits for in-flight sends to finish
// and record their outcome.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.logger.Info().Msg("reminder service stopped")
}

// Kick asks the loop to run a tick soon, e.g. after a booking was created.
func (s *Service) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.runTick(ctx)

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx)
		case <-s.kickCh:
			s.runTick(ctx)
		}
	}
}

func (s *Service) runTick(ctx context.Context) {
	res, err := s.Tick(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("reminder tick failed")
		}
		return
	}
	if res.Due > 0 || res.Created > 0 || res.Recovered > 0 || res.Failed > 0 {
		s.logger.Debug().
			Int("created", res.Created).
			Int("recovered", res.Recovered).
			Int("failed", res.Failed).
			Int("skipped", res.Skipped).
			Int("due", res.Due).
			Int("delivered", res.Delivered).
			Int("errors", res.Errors).
			Msg("reminder tick")
	}
}

// Tick runs one scheduling pass: recover stale claims, materialise jobs for
// upcoming confirmed appointments, skip jobs whose appointment went inactive
// and deliver whatever is due. Only one tick runs at a time per process;
// concurrent processes are kept apart by the job claims.
func (s *Service) Tick(ctx context.Context) (TickResult, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	var res TickResult
	now := s.now()

	released, failed, err := s.repo.RecoverClaims(ctx, now.Add(-s.config.ClaimTimeout), now)
	if err != nil {
		return res, fmt.Errorf("recover claims: %w", err)
	}
	res.Recovered, res.Failed = released, failed
	if failed > 0 {
		s.logger.Warn().Int("count", failed).Msg("reminders interrupted mid-delivery marked failed")
	}

	created, err := s.ensureJobs(ctx, now)
	if err != nil {
		return res, err
	}
	res.Created = created

	skipped, err := s.repo.SkipInactive(ctx, now)
	if err != nil {
		return res, fmt.Errorf("skip inactive: %w", err)
	}
	res.Skipped = skipped

	due, err := s.repo.FindDue(ctx, now, s.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("find due: %w", err)
	}
	res.Due = len(due)

	// Cancelling ctx stops new dispatches. Jobs already dispatched run to
	// completion, bounded by the send timeout, so their outcome is persisted.
	jobCtx := context.WithoutCancel(ctx)
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.config.MaxConcurrentNotifications)
	)
dispatch:
	for i := range due {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-sem
			break
		}
		job := due[i]

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := s.process(jobCtx, &job)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Errors++
				s.logger.Error().Err(err).
					Str("appointment_id", job.AppointmentID).
					Dur("lead", job.Lead).
					Msg("failed to process reminder")
			case outcome == outcomeDelivered:
				res.Delivered++
			case outcome == outcomeSkipped:
				res.Skipped++
			}
		}()
	}
	wg.Wait()

	if counts, err := s.repo.CountByStatus(jobCtx); err == nil {
		metrics.SetRemindersPending(counts[JobPending])
	}
	return res, ctx.Err()
}

func (s *Service) ensureJobs(ctx context.Context, now time.Time) (int, error) {
	horizon := now.Add(s.maxLead() + 2*s.config.CheckInterval)
	appts, err := s.appointments.ListConfirmed(ctx, now, horizon)
	if err != nil {
		return 0, fmt.Errorf("list confirmed appointments: %w", err)
	}
	if len(appts) == 0 {
		return 0, nil
	}

	jobs := make([]Job, 0, len(appts)*len(s.config.LeadTimes))
	for _, a := range appts {
		for _, lead := range s.config.LeadTimes {
			jobs = append(jobs, Job{
				AppointmentID: a.ID,
				Lead:          lead,
				FireAt:        a.Start.Add(-lead),
				Status:        JobPending,
			})
		}
	}
	n, err := s.repo.EnsureJobs(ctx, jobs, now)
	if err != nil {
		return 0, fmt.Errorf("ensure jobs: %w", err)
	}
	return n, nil
}

func (s *Service) maxLead() time.Duration {
	var m time.Duration
	for _, l := range s.config.LeadTimes {
		if l > m {
			m = l
		}
	}
	return m
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeDelivered
	outcomeSkipped
)

func (s *Service) process(ctx context.Context, job *Job) (outcome, error) {
	now := s.now()
	ok, err := s.repo.TryAcquire(ctx, job, uuid.NewString(), now)
	if err != nil {
		return outcomeNone, fmt.Errorf("acquire: %w", err)
	}
	if !ok {
		return outcomeNone, nil
	}

	appt, err := s.appointments.Get(ctx, job.AppointmentID)
	if errors.Is(err, model.ErrNotFound) {
		return outcomeSkipped, s.skip(ctx, job, "appointment not found")
	}
	if err != nil {
		// Leave the claim; recovery releases it after ClaimTimeout.
		return outcomeNone, fmt.Errorf("load appointment: %w", err)
	}

	// The appointment may have moved since the job's fire time was stored.
	fireAt := appt.Start.Add(-job.Lead)
	if appt.Status == model.StatusConfirmed && fireAt.After(now) {
		if err := s.repo.Release(ctx, job, fireAt, now); err != nil {
			return outcomeNone, fmt.Errorf("release: %w", err)
		}
		return outcomeNone, nil
	}
	job.FireAt = fireAt

	if reason := s.skipReason(job, appt, now); reason != "" {
		return outcomeSkipped, s.skip(ctx, job, reason)
	}

	subject, body := FormatReminder(appt, s.config.Business, s.config.Location, now)
	if err := s.sender.Deliver(ctx, job, appt.Customer, subject, body); err != nil {
		return outcomeNone, err
	}
	if job.Status == JobSent {
		return outcomeDelivered, nil
	}
	return outcomeNone, nil
}

func (s *Service) skipReason(job *Job, appt *model.Appointment, now time.Time) string {
	switch {
	case appt.Status != model.StatusConfirmed:
		return "appointment " + string(appt.Status)
	case job.FireAt.Before(appt.CreatedAt):
		return "booked within lead time"
	case !appt.Start.After(now):
		return "appointment already started"
	case job.Attempts == 0 && now.Sub(job.FireAt) > s.config.GraceWindow:
		return "stale: fire time passed beyond grace window"
	}
	return ""
}

func (s *Service) skip(ctx context.Context, job *Job, reason string) error {
	if err := s.repo.MarkSkipped(ctx, job, reason, s.now()); err != nil {
		return fmt.Errorf("mark skipped: %w", err)
	}
	metrics.IncReminder(string(JobSkipped))
	s.logger.Debug().
		Str("appointment_id", job.AppointmentID).
		Dur("lead", job.Lead).
		Str("reason", reason).
		Msg("reminder skipped")
	return nil
}

// SendTest delivers a reminder for the appointment immediately, outside the
// job table. Used by operators to check channel configuration.
func (s *Service) SendTest(ctx context.Context, appointmentID string) error {
	appt, err := s.appointments.Get(ctx, appointmentID)
	if err != nil {
		return err
	}
	subject, body := FormatReminder(appt, s.config.Business, s.config.Location, s.now())

	sendCtx, cancel := context.WithTimeout(ctx, s.config.SendTimeout)
	defer cancel()
	if err := s.sender.notifier.Send(sendCtx, appt.Customer, "[TEST] "+subject, body); err != nil {
		return fmt.Errorf("send test reminder: %w", err)
	}
	s.logger.Info().Str("appointment_id", appointmentID).Msg("test reminder sent")
	return nil
}

// Stats returns the number of jobs per status.
func (s *Service) Stats(ctx context.Context) (map[JobStatus]int, error) {
	return s.repo.CountByStatus(ctx)
}

// Jobs lists reminder jobs.
func (s *Service) Jobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	jobs, err := s.repo.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].FireAt.Before(jobs[j].FireAt) })
	return jobs, nil
}

// Cleanup removes finished jobs older than the retention period.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	n, err := s.repo.DeleteFinishedBefore(ctx, s.now().Add(-s.config.Retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup reminders: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int("deleted", n).Msg("old reminder jobs removed")
	}
	return n, nil
}
