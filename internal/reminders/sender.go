package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookingd/internal/metrics"
	"bookingd/internal/model"
	"github.com/rs/zerolog"
)

// RetryConfig holds configuration for retry logic.
type RetryConfig struct {
	MaxRetries  int
	RetryDelays []time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		RetryDelays: []time.Duration{
			1 * time.Minute,
			5 * time.Minute,
			30 * time.Minute,
		},
	}
}

// delay returns the wait before retry number attempt (1-based).
func (c RetryConfig) delay(attempt int) time.Duration {
	if len(c.RetryDelays) == 0 {
		return time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(c.RetryDelays) {
		return c.RetryDelays[len(c.RetryDelays)-1]
	}
	return c.RetryDelays[attempt-1]
}

// persistTimeout bounds the state write that follows a send attempt.
const persistTimeout = 5 * time.Second

// ReminderSender delivers one claimed job and records the outcome.
type ReminderSender struct {
	notifier    Notifier
	repo        JobRepository
	rateLimiter *RateLimiter
	retryConfig RetryConfig
	sendTimeout time.Duration
	logger      *zerolog.Logger
	now         func() time.Time
}

// NewReminderSender creates a new reminder sender.
func NewReminderSender(
	notifier Notifier,
	repo JobRepository,
	limiter *RateLimiter,
	retry RetryConfig,
	sendTimeout time.Duration,
	logger *zerolog.Logger,
) *ReminderSender {
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	return &ReminderSender{
		notifier:    notifier,
		repo:        repo,
		rateLimiter: limiter,
		retryConfig: retry,
		sendTimeout: sendTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// Deliver sends the message for a claimed job. A transient failure leaves the
// job pending with a later retry time until MaxRetries is exhausted; a
// permanent failure fails it at once. A send cut short by cancellation of ctx
// goes straight back to pending. The outcome is recorded even when ctx is
// already done.
func (s *ReminderSender) Deliver(ctx context.Context, job *Job, to model.Customer, subject, body string) error {
	if s.rateLimiter != nil {
		if err := s.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	if err := s.repo.BeginSend(ctx, job, s.now()); err != nil {
		return fmt.Errorf("begin send: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	started := time.Now()
	err := s.notifier.Send(sendCtx, to, subject, body)
	cancel()
	metrics.ObserveReminderSend(time.Since(started).Seconds())

	// State writes outlive ctx so an interrupted send is still recorded.
	aborted := ctx.Err() != nil
	ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err == nil {
		return s.markAsSent(ctx, job)
	}

	if aborted && errors.Is(err, context.Canceled) {
		s.logger.Info().
			Str("appointment_id", job.AppointmentID).
			Dur("lead", job.Lead).
			Msg("reminder send interrupted, returning to queue")
		if markErr := s.repo.MarkRetry(ctx, job, s.now(), err.Error(), s.now()); markErr != nil {
			return fmt.Errorf("mark retry: %w", markErr)
		}
		metrics.IncReminder("retry")
		return nil
	}

	if !model.IsTransient(err) {
		s.logger.Warn().Err(err).
			Str("appointment_id", job.AppointmentID).
			Dur("lead", job.Lead).
			Msg("permanent reminder failure")
		return s.markAsFailed(ctx, job, err.Error())
	}

	if job.Attempts > s.retryConfig.MaxRetries {
		s.logger.Error().Err(err).
			Str("appointment_id", job.AppointmentID).
			Dur("lead", job.Lead).
			Int("attempts", job.Attempts).
			Msg("max retries exceeded for reminder")
		return s.markAsFailed(ctx, job, "max retries exceeded: "+err.Error())
	}

	delay := s.retryConfig.delay(job.Attempts)
	next := s.now().Add(delay)
	s.logger.Info().Err(err).
		Str("appointment_id", job.AppointmentID).
		Dur("lead", job.Lead).
		Int("attempt", job.Attempts).
		Dur("delay", delay).
		Msg("retrying reminder send")

	if markErr := s.repo.MarkRetry(ctx, job, next, err.Error(), s.now()); markErr != nil {
		return fmt.Errorf("mark retry: %w", markErr)
	}
	metrics.IncReminder("retry")
	return nil
}

// markAsSent marks a reminder as successfully sent.
func (s *ReminderSender) markAsSent(ctx context.Context, job *Job) error {
	if err := s.repo.MarkSent(ctx, job, s.now()); err != nil {
		// The message is out; the claim recovery will surface this job as failed
		// rather than resend it.
		s.logger.Error().Err(err).
			Str("appointment_id", job.AppointmentID).
			Msg("failed to mark reminder as sent (notification was sent)")
		return err
	}

	metrics.IncReminder(string(JobSent))
	s.logger.Info().
		Str("appointment_id", job.AppointmentID).
		Dur("lead", job.Lead).
		Msg("reminder sent successfully")
	return nil
}

// markAsFailed marks a reminder as failed.
func (s *ReminderSender) markAsFailed(ctx context.Context, job *Job, reason string) error {
	if err := s.repo.MarkFailed(ctx, job, reason, s.now()); err != nil {
		s.logger.Error().Err(err).
			Str("appointment_id", job.AppointmentID).
			Msg("failed to mark reminder as failed")
		return err
	}

	metrics.IncReminder(string(JobFailed))
	s.logger.Info().
		Str("appointment_id", job.AppointmentID).
		Dur("lead", job.Lead).
		Str("reason", reason).
		Msg("reminder marked as failed")
	return nil
}
