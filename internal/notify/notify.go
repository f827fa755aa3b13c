// Package notify delivers customer messages over the configured channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bookingd/internal/metrics"
	"bookingd/internal/model"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrUnreachable is returned when no enabled channel has an address for the customer.
var ErrUnreachable = errors.New("no channel can reach customer")

// Message is a rendered notification.
type Message struct {
	Subject string
	Body    string
}

// Channel is one delivery mechanism. Send must classify its failures with
// model.Transient or model.Permanent.
type Channel interface {
	Name() string
	// Target returns the customer's address on this channel, or "" when the
	// customer cannot be reached through it.
	Target(c model.Customer) string
	Send(ctx context.Context, target string, msg Message) error
}

// DispatcherConfig paces deliveries across all channels.
type DispatcherConfig struct {
	// Rate is sends per second; 0 disables pacing.
	Rate  float64
	Burst int
}

// Dispatcher fans a message out to every channel that can reach the customer.
// Delivery succeeds when at least one channel accepts the message.
type Dispatcher struct {
	channels []Channel
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

func NewDispatcher(cfg DispatcherConfig, logger zerolog.Logger, channels ...Channel) *Dispatcher {
	d := &Dispatcher{
		channels: channels,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return d
}

// Channels returns the names of the configured channels.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, c := range d.channels {
		names[i] = c.Name()
	}
	return names
}

// Send implements reminders.Notifier. When every attempted channel fails the
// error is transient if any channel failure was.
func (d *Dispatcher) Send(ctx context.Context, to model.Customer, subject, body string) error {
	msg := Message{Subject: subject, Body: body}

	var (
		attempted int
		errs      []error
		transient bool
	)
	for _, ch := range d.channels {
		target := ch.Target(to)
		if target == "" {
			continue
		}
		attempted++

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return model.Transient(fmt.Errorf("rate limiter: %w", err))
			}
		}

		err := ch.Send(ctx, target, msg)
		if err == nil {
			metrics.IncNotification(ch.Name(), "sent")
			d.logger.Debug().Str("channel", ch.Name()).Str("customer", to.Ref).Msg("notification sent")
			return nil
		}

		result := "permanent"
		if model.IsTransient(err) {
			result = "transient"
			transient = true
		}
		metrics.IncNotification(ch.Name(), result)
		d.logger.Warn().Err(err).Str("channel", ch.Name()).Str("customer", to.Ref).Msg("notification failed")
		errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
	}

	if attempted == 0 {
		return model.Permanent(fmt.Errorf("%w %s", ErrUnreachable, to.Ref))
	}
	joined := errors.Join(errs...)
	if transient {
		return model.Transient(joined)
	}
	return model.Permanent(joined)
}

// classifyStatus maps an HTTP status code to a failure kind.
func classifyStatus(code int, err error) error {
	switch {
	case code == 408 || code == 429 || code >= 500:
		return model.Transient(err)
	default:
		return model.Permanent(err)
	}
}

func normalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}
	var b strings.Builder
	for i, r := range phone {
		if (r == '+' && i == 0) || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
