package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bookingd"

var (
	once sync.Once

	bookingRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_requests_total",
			Help:      "Booking requests by outcome.",
		},
		[]string{"outcome"},
	)

	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appointment_transitions_total",
			Help:      "Appointment status transitions by target status.",
		},
		[]string{"to"},
	)

	reschedules = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appointment_reschedules_total",
			Help:      "Reschedule attempts by outcome.",
		},
		[]string{"outcome"},
	)

	remindersProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_total",
			Help:      "Reminder jobs finished or retried, by result.",
		},
		[]string{"result"},
	)

	reminderSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reminder_send_duration_seconds",
			Help:      "Time to deliver a reminder.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2, 5, 10},
		},
	)

	remindersPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reminders_pending",
			Help:      "Reminder jobs waiting to be sent.",
		},
	)

	notificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Channel deliveries by channel and result.",
		},
		[]string{"channel", "result"},
	)

	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calendar_reconcile_runs_total",
			Help:      "Calendar reconciliation runs by result.",
		},
		[]string{"result"},
	)

	reconcileMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calendar_reconcile_mutations_total",
			Help:      "Changes applied by calendar reconciliation, by kind.",
		},
		[]string{"kind"},
	)

	calendarBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calendar_breaker_state",
			Help:      "Calendar provider circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
		[]string{"provider"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by handler.",
		},
		[]string{"handler"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			bookingRequests,
			statusTransitions,
			reschedules,
			remindersProcessed,
			reminderSendDuration,
			remindersPending,
			notificationsSent,
			reconcileRuns,
			reconcileMutations,
			calendarBreakerState,
			httpRequests,
		)
	})
}

func IncBookingRequest(outcome string) {
	bookingRequests.WithLabelValues(outcome).Inc()
}

func IncTransition(to string) {
	statusTransitions.WithLabelValues(to).Inc()
}

func IncReschedule(outcome string) {
	reschedules.WithLabelValues(outcome).Inc()
}

func IncReminder(result string) {
	remindersProcessed.WithLabelValues(result).Inc()
}

func ObserveReminderSend(seconds float64) {
	reminderSendDuration.Observe(seconds)
}

func SetRemindersPending(n int) {
	remindersPending.Set(float64(n))
}

func IncNotification(channel, result string) {
	notificationsSent.WithLabelValues(channel, result).Inc()
}

func IncReconcileRun(result string) {
	reconcileRuns.WithLabelValues(result).Inc()
}

func AddReconcileMutations(kind string, n int) {
	if n > 0 {
		reconcileMutations.WithLabelValues(kind).Add(float64(n))
	}
}

func SetBreakerState(provider string, state int) {
	calendarBreakerState.WithLabelValues(provider).Set(float64(state))
}

func IncHTTP(handler string) {
	httpRequests.WithLabelValues(handler).Inc()
}
