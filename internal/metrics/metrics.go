package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "reservo"

var (
	once sync.Once

	bookingCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_created_total",
			Help:      "Count of reservations created by source.",
		},
		[]string{"source"},
	)

	bookingConflict = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_conflict_total",
			Help:      "Count of booking attempts rejected because the slot was taken.",
		},
	)

	reservationCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_cancelled_total",
			Help:      "Count of reservations cancelled by actor kind.",
		},
		[]string{"actor"},
	)

	reservationStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_status_total",
			Help:      "Count of reservation status changes.",
		},
		[]string{"status"},
	)

	waitlistReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waitlist_released_total",
			Help:      "Count of waitlist entries released by cancellations.",
		},
	)

	queueTransition = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_transition_total",
			Help:      "Count of queue item transitions.",
		},
		[]string{"action", "from", "to"},
	)

	ticketCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_ticket_created_total",
			Help:      "Count of walk-in tickets created by source.",
		},
		[]string{"source"},
	)

	duplicateSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_intent_suppressed_total",
			Help:      "Count of duplicate tickets or reservations rejected by the guard.",
		},
		[]string{"reason"},
	)

	graceExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_grace_expired_total",
			Help:      "Count of called items whose grace window expired.",
		},
		[]string{"outcome"},
	)

	queueWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_waiting",
			Help:      "Waiting queue items per account after the last refresh.",
		},
		[]string{"account"},
	)

	verification = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_code_total",
			Help:      "Count of verification code events.",
		},
		[]string{"event"},
	)

	smsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sms_sent_total",
			Help:      "Count of SMS send attempts by result.",
		},
		[]string{"result"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Count of API requests by route and status.",
		},
		[]string{"route", "status"},
	)

	slotGeneration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "slot_generation_duration_seconds",
			Help:      "Time spent generating bookable slots.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2},
		},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			bookingCreated, bookingConflict, reservationCancelled, reservationStatus, waitlistReleased,
			queueTransition, ticketCreated, duplicateSuppressed, graceExpired, queueWaiting,
			verification, smsSent, httpRequests, slotGeneration,
		)
	})
}

func IncBookingCreated(source string) {
	bookingCreated.WithLabelValues(source).Inc()
}

func IncBookingConflict() {
	bookingConflict.Inc()
}

func IncReservationCancelled(actor string) {
	reservationCancelled.WithLabelValues(actor).Inc()
}

func IncReservationStatus(status string) {
	reservationStatus.WithLabelValues(status).Inc()
}

func IncWaitlistReleased() {
	waitlistReleased.Inc()
}

func IncQueueTransition(action, from, to string) {
	queueTransition.WithLabelValues(action, from, to).Inc()
}

func IncTicketCreated(source string) {
	ticketCreated.WithLabelValues(source).Inc()
}

func IncDuplicateSuppressed(reason string) {
	duplicateSuppressed.WithLabelValues(reason).Inc()
}

func IncGraceExpired(outcome string) {
	graceExpired.WithLabelValues(outcome).Inc()
}

func SetQueueWaiting(account string, n int) {
	queueWaiting.WithLabelValues(account).Set(float64(n))
}

func IncVerification(event string) {
	verification.WithLabelValues(event).Inc()
}

func IncSMS(result string) {
	smsSent.WithLabelValues(result).Inc()
}

func IncHTTP(route, status string) {
	httpRequests.WithLabelValues(route, status).Inc()
}

func ObserveSlotGeneration(d time.Duration) {
	slotGeneration.Observe(d.Seconds())
}
