package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReservationTransitions(t *testing.T) {
	tests := []struct {
		name        string
		from        ReservationStatus
		to          ReservationStatus
		shouldAllow bool
	}{
		{"pending to confirmed", ReservationPending, ReservationConfirmed, true},
		{"pending to cancelled", ReservationPending, ReservationCancelled, true},
		{"confirmed to completed", ReservationConfirmed, ReservationCompleted, true},
		{"rescheduled to no show", ReservationRescheduled, ReservationNoShow, true},
		{"pending to completed", ReservationPending, ReservationCompleted, false},
		{"cancelled is terminal", ReservationCancelled, ReservationConfirmed, false},
		{"completed is terminal", ReservationCompleted, ReservationCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.shouldAllow, CanTransitionReservation(tt.from, tt.to))
		})
	}
}

func TestQueueActionTable(t *testing.T) {
	tests := []struct {
		from   QueueStatus
		action QueueAction
		allow  bool
	}{
		{QueueNotArrived, ActionCheckIn, true},
		{QueueCheckedIn, ActionCall, true},
		{QueueCalled, ActionStart, true},
		{QueueInService, ActionDone, true},
		{QueueCheckedIn, ActionDone, false},
		{QueueNotArrived, ActionCall, false},
		{QueueInService, ActionCall, false},
		{QueueInService, ActionCancel, true},
		{QueueDone, ActionCancel, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_"+string(tt.action), func(t *testing.T) {
			assert.Equal(t, tt.allow, CanApplyQueueAction(tt.from, tt.action))
		})
	}

	assert.False(t, KnownQueueAction("teleport"))
}

func TestQueueStatusSets(t *testing.T) {
	for _, s := range ActiveQueueStatuses {
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range CallableQueueStatuses {
		assert.True(t, s.IsActive(), s)
	}
	assert.True(t, QueueCalled.IsWaiting())
	assert.False(t, QueueCalled.IsCallable())
}

func TestQueueItemAnchor(t *testing.T) {
	created := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	checked := created.Add(10 * time.Minute)
	starts := created.Add(time.Hour)

	ticket := QueueItem{CreatedAt: created, CheckedInAt: &checked}
	assert.Equal(t, checked, ticket.Anchor())
	assert.Equal(t, QueueItemTicket, ticket.Type())

	appt := QueueItem{CreatedAt: created, CheckedInAt: &checked, Appointment: &AppointmentDetails{ReservationStartsAt: starts}}
	assert.Equal(t, starts, appt.Anchor())
	assert.Equal(t, QueueItemAppointment, appt.Type())

	assert.Equal(t, 5, (&QueueItem{EstimatedDurationMinutes: 0}).Duration())
}

func TestWaitlistFits(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	entry := WaitlistEntry{RequestedStartAt: base, RequestedEndAt: base.Add(4 * time.Hour), DurationMinutes: 60}

	assert.True(t, entry.Fits(base.Add(time.Hour), base.Add(2*time.Hour)))
	assert.False(t, entry.Fits(base.Add(3*time.Hour+30*time.Minute), base.Add(5*time.Hour)))
	assert.False(t, entry.Fits(base.Add(5*time.Hour), base.Add(6*time.Hour)))
}

func TestAccountLocation(t *testing.T) {
	assert.Equal(t, time.UTC, (&Account{Timezone: "Not/AZone"}).Location())
	assert.Equal(t, "Europe/Berlin", (&Account{Timezone: "Europe/Berlin"}).Location().String())
}

func TestCustomerDisplayName(t *testing.T) {
	assert.Equal(t, "Ana Lee", (&Customer{FirstName: "Ana", LastName: "Lee"}).DisplayName())
	assert.Equal(t, "Acme", (&Customer{CompanyName: "Acme"}).DisplayName())
}
