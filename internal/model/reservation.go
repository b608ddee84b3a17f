package model

import (
	"slices"
	"time"
)

type ReservationStatus string

const (
	ReservationPending     ReservationStatus = "pending"
	ReservationConfirmed   ReservationStatus = "confirmed"
	ReservationRescheduled ReservationStatus = "rescheduled"
	ReservationCancelled   ReservationStatus = "cancelled"
	ReservationCompleted   ReservationStatus = "completed"
	ReservationNoShow      ReservationStatus = "no_show"
)

// ActiveReservationStatuses block time on the calendar.
var ActiveReservationStatuses = []ReservationStatus{
	ReservationPending,
	ReservationConfirmed,
	ReservationRescheduled,
}

func (s ReservationStatus) IsActive() bool {
	return slices.Contains(ActiveReservationStatuses, s)
}

func (s ReservationStatus) Valid() bool {
	_, ok := reservationTransitions[s]
	return ok
}

var reservationTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationPending:     {ReservationConfirmed, ReservationRescheduled, ReservationCancelled},
	ReservationConfirmed:   {ReservationRescheduled, ReservationCancelled, ReservationCompleted, ReservationNoShow},
	ReservationRescheduled: {ReservationConfirmed, ReservationCancelled, ReservationCompleted, ReservationNoShow},
	ReservationCancelled:   {},
	ReservationCompleted:   {},
	ReservationNoShow:      {},
}

// CanTransitionReservation checks if the status change is allowed.
func CanTransitionReservation(from, to ReservationStatus) bool {
	return slices.Contains(reservationTransitions[from], to)
}

type ReservationSource string

const (
	SourceStaff  ReservationSource = "staff"
	SourceClient ReservationSource = "client"
	SourceAPI    ReservationSource = "api"
	SourceKiosk  ReservationSource = "kiosk"
)

type Reservation struct {
	ID                int64             `json:"id"`
	AccountID         int64             `json:"account_id"`
	TeamMemberID      int64             `json:"team_member_id"`
	ClientID          *int64            `json:"client_id,omitempty"`
	ClientUserID      *int64            `json:"client_user_id,omitempty"`
	ServiceID         *int64            `json:"service_id,omitempty"`
	Status            ReservationStatus `json:"status"`
	Source            ReservationSource `json:"source"`
	StartsAt          time.Time         `json:"starts_at"`
	EndsAt            time.Time         `json:"ends_at"`
	DurationMinutes   int               `json:"duration_minutes"`
	BufferMinutes     int               `json:"buffer_minutes"`
	PartySize         *int              `json:"party_size,omitempty"`
	Notes             string            `json:"notes,omitempty"`
	CancelledAt       *time.Time        `json:"cancelled_at,omitempty"`
	CancelledBy       *int64            `json:"cancelled_by,omitempty"`
	CancelReason      string            `json:"cancel_reason,omitempty"`
	RescheduledFromID *int64            `json:"rescheduled_from_id,omitempty"`
	CreatedBy         *int64            `json:"created_by,omitempty"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// BlockedWindow is the reservation widened by buffer on both sides.
func (r *Reservation) BlockedWindow(buffer int) (time.Time, time.Time) {
	b := time.Duration(buffer) * time.Minute
	return r.StartsAt.Add(-b), r.EndsAt.Add(b)
}

// BelongsTo reports whether the reservation is owned by the given client identity.
func (r *Reservation) BelongsTo(clientID, clientUserID *int64) bool {
	if clientUserID != nil && r.ClientUserID != nil && *clientUserID == *r.ClientUserID {
		return true
	}
	return clientID != nil && r.ClientID != nil && *clientID == *r.ClientID
}
