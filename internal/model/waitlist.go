package model

import "time"

type WaitlistStatus string

const (
	WaitlistPending   WaitlistStatus = "pending"
	WaitlistReleased  WaitlistStatus = "released"
	WaitlistBooked    WaitlistStatus = "booked"
	WaitlistCancelled WaitlistStatus = "cancelled"
	WaitlistExpired   WaitlistStatus = "expired"
)

type WaitlistEntry struct {
	ID               int64          `json:"id"`
	AccountID        int64          `json:"account_id"`
	TeamMemberID     *int64         `json:"team_member_id,omitempty"`
	ClientID         *int64         `json:"client_id,omitempty"`
	ClientUserID     *int64         `json:"client_user_id,omitempty"`
	ServiceID        *int64         `json:"service_id,omitempty"`
	RequestedStartAt time.Time      `json:"requested_start_at"`
	RequestedEndAt   time.Time      `json:"requested_end_at"`
	DurationMinutes  int            `json:"duration_minutes"`
	PartySize        *int           `json:"party_size,omitempty"`
	Status           WaitlistStatus `json:"status"`
	ReleasedAt       *time.Time     `json:"released_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Fits reports whether a freed window can serve this entry.
func (w *WaitlistEntry) Fits(start, end time.Time) bool {
	from := w.RequestedStartAt
	if start.After(from) {
		from = start
	}
	to := w.RequestedEndAt
	if end.Before(to) {
		to = end
	}
	return to.Sub(from) >= time.Duration(w.DurationMinutes)*time.Minute
}

type Resource struct {
	ID           int64  `json:"id"`
	AccountID    int64  `json:"account_id"`
	TeamMemberID *int64 `json:"team_member_id,omitempty"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Capacity     int    `json:"capacity"`
	Active       bool   `json:"active"`
}

// EffectiveCapacity treats unset capacity as a single seat.
func (r Resource) EffectiveCapacity() int {
	if r.Capacity < 1 {
		return 1
	}
	return r.Capacity
}

type ResourceAllocation struct {
	ReservationID int64 `json:"reservation_id"`
	ResourceID    int64 `json:"resource_id"`
	Quantity      int   `json:"quantity"`
}

// ActivityEntry is one row of the activity log.
type ActivityEntry struct {
	ID          string         `json:"id"`
	AccountID   int64          `json:"account_id"`
	ActorID     *int64         `json:"actor_id,omitempty"`
	SubjectType string         `json:"subject_type"`
	SubjectID   int64          `json:"subject_id"`
	Action      string         `json:"action"`
	Description string         `json:"description,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AllocationWindow is a resource allocation joined with its reservation's time window.
type AllocationWindow struct {
	ReservationID int64
	ResourceID    int64
	Quantity      int
	StartsAt      time.Time
	EndsAt        time.Time
}
