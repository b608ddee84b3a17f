package model

import (
	"slices"
	"time"
)

type QueueItemType string

const (
	QueueItemAppointment QueueItemType = "appointment"
	QueueItemTicket      QueueItemType = "ticket"
)

type QueueStatus string

const (
	QueueNotArrived QueueStatus = "not_arrived"
	QueueCheckedIn  QueueStatus = "checked_in"
	QueuePreCalled  QueueStatus = "pre_called"
	QueueCalled     QueueStatus = "called"
	QueueSkipped    QueueStatus = "skipped"
	QueueInService  QueueStatus = "in_service"
	QueueDone       QueueStatus = "done"
	QueueNoShow     QueueStatus = "no_show"
	QueueCancelled  QueueStatus = "cancelled"
	QueueLeft       QueueStatus = "left"
)

var (
	ActiveQueueStatuses   = []QueueStatus{QueueNotArrived, QueueCheckedIn, QueuePreCalled, QueueCalled, QueueSkipped, QueueInService}
	CallableQueueStatuses = []QueueStatus{QueueCheckedIn, QueuePreCalled, QueueSkipped}
	WaitingQueueStatuses  = []QueueStatus{QueueCheckedIn, QueuePreCalled, QueueCalled, QueueSkipped}
	TerminalQueueStatuses = []QueueStatus{QueueDone, QueueNoShow, QueueCancelled, QueueLeft}
)

func (s QueueStatus) IsActive() bool   { return slices.Contains(ActiveQueueStatuses, s) }
func (s QueueStatus) IsCallable() bool { return slices.Contains(CallableQueueStatuses, s) }
func (s QueueStatus) IsWaiting() bool  { return slices.Contains(WaitingQueueStatuses, s) }
func (s QueueStatus) IsTerminal() bool { return slices.Contains(TerminalQueueStatuses, s) }

type QueueAction string

const (
	ActionCheckIn   QueueAction = "check_in"
	ActionStillHere QueueAction = "still_here"
	ActionPreCall   QueueAction = "pre_call"
	ActionCall      QueueAction = "call"
	ActionStart     QueueAction = "start"
	ActionDone      QueueAction = "done"
	ActionSkip      QueueAction = "skip"
	ActionNoShow    QueueAction = "no_show"
	ActionCancel    QueueAction = "cancel"
)

// queueActionSources lists the states each action may be applied from.
var queueActionSources = map[QueueAction][]QueueStatus{
	ActionCheckIn:   {QueueNotArrived, QueueSkipped, QueuePreCalled, QueueCalled},
	ActionStillHere: {QueueCheckedIn, QueuePreCalled, QueueCalled, QueueSkipped},
	ActionPreCall:   {QueueCheckedIn, QueueSkipped},
	ActionCall:      {QueueCheckedIn, QueuePreCalled, QueueSkipped},
	ActionStart:     {QueueCalled, QueueCheckedIn, QueuePreCalled},
	ActionDone:      {QueueInService},
	ActionSkip:      {QueueCheckedIn, QueuePreCalled, QueueCalled},
	ActionNoShow:    {QueueCalled, QueueNotArrived},
	ActionCancel:    ActiveQueueStatuses,
}

// KnownQueueAction reports whether the action exists.
func KnownQueueAction(a QueueAction) bool {
	_, ok := queueActionSources[a]
	return ok
}

// CanApplyQueueAction checks the action against the transition table.
func CanApplyQueueAction(from QueueStatus, a QueueAction) bool {
	return slices.Contains(queueActionSources[a], from)
}

// AppointmentDetails is the variant data of an appointment item.
type AppointmentDetails struct {
	ReservationID       int64             `json:"reservation_id"`
	ReservationStartsAt time.Time         `json:"reservation_starts_at"`
	ReservationEndsAt   time.Time         `json:"reservation_ends_at"`
	ReservationStatus   ReservationStatus `json:"reservation_status"`
}

// TicketDetails is the variant data of a walk-in ticket.
type TicketDetails struct {
	GuestName            string `json:"guest_name,omitempty"`
	GuestPhone           string `json:"guest_phone,omitempty"`
	GuestPhoneNormalized string `json:"guest_phone_normalized,omitempty"`
	PartySize            int    `json:"party_size,omitempty"`
	Notes                string `json:"notes,omitempty"`
	KioskFlow            string `json:"kiosk_flow,omitempty"`
}

// QueueItem is either an appointment or a ticket; exactly one of Appointment and Ticket is set.
type QueueItem struct {
	ID                       int64       `json:"id"`
	AccountID                int64       `json:"account_id"`
	Status                   QueueStatus `json:"status"`
	Priority                 int         `json:"priority"`
	QueueNumber              string      `json:"queue_number,omitempty"`
	Position                 *int        `json:"position,omitempty"`
	ETAMinutes               *int        `json:"eta_minutes,omitempty"`
	TeamMemberID             *int64      `json:"team_member_id,omitempty"`
	ServiceID                *int64      `json:"service_id,omitempty"`
	ClientID                 *int64      `json:"client_id,omitempty"`
	ClientUserID             *int64      `json:"client_user_id,omitempty"`
	Source                   string      `json:"source"`
	EstimatedDurationMinutes int         `json:"estimated_duration_minutes"`
	CreatedBy                *int64      `json:"created_by,omitempty"`

	CheckedInAt   *time.Time `json:"checked_in_at,omitempty"`
	PreCalledAt   *time.Time `json:"pre_called_at,omitempty"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
	CallExpiresAt *time.Time `json:"call_expires_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	SkippedAt     *time.Time `json:"skipped_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	LeftAt        *time.Time `json:"left_at,omitempty"`

	Appointment *AppointmentDetails `json:"appointment,omitempty"`
	Ticket      *TicketDetails      `json:"ticket,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (q *QueueItem) Type() QueueItemType {
	if q.Appointment != nil {
		return QueueItemAppointment
	}
	return QueueItemTicket
}

func (q *QueueItem) IsTicket() bool { return q.Appointment == nil }

// Anchor is the instant an item is ordered by inside its status band.
func (q *QueueItem) Anchor() time.Time {
	if q.Appointment != nil && !q.Appointment.ReservationStartsAt.IsZero() {
		return q.Appointment.ReservationStartsAt
	}
	if q.Appointment == nil && q.CheckedInAt != nil {
		return *q.CheckedInAt
	}
	return q.CreatedAt
}

// Duration returns the estimated service time, never below five minutes.
func (q *QueueItem) Duration() int {
	if q.EstimatedDurationMinutes < 5 {
		return 5
	}
	return q.EstimatedDurationMinutes
}

// MatchesClient reports whether the item belongs to the client identity.
func (q *QueueItem) MatchesClient(clientID, clientUserID *int64) bool {
	if clientUserID != nil && q.ClientUserID != nil && *clientUserID == *q.ClientUserID {
		return true
	}
	return clientID != nil && q.ClientID != nil && *clientID == *q.ClientID
}

type CheckIn struct {
	ID            int64      `json:"id"`
	AccountID     int64      `json:"account_id"`
	QueueItemID   int64      `json:"queue_item_id"`
	ReservationID *int64     `json:"reservation_id,omitempty"`
	ClientUserID  *int64     `json:"client_user_id,omitempty"`
	CheckedInBy   *int64     `json:"checked_in_by,omitempty"`
	Channel       string     `json:"channel"`
	CheckedInAt   time.Time  `json:"checked_in_at"`
	GraceDeadline *time.Time `json:"grace_deadline_at,omitempty"`
}
