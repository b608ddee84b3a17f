package model

import "time"

type WeeklyAvailability struct {
	ID           int64  `json:"id"`
	AccountID    int64  `json:"account_id"`
	TeamMemberID *int64 `json:"team_member_id,omitempty"`
	DayOfWeek    int    `json:"day_of_week"` // 0=Sun
	StartTime    string `json:"start_time"`  // "09:00"
	EndTime      string `json:"end_time"`    // "17:00"
	IsActive     bool   `json:"is_active"`
}

type ExceptionType string

const (
	ExceptionClosed ExceptionType = "closed"
	ExceptionOpen   ExceptionType = "open"
)

type AvailabilityException struct {
	ID           int64         `json:"id"`
	AccountID    int64         `json:"account_id"`
	TeamMemberID *int64        `json:"team_member_id,omitempty"`
	Date         string        `json:"date"` // "2026-01-01"
	StartTime    string        `json:"start_time,omitempty"`
	EndTime      string        `json:"end_time,omitempty"`
	Type         ExceptionType `json:"type"`
	Reason       string        `json:"reason,omitempty"`
}

// WholeDay reports whether the exception has no time range.
func (e AvailabilityException) WholeDay() bool {
	return e.StartTime == "" || e.EndTime == ""
}

// ReservationSetting is a stored settings row. Nil fields are unset and fall through the merge.
type ReservationSetting struct {
	AccountID    int64  `json:"account_id"`
	TeamMemberID *int64 `json:"team_member_id,omitempty"`

	BufferMinutes               *int    `json:"buffer_minutes,omitempty"`
	SlotIntervalMinutes         *int    `json:"slot_interval_minutes,omitempty"`
	MinNoticeMinutes            *int    `json:"min_notice_minutes,omitempty"`
	MaxAdvanceDays              *int    `json:"max_advance_days,omitempty"`
	CancellationCutoffHours     *int    `json:"cancellation_cutoff_hours,omitempty"`
	AllowClientCancel           *bool   `json:"allow_client_cancel,omitempty"`
	AllowClientReschedule       *bool   `json:"allow_client_reschedule,omitempty"`
	LateReleaseMinutes          *int    `json:"late_release_minutes,omitempty"`
	WaitlistEnabled             *bool   `json:"waitlist_enabled,omitempty"`
	QueueModeEnabled            *bool   `json:"queue_mode_enabled,omitempty"`
	QueueAssignmentMode         *string `json:"queue_assignment_mode,omitempty"`
	QueueDispatchMode           *string `json:"queue_dispatch_mode,omitempty"`
	QueueGraceMinutes           *int    `json:"queue_grace_minutes,omitempty"`
	QueuePreCallThreshold       *int    `json:"queue_pre_call_threshold,omitempty"`
	QueueNoShowOnGraceExpiry    *bool   `json:"queue_no_show_on_grace_expiry,omitempty"`
	QueueDuplicateWindowMinutes *int    `json:"queue_duplicate_window_minutes,omitempty"`
	DefaultDurationMinutes      *int    `json:"default_duration_minutes,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func IntPtr(v int) *int { return &v }

func BoolPtr(v bool) *bool { return &v }

func StringPtr(v string) *string { return &v }
