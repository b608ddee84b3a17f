// Package settings resolves the effective reservation settings of an account or team member.
package settings

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"reservo/internal/config"
	"reservo/internal/model"
)

const (
	MaxBufferMinutes = 240

	AssignmentPerStaff   = "per_staff"
	AssignmentGlobalPull = "global_pull"

	DispatchFIFOAppointmentPriority = "fifo_with_appointment_priority"
	DispatchFIFO                    = "fifo"
)

// Resolved is the merged, clamped view of the settings layers.
type Resolved struct {
	Preset string `json:"business_preset"`

	BufferMinutes           int  `json:"buffer_minutes"`
	SlotIntervalMinutes     int  `json:"slot_interval_minutes"`
	MinNoticeMinutes        int  `json:"min_notice_minutes"`
	MaxAdvanceDays          int  `json:"max_advance_days"`
	CancellationCutoffHours int  `json:"cancellation_cutoff_hours"`
	AllowClientCancel       bool `json:"allow_client_cancel"`
	AllowClientReschedule   bool `json:"allow_client_reschedule"`

	LateReleaseMinutes          int    `json:"late_release_minutes"`
	WaitlistEnabled             bool   `json:"waitlist_enabled"`
	QueueModeEnabled            bool   `json:"queue_mode_enabled"`
	QueueAssignmentMode         string `json:"queue_assignment_mode"`
	QueueDispatchMode           string `json:"queue_dispatch_mode"`
	QueueGraceMinutes           int    `json:"queue_grace_minutes"`
	QueuePreCallThreshold       int    `json:"queue_pre_call_threshold"`
	QueueNoShowOnGraceExpiry    bool   `json:"queue_no_show_on_grace_expiry"`
	QueueDuplicateWindowMinutes int    `json:"queue_duplicate_window_minutes"`
	DefaultDurationMinutes      int    `json:"default_duration_minutes"`
}

// QueueFeaturesEnabled reports whether the preset supports the hybrid queue at all.
func QueueFeaturesEnabled(preset string) bool {
	return config.NormalizePreset(preset) == config.PresetSalon
}

// QueueEnabled gates every queue operation.
func (r Resolved) QueueEnabled() bool {
	return QueueFeaturesEnabled(r.Preset) && r.QueueModeEnabled
}

// QueueDisabledReason returns the message shown when the queue gate is closed.
func (r Resolved) QueueDisabledReason() string {
	if !QueueFeaturesEnabled(r.Preset) {
		return "Hybrid queue is only available for salon businesses."
	}
	if !r.QueueModeEnabled {
		return "Queue mode is disabled for this account."
	}
	return ""
}

func (r Resolved) GlobalPull() bool { return r.QueueAssignmentMode == AssignmentGlobalPull }

func (r Resolved) AppointmentPriority() bool {
	return r.QueueDispatchMode == DispatchFIFOAppointmentPriority
}

// Merge applies member -> account -> preset precedence and clamps the result.
// Booking-window fields honor the member row; queue and waitlist fields are account-level.
func Merge(preset string, defaults config.PresetDefaults, account, member *model.ReservationSetting) Resolved {
	layered := []*model.ReservationSetting{member, account}
	accountOnly := []*model.ReservationSetting{account}

	r := Resolved{
		Preset:                  config.NormalizePreset(preset),
		BufferMinutes:           pickInt(layered, func(s *model.ReservationSetting) *int { return s.BufferMinutes }, defaults.BufferMinutes),
		SlotIntervalMinutes:     pickInt(layered, func(s *model.ReservationSetting) *int { return s.SlotIntervalMinutes }, defaults.SlotIntervalMinutes),
		MinNoticeMinutes:        pickInt(layered, func(s *model.ReservationSetting) *int { return s.MinNoticeMinutes }, defaults.MinNoticeMinutes),
		MaxAdvanceDays:          pickInt(layered, func(s *model.ReservationSetting) *int { return s.MaxAdvanceDays }, defaults.MaxAdvanceDays),
		CancellationCutoffHours: pickInt(layered, func(s *model.ReservationSetting) *int { return s.CancellationCutoffHours }, defaults.CancellationCutoffHours),
		AllowClientCancel:       pickBool(layered, func(s *model.ReservationSetting) *bool { return s.AllowClientCancel }, defaults.AllowClientCancel),
		AllowClientReschedule:   pickBool(layered, func(s *model.ReservationSetting) *bool { return s.AllowClientReschedule }, defaults.AllowClientReschedule),

		LateReleaseMinutes:          pickInt(accountOnly, func(s *model.ReservationSetting) *int { return s.LateReleaseMinutes }, defaults.LateReleaseMinutes),
		WaitlistEnabled:             pickBool(accountOnly, func(s *model.ReservationSetting) *bool { return s.WaitlistEnabled }, defaults.WaitlistEnabled),
		QueueModeEnabled:            pickBool(accountOnly, func(s *model.ReservationSetting) *bool { return s.QueueModeEnabled }, defaults.QueueModeEnabled),
		QueueAssignmentMode:         pickString(accountOnly, func(s *model.ReservationSetting) *string { return s.QueueAssignmentMode }, defaults.QueueAssignmentMode),
		QueueDispatchMode:           pickString(accountOnly, func(s *model.ReservationSetting) *string { return s.QueueDispatchMode }, defaults.QueueDispatchMode),
		QueueGraceMinutes:           pickInt(accountOnly, func(s *model.ReservationSetting) *int { return s.QueueGraceMinutes }, defaults.QueueGraceMinutes),
		QueuePreCallThreshold:       pickInt(accountOnly, func(s *model.ReservationSetting) *int { return s.QueuePreCallThreshold }, defaults.QueuePreCallThreshold),
		QueueNoShowOnGraceExpiry:    pickBool(accountOnly, func(s *model.ReservationSetting) *bool { return s.QueueNoShowOnGraceExpiry }, defaults.QueueNoShowOnGraceExpiry),
		QueueDuplicateWindowMinutes: pickInt(accountOnly, func(s *model.ReservationSetting) *int { return s.QueueDuplicateWindowMinutes }, defaults.QueueDuplicateWindowMinutes),
		DefaultDurationMinutes:      pickInt(accountOnly, func(s *model.ReservationSetting) *int { return s.DefaultDurationMinutes }, defaults.DefaultDurationMinutes),
	}

	r.clamp()
	return r
}

func (r *Resolved) clamp() {
	r.BufferMinutes = ClampBuffer(r.BufferMinutes)
	r.SlotIntervalMinutes = clampInt(r.SlotIntervalMinutes, 5, 120)
	if r.MinNoticeMinutes < 0 {
		r.MinNoticeMinutes = 0
	}
	if r.MaxAdvanceDays < 1 {
		r.MaxAdvanceDays = 90
	}
	if r.CancellationCutoffHours < 0 {
		r.CancellationCutoffHours = 0
	}
	if r.LateReleaseMinutes < 0 {
		r.LateReleaseMinutes = 0
	}
	if r.QueueGraceMinutes <= 0 {
		r.QueueGraceMinutes = 5
	}
	r.QueueGraceMinutes = clampInt(r.QueueGraceMinutes, 1, 60)
	if r.QueuePreCallThreshold <= 0 {
		r.QueuePreCallThreshold = 2
	}
	r.QueuePreCallThreshold = clampInt(r.QueuePreCallThreshold, 1, 20)
	if r.QueueDuplicateWindowMinutes <= 0 {
		r.QueueDuplicateWindowMinutes = 120
	}
	if r.QueueDuplicateWindowMinutes < 10 {
		r.QueueDuplicateWindowMinutes = 10
	}
	if r.DefaultDurationMinutes <= 0 {
		r.DefaultDurationMinutes = 60
	}
	if r.QueueAssignmentMode != AssignmentGlobalPull {
		r.QueueAssignmentMode = AssignmentPerStaff
	}
	if r.QueueDispatchMode != DispatchFIFO {
		r.QueueDispatchMode = DispatchFIFOAppointmentPriority
	}
}

// ClampBuffer bounds a buffer value to 0..MaxBufferMinutes.
func ClampBuffer(v int) int {
	return clampInt(v, 0, MaxBufferMinutes)
}

// ResolveDuration picks the explicit override, then the service default, then the setting.
func (r Resolved) ResolveDuration(override, serviceDefault int) int {
	if override > 0 {
		return override
	}
	if serviceDefault > 0 {
		return serviceDefault
	}
	return r.DefaultDurationMinutes
}

// TicketDuration bounds walk-in estimates to 5..240 minutes.
func (r Resolved) TicketDuration(estimate, serviceDefault int) int {
	if estimate > 0 {
		return clampInt(estimate, 5, 240)
	}
	return r.ResolveDuration(0, serviceDefault)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func pickInt(layers []*model.ReservationSetting, get func(*model.ReservationSetting) *int, def int) int {
	for _, l := range layers {
		if l == nil {
			continue
		}
		if v := get(l); v != nil {
			return *v
		}
	}
	return def
}

func pickBool(layers []*model.ReservationSetting, get func(*model.ReservationSetting) *bool, def bool) bool {
	for _, l := range layers {
		if l == nil {
			continue
		}
		if v := get(l); v != nil {
			return *v
		}
	}
	return def
}

func pickString(layers []*model.ReservationSetting, get func(*model.ReservationSetting) *string, def string) string {
	for _, l := range layers {
		if l == nil {
			continue
		}
		if v := get(l); v != nil && *v != "" {
			return *v
		}
	}
	return def
}

// Store loads accounts and stored settings rows. Missing rows return nil without error.
type Store interface {
	GetAccount(ctx context.Context, accountID int64) (*model.Account, error)
	GetSetting(ctx context.Context, accountID int64, teamMemberID *int64) (*model.ReservationSetting, error)
}

// ServiceCatalog supplies per-service default durations. Optional.
type ServiceCatalog interface {
	DefaultDuration(ctx context.Context, accountID, serviceID int64) (int, error)
}

type Service struct {
	store   Store
	catalog ServiceCatalog
	presets atomic.Pointer[config.PresetsConfig]
	logger  zerolog.Logger
}

func NewService(store Store, catalog ServiceCatalog, logger zerolog.Logger) *Service {
	s := &Service{
		store:   store,
		catalog: catalog,
		logger:  logger.With().Str("component", "settings").Logger(),
	}
	s.presets.Store(config.DefaultPresets())
	return s
}

// SetPresets swaps the preset table; used by the presets watcher.
func (s *Service) SetPresets(p *config.PresetsConfig) {
	if p == nil {
		return
	}
	s.presets.Store(p)
	s.logger.Info().Int("presets", len(p.Presets)).Msg("preset defaults reloaded")
}

// Resolve loads the account and merges its settings layers.
func (s *Service) Resolve(ctx context.Context, accountID int64, teamMemberID *int64) (Resolved, *model.Account, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return Resolved{}, nil, fmt.Errorf("get account: %w", err)
	}
	r, err := s.ResolveFor(ctx, account, teamMemberID)
	return r, account, err
}

// ResolveFor merges settings for an already loaded account.
func (s *Service) ResolveFor(ctx context.Context, account *model.Account, teamMemberID *int64) (Resolved, error) {
	accountRow, err := s.store.GetSetting(ctx, account.ID, nil)
	if err != nil {
		return Resolved{}, fmt.Errorf("get account settings: %w", err)
	}

	var memberRow *model.ReservationSetting
	if teamMemberID != nil {
		memberRow, err = s.store.GetSetting(ctx, account.ID, teamMemberID)
		if err != nil {
			return Resolved{}, fmt.Errorf("get member settings: %w", err)
		}
	}

	defaults := s.presets.Load().For(account.BusinessPreset)
	return Merge(account.BusinessPreset, defaults, accountRow, memberRow), nil
}

// ServiceDuration returns the catalog default for a service, or zero.
func (s *Service) ServiceDuration(ctx context.Context, accountID int64, serviceID *int64) int {
	if s.catalog == nil || serviceID == nil {
		return 0
	}
	d, err := s.catalog.DefaultDuration(ctx, accountID, *serviceID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("service_id", *serviceID).Msg("service duration lookup failed")
		return 0
	}
	return d
}
