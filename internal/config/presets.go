package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	PresetServiceGeneral = "service_general"
	PresetSalon          = "salon"
	PresetRestaurant     = "restaurant"
)

// PresetDefaults holds the lowest-precedence values of the settings merge.
type PresetDefaults struct {
	BufferMinutes               int    `yaml:"buffer_minutes"`
	SlotIntervalMinutes         int    `yaml:"slot_interval_minutes"`
	MinNoticeMinutes            int    `yaml:"min_notice_minutes"`
	MaxAdvanceDays              int    `yaml:"max_advance_days"`
	CancellationCutoffHours     int    `yaml:"cancellation_cutoff_hours"`
	AllowClientCancel           bool   `yaml:"allow_client_cancel"`
	AllowClientReschedule       bool   `yaml:"allow_client_reschedule"`
	LateReleaseMinutes          int    `yaml:"late_release_minutes"`
	WaitlistEnabled             bool   `yaml:"waitlist_enabled"`
	QueueModeEnabled            bool   `yaml:"queue_mode_enabled"`
	QueueAssignmentMode         string `yaml:"queue_assignment_mode"`
	QueueDispatchMode           string `yaml:"queue_dispatch_mode"`
	QueueGraceMinutes           int    `yaml:"queue_grace_minutes"`
	QueuePreCallThreshold       int    `yaml:"queue_pre_call_threshold"`
	QueueNoShowOnGraceExpiry    bool   `yaml:"queue_no_show_on_grace_expiry"`
	QueueDuplicateWindowMinutes int    `yaml:"queue_duplicate_window_minutes"`
	DefaultDurationMinutes      int    `yaml:"default_duration_minutes"`
}

// PresetsConfig is the root of presets.yaml.
type PresetsConfig struct {
	Presets map[string]PresetDefaults `yaml:"presets"`
}

// DefaultPresets returns the built-in preset table.
func DefaultPresets() *PresetsConfig {
	return &PresetsConfig{Presets: map[string]PresetDefaults{
		PresetServiceGeneral: {
			BufferMinutes:               0,
			SlotIntervalMinutes:         30,
			MinNoticeMinutes:            0,
			MaxAdvanceDays:              90,
			CancellationCutoffHours:     12,
			AllowClientCancel:           true,
			AllowClientReschedule:       true,
			QueueAssignmentMode:         "per_staff",
			QueueDispatchMode:           "fifo_with_appointment_priority",
			QueueGraceMinutes:           5,
			QueuePreCallThreshold:       2,
			QueueDuplicateWindowMinutes: 120,
			DefaultDurationMinutes:      60,
		},
		PresetSalon: {
			BufferMinutes:               10,
			SlotIntervalMinutes:         15,
			MinNoticeMinutes:            60,
			MaxAdvanceDays:              60,
			CancellationCutoffHours:     24,
			AllowClientCancel:           true,
			AllowClientReschedule:       true,
			LateReleaseMinutes:          10,
			WaitlistEnabled:             true,
			QueueModeEnabled:            true,
			QueueAssignmentMode:         "per_staff",
			QueueDispatchMode:           "fifo_with_appointment_priority",
			QueueGraceMinutes:           5,
			QueuePreCallThreshold:       2,
			QueueNoShowOnGraceExpiry:    true,
			QueueDuplicateWindowMinutes: 120,
			DefaultDurationMinutes:      60,
		},
		PresetRestaurant: {
			BufferMinutes:               15,
			SlotIntervalMinutes:         15,
			MinNoticeMinutes:            30,
			MaxAdvanceDays:              30,
			CancellationCutoffHours:     6,
			AllowClientCancel:           true,
			AllowClientReschedule:       true,
			LateReleaseMinutes:          15,
			WaitlistEnabled:             true,
			QueueAssignmentMode:         "global_pull",
			QueueDispatchMode:           "fifo_with_appointment_priority",
			QueueGraceMinutes:           10,
			QueuePreCallThreshold:       2,
			QueueNoShowOnGraceExpiry:    true,
			QueueDuplicateWindowMinutes: 120,
			DefaultDurationMinutes:      60,
		},
	}}
}

// NormalizePreset maps free-form input onto a known preset key.
func NormalizePreset(preset string) string {
	p := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(preset)), " ", "_")
	switch p {
	case PresetServiceGeneral, PresetSalon, PresetRestaurant:
		return p
	default:
		return PresetServiceGeneral
	}
}

// For returns defaults for the given preset; unknown presets fall back to service_general.
func (p *PresetsConfig) For(preset string) PresetDefaults {
	if d, ok := p.Presets[NormalizePreset(preset)]; ok {
		return d
	}
	return DefaultPresets().Presets[PresetServiceGeneral]
}

// LoadPresetsConfig overlays presets.yaml onto the built-in table.
// Presets missing from the file keep their built-in values.
func LoadPresetsConfig(path string) (*PresetsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets config: %w", err)
	}

	var file PresetsConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse presets config: %w", err)
	}

	cfg := DefaultPresets()
	for name, d := range file.Presets {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
		if _, known := cfg.Presets[key]; !known {
			return nil, fmt.Errorf("validate presets config: unknown preset '%s'", name)
		}
		cfg.Presets[key] = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate presets config: %w", err)
	}
	return cfg, nil
}

// Validate checks the presets for values the settings clamps would silently rewrite.
func (p *PresetsConfig) Validate() error {
	for name, d := range p.Presets {
		if d.SlotIntervalMinutes <= 0 {
			return fmt.Errorf("%s.slot_interval_minutes must be positive", name)
		}
		if d.DefaultDurationMinutes <= 0 {
			return fmt.Errorf("%s.default_duration_minutes must be positive", name)
		}
		if d.BufferMinutes < 0 || d.MinNoticeMinutes < 0 || d.CancellationCutoffHours < 0 {
			return fmt.Errorf("%s: minute and hour values cannot be negative", name)
		}
		switch d.QueueAssignmentMode {
		case "per_staff", "global_pull":
		default:
			return fmt.Errorf("%s.queue_assignment_mode: unknown value '%s'", name, d.QueueAssignmentMode)
		}
	}
	return nil
}
