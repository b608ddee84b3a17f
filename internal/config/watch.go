package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// PresetWatcher hot-reloads presets.yaml. Invalid revisions are logged and the last good table stays active.
type PresetWatcher struct {
	path     string
	interval time.Duration
	apply    func(*PresetsConfig)
	logger   zerolog.Logger
	modTime  time.Time
}

func NewPresetWatcher(path string, interval time.Duration, apply func(*PresetsConfig), logger zerolog.Logger) *PresetWatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PresetWatcher{
		path:     path,
		interval: interval,
		apply:    apply,
		logger:   logger.With().Str("component", "presets").Str("path", path).Logger(),
	}
}

// Load applies the current file. Startup should fail when this does.
func (w *PresetWatcher) Load() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("stat presets: %w", err)
	}
	cfg, err := LoadPresetsConfig(w.path)
	if err != nil {
		return err
	}
	w.modTime = info.ModTime()
	w.apply(cfg)
	return nil
}

// Poll reloads the file when its modification time moved forward and reports whether it applied a new table.
func (w *PresetWatcher) Poll() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}
	if !info.ModTime().After(w.modTime) {
		return false, nil
	}
	cfg, err := LoadPresetsConfig(w.path)
	if err != nil {
		return false, err
	}
	w.modTime = info.ModTime()
	w.apply(cfg)
	return true, nil
}

// Run polls until ctx is done.
func (w *PresetWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reloaded, err := w.Poll()
			if err != nil {
				w.logger.Error().Err(err).Msg("Failed to reload presets")
				continue
			}
			if reloaded {
				w.logger.Info().Msg("Presets reloaded")
			}
		}
	}
}
