package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const backupPrefix = "reservo_"

// BackupService writes consistent snapshots of the database and prunes old ones.
type BackupService struct {
	db            *DB
	dir           string
	retentionDays int
	now           func() time.Time
	logger        zerolog.Logger
}

func NewBackupService(db *DB, dir string, retentionDays int, logger zerolog.Logger) *BackupService {
	return &BackupService{
		db:            db,
		dir:           dir,
		retentionDays: retentionDays,
		now:           time.Now,
		logger:        logger.With().Str("component", "backup").Logger(),
	}
}

// Run performs one backup followed by retention cleanup. It is the cron job body.
func (s *BackupService) Run(ctx context.Context) {
	path, err := s.PerformBackup(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Scheduled backup failed")
		return
	}
	s.logger.Info().Str("path", path).Msg("Backup completed successfully")
	s.CleanupOldBackups()
}

// PerformBackup snapshots the live database with VACUUM INTO so WAL pages are included.
func (s *BackupService) PerformBackup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := fmt.Sprintf("%s%s.db", backupPrefix, s.now().UTC().Format("20060102_150405"))
	path := filepath.Join(s.dir, name)

	s.logger.Info().Str("path", path).Msg("Performing database backup")
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", path, err)
	}
	return path, nil
}

// CleanupOldBackups removes snapshots older than the retention window.
func (s *BackupService) CleanupOldBackups() int {
	if s.retentionDays <= 0 {
		return 0
	}

	files, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read backup directory for cleanup")
		return 0
	}

	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	removed := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), backupPrefix) {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			s.logger.Info().Str("file", file.Name()).Msg("Deleting old backup")
			if err := os.Remove(filepath.Join(s.dir, file.Name())); err == nil {
				removed++
			}
		}
	}
	return removed
}
