package wal

import (
	"fmt"
	"os"
	"time"
)

// CleanupStats tracks cleanup operation results
type CleanupStats struct {
	FilesRemoved  int
	BytesFreed    int64
	OldestRemoved time.Time
	NewestRemoved time.Time
}

// Cleanup removes journal files not modified within the retention period.
// The file currently open for writing is never removed. A retention of
// zero keeps everything.
func Cleanup(cfg Config, now time.Time, active string) (CleanupStats, error) {
	stats := CleanupStats{}
	if cfg.RetentionDays <= 0 {
		return stats, nil
	}

	cutoff := now.AddDate(0, 0, -cfg.RetentionDays)
	for _, file := range listFiles(cfg.Dir, cfg.prefix()) {
		if file == active {
			continue
		}
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", file, err)
		}
		stats.record(info)
	}
	return stats, nil
}

func (s *CleanupStats) record(info os.FileInfo) {
	s.FilesRemoved++
	s.BytesFreed += info.Size()
	mod := info.ModTime()
	if s.OldestRemoved.IsZero() || mod.Before(s.OldestRemoved) {
		s.OldestRemoved = mod
	}
	if mod.After(s.NewestRemoved) {
		s.NewestRemoved = mod
	}
}
