// Package retention deletes daily log files older than the retention window.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dmmdekkd/yunkit/internal/cron"
	"github.com/dmmdekkd/yunkit/internal/logstream"
)

// JobName is the scheduler job name used by Register.
const JobName = "log-retention"

type Sweeper struct {
	Dir    string
	Days   int
	Logger *slog.Logger
	Now    func() time.Time
}

// Sweep removes every bot-YYYY-MM-DD.log in Dir dated more than Days
// calendar days before today. Per-file failures are logged and skipped.
// It returns the names removed. Days <= 0 removes nothing.
func (s Sweeper) Sweep(ctx context.Context) ([]string, error) {
	if s.Days <= 0 || s.Dir == "" {
		return nil, nil
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list log dir: %w", err)
	}

	t := now()
	today := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.Local)
	cutoff := today.AddDate(0, 0, -s.Days)

	var removed []string
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if e.IsDir() {
			continue
		}
		day, ok := logstream.ParseFileName(e.Name())
		if !ok || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.Dir, e.Name())); err != nil {
			logger.Warn("remove expired log failed", "file", e.Name(), "error", err)
			continue
		}
		removed = append(removed, e.Name())
	}
	if len(removed) > 0 {
		logger.Info("expired logs removed", "count", len(removed), "retention_days", s.Days)
	}
	return removed, nil
}

// Register schedules the sweeper on spec and once at start. It is a no-op
// when retention is disabled.
func Register(sched *cron.Scheduler, spec string, s Sweeper) error {
	if s.Days <= 0 {
		return nil
	}
	return sched.Add(cron.Job{
		Name:       JobName,
		Spec:       spec,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			_, err := s.Sweep(ctx)
			return err
		},
	})
}
