// Package scheduler runs periodic maintenance for the rules engine.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/liamcoop/rulesets/internal/logger"
	"github.com/liamcoop/rulesets/rules"
)

// PurgeScheduler removes expired rule content on a cron schedule.
// Content stores that expire lazily keep expired rows until purged.
type PurgeScheduler struct {
	purger   rules.Purger
	schedule string
	cron     *cron.Cron
	mu       sync.Mutex
	running  bool
}

// NewPurgeScheduler creates a scheduler; schedule is a standard five-field
// cron expression or a descriptor such as "@hourly"
func NewPurgeScheduler(purger rules.Purger, schedule string) *PurgeScheduler {
	return &PurgeScheduler{
		purger:   purger,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start schedules the purge job and stops it when ctx is cancelled.
// An empty schedule leaves the scheduler idle.
func (s *PurgeScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		logger.Info("purge schedule not configured, skipping scheduler")
		return nil
	}
	if s.running {
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() { s.Purge(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule purge: %w", err)
	}

	s.cron.Start()
	s.running = true
	logger.Info("content purge scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Purge runs one purge cycle and returns the number of entries removed
func (s *PurgeScheduler) Purge(ctx context.Context) int64 {
	removed, err := s.purger.PurgeExpired(ctx)
	if err != nil {
		logger.Error("scheduled content purge failed", "error", err)
		return 0
	}

	if removed > 0 {
		logger.Info("expired rule content purged", "removed", removed)
	} else {
		logger.Debug("content purge completed, nothing expired")
	}
	return removed
}

// Stop halts the schedule and waits for a running purge to finish
func (s *PurgeScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	logger.Info("content purge scheduler stopped")
}

func (s *PurgeScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled purge, or nil when idle
func (s *PurgeScheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
