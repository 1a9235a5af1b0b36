// Package scheduler runs periodic reloads of stored policies and overlays.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reloader refreshes in-memory state from its backing store.
type Reloader interface {
	Reload(ctx context.Context) (int, error)
}

// ReloaderFunc adapts a function to Reloader.
type ReloaderFunc func(ctx context.Context) (int, error)

// Reload calls f.
func (f ReloaderFunc) Reload(ctx context.Context) (int, error) {
	return f(ctx)
}

// Scheduler manages cron-driven reload tasks.
type Scheduler struct {
	Cron    *cron.Cron
	Ctx     context.Context
	Timeout time.Duration
}

// New creates a Scheduler using six-field cron specs.
func New(ctx context.Context) *Scheduler {
	return &Scheduler{
		Cron:    cron.New(cron.WithSeconds()),
		Ctx:     ctx,
		Timeout: 30 * time.Second,
	}
}

// Register adds a named reload task on the given schedule.
func (s *Scheduler) Register(spec, name string, r Reloader) error {
	if _, err := s.Cron.AddFunc(spec, func() { s.run(name, r) }); err != nil {
		return fmt.Errorf("register %s reload: %w", name, err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	slog.Info("scheduler started", "tasks", len(s.Cron.Entries()))
}

// Stop stops the cron scheduler and waits for running tasks.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	slog.Info("scheduler stopped")
}

func (s *Scheduler) run(name string, r Reloader) {
	ctx, cancel := context.WithTimeout(s.Ctx, s.Timeout)
	defer cancel()

	start := time.Now()
	n, err := r.Reload(ctx)
	if err != nil {
		slog.Error("scheduled reload failed", "task", name, "error", err)
		return
	}
	slog.Debug("scheduled reload complete",
		"task", name,
		"count", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
