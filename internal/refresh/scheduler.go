// Package refresh drives the periodic cache refreshes. Each registered task
// runs on its own period; repeated failures push the next attempt out with
// exponential backoff instead of hammering a broken upstream.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one periodic refresh registration.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(context.Context) error

	backoff Backoff
	lastRun time.Time
}

// Config holds scheduler configuration.
type Config struct {
	Interval    time.Duration // base tick cadence (default 1s)
	BackoffBase time.Duration // delay after the first failure (default 30s)
	BackoffMax  time.Duration // delay ceiling (default 15m)
	BackoffCap  int           // failure count ceiling (default 6)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    1 * time.Second,
		BackoffBase: 30 * time.Second,
		BackoffMax:  15 * time.Minute,
		BackoffCap:  6,
	}
}

// Scheduler runs registered refresh tasks on their periods.
// Tasks run sequentially on the scheduler goroutine; a slow refresh delays
// the others but a second refresh of the same data can never overlap it.
type Scheduler struct {
	config Config

	mu    sync.Mutex
	tasks []*Task
}

// New creates a Scheduler.
func New(config Config) *Scheduler {
	def := DefaultConfig()
	if config.Interval == 0 {
		config.Interval = def.Interval
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = def.BackoffBase
	}
	if config.BackoffMax == 0 {
		config.BackoffMax = def.BackoffMax
	}
	if config.BackoffCap == 0 {
		config.BackoffCap = def.BackoffCap
	}
	return &Scheduler{config: config}
}

// Register adds a task. The first run happens on the first tick after Every
// has elapsed; callers wanting warm caches at boot trigger one themselves.
func (s *Scheduler) Register(name string, every time.Duration, run func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &Task{
		Name:  name,
		Every: every,
		Run:   run,
		backoff: Backoff{
			Base:        s.config.BackoffBase,
			Max:         s.config.BackoffMax,
			CapFailures: s.config.BackoffCap,
		},
	})
}

// Run starts the scheduler loop. It blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("refresh scheduler started", "interval", s.config.Interval)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("refresh scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx, false)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, force bool) {
	s.mu.Lock()
	tasks := make([]*Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	now := time.Now()
	for _, t := range tasks {
		if !force && now.Sub(t.lastRun) < t.Every {
			continue
		}
		if !t.backoff.Allowed(now) {
			slog.Debug("refresh held by backoff",
				"task", t.Name,
				"failures", t.backoff.Failures(),
				"next_allowed_at", t.backoff.NextAllowedAt(),
			)
			continue
		}
		t.lastRun = now
		if err := t.Run(ctx); err != nil {
			t.backoff.Failure(time.Now())
			slog.Warn("refresh failed",
				"task", t.Name,
				"error", err,
				"failures", t.backoff.Failures(),
				"retry_after", t.backoff.Delay(),
			)
			continue
		}
		t.backoff.Success()
	}
}

// RunOnce executes a single forced tick. Useful for testing.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.tick(ctx, true)
}

// TaskStatus describes one task for the diagnostic surface.
type TaskStatus struct {
	Name          string    `json:"name"`
	Every         string    `json:"every"`
	LastRun       time.Time `json:"last_run"`
	Failures      int       `json:"failures"`
	NextAllowedAt time.Time `json:"next_allowed_at,omitempty"`
}

// Status returns the state of every registered task.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskStatus{
			Name:          t.Name,
			Every:         t.Every.String(),
			LastRun:       t.lastRun,
			Failures:      t.backoff.Failures(),
			NextAllowedAt: t.backoff.NextAllowedAt(),
		})
	}
	return out
}
