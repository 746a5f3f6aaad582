// Package scheduler runs periodic maintenance, such as history retention,
// on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Task is a named job run on a cron schedule.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)
}

// Scheduler fires registered tasks on their schedules.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether expr is a schedule the scheduler accepts.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return nil
}

// New creates an idle Scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a task. Tasks can be added before or after Start.
func (s *Scheduler) Add(task Task) error {
	_, err := s.cron.AddFunc(task.Schedule, func() {
		s.logger.Info("cron firing task", "name", task.Name)
		task.Run(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", task.Name, err)
	}
	s.logger.Info("scheduled task", "name", task.Name, "schedule", task.Schedule)
	return nil
}

// Start starts the cron ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron ticker, cancels running tasks and waits for them to
// return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
