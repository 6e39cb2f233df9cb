package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/firestorm-team/funnelbot/internal/bot/tasks"
	"github.com/firestorm-team/funnelbot/internal/config"
)

// gocronLogger adapts gocron's internal logging onto slog.
type gocronLogger struct {
	log *slog.Logger
}

func (l gocronLogger) Debug(msg string, args ...any) { l.log.Debug(msg, args...) }
func (l gocronLogger) Error(msg string, args ...any) { l.log.Error(msg, args...) }
func (l gocronLogger) Info(msg string, args ...any)  { l.log.Info(msg, args...) }
func (l gocronLogger) Warn(msg string, args ...any)  { l.log.Warn(msg, args...) }

// Scheduler runs the housekeeping tasks on their configured cron schedules
// using gocron. An empty schedule disables the task.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	cfg       *config.TasksConfig
	taskMap   map[string]tasks.ScheduledTaskFunc
	mu        sync.Mutex
	running   bool
}

// NewScheduler creates a scheduler instance for the registered tasks.
func NewScheduler(logger *slog.Logger, cfg *config.TasksConfig, taskMap map[string]tasks.ScheduledTaskFunc) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "scheduler")

	s, err := gocron.NewScheduler(gocron.WithLogger(gocronLogger{log: log}))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: s,
		logger:    log,
		cfg:       cfg,
		taskMap:   taskMap,
	}, nil
}

// Start schedules all configured tasks and starts the scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	schedules := map[string]string{
		"sql_maintenance": s.cfg.SQLMaintenance,
		"stage_sync":      s.cfg.StageSync,
		"resume_sweep":    s.cfg.ResumeSweep,
	}

	scheduled := 0
	for taskName, cron := range schedules {
		if cron == "" {
			s.logger.Info("task disabled by empty schedule", "task_name", taskName)
			continue
		}
		taskFunc, exists := s.taskMap[taskName]
		if !exists {
			s.logger.Warn("task configured but not registered, skipping", "task_name", taskName)
			continue
		}

		_, err := s.scheduler.NewJob(
			gocron.CronJob(cron, false),
			gocron.NewTask(
				func(ctx context.Context, name string) {
					s.logger.Info("running scheduled task", "task_name", name)
					start := time.Now()
					if taskErr := taskFunc(ctx); taskErr != nil {
						s.logger.Error("scheduled task failed", "task_name", name, "error", taskErr)
					}
					s.logger.Info("finished scheduled task", "task_name", name, "duration", time.Since(start))
				},
				context.Background(),
				taskName,
			),
			gocron.WithName(taskName),
		)
		if err != nil {
			s.logger.Error("failed to schedule task", "task_name", taskName, "schedule", cron, "error", err)
			continue
		}

		s.logger.Info("scheduled task", "task_name", taskName, "schedule", cron)
		scheduled++
	}

	s.scheduler.Start()
	s.running = true
	s.logger.Info("scheduler started", "job_count", scheduled)
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down scheduler: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}
