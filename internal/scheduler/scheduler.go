// Package scheduler fires due tasks on a periodic tick, synthesizing inbound
// envelopes on the bus. Missed firings collapse: a task due multiple times
// while the process was down fires once on recovery.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/storage"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// SenderID marks synthetic envelopes emitted by the scheduler.
const SenderID = "scheduler"

// Config holds the scheduler dependencies.
type Config struct {
	Store  *storage.Store
	Bus    *bus.Bus
	Logger *slog.Logger
	Tick   time.Duration // defaults to 1 second if zero

	// OnDispatch receives the per-task dispatch delay for telemetry.
	OnDispatch func(delay time.Duration)
}

// Scheduler periodically queries the store for due tasks and emits one
// synthetic inbound envelope per firing.
type Scheduler struct {
	store      *storage.Store
	bus        *bus.Bus
	logger     *slog.Logger
	tick       time.Duration
	onDispatch func(delay time.Duration)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler with the given config.
func New(cfg Config) *Scheduler {
	tick := cfg.Tick
	if tick <= 0 {
		tick = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      cfg.Store,
		bus:        cfg.Bus,
		logger:     logger,
		tick:       tick,
		onDispatch: cfg.OnDispatch,
	}
}

// Start begins the tick loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "tick", s.tick)
}

// Stop cancels the tick loop and waits for it to exit. Idempotent.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.TickOnce(ctx)
		}
	}
}

// TickOnce runs one scheduler pass: find due tasks, checkpoint each, and
// emit its synthetic inbound envelope.
func (s *Scheduler) TickOnce(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: query due tasks", "error", err)
		return
	}
	for _, task := range due {
		s.fire(ctx, task, now)
	}
}

// fire checkpoints the task past this firing, then publishes the synthetic
// inbound. The checkpoint happens before dispatch so a crash between the two
// never double-fires.
func (s *Scheduler) fire(ctx context.Context, task storage.Task, now time.Time) {
	next, done, err := NextRun(task.ScheduleType, task.ScheduleValue, now)
	if err != nil {
		s.logger.Error("scheduler: compute next run", "task_id", task.ID, "error", err)
		if stErr := s.store.SetTaskStatus(ctx, task.ID, storage.TaskStatusPaused, time.Time{}); stErr != nil {
			s.logger.Error("scheduler: pause broken task", "task_id", task.ID, "error", stErr)
		}
		return
	}

	runID, err := s.store.CheckpointTaskFire(ctx, task.ID, next, done, now)
	if err != nil {
		s.logger.Error("scheduler: checkpoint task", "task_id", task.ID, "error", err)
		return
	}

	chat, err := s.store.GetChatByID(ctx, task.ChatFk)
	if err != nil {
		s.logger.Error("scheduler: load task chat", "task_id", task.ID, "error", err)
		if frErr := s.store.FinishTaskRun(ctx, runID, false, err.Error(), time.Now()); frErr != nil {
			s.logger.Error("scheduler: finish task run", "run_id", runID, "error", frErr)
		}
		return
	}

	env := bus.Envelope{
		Channel:   chat.Channel,
		ChatID:    chat.ChatID,
		SenderID:  SenderID,
		Content:   task.Prompt,
		CreatedAt: now,
		Metadata: map[string]any{
			bus.MetaIsScheduledTask: true,
			bus.MetaTaskID:          task.ID,
			bus.MetaContextMode:     task.ContextMode,
			bus.MetaChatFk:          task.ChatFk,
		},
	}
	if _, err := s.bus.PublishInbound(ctx, env); err != nil {
		s.logger.Error("scheduler: publish synthetic inbound", "task_id", task.ID, "error", err)
		if frErr := s.store.FinishTaskRun(ctx, runID, false, err.Error(), time.Now()); frErr != nil {
			s.logger.Error("scheduler: finish task run", "run_id", runID, "error", frErr)
		}
		return
	}
	if err := s.store.FinishTaskRun(ctx, runID, true, "", time.Now()); err != nil {
		s.logger.Error("scheduler: finish task run", "run_id", runID, "error", err)
	}

	delay := now.Sub(task.NextRunAt)
	if delay < 0 {
		delay = 0
	}
	if s.onDispatch != nil {
		s.onDispatch(delay)
	}
	s.logger.Info("scheduler: task fired",
		"task_id", task.ID, "run_id", runID, "delay_ms", delay.Milliseconds(), "next_run_at", next)
}

// NextRun computes the run time after now for a schedule. done is true for
// once-schedules, whose tasks move to status done.
func NextRun(scheduleType, scheduleValue string, now time.Time) (next time.Time, done bool, err error) {
	switch scheduleType {
	case storage.ScheduleCron:
		sched, err := cronParser.Parse(scheduleValue)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron %q: %w", scheduleValue, err)
		}
		return sched.Next(now), false, nil
	case storage.ScheduleInterval:
		ms, err := strconv.Atoi(scheduleValue)
		if err != nil || ms <= 0 {
			return time.Time{}, false, fmt.Errorf("bad interval %q", scheduleValue)
		}
		return now.Add(time.Duration(ms) * time.Millisecond), false, nil
	case storage.ScheduleOnce:
		return time.Time{}, true, nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// FirstRun computes the initial next_run_at for a newly created task.
func FirstRun(scheduleType, scheduleValue string, now time.Time) (time.Time, error) {
	switch scheduleType {
	case storage.ScheduleCron:
		sched, err := cronParser.Parse(scheduleValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron %q: %w", scheduleValue, err)
		}
		return sched.Next(now), nil
	case storage.ScheduleInterval:
		ms, err := strconv.Atoi(scheduleValue)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("bad interval %q", scheduleValue)
		}
		return now.Add(time.Duration(ms) * time.Millisecond), nil
	case storage.ScheduleOnce:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad once timestamp %q", scheduleValue)
		}
		return time.UnixMilli(ms), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}
