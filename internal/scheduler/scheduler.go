// Package scheduler runs cron-scheduled housekeeping: scratch cleanup, segment
// audio pruning and stream discovery.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskFunc is one housekeeping pass.
type TaskFunc func(ctx context.Context) error

// TaskStatus reports the last outcome and next run of a task.
type TaskStatus struct {
	Name      string        `json:"name"`
	Schedule  string        `json:"schedule"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	Duration  time.Duration `json:"duration"`
	LastError string        `json:"last_error,omitempty"`
	Runs      int64         `json:"runs"`
	NextRun   time.Time     `json:"next_run,omitempty"`
}

type task struct {
	name     string
	schedule string
	run      TaskFunc
	entry    cron.EntryID

	mu       sync.Mutex
	running  bool
	lastRun  time.Time
	duration time.Duration
	lastErr  error
	runs     int64
}

// Scheduler runs named tasks on cron expressions. Expressions accept an
// optional leading seconds field and descriptors such as "@every 30s".
type Scheduler struct {
	mu sync.RWMutex

	cron   *cron.Cron
	parser cron.Parser
	tasks  map[string]*task
	logger *slog.Logger

	// Running state
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// NewScheduler creates a stopped scheduler.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		parser:  parser,
		tasks:   make(map[string]*task),
		logger:  slog.Default(),
		timeout: 5 * time.Minute,
	}
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// WithTaskTimeout bounds a single task run.
func (s *Scheduler) WithTaskTimeout(d time.Duration) *Scheduler {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Add registers a task. It may be called before or after Start.
func (s *Scheduler) Add(name, schedule string, run TaskFunc) error {
	if _, err := s.parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("task %s already registered", name)
	}
	t := &task{name: name, schedule: schedule, run: run}
	id, err := s.cron.AddFunc(schedule, func() { s.execute(t) })
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", name, err)
	}
	t.entry = id
	s.tasks[name] = t
	return nil
}

// Start begins running scheduled tasks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()

	s.logger.Info("scheduler started", slog.Int("tasks", len(s.tasks)))
	return nil
}

// Stop stops scheduling and waits for running tasks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// RunNow runs a task immediately and returns its error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	t, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown task %s", name)
	}
	return s.runTask(ctx, t)
}

func (s *Scheduler) execute(t *task) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx == nil {
		return
	}
	if err := s.runTask(ctx, t); err != nil && ctx.Err() == nil {
		s.logger.Error("housekeeping task failed",
			slog.String("task", t.name),
			slog.Any("error", err))
	}
}

// runTask runs t unless a previous run is still in progress.
func (s *Scheduler) runTask(ctx context.Context, t *task) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		s.logger.Debug("skipping overlapping run", slog.String("task", t.name))
		return nil
	}
	t.running = true
	t.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := t.run(runCtx)
	elapsed := time.Since(start)

	t.mu.Lock()
	t.running = false
	t.lastRun = start
	t.duration = elapsed
	t.lastErr = err
	t.runs++
	t.mu.Unlock()

	s.logger.Debug("housekeeping task finished",
		slog.String("task", t.name),
		slog.Duration("duration", elapsed))
	return err
}

// Status returns every task's state, sorted by name.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.mu.Lock()
		st := TaskStatus{
			Name:     t.name,
			Schedule: t.schedule,
			LastRun:  t.lastRun,
			Duration: t.duration,
			Runs:     t.runs,
			NextRun:  s.cron.Entry(t.entry).Next,
		}
		if t.lastErr != nil {
			st.LastError = t.lastErr.Error()
		}
		t.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParseCron validates a cron expression and returns the next run time.
func (s *Scheduler) ParseCron(expr string) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(time.Now()), nil
}

// ValidateCron validates a cron expression.
func (s *Scheduler) ValidateCron(expr string) error {
	_, err := s.parser.Parse(expr)
	return err
}
