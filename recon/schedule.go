package recon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Schedule is a recurring reconciliation between two trees.
type Schedule struct {
	ID        string
	Name      string
	CronExpr  string
	Src       Context
	Dst       Context
	Excludes  []string
	Direction Direction

	LastRun   time.Time
	NextRun   time.Time
	RunCount  int
	FailCount int
	CreatedAt time.Time
}

// Runner executes one reconciliation pass for a schedule.
type Runner interface {
	RunSync(ctx context.Context, sch Schedule) error
}

// CronScheduler fires schedules on their cron expressions.
type CronScheduler struct {
	mu        sync.RWMutex
	cron      *cron.Cron
	schedules map[string]*Schedule
	entries   map[string]cron.EntryID
	runner    Runner
	log       *slog.Logger
	running   bool
}

// NewCronScheduler creates a scheduler that hands due schedules to the
// given runner.
func NewCronScheduler(runner Runner, log *slog.Logger) *CronScheduler {
	return &CronScheduler{
		cron:      cron.New(),
		schedules: make(map[string]*Schedule),
		entries:   make(map[string]cron.EntryID),
		runner:    runner,
		log:       log,
	}
}

// Start begins firing schedules.
func (s *CronScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sync scheduler already running")
	}
	s.cron.Start()
	s.running = true
	return nil
}

// Stop halts firing and waits for in-flight runs started by the cron to
// finish.
func (s *CronScheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("sync scheduler not running")
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	return nil
}

// Add registers a schedule. A missing ID is filled in; the cron
// expression is validated before anything is stored.
func (s *CronScheduler) Add(sch *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sch.ID == "" {
		sch.ID = uuid.New().String()
	}
	if _, exists := s.schedules[sch.ID]; exists {
		return fmt.Errorf("schedule %s already exists", sch.ID)
	}

	cronSchedule, err := cron.ParseStandard(sch.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	now := time.Now()
	sch.CreatedAt = now
	sch.NextRun = cronSchedule.Next(now)

	id := sch.ID
	entryID, err := s.cron.AddFunc(sch.CronExpr, func() {
		s.fire(id)
	})
	if err != nil {
		return fmt.Errorf("failed to register schedule: %w", err)
	}

	s.schedules[sch.ID] = sch
	s.entries[sch.ID] = entryID
	s.log.Info("sync schedule added", "id", sch.ID, "name", sch.Name, "cron", sch.CronExpr)
	return nil
}

// Remove deletes a schedule.
func (s *CronScheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[id]; !exists {
		return fmt.Errorf("schedule %s not found", id)
	}
	s.cron.Remove(s.entries[id])
	delete(s.schedules, id)
	delete(s.entries, id)
	return nil
}

// Get returns a copy of one schedule.
func (s *CronScheduler) Get(id string) (Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sch, exists := s.schedules[id]
	if !exists {
		return Schedule{}, fmt.Errorf("schedule %s not found", id)
	}
	return *sch, nil
}

// List returns copies of all schedules.
func (s *CronScheduler) List() []Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		out = append(out, *sch)
	}
	return out
}

// RunNow fires a schedule outside its cron cadence.
func (s *CronScheduler) RunNow(id string) error {
	s.mu.RLock()
	_, exists := s.schedules[id]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("schedule %s not found", id)
	}
	go s.fire(id)
	return nil
}

func (s *CronScheduler) fire(id string) {
	s.mu.Lock()
	sch, exists := s.schedules[id]
	if !exists {
		s.mu.Unlock()
		return
	}
	snap := *sch
	s.mu.Unlock()

	err := s.runner.RunSync(context.Background(), snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	sch, exists = s.schedules[id]
	if !exists {
		return
	}
	now := time.Now()
	sch.LastRun = now
	sch.RunCount++
	if cronSchedule, perr := cron.ParseStandard(sch.CronExpr); perr == nil {
		sch.NextRun = cronSchedule.Next(now)
	}
	if err != nil {
		sch.FailCount++
		s.log.Error("sync schedule run failed", "id", id, "name", sch.Name, "error", err)
		return
	}
	s.log.Info("sync schedule run completed", "id", id, "name", sch.Name, "runs", sch.RunCount)
}
