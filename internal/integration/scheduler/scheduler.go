package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbridge/medbridge/internal/integration/syncer"
	"github.com/medbridge/medbridge/internal/platform/store"
)

// Task is one scheduled sync.
type Task struct {
	ID            string           `json:"id"`
	ConfigID      string           `json:"configId"`
	ResourceType  string           `json:"resourceType"`
	Direction     syncer.Direction `json:"direction"`
	Schedule      Schedule         `json:"schedule"`
	Enabled       bool             `json:"enabled"`
	LastRun       *time.Time       `json:"lastRun,omitempty"`
	NextRun       time.Time        `json:"nextRun"`
	RunsCompleted int              `json:"runsCompleted"`
	RunsFailed    int              `json:"runsFailed"`

	// gen invalidates queued timer entries when the task changes.
	gen int
}

// RunFunc executes the sync a fired task describes.
type RunFunc func(ctx context.Context, task Task) error

// Scheduler fires tasks from a time-ordered queue. Sleeps are capped so a
// far-future next run re-arms instead of overflowing a timer.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*Task
	queue entryHeap
	wake  chan struct{}

	run      RunFunc
	maxSleep time.Duration
	store    store.Store
	logger   zerolog.Logger
	now      func() time.Time
}

type entry struct {
	taskID string
	at     time.Time
	gen    int
}

type entryHeap []entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// New creates a Scheduler. maxSleep caps a single wait; 0 means 24h.
func New(run RunFunc, maxSleep time.Duration, st store.Store, logger zerolog.Logger) *Scheduler {
	if maxSleep <= 0 {
		maxSleep = 24 * time.Hour
	}
	return &Scheduler{
		tasks:    map[string]*Task{},
		wake:     make(chan struct{}, 1),
		run:      run,
		maxSleep: maxSleep,
		store:    st,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
	}
}

// Add registers a task and arms it if enabled. A missing id is generated.
func (s *Scheduler) Add(task Task) (*Task, error) {
	if task.ConfigID == "" || task.ResourceType == "" {
		return nil, fmt.Errorf("scheduler: task needs configId and resourceType")
	}
	if err := task.Schedule.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Direction == "" {
		task.Direction = syncer.DirectionBidirectional
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return nil, fmt.Errorf("scheduler: task %s already exists", task.ID)
	}

	t := task
	if t.Enabled {
		t.NextRun = t.Schedule.NextRun(s.now())
		s.arm(&t)
	}
	s.tasks[t.ID] = &t
	s.persistLocked(&t)

	out := t
	return &out, nil
}

// arm queues the task's next firing. Callers hold s.mu.
func (s *Scheduler) arm(t *Task) {
	t.gen++
	heap.Push(&s.queue, entry{taskID: t.ID, at: t.NextRun, gen: t.gen})
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Update replaces a task's schedule and direction, re-arming its timer.
func (s *Scheduler) Update(id string, schedule Schedule, direction syncer.Direction) (*Task, error) {
	if err := schedule.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("scheduler: task %s not found", id)
	}

	t.Schedule = schedule
	if direction != "" {
		t.Direction = direction
	}
	if t.Enabled {
		t.NextRun = t.Schedule.NextRun(s.now())
		s.arm(t)
	} else {
		t.gen++
	}
	s.persistLocked(t)

	out := *t
	return &out, nil
}

// SetEnabled enables or disables a task. Enabling re-arms the timer;
// disabling cancels it.
func (s *Scheduler) SetEnabled(id string, enabled bool) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("scheduler: task %s not found", id)
	}

	if t.Enabled == enabled {
		out := *t
		return &out, nil
	}

	t.Enabled = enabled
	if enabled {
		t.NextRun = t.Schedule.NextRun(s.now())
		s.arm(t)
	} else {
		t.gen++
	}
	s.persistLocked(t)

	out := *t
	return &out, nil
}

// Delete removes a task and cancels its timer.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		t.gen++
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("scheduler: task %s not found", id)
	}
	if s.store != nil {
		return s.store.Delete(ctx, "schedule:"+id)
	}
	return nil
}

// Task returns a copy of one task.
func (s *Scheduler) Task(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	out := *t
	return &out, true
}

// Tasks lists all tasks ordered by id.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run drives the queue until ctx is done. Each wait is capped at maxSleep;
// a capped wait simply re-evaluates the queue when it elapses.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info().Dur("max_sleep", s.maxSleep).Msg("scheduler started")

	for {
		wait, task := s.nextDue()
		if task != nil {
			// Runs fire concurrently; the orchestrator's single-flight guard
			// keeps same-pair runs from overlapping.
			go s.execute(ctx, *task)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nextDue pops the earliest live queue entry. When it is due, the owning task
// is returned for execution; otherwise the capped wait until it fires is
// returned and the entry is requeued.
func (s *Scheduler) nextDue() (time.Duration, *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for s.queue.Len() > 0 {
		e := s.queue[0]
		t, ok := s.tasks[e.taskID]
		if !ok || !t.Enabled || t.gen != e.gen {
			heap.Pop(&s.queue)
			continue
		}

		if e.at.After(now) {
			wait := e.at.Sub(now)
			if wait > s.maxSleep {
				wait = s.maxSleep
			}
			return wait, nil
		}

		heap.Pop(&s.queue)
		out := *t
		return 0, &out
	}

	return s.maxSleep, nil
}

// execute runs one firing, updates counters, and reschedules. A once task
// disables itself instead of rescheduling.
func (s *Scheduler) execute(ctx context.Context, task Task) {
	logger := s.logger.With().
		Str("task_id", task.ID).
		Str("config_id", task.ConfigID).
		Str("resource_type", task.ResourceType).
		Logger()
	logger.Info().Msg("scheduled sync firing")

	err := s.run(ctx, task)

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[task.ID]
	if !ok {
		return
	}

	now := s.now()
	t.LastRun = &now
	if err != nil {
		t.RunsFailed++
		logger.Warn().Err(err).Msg("scheduled sync failed")
	} else {
		t.RunsCompleted++
	}

	if t.Schedule.Type == TypeOnce {
		t.Enabled = false
		t.gen++
	} else if t.Enabled {
		t.NextRun = t.Schedule.NextRun(now)
		s.arm(t)
	}
	s.persistLocked(t)
}

// persistLocked writes the task through the store. Callers hold s.mu.
func (s *Scheduler) persistLocked(t *Task) {
	if s.store == nil {
		return
	}
	b, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := s.store.Put(context.Background(), "schedule:"+t.ID, b); err != nil {
		s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("failed to persist task")
	}
}

// Load restores persisted tasks and re-arms the enabled ones. Next runs in
// the past are recomputed from now.
func (s *Scheduler) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	entries, err := s.store.List(ctx, "schedule:")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, raw := range entries {
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("skipping unreadable task")
			continue
		}
		if t.Enabled && !t.NextRun.After(s.now()) {
			t.NextRun = t.Schedule.NextRun(s.now())
		}
		task := t
		s.tasks[task.ID] = &task
		if task.Enabled {
			s.arm(&task)
		}
	}

	s.logger.Info().Int("tasks", len(s.tasks)).Msg("schedules restored")
	return nil
}
