// Package schedule runs cron-triggered events and housekeeping jobs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/model"
)

// ErrScheduleNotFound is returned for unknown schedule ids.
var ErrScheduleNotFound = errors.New("schedule not found")

// Publisher delivers fired events, e.g. the bus or the workflow engine.
type Publisher interface {
	Publish(ctx context.Context, event model.Event) error
}

// parser accepts both five and six field expressions plus descriptors like @every 1m.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler manages event schedules and periodic jobs
type Scheduler struct {
	logger    *zap.Logger
	publisher Publisher
	cron      *cron.Cron
	timeout   time.Duration

	mu        sync.RWMutex
	schedules map[string]*model.EventSchedule
	entryIDs  map[string]cron.EntryID
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// New creates a scheduler. timeout bounds each job run.
func New(publisher Publisher, logger *zap.Logger, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithParser(parser),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	}

	return &Scheduler{
		logger:    logger.Named("scheduler"),
		publisher: publisher,
		cron:      cron.New(cronOptions...),
		timeout:   timeout,
		schedules: make(map[string]*model.EventSchedule),
		entryIDs:  make(map[string]cron.EntryID),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("entries", len(s.cron.Entries())))
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// AddFunc runs fn on every tick of expression.
func (s *Scheduler) AddFunc(name, expression string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(expression, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		start := time.Now()
		if err := fn(ctx); err != nil {
			s.logger.Error("Scheduled job failed",
				zap.String("job", name),
				zap.Error(err))
			return
		}
		s.logger.Debug("Scheduled job finished",
			zap.String("job", name),
			zap.Duration("duration", time.Since(start)))
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", name, err)
	}

	s.logger.Info("Added job", zap.String("job", name), zap.String("expression", expression))
	return nil
}

// AddSchedule registers an event schedule.
func (s *Scheduler) AddSchedule(schedule *model.EventSchedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	spec, err := parser.Parse(schedule.Expression)
	if err != nil {
		return &model.ValidationError{Field: "expression", Message: err.Error()}
	}

	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now().UTC()
	}
	next := spec.Next(time.Now())
	schedule.NextRunTime = &next

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[schedule.ID]; ok {
		return &model.ValidationError{Field: "id", Message: fmt.Sprintf("schedule %s already exists", schedule.ID)}
	}

	entryID := s.cron.Schedule(spec, &cronJob{scheduler: s, schedule: schedule, spec: spec})
	s.schedules[schedule.ID] = schedule
	s.entryIDs[schedule.ID] = entryID

	s.logger.Info("Added schedule",
		zap.String("id", schedule.ID),
		zap.String("name", schedule.Name),
		zap.String("expression", schedule.Expression),
		zap.String("event_type", schedule.EventType),
		zap.Time("next_run", next))
	return nil
}

// RemoveSchedule removes a schedule
func (s *Scheduler) RemoveSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entryIDs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}

	s.cron.Remove(entryID)
	delete(s.entryIDs, id)
	delete(s.schedules, id)

	s.logger.Info("Removed schedule", zap.String("id", id))
	return nil
}

// GetSchedule returns a copy of the schedule with id.
func (s *Scheduler) GetSchedule(id string) (*model.EventSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	cp := *schedule
	return &cp, nil
}

// ListSchedules returns copies of all schedules ordered by name.
func (s *Scheduler) ListSchedules() []*model.EventSchedule {
	s.mu.RLock()
	schedules := make([]*model.EventSchedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		cp := *schedule
		schedules = append(schedules, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(schedules, func(i, j int) bool { return schedules[i].Name < schedules[j].Name })
	return schedules
}

// fire publishes the event of schedule for time now.
func (s *Scheduler) fire(schedule *model.EventSchedule, spec cron.Schedule, now time.Time) {
	s.mu.Lock()
	next := spec.Next(now)
	schedule.LastRunTime = &now
	schedule.NextRunTime = &next
	event := schedule.Event(now)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("Failed to publish scheduled event",
			zap.String("id", schedule.ID),
			zap.String("event_type", event.Type),
			zap.Error(err))
		return
	}

	s.logger.Info("Executed schedule",
		zap.String("id", schedule.ID),
		zap.String("name", schedule.Name),
		zap.Time("executed_at", now),
		zap.Time("next_run", next))
}

// cronJob implements cron.Job
type cronJob struct {
	scheduler *Scheduler
	schedule  *model.EventSchedule
	spec      cron.Schedule
}

func (j *cronJob) Run() {
	j.scheduler.fire(j.schedule, j.spec, time.Now())
}
