// Package schedules manages recurring scan definitions and runs them on
// their cron expressions.
package schedules

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/formscan/formscan/internal/app/domain/schedule"
	"github.com/formscan/formscan/internal/app/domain/scan"
	"github.com/formscan/formscan/internal/app/storage"
	"github.com/formscan/formscan/pkg/logger"
)

// ErrInvalidSchedule marks schedules rejected by validation, as opposed to
// storage failures.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Service manages schedule definitions.
type Service struct {
	store storage.ScheduleStore
	log   *logger.Logger

	// changed wakes the runner so edits take effect without waiting for
	// the resync ticker.
	changed chan struct{}
}

// New creates a schedule service.
func New(store storage.ScheduleStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("schedules")
	}
	return &Service{store: store, log: log, changed: make(chan struct{}, 1)}
}

// Create validates and stores a schedule.
func (s *Service) Create(ctx context.Context, sch schedule.Schedule) (schedule.Schedule, error) {
	if err := validate(&sch); err != nil {
		return schedule.Schedule{}, err
	}
	if next, err := nextRun(sch.CronExpr, time.Now()); err == nil {
		sch.NextRun = &next
	}

	stored, err := s.store.CreateSchedule(ctx, sch)
	if err != nil {
		return schedule.Schedule{}, err
	}
	s.notify()
	s.log.WithField("schedule_id", stored.ID).
		WithField("cron", stored.CronExpr).
		Info("schedule created")
	return stored, nil
}

// Update validates and replaces a schedule.
func (s *Service) Update(ctx context.Context, sch schedule.Schedule) (schedule.Schedule, error) {
	if strings.TrimSpace(sch.ID) == "" {
		return schedule.Schedule{}, fmt.Errorf("%w: schedule id is required", ErrInvalidSchedule)
	}
	if err := validate(&sch); err != nil {
		return schedule.Schedule{}, err
	}
	if next, err := nextRun(sch.CronExpr, time.Now()); err == nil {
		sch.NextRun = &next
	}

	stored, err := s.store.UpdateSchedule(ctx, sch)
	if err != nil {
		return schedule.Schedule{}, err
	}
	s.notify()
	return stored, nil
}

// Get fetches a schedule.
func (s *Service) Get(ctx context.Context, id string) (schedule.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// List returns all schedules.
func (s *Service) List(ctx context.Context) ([]schedule.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// Delete removes a schedule.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.notify()
	s.log.WithField("schedule_id", id).Info("schedule deleted")
	return nil
}

func (s *Service) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func validate(sch *schedule.Schedule) error {
	sch.Name = strings.TrimSpace(sch.Name)
	if sch.Name == "" {
		return fmt.Errorf("%w: schedule name is required", ErrInvalidSchedule)
	}
	sch.CronExpr = strings.TrimSpace(sch.CronExpr)
	if _, err := cron.ParseStandard(sch.CronExpr); err != nil {
		return fmt.Errorf("%w: cron expression %q: %v", ErrInvalidSchedule, sch.CronExpr, err)
	}

	switch sch.Mode {
	case scan.ModeSitemaps, scan.ModeURLs:
	default:
		return fmt.Errorf("%w: unsupported scan mode %q", ErrInvalidSchedule, sch.Mode)
	}

	cleaned := make([]string, 0, len(sch.Sources))
	for _, src := range sch.Sources {
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		parsed, err := url.Parse(src)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%w: source %q is not an absolute url", ErrInvalidSchedule, src)
		}
		cleaned = append(cleaned, src)
	}
	if len(cleaned) == 0 {
		return fmt.Errorf("%w: at least one source url is required", ErrInvalidSchedule)
	}
	sch.Sources = cleaned
	return nil
}

func nextRun(expr string, from time.Time) (time.Time, error) {
	parsed, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.Next(from).UTC(), nil
}
