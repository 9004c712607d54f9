package schedules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/formscan/formscan/internal/app/domain/schedule"
	"github.com/formscan/formscan/internal/app/services/scans"
	"github.com/formscan/formscan/pkg/logger"
)

// resyncPeriod bounds how stale the cron table can get if a change
// notification is missed.
const resyncPeriod = time.Minute

// Runner keeps a cron scheduler in sync with the stored schedules and
// creates a scan whenever one fires.
type Runner struct {
	svc       *Service
	scans     *scans.Service
	log       *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cronEntry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

type cronEntry struct {
	id   cron.EntryID
	expr string
}

// NewRunner creates a schedule runner.
func NewRunner(svc *Service, scanSvc *scans.Service, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault("schedule-runner")
	}
	return &Runner{
		svc:     svc,
		scans:   scanSvc,
		log:     log,
		entries: make(map[string]cronEntry),
	}
}

// Name implements system.Service.
func (r *Runner) Name() string { return "schedule-runner" }

// Start loads the stored schedules into a cron scheduler and keeps it in
// sync as they change.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("schedule runner already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.cron = cron.New()
	r.running = true

	if err := r.syncLocked(runCtx); err != nil {
		r.log.WithError(err).Warn("initial schedule sync failed")
	}
	r.cron.Start()

	r.wg.Add(1)
	go r.watch(runCtx)

	r.log.WithField("schedules", len(r.entries)).Info("schedule runner started")
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	r.cancel = nil
	c := r.cron
	r.cron = nil
	r.entries = make(map[string]cronEntry)
	r.mu.Unlock()

	cancel()
	cronDone := c.Stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		<-cronDone.Done()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) watch(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(resyncPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.svc.changed:
		case <-ticker.C:
		}
		r.mu.Lock()
		if r.running {
			if err := r.syncLocked(ctx); err != nil {
				r.log.WithError(err).Warn("schedule sync failed")
			}
		}
		r.mu.Unlock()
	}
}

// syncLocked reconciles the cron table with the store: changed expressions
// are re-registered, deleted or disabled schedules are removed.
func (r *Runner) syncLocked(ctx context.Context) error {
	stored, err := r.svc.List(ctx)
	if err != nil {
		return err
	}

	want := make(map[string]schedule.Schedule, len(stored))
	for _, sch := range stored {
		if sch.Enabled {
			want[sch.ID] = sch
		}
	}

	for id, entry := range r.entries {
		sch, keep := want[id]
		if keep && sch.CronExpr == entry.expr {
			delete(want, id)
			continue
		}
		r.cron.Remove(entry.id)
		delete(r.entries, id)
	}

	for id, sch := range want {
		scheduleID := id
		entryID, err := r.cron.AddFunc(sch.CronExpr, func() {
			r.fire(ctx, scheduleID)
		})
		if err != nil {
			r.log.WithError(err).WithField("schedule_id", id).Error("register schedule")
			continue
		}
		r.entries[id] = cronEntry{id: entryID, expr: sch.CronExpr}
	}
	return nil
}

// fire creates the scheduled scan. The schedule is re-read so edits between
// sync and fire are honored.
func (r *Runner) fire(ctx context.Context, scheduleID string) {
	sch, err := r.svc.Get(ctx, scheduleID)
	if err != nil {
		r.log.WithError(err).WithField("schedule_id", scheduleID).Warn("fired schedule no longer exists")
		return
	}
	if !sch.Enabled {
		return
	}

	sc, err := r.scans.Create(ctx, sch.Mode, sch.Sources, sch.Params)
	if err != nil {
		r.log.WithError(err).WithField("schedule_id", scheduleID).Error("create scheduled scan")
		return
	}

	now := time.Now().UTC()
	sch.LastRun = &now
	if next, err := nextRun(sch.CronExpr, now); err == nil {
		sch.NextRun = &next
	}
	if _, err := r.svc.store.UpdateSchedule(ctx, sch); err != nil {
		r.log.WithError(err).WithField("schedule_id", scheduleID).Warn("record schedule run")
	}

	r.log.WithField("schedule_id", scheduleID).
		WithField("scan_id", sc.ID).
		Info("scheduled scan created")
}
