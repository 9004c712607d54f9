package schedules

import (
	"context"
	"testing"
	"time"

	"github.com/formscan/formscan/internal/app/domain/scan"
	"github.com/formscan/formscan/internal/app/domain/schedule"
	"github.com/formscan/formscan/internal/app/services/scans"
	"github.com/formscan/formscan/internal/app/storage/memory"
)

func validSchedule() schedule.Schedule {
	return schedule.Schedule{
		Name:     "weekly crawl",
		CronExpr: "0 6 * * 1",
		Mode:     scan.ModeSitemaps,
		Sources:  []string{"https://site.example"},
		Enabled:  true,
	}
}

func TestCreateValidation(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*schedule.Schedule)
	}{
		{"empty name", func(s *schedule.Schedule) { s.Name = "  " }},
		{"bad cron", func(s *schedule.Schedule) { s.CronExpr = "every monday" }},
		{"bad mode", func(s *schedule.Schedule) { s.Mode = "pages" }},
		{"no sources", func(s *schedule.Schedule) { s.Sources = nil }},
		{"relative source", func(s *schedule.Schedule) { s.Sources = []string{"/path"} }},
	}
	for _, tc := range cases {
		sch := validSchedule()
		tc.mutate(&sch)
		if _, err := svc.Create(ctx, sch); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestCreateSetsNextRun(t *testing.T) {
	svc := New(memory.New(), nil)

	sch, err := svc.Create(context.Background(), validSchedule())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sch.ID == "" {
		t.Fatal("expected generated id")
	}
	if sch.NextRun == nil || !sch.NextRun.After(time.Now().Add(-time.Minute)) {
		t.Fatalf("next run not computed: %v", sch.NextRun)
	}
}

func TestUpdateRequiresID(t *testing.T) {
	svc := New(memory.New(), nil)
	if _, err := svc.Update(context.Background(), validSchedule()); err == nil {
		t.Fatal("expected error without id")
	}
}

func TestDeleteNotifiesRunner(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	sch, err := svc.Create(ctx, validSchedule())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	drainChanged(svc)

	if err := svc.Delete(ctx, sch.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	select {
	case <-svc.changed:
	default:
		t.Fatal("expected change notification after delete")
	}

	if err := svc.Delete(ctx, sch.ID); err == nil {
		t.Fatal("expected error deleting twice")
	}
}

func drainChanged(svc *Service) {
	select {
	case <-svc.changed:
	default:
	}
}

func TestRunnerSyncAndFire(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	scanSvc := scans.New(store, store, scans.NewHub(), nil)
	runner := NewRunner(svc, scanSvc, nil)
	ctx := context.Background()

	sch, err := svc.Create(ctx, validSchedule())
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	disabled := validSchedule()
	disabled.Name = "disabled"
	disabled.Enabled = false
	if _, err := svc.Create(ctx, disabled); err != nil {
		t.Fatalf("create disabled schedule: %v", err)
	}

	if err := runner.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer runner.Stop(ctx)

	runner.mu.Lock()
	registered := len(runner.entries)
	runner.mu.Unlock()
	if registered != 1 {
		t.Fatalf("expected 1 registered schedule, got %d", registered)
	}

	runner.fire(ctx, sch.ID)

	list, err := scanSvc.List(ctx)
	if err != nil {
		t.Fatalf("list scans: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 scan created, got %d", len(list))
	}
	if list[0].Mode != scan.ModeSitemaps {
		t.Fatalf("unexpected scan mode %s", list[0].Mode)
	}

	updated, err := svc.Get(ctx, sch.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if updated.LastRun == nil {
		t.Fatal("expected last run recorded")
	}
	if updated.NextRun == nil || !updated.NextRun.After(*updated.LastRun) {
		t.Fatalf("next run not advanced: %v", updated.NextRun)
	}
}

func TestRunnerFireSkipsDisabled(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	scanSvc := scans.New(store, store, scans.NewHub(), nil)
	runner := NewRunner(svc, scanSvc, nil)
	ctx := context.Background()

	sch := validSchedule()
	sch.Enabled = false
	created, err := svc.Create(ctx, sch)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	runner.fire(ctx, created.ID)

	list, _ := scanSvc.List(ctx)
	if len(list) != 0 {
		t.Fatalf("disabled schedule should not create scans, got %d", len(list))
	}
}
