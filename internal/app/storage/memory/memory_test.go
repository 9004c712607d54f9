package memory

import (
	"context"
	"testing"
	"time"

	"github.com/formscan/formscan/internal/app/domain/form"
	"github.com/formscan/formscan/internal/app/domain/mapping"
	"github.com/formscan/formscan/internal/app/domain/scan"
	"github.com/formscan/formscan/internal/app/domain/schedule"
)

func TestScanLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	sc, err := store.CreateScan(ctx, scan.Scan{
		Mode:    scan.ModeSitemaps,
		Sources: []string{"https://site.example"},
		Status:  scan.StatusPending,
	})
	if err != nil {
		t.Fatalf("create scan: %v", err)
	}
	if sc.ID == "" {
		t.Fatal("expected generated scan id")
	}
	if sc.CreatedAt.IsZero() {
		t.Fatal("expected created timestamp")
	}

	sc.Status = scan.StatusRunning
	updated, err := store.UpdateScan(ctx, sc)
	if err != nil {
		t.Fatalf("update scan: %v", err)
	}
	if updated.Status != scan.StatusRunning {
		t.Fatalf("expected running, got %s", updated.Status)
	}

	fetched, err := store.GetScan(ctx, sc.ID)
	if err != nil {
		t.Fatalf("get scan: %v", err)
	}
	if fetched.Status != scan.StatusRunning {
		t.Fatalf("expected running, got %s", fetched.Status)
	}

	if _, err := store.GetScan(ctx, "missing"); err == nil {
		t.Fatal("expected error for unknown scan")
	}
	if _, err := store.UpdateScan(ctx, scan.Scan{ID: "missing"}); err == nil {
		t.Fatal("expected error updating unknown scan")
	}
}

func TestListScansOrdering(t *testing.T) {
	store := New()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		sc, err := store.CreateScan(ctx, scan.Scan{Mode: scan.ModeURLs, Status: scan.StatusPending})
		if err != nil {
			t.Fatalf("create scan: %v", err)
		}
		ids = append(ids, sc.ID)
		time.Sleep(time.Millisecond)
	}

	list, err := store.ListScans(ctx)
	if err != nil {
		t.Fatalf("list scans: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 scans, got %d", len(list))
	}
	if list[0].ID != ids[2] {
		t.Fatalf("expected newest first, got %s", list[0].ID)
	}

	pending, err := store.ListScansByStatus(ctx, scan.StatusPending)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending scans, got %d", len(pending))
	}
	if pending[0].ID != ids[0] {
		t.Fatalf("expected oldest pending first, got %s", pending[0].ID)
	}
}

func TestFormsRequireScan(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.AddForms(ctx, "missing", []form.ExtractedForm{{SourceURL: "https://x"}}); err == nil {
		t.Fatal("expected error adding forms to unknown scan")
	}

	sc, _ := store.CreateScan(ctx, scan.Scan{Mode: scan.ModeURLs, Status: scan.StatusPending})
	stored, err := store.AddForms(ctx, sc.ID, []form.ExtractedForm{
		{SourceURL: "https://x/a", IframeSrc: "https://forms/1", FormID: "F1"},
		{SourceURL: "https://x/b", IframeSrc: "https://forms/2", FormID: "F2"},
	})
	if err != nil {
		t.Fatalf("add forms: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored forms, got %d", len(stored))
	}
	for _, f := range stored {
		if f.ID == "" || f.ScanID != sc.ID || f.ExtractedAt.IsZero() {
			t.Fatalf("form not fully populated: %+v", f)
		}
	}

	listed, err := store.ListForms(ctx, sc.ID)
	if err != nil {
		t.Fatalf("list forms: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 forms, got %d", len(listed))
	}
}

func TestDatasetReplacesSameKind(t *testing.T) {
	store := New()
	ctx := context.Background()

	sc, _ := store.CreateScan(ctx, scan.Scan{Mode: scan.ModeURLs, Status: scan.StatusPending})

	first := mapping.Dataset{
		ScanID:  sc.ID,
		Kind:    mapping.KindURL,
		Columns: []string{"url", "id"},
		Rows:    []map[string]string{{"url": "https://x", "id": "F1"}},
	}
	if _, err := store.SaveDataset(ctx, first); err != nil {
		t.Fatalf("save dataset: %v", err)
	}

	second := first
	second.Rows = []map[string]string{
		{"url": "https://y", "id": "F2"},
		{"url": "https://z", "id": "F3"},
	}
	if _, err := store.SaveDataset(ctx, second); err != nil {
		t.Fatalf("save replacement: %v", err)
	}

	got, err := store.GetDataset(ctx, sc.ID, mapping.KindURL)
	if err != nil {
		t.Fatalf("get dataset: %v", err)
	}
	if len(got.Rows) != 2 {
		t.Fatalf("expected replacement rows, got %d", len(got.Rows))
	}

	if _, err := store.GetDataset(ctx, sc.ID, mapping.KindCRM); err == nil {
		t.Fatal("expected error for absent crm dataset")
	}
}

func TestScheduleCRUD(t *testing.T) {
	store := New()
	ctx := context.Background()

	sch, err := store.CreateSchedule(ctx, schedule.Schedule{
		Name:     "weekly",
		CronExpr: "0 6 * * 1",
		Mode:     scan.ModeSitemaps,
		Sources:  []string{"https://site.example"},
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	if sch.ID == "" || sch.CreatedAt.IsZero() {
		t.Fatalf("schedule not populated: %+v", sch)
	}

	sch.Enabled = false
	updated, err := store.UpdateSchedule(ctx, sch)
	if err != nil {
		t.Fatalf("update schedule: %v", err)
	}
	if updated.Enabled {
		t.Fatal("expected schedule disabled")
	}

	list, err := store.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(list))
	}

	if err := store.DeleteSchedule(ctx, sch.ID); err != nil {
		t.Fatalf("delete schedule: %v", err)
	}
	if err := store.DeleteSchedule(ctx, sch.ID); err == nil {
		t.Fatal("expected error deleting twice")
	}
}

func TestScanCloneIsolation(t *testing.T) {
	store := New()
	ctx := context.Background()

	sc, _ := store.CreateScan(ctx, scan.Scan{
		Mode:    scan.ModeURLs,
		Sources: []string{"https://a"},
		Status:  scan.StatusPending,
	})

	sc.Sources[0] = "https://mutated"
	fetched, _ := store.GetScan(ctx, sc.ID)
	if fetched.Sources[0] != "https://a" {
		t.Fatalf("stored scan mutated through returned copy: %s", fetched.Sources[0])
	}
}
