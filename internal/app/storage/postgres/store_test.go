package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/formscan/formscan/internal/app/domain/form"
	"github.com/formscan/formscan/internal/app/domain/scan"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return New(sqlx.NewDb(mockDB, "sqlmock")), mock
}

func TestGetScan(t *testing.T) {
	store, mock := newMockStore(t)

	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "mode", "sources", "params", "status", "url_count", "form_count",
		"error", "created_at", "started_at", "finished_at", "duration_seconds",
	}).AddRow(
		"scan-1", "sitemaps", []byte(`["https://site.example"]`), []byte(`{"workers":10}`),
		"completed", 42, 7, nil, created, nil, nil, 12.5,
	)
	mock.ExpectQuery(`SELECT .+ FROM scans WHERE id = \$1`).
		WithArgs("scan-1").
		WillReturnRows(rows)

	sc, err := store.GetScan(context.Background(), "scan-1")
	if err != nil {
		t.Fatalf("get scan: %v", err)
	}
	if sc.Mode != scan.ModeSitemaps || sc.Status != scan.StatusCompleted {
		t.Fatalf("unexpected scan %+v", sc)
	}
	if len(sc.Sources) != 1 || sc.Sources[0] != "https://site.example" {
		t.Fatalf("sources not decoded: %v", sc.Sources)
	}
	if sc.Params.Workers != 10 {
		t.Fatalf("params not decoded: %+v", sc.Params)
	}
	if sc.URLCount != 42 || sc.FormCount != 7 || sc.Duration != 12.5 {
		t.Fatalf("counters not mapped: %+v", sc)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetScanNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM scans WHERE id = \$1`).
		WithArgs("absent").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetScan(context.Background(), "absent")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestCreateScanAssignsID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO scans`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sc, err := store.CreateScan(context.Background(), scan.Scan{
		Mode:    scan.ModeURLs,
		Sources: []string{"https://site.example/page"},
		Status:  scan.StatusPending,
	})
	if err != nil {
		t.Fatalf("create scan: %v", err)
	}
	if sc.ID == "" {
		t.Fatalf("expected generated id")
	}
	if sc.CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateScanMissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE scans`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.UpdateScan(context.Background(), scan.Scan{ID: "gone", Status: scan.StatusRunning})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for missing scan, got %v", err)
	}
}

func TestAddFormsRunsInTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO forms`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO forms`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stored, err := store.AddForms(context.Background(), "scan-1", []form.ExtractedForm{
		{SourceURL: "https://site.example/a", IframeSrc: "https://ovh.slgnt.eu/optiext/f?ID=A1", FormID: "A1"},
		{SourceURL: "https://site.example/b", IframeSrc: "https://ovh.slgnt.eu/optiext/f?ID=B2", FormID: "B2"},
	})
	if err != nil {
		t.Fatalf("add forms: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored forms, got %d", len(stored))
	}
	for _, f := range stored {
		if f.ID == "" || f.ScanID != "scan-1" || f.ExtractedAt.IsZero() {
			t.Fatalf("form not normalised: %+v", f)
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAddFormsRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO forms`).WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	_, err := store.AddForms(context.Background(), "scan-1", []form.ExtractedForm{
		{SourceURL: "https://site.example/a", IframeSrc: "https://ovh.slgnt.eu/optiext/f?ID=A1"},
	})
	if err == nil {
		t.Fatalf("expected insert error")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteScheduleNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM schedules WHERE id = \$1`).
		WithArgs("gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.DeleteSchedule(context.Background(), "gone")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}
