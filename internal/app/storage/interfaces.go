package storage

import (
	"context"

	"github.com/formscan/formscan/internal/app/domain/form"
	"github.com/formscan/formscan/internal/app/domain/mapping"
	"github.com/formscan/formscan/internal/app/domain/scan"
	"github.com/formscan/formscan/internal/app/domain/schedule"
)

// ScanStore persists scan records.
type ScanStore interface {
	CreateScan(ctx context.Context, sc scan.Scan) (scan.Scan, error)
	UpdateScan(ctx context.Context, sc scan.Scan) (scan.Scan, error)
	GetScan(ctx context.Context, id string) (scan.Scan, error)
	ListScans(ctx context.Context) ([]scan.Scan, error)
	ListScansByStatus(ctx context.Context, status scan.Status) ([]scan.Scan, error)
}

// FormStore persists extraction results.
type FormStore interface {
	AddForms(ctx context.Context, scanID string, forms []form.ExtractedForm) ([]form.ExtractedForm, error)
	ListForms(ctx context.Context, scanID string) ([]form.ExtractedForm, error)
}

// DatasetStore persists uploaded mapping datasets. Saving a dataset replaces
// any previous dataset of the same kind attached to the scan.
type DatasetStore interface {
	SaveDataset(ctx context.Context, ds mapping.Dataset) (mapping.Dataset, error)
	GetDataset(ctx context.Context, scanID string, kind mapping.DatasetKind) (mapping.Dataset, error)
}

// ScheduleStore persists recurring scan definitions.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sch schedule.Schedule) (schedule.Schedule, error)
	UpdateSchedule(ctx context.Context, sch schedule.Schedule) (schedule.Schedule, error)
	GetSchedule(ctx context.Context, id string) (schedule.Schedule, error)
	ListSchedules(ctx context.Context) ([]schedule.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}
