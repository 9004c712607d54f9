// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/formscan/formscan/internal/app/domain/form"
	"github.com/formscan/formscan/internal/app/domain/mapping"
	"github.com/formscan/formscan/internal/app/domain/scan"
	"github.com/formscan/formscan/internal/app/domain/schedule"
	"github.com/formscan/formscan/internal/app/storage"
)

// Store is the map-backed store.
type Store struct {
	mu        sync.RWMutex
	nextID    int64
	scans     map[string]scan.Scan
	forms     map[string][]form.ExtractedForm
	datasets  map[string]map[mapping.DatasetKind]mapping.Dataset
	schedules map[string]schedule.Schedule
}

var _ storage.ScanStore = (*Store)(nil)
var _ storage.FormStore = (*Store)(nil)
var _ storage.DatasetStore = (*Store)(nil)
var _ storage.ScheduleStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:    1,
		scans:     make(map[string]scan.Scan),
		forms:     make(map[string][]form.ExtractedForm),
		datasets:  make(map[string]map[mapping.DatasetKind]mapping.Dataset),
		schedules: make(map[string]schedule.Schedule),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// ScanStore implementation ----------------------------------------------------

func (s *Store) CreateScan(_ context.Context, sc scan.Scan) (scan.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sc.ID == "" {
		sc.ID = s.nextIDLocked()
	} else if _, exists := s.scans[sc.ID]; exists {
		return scan.Scan{}, fmt.Errorf("scan %s already exists", sc.ID)
	}

	sc.CreatedAt = time.Now().UTC()
	sc.Sources = append([]string(nil), sc.Sources...)

	s.scans[sc.ID] = sc
	return cloneScan(sc), nil
}

func (s *Store) UpdateScan(_ context.Context, sc scan.Scan) (scan.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.scans[sc.ID]
	if !ok {
		return scan.Scan{}, fmt.Errorf("scan %s not found", sc.ID)
	}

	sc.CreatedAt = original.CreatedAt
	sc.Sources = append([]string(nil), sc.Sources...)

	s.scans[sc.ID] = sc
	return cloneScan(sc), nil
}

func (s *Store) GetScan(_ context.Context, id string) (scan.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scans[id]
	if !ok {
		return scan.Scan{}, fmt.Errorf("scan %s not found", id)
	}
	return cloneScan(sc), nil
}

func (s *Store) ListScans(_ context.Context) ([]scan.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]scan.Scan, 0, len(s.scans))
	for _, sc := range s.scans {
		result = append(result, cloneScan(sc))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) ListScansByStatus(_ context.Context, status scan.Status) ([]scan.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]scan.Scan, 0)
	for _, sc := range s.scans {
		if sc.Status == status {
			result = append(result, cloneScan(sc))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// FormStore implementation ----------------------------------------------------

func (s *Store) AddForms(_ context.Context, scanID string, forms []form.ExtractedForm) ([]form.ExtractedForm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scans[scanID]; !ok {
		return nil, fmt.Errorf("scan %s not found", scanID)
	}

	now := time.Now().UTC()
	stored := make([]form.ExtractedForm, 0, len(forms))
	for _, f := range forms {
		if f.ID == "" {
			f.ID = s.nextIDLocked()
		}
		f.ScanID = scanID
		if f.ExtractedAt.IsZero() {
			f.ExtractedAt = now
		}
		stored = append(stored, f)
	}
	s.forms[scanID] = append(s.forms[scanID], stored...)
	return append([]form.ExtractedForm(nil), stored...), nil
}

func (s *Store) ListForms(_ context.Context, scanID string) ([]form.ExtractedForm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]form.ExtractedForm(nil), s.forms[scanID]...), nil
}

// DatasetStore implementation -------------------------------------------------

func (s *Store) SaveDataset(_ context.Context, ds mapping.Dataset) (mapping.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scans[ds.ScanID]; !ok {
		return mapping.Dataset{}, fmt.Errorf("scan %s not found", ds.ScanID)
	}
	if ds.ID == "" {
		ds.ID = s.nextIDLocked()
	}
	ds.CreatedAt = time.Now().UTC()

	byKind, ok := s.datasets[ds.ScanID]
	if !ok {
		byKind = make(map[mapping.DatasetKind]mapping.Dataset)
		s.datasets[ds.ScanID] = byKind
	}
	byKind[ds.Kind] = cloneDataset(ds)
	return cloneDataset(ds), nil
}

func (s *Store) GetDataset(_ context.Context, scanID string, kind mapping.DatasetKind) (mapping.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, ok := s.datasets[scanID][kind]
	if !ok {
		return mapping.Dataset{}, fmt.Errorf("%s dataset for scan %s not found", kind, scanID)
	}
	return cloneDataset(ds), nil
}

// ScheduleStore implementation ------------------------------------------------

func (s *Store) CreateSchedule(_ context.Context, sch schedule.Schedule) (schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sch.ID == "" {
		sch.ID = s.nextIDLocked()
	} else if _, exists := s.schedules[sch.ID]; exists {
		return schedule.Schedule{}, fmt.Errorf("schedule %s already exists", sch.ID)
	}

	now := time.Now().UTC()
	sch.CreatedAt = now
	sch.UpdatedAt = now
	sch.Sources = append([]string(nil), sch.Sources...)

	s.schedules[sch.ID] = sch
	return cloneSchedule(sch), nil
}

func (s *Store) UpdateSchedule(_ context.Context, sch schedule.Schedule) (schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.schedules[sch.ID]
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("schedule %s not found", sch.ID)
	}

	sch.CreatedAt = original.CreatedAt
	sch.UpdatedAt = time.Now().UTC()
	sch.Sources = append([]string(nil), sch.Sources...)

	s.schedules[sch.ID] = sch
	return cloneSchedule(sch), nil
}

func (s *Store) GetSchedule(_ context.Context, id string) (schedule.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sch, ok := s.schedules[id]
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("schedule %s not found", id)
	}
	return cloneSchedule(sch), nil
}

func (s *Store) ListSchedules(_ context.Context) ([]schedule.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]schedule.Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		result = append(result, cloneSchedule(sch))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return fmt.Errorf("schedule %s not found", id)
	}
	delete(s.schedules, id)
	return nil
}

// Helpers ---------------------------------------------------------------------

func cloneScan(sc scan.Scan) scan.Scan {
	sc.Sources = append([]string(nil), sc.Sources...)
	return sc
}

func cloneSchedule(sch schedule.Schedule) schedule.Schedule {
	sch.Sources = append([]string(nil), sch.Sources...)
	return sch
}

func cloneDataset(ds mapping.Dataset) mapping.Dataset {
	ds.Columns = append([]string(nil), ds.Columns...)
	rows := make([]map[string]string, len(ds.Rows))
	for i, row := range ds.Rows {
		dst := make(map[string]string, len(row))
		for k, v := range row {
			dst[k] = v
		}
		rows[i] = dst
	}
	ds.Rows = rows
	ds.Config.SelectedColumns = append([]string(nil), ds.Config.SelectedColumns...)
	return ds
}
