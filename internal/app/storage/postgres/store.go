// Package postgres implements the storage interfaces on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/formscan/formscan/internal/app/domain/form"
	"github.com/formscan/formscan/internal/app/domain/mapping"
	"github.com/formscan/formscan/internal/app/domain/scan"
	"github.com/formscan/formscan/internal/app/domain/schedule"
	"github.com/formscan/formscan/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.ScanStore = (*Store)(nil)
var _ storage.FormStore = (*Store)(nil)
var _ storage.DatasetStore = (*Store)(nil)
var _ storage.ScheduleStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// --- row types ---------------------------------------------------------------

type scanRow struct {
	ID         string         `db:"id"`
	Mode       string         `db:"mode"`
	Sources    []byte         `db:"sources"`
	Params     []byte         `db:"params"`
	Status     string         `db:"status"`
	URLCount   int            `db:"url_count"`
	FormCount  int            `db:"form_count"`
	Error      sql.NullString `db:"error"`
	CreatedAt  time.Time      `db:"created_at"`
	StartedAt  *time.Time     `db:"started_at"`
	FinishedAt *time.Time     `db:"finished_at"`
	Duration   float64        `db:"duration_seconds"`
}

func (r scanRow) toDomain() (scan.Scan, error) {
	sc := scan.Scan{
		ID:         r.ID,
		Mode:       scan.Mode(r.Mode),
		Status:     scan.Status(r.Status),
		URLCount:   r.URLCount,
		FormCount:  r.FormCount,
		Error:      r.Error.String,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Duration:   r.Duration,
	}
	if len(r.Sources) > 0 {
		if err := json.Unmarshal(r.Sources, &sc.Sources); err != nil {
			return scan.Scan{}, err
		}
	}
	if len(r.Params) > 0 {
		if err := json.Unmarshal(r.Params, &sc.Params); err != nil {
			return scan.Scan{}, err
		}
	}
	return sc, nil
}

// --- ScanStore ---------------------------------------------------------------

func (s *Store) CreateScan(ctx context.Context, sc scan.Scan) (scan.Scan, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	sc.CreatedAt = time.Now().UTC()

	sources, err := json.Marshal(sc.Sources)
	if err != nil {
		return scan.Scan{}, err
	}
	params, err := json.Marshal(sc.Params)
	if err != nil {
		return scan.Scan{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scans (id, mode, sources, params, status, url_count, form_count, error, created_at, started_at, finished_at, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, sc.ID, string(sc.Mode), sources, params, string(sc.Status), sc.URLCount, sc.FormCount,
		nullString(sc.Error), sc.CreatedAt, sc.StartedAt, sc.FinishedAt, sc.Duration)
	if err != nil {
		return scan.Scan{}, err
	}
	return sc, nil
}

func (s *Store) UpdateScan(ctx context.Context, sc scan.Scan) (scan.Scan, error) {
	sources, err := json.Marshal(sc.Sources)
	if err != nil {
		return scan.Scan{}, err
	}
	params, err := json.Marshal(sc.Params)
	if err != nil {
		return scan.Scan{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE scans
		SET mode = $2, sources = $3, params = $4, status = $5, url_count = $6,
		    form_count = $7, error = $8, started_at = $9, finished_at = $10, duration_seconds = $11
		WHERE id = $1
	`, sc.ID, string(sc.Mode), sources, params, string(sc.Status), sc.URLCount,
		sc.FormCount, nullString(sc.Error), sc.StartedAt, sc.FinishedAt, sc.Duration)
	if err != nil {
		return scan.Scan{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return scan.Scan{}, sql.ErrNoRows
	}
	return s.GetScan(ctx, sc.ID)
}

func (s *Store) GetScan(ctx context.Context, id string) (scan.Scan, error) {
	var row scanRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, mode, sources, params, status, url_count, form_count, error, created_at, started_at, finished_at, duration_seconds
		FROM scans WHERE id = $1
	`, id)
	if err != nil {
		return scan.Scan{}, err
	}
	return row.toDomain()
}

func (s *Store) ListScans(ctx context.Context) ([]scan.Scan, error) {
	var rows []scanRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, mode, sources, params, status, url_count, form_count, error, created_at, started_at, finished_at, duration_seconds
		FROM scans ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	return scanRowsToDomain(rows)
}

func (s *Store) ListScansByStatus(ctx context.Context, status scan.Status) ([]scan.Scan, error) {
	var rows []scanRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, mode, sources, params, status, url_count, form_count, error, created_at, started_at, finished_at, duration_seconds
		FROM scans WHERE status = $1 ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, err
	}
	return scanRowsToDomain(rows)
}

func scanRowsToDomain(rows []scanRow) ([]scan.Scan, error) {
	result := make([]scan.Scan, 0, len(rows))
	for _, row := range rows {
		sc, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, sc)
	}
	return result, nil
}

// --- FormStore ---------------------------------------------------------------

func (s *Store) AddForms(ctx context.Context, scanID string, forms []form.ExtractedForm) ([]form.ExtractedForm, error) {
	if len(forms) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	stored := make([]form.ExtractedForm, 0, len(forms))
	for _, f := range forms {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.ScanID = scanID
		if f.ExtractedAt.IsZero() {
			f.ExtractedAt = now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO forms (id, scan_id, source_url, iframe_src, form_id, crm_campaign, recovered, extracted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, f.ID, f.ScanID, f.SourceURL, f.IframeSrc, nullString(f.FormID), nullString(f.CRMCampaign), f.Recovered, f.ExtractedAt)
		if err != nil {
			return nil, err
		}
		stored = append(stored, f)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Store) ListForms(ctx context.Context, scanID string) ([]form.ExtractedForm, error) {
	type formRow struct {
		ID          string         `db:"id"`
		ScanID      string         `db:"scan_id"`
		SourceURL   string         `db:"source_url"`
		IframeSrc   string         `db:"iframe_src"`
		FormID      sql.NullString `db:"form_id"`
		CRMCampaign sql.NullString `db:"crm_campaign"`
		Recovered   bool           `db:"recovered"`
		ExtractedAt time.Time      `db:"extracted_at"`
	}

	var rows []formRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, scan_id, source_url, iframe_src, form_id, crm_campaign, recovered, extracted_at
		FROM forms WHERE scan_id = $1 ORDER BY extracted_at, id
	`, scanID)
	if err != nil {
		return nil, err
	}

	result := make([]form.ExtractedForm, 0, len(rows))
	for _, row := range rows {
		result = append(result, form.ExtractedForm{
			ID:          row.ID,
			ScanID:      row.ScanID,
			SourceURL:   row.SourceURL,
			IframeSrc:   row.IframeSrc,
			FormID:      row.FormID.String,
			CRMCampaign: row.CRMCampaign.String,
			Recovered:   row.Recovered,
			ExtractedAt: row.ExtractedAt,
		})
	}
	return result, nil
}

// --- DatasetStore ------------------------------------------------------------

func (s *Store) SaveDataset(ctx context.Context, ds mapping.Dataset) (mapping.Dataset, error) {
	if ds.ID == "" {
		ds.ID = uuid.NewString()
	}
	ds.CreatedAt = time.Now().UTC()

	columns, err := json.Marshal(ds.Columns)
	if err != nil {
		return mapping.Dataset{}, err
	}
	rows, err := json.Marshal(ds.Rows)
	if err != nil {
		return mapping.Dataset{}, err
	}
	config, err := json.Marshal(ds.Config)
	if err != nil {
		return mapping.Dataset{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO datasets (id, scan_id, kind, columns, rows, config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (scan_id, kind) DO UPDATE
		SET id = EXCLUDED.id, columns = EXCLUDED.columns, rows = EXCLUDED.rows,
		    config = EXCLUDED.config, created_at = EXCLUDED.created_at
	`, ds.ID, ds.ScanID, string(ds.Kind), columns, rows, config, ds.CreatedAt)
	if err != nil {
		return mapping.Dataset{}, err
	}
	return ds, nil
}

func (s *Store) GetDataset(ctx context.Context, scanID string, kind mapping.DatasetKind) (mapping.Dataset, error) {
	type datasetRow struct {
		ID        string    `db:"id"`
		ScanID    string    `db:"scan_id"`
		Kind      string    `db:"kind"`
		Columns   []byte    `db:"columns"`
		Rows      []byte    `db:"rows"`
		Config    []byte    `db:"config"`
		CreatedAt time.Time `db:"created_at"`
	}

	var row datasetRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, scan_id, kind, columns, rows, config, created_at
		FROM datasets WHERE scan_id = $1 AND kind = $2
	`, scanID, string(kind))
	if err != nil {
		return mapping.Dataset{}, err
	}

	ds := mapping.Dataset{
		ID:        row.ID,
		ScanID:    row.ScanID,
		Kind:      mapping.DatasetKind(row.Kind),
		CreatedAt: row.CreatedAt,
	}
	if err := json.Unmarshal(row.Columns, &ds.Columns); err != nil {
		return mapping.Dataset{}, err
	}
	if err := json.Unmarshal(row.Rows, &ds.Rows); err != nil {
		return mapping.Dataset{}, err
	}
	if err := json.Unmarshal(row.Config, &ds.Config); err != nil {
		return mapping.Dataset{}, err
	}
	return ds, nil
}

// --- ScheduleStore -----------------------------------------------------------

type scheduleRow struct {
	ID        string     `db:"id"`
	Name      string     `db:"name"`
	CronExpr  string     `db:"cron_expr"`
	Mode      string     `db:"mode"`
	Sources   []byte     `db:"sources"`
	Params    []byte     `db:"params"`
	Enabled   bool       `db:"enabled"`
	LastRun   *time.Time `db:"last_run"`
	NextRun   *time.Time `db:"next_run"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
}

func (r scheduleRow) toDomain() (schedule.Schedule, error) {
	sch := schedule.Schedule{
		ID:        r.ID,
		Name:      r.Name,
		CronExpr:  r.CronExpr,
		Mode:      scan.Mode(r.Mode),
		Enabled:   r.Enabled,
		LastRun:   r.LastRun,
		NextRun:   r.NextRun,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Sources) > 0 {
		if err := json.Unmarshal(r.Sources, &sch.Sources); err != nil {
			return schedule.Schedule{}, err
		}
	}
	if len(r.Params) > 0 {
		if err := json.Unmarshal(r.Params, &sch.Params); err != nil {
			return schedule.Schedule{}, err
		}
	}
	return sch, nil
}

func (s *Store) CreateSchedule(ctx context.Context, sch schedule.Schedule) (schedule.Schedule, error) {
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sch.CreatedAt = now
	sch.UpdatedAt = now

	sources, err := json.Marshal(sch.Sources)
	if err != nil {
		return schedule.Schedule{}, err
	}
	params, err := json.Marshal(sch.Params)
	if err != nil {
		return schedule.Schedule{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, mode, sources, params, enabled, last_run, next_run, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, sch.ID, sch.Name, sch.CronExpr, string(sch.Mode), sources, params, sch.Enabled,
		sch.LastRun, sch.NextRun, sch.CreatedAt, sch.UpdatedAt)
	if err != nil {
		return schedule.Schedule{}, err
	}
	return sch, nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sch schedule.Schedule) (schedule.Schedule, error) {
	sch.UpdatedAt = time.Now().UTC()

	sources, err := json.Marshal(sch.Sources)
	if err != nil {
		return schedule.Schedule{}, err
	}
	params, err := json.Marshal(sch.Params)
	if err != nil {
		return schedule.Schedule{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET name = $2, cron_expr = $3, mode = $4, sources = $5, params = $6,
		    enabled = $7, last_run = $8, next_run = $9, updated_at = $10
		WHERE id = $1
	`, sch.ID, sch.Name, sch.CronExpr, string(sch.Mode), sources, params,
		sch.Enabled, sch.LastRun, sch.NextRun, sch.UpdatedAt)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return schedule.Schedule{}, sql.ErrNoRows
	}
	return s.GetSchedule(ctx, sch.ID)
}

func (s *Store) GetSchedule(ctx context.Context, id string) (schedule.Schedule, error) {
	var row scheduleRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, cron_expr, mode, sources, params, enabled, last_run, next_run, created_at, updated_at
		FROM schedules WHERE id = $1
	`, id)
	if err != nil {
		return schedule.Schedule{}, err
	}
	return row.toDomain()
}

func (s *Store) ListSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, cron_expr, mode, sources, params, enabled, last_run, next_run, created_at, updated_at
		FROM schedules ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	result := make([]schedule.Schedule, 0, len(rows))
	for _, row := range rows {
		sch, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, sch)
	}
	return result, nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
