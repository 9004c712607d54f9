// Package analysis joins extraction results with uploaded datasets and the
// template mapping to produce enriched reports, missing form lists and data
// quality alerts.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/formscan/formscan/internal/app/domain/analysis"
	"github.com/formscan/formscan/internal/app/domain/form"
	"github.com/formscan/formscan/internal/app/domain/mapping"
	"github.com/formscan/formscan/internal/app/services/extract"
	"github.com/formscan/formscan/internal/app/storage"
	"github.com/formscan/formscan/pkg/logger"
)

// sparseColumnThreshold is the share of empty cells above which a merged
// column is flagged.
const sparseColumnThreshold = 0.10

// ErrInvalidDataset marks uploads rejected by validation, as opposed to
// storage failures.
var ErrInvalidDataset = errors.New("invalid dataset")

// Config tunes the analysis service.
type Config struct {
	TemplateMappingPath  string
	BadIntegrationMarker string
	MaxDatasetBytes      int64
	MaxDatasetRows       int
}

// Service runs analyses over stored scans.
type Service struct {
	scans     storage.ScanStore
	forms     storage.FormStore
	datasets  storage.DatasetStore
	extractor *extract.Extractor
	cfg       Config
	log       *logger.Logger
}

// New creates an analysis service. The extractor is used to recheck missing
// forms against the live pages.
func New(scans storage.ScanStore, forms storage.FormStore, datasets storage.DatasetStore, ex *extract.Extractor, cfg Config, log *logger.Logger) *Service {
	if cfg.BadIntegrationMarker == "" {
		cfg.BadIntegrationMarker = "survey.dll"
	}
	if cfg.MaxDatasetRows <= 0 {
		cfg.MaxDatasetRows = 100000
	}
	if log == nil {
		log = logger.NewDefault("analysis")
	}
	return &Service{scans: scans, forms: forms, datasets: datasets, extractor: ex, cfg: cfg, log: log}
}

// TemplateMapping loads the form-to-template lookup table from the
// configured JSON file. A missing file yields an empty mapping.
func (s *Service) TemplateMapping() (mapping.TemplateMapping, error) {
	if s.cfg.TemplateMappingPath == "" {
		return mapping.TemplateMapping{}, nil
	}
	data, err := os.ReadFile(s.cfg.TemplateMappingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return mapping.TemplateMapping{}, nil
		}
		return nil, fmt.Errorf("read template mapping: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("template mapping %s is not valid json", s.cfg.TemplateMappingPath)
	}

	doc := gjson.ParseBytes(data)
	// Both shapes occur in the wild: a flat {"id": "name"} object and one
	// nested under a "templates" key.
	if nested := doc.Get("templates"); nested.IsObject() {
		doc = nested
	}

	tm := make(mapping.TemplateMapping)
	doc.ForEach(func(key, value gjson.Result) bool {
		id := strings.TrimSpace(key.String())
		name := strings.TrimSpace(value.String())
		if id != "" && name != "" {
			tm[id] = name
		}
		return true
	})
	return tm, nil
}

// IngestDataset sanitizes and stores an uploaded dataset for a scan,
// replacing any previous dataset of the same kind. Oversized uploads are
// rejected before sanitization.
func (s *Service) IngestDataset(ctx context.Context, ds mapping.Dataset, rawSize int64) (mapping.Dataset, error) {
	if !ds.Kind.Valid() {
		return mapping.Dataset{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidDataset, ds.Kind)
	}
	if _, err := s.scans.GetScan(ctx, ds.ScanID); err != nil {
		return mapping.Dataset{}, err
	}
	if s.cfg.MaxDatasetBytes > 0 && rawSize > s.cfg.MaxDatasetBytes {
		return mapping.Dataset{}, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrInvalidDataset, rawSize, s.cfg.MaxDatasetBytes)
	}
	if len(ds.Rows) > s.cfg.MaxDatasetRows {
		return mapping.Dataset{}, fmt.Errorf("%w: %d rows exceeds the %d row limit", ErrInvalidDataset, len(ds.Rows), s.cfg.MaxDatasetRows)
	}
	if len(ds.Rows) == 0 {
		return mapping.Dataset{}, fmt.Errorf("%w: no rows", ErrInvalidDataset)
	}

	columns := make([]string, 0, len(ds.Columns))
	for _, col := range ds.Columns {
		if clean := sanitizeCell(col); clean != "" {
			columns = append(columns, clean)
		}
	}
	if len(columns) == 0 {
		return mapping.Dataset{}, fmt.Errorf("%w: no usable columns", ErrInvalidDataset)
	}
	ds.Columns = columns

	rows := make([]map[string]string, 0, len(ds.Rows))
	for _, row := range ds.Rows {
		if clean := sanitizeRow(row); len(clean) > 0 {
			rows = append(rows, clean)
		}
	}
	ds.Rows = rows

	stored, err := s.datasets.SaveDataset(ctx, ds)
	if err != nil {
		return mapping.Dataset{}, err
	}
	s.log.WithField("scan_id", ds.ScanID).
		WithField("kind", string(ds.Kind)).
		WithField("rows", len(rows)).
		Info("dataset stored")
	return stored, nil
}

// Dataset returns a stored dataset.
func (s *Service) Dataset(ctx context.Context, scanID string, kind mapping.DatasetKind) (mapping.Dataset, error) {
	if !kind.Valid() {
		return mapping.Dataset{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidDataset, kind)
	}
	return s.datasets.GetDataset(ctx, scanID, kind)
}

// Analyze builds the full report for a scan: extracted forms joined with the
// template mapping and the uploaded URL and CRM datasets, plus summary
// figures, alerts and the missing form list.
func (s *Service) Analyze(ctx context.Context, scanID string) (analysis.Report, error) {
	if _, err := s.scans.GetScan(ctx, scanID); err != nil {
		return analysis.Report{}, err
	}
	forms, err := s.forms.ListForms(ctx, scanID)
	if err != nil {
		return analysis.Report{}, err
	}

	tm, err := s.TemplateMapping()
	if err != nil {
		return analysis.Report{}, err
	}

	// Datasets are optional; analysis degrades to extraction plus templates.
	urlDS, urlErr := s.datasets.GetDataset(ctx, scanID, mapping.KindURL)
	crmDS, crmErr := s.datasets.GetDataset(ctx, scanID, mapping.KindCRM)
	hasURL := urlErr == nil
	hasCRM := crmErr == nil

	report := analysis.Report{
		ScanID:      scanID,
		Rows:        make([]analysis.Row, 0, len(forms)),
		GeneratedAt: time.Now().UTC(),
	}

	urlIndex := newDatasetIndex(urlDS, urlDS.Config.IDColumn)
	crmIndex := newDatasetIndex(crmDS, crmDS.Config.CRMCodeColumn)
	matchedURLRows := make(map[int]bool)
	extraColumns := make(map[string]bool)

	for _, f := range forms {
		row := analysis.Row{
			SourceURL:   f.SourceURL,
			IframeSrc:   f.IframeSrc,
			FormID:      f.FormID,
			CRMCampaign: f.CRMCampaign,
			Recovered:   f.Recovered,
			Extra:       make(map[string]string),
		}
		if name, ok := tm.Lookup(f.FormID); ok {
			row.Template = name
		}

		if hasURL {
			if idx, ok := s.matchURLRow(urlIndex, urlDS, f); ok {
				matchedURLRows[idx] = true
				mergeColumns(row.Extra, urlDS.Rows[idx], urlDS.Config, "", extraColumns)
				if row.CRMCampaign == "" && urlDS.Config.CRMCodeColumn != "" {
					row.CRMCampaign = cellValue(urlDS.Rows[idx], urlDS.Config.CRMCodeColumn)
				}
			}
		}
		if hasCRM && row.CRMCampaign != "" {
			if idx, ok := crmIndex[strings.ToLower(row.CRMCampaign)]; ok {
				mergeColumns(row.Extra, crmDS.Rows[idx], crmDS.Config, analysis.CRMColumnPrefix, extraColumns)
			}
		}

		if len(row.Extra) == 0 {
			row.Extra = nil
		}
		report.Rows = append(report.Rows, row)
	}

	if hasURL {
		report.Missing = s.missingFromDataset(urlDS, matchedURLRows)
	}
	report.ExtraColumns = sortedKeys(extraColumns)
	report.Summary = buildSummary(report.Rows, report.ExtraColumns)
	report.Alerts = s.buildAlerts(report)
	return report, nil
}

// MissingForms returns the URL dataset entries no extracted form matched.
func (s *Service) MissingForms(ctx context.Context, scanID string) ([]analysis.MissingForm, error) {
	report, err := s.Analyze(ctx, scanID)
	if err != nil {
		return nil, err
	}
	return report.Missing, nil
}

// Recheck refetches the pages of missing forms through the extraction pool
// and records every form found there as a recovered extraction. It returns
// the recovered forms.
func (s *Service) Recheck(ctx context.Context, scanID string) ([]form.ExtractedForm, error) {
	if s.extractor == nil {
		return nil, fmt.Errorf("recheck requires a page extractor")
	}
	missing, err := s.MissingForms(ctx, scanID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var urls []string
	for _, m := range missing {
		if m.URL == "" || seen[m.URL] {
			continue
		}
		seen[m.URL] = true
		urls = append(urls, m.URL)
	}
	if len(urls) == 0 {
		return nil, nil
	}

	pool := extract.NewPool(s.extractor, extract.PoolConfig{}, s.log)
	recovered, runErr := pool.Run(ctx, urls, nil)
	if runErr != nil {
		return nil, runErr
	}
	if len(recovered) == 0 {
		return nil, nil
	}
	for i := range recovered {
		recovered[i].Recovered = true
	}

	stored, err := s.forms.AddForms(ctx, scanID, recovered)
	if err != nil {
		return nil, err
	}
	s.log.WithField("scan_id", scanID).
		WithField("recovered", len(stored)).
		Info("recheck recovered forms")
	return stored, nil
}

// --- joining helpers ---------------------------------------------------------

// newDatasetIndex indexes dataset rows by the lowercased value of a key
// column. First occurrence wins on duplicates.
func newDatasetIndex(ds mapping.Dataset, keyColumn string) map[string]int {
	index := make(map[string]int)
	if keyColumn == "" {
		return index
	}
	for i, row := range ds.Rows {
		key := strings.ToLower(cellValue(row, keyColumn))
		if key == "" {
			continue
		}
		if _, exists := index[key]; !exists {
			index[key] = i
		}
	}
	return index
}

// matchURLRow finds the dataset row for a form: by form id first, then by
// source URL and iframe src.
func (s *Service) matchURLRow(index map[string]int, ds mapping.Dataset, f form.ExtractedForm) (int, bool) {
	if f.FormID != "" {
		if idx, ok := index[strings.ToLower(f.FormID)]; ok {
			return idx, true
		}
	}
	urlCol, iframeCol := ds.Config.URLColumn, ds.Config.IframeColumn
	if urlCol == "" && iframeCol == "" {
		return 0, false
	}
	for i, row := range ds.Rows {
		if urlCol != "" && !strings.EqualFold(cellValue(row, urlCol), f.SourceURL) {
			continue
		}
		if iframeCol != "" && !strings.EqualFold(cellValue(row, iframeCol), f.IframeSrc) {
			continue
		}
		return i, true
	}
	return 0, false
}

// mergeColumns copies a dataset row's selected columns into a report row,
// skipping the key columns that are already first-class fields.
func mergeColumns(dst map[string]string, row map[string]string, cfg mapping.ColumnConfig, prefix string, seen map[string]bool) {
	selected := cfg.SelectedColumns
	keyColumns := map[string]bool{
		strings.ToLower(cfg.URLColumn):     cfg.URLColumn != "",
		strings.ToLower(cfg.IDColumn):      cfg.IDColumn != "",
		strings.ToLower(cfg.IframeColumn):  cfg.IframeColumn != "",
		strings.ToLower(cfg.CRMCodeColumn): cfg.CRMCodeColumn != "",
	}

	for col, value := range row {
		if keyColumns[strings.ToLower(col)] {
			continue
		}
		if len(selected) > 0 && !containsFold(selected, col) {
			continue
		}
		name := prefix + col
		if _, taken := dst[name]; !taken {
			dst[name] = value
			seen[name] = true
		}
	}
}

func cellValue(row map[string]string, column string) string {
	if v, ok := row[column]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range row {
		if strings.EqualFold(k, column) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// missingFromDataset lists URL dataset rows no form matched.
func (s *Service) missingFromDataset(ds mapping.Dataset, matched map[int]bool) []analysis.MissingForm {
	var missing []analysis.MissingForm
	for i, row := range ds.Rows {
		if matched[i] {
			continue
		}
		formID := cellValue(row, ds.Config.IDColumn)
		if formID == "" {
			continue
		}
		m := analysis.MissingForm{
			URL:    cellValue(row, ds.Config.URLColumn),
			FormID: formID,
		}
		extra := make(map[string]string)
		mergeColumns(extra, row, ds.Config, "", make(map[string]bool))
		if len(extra) > 0 {
			m.Extra = extra
		}
		missing = append(missing, m)
	}
	return missing
}

// --- summary and alerts ------------------------------------------------------

func buildSummary(rows []analysis.Row, extraColumns []string) analysis.Summary {
	summary := analysis.Summary{TotalForms: len(rows)}
	unique := make(map[string]bool)
	fill := make(map[string]int, len(extraColumns))

	for _, row := range rows {
		key := row.FormID
		if key == "" {
			key = row.IframeSrc
		}
		unique[strings.ToLower(key)] = true

		if row.Template != "" {
			summary.Templated++
		}
		if row.CRMCampaign != "" {
			summary.WithCRM++
		} else {
			summary.WithoutCRM++
		}
		if row.Recovered {
			summary.Recovered++
		}
		for _, col := range extraColumns {
			if row.Extra[col] != "" {
				fill[col]++
			}
		}
	}

	summary.UniqueForms = len(unique)
	if len(rows) > 0 && len(extraColumns) > 0 {
		summary.ColumnFill = make(map[string]float64, len(extraColumns))
		for _, col := range extraColumns {
			summary.ColumnFill[col] = float64(fill[col]) / float64(len(rows))
		}
	}
	return summary
}

func (s *Service) buildAlerts(report analysis.Report) []analysis.Alert {
	var alerts []analysis.Alert

	var badRows []int
	for i, row := range report.Rows {
		if strings.Contains(strings.ToLower(row.IframeSrc), strings.ToLower(s.cfg.BadIntegrationMarker)) {
			badRows = append(badRows, i)
		}
	}
	if len(badRows) > 0 {
		alerts = append(alerts, analysis.Alert{
			Severity: analysis.SeverityError,
			Title:    "bad form integration",
			Message:  fmt.Sprintf("%d form(s) embed %s directly instead of the hosted form page", len(badRows), s.cfg.BadIntegrationMarker),
			Rows:     badRows,
		})
	}

	if report.Summary.WithoutCRM > 0 {
		var rows []int
		for i, row := range report.Rows {
			if row.CRMCampaign == "" {
				rows = append(rows, i)
			}
		}
		alerts = append(alerts, analysis.Alert{
			Severity: analysis.SeverityWarning,
			Title:    "forms without CRM campaign",
			Message:  fmt.Sprintf("%d form(s) have no CRM campaign code", report.Summary.WithoutCRM),
			Rows:     rows,
		})
	}

	for _, col := range report.ExtraColumns {
		fillRate, ok := report.Summary.ColumnFill[col]
		if !ok {
			continue
		}
		if empty := 1 - fillRate; empty > sparseColumnThreshold {
			alerts = append(alerts, analysis.Alert{
				Severity: analysis.SeverityInfo,
				Title:    "sparse column",
				Message:  fmt.Sprintf("column %q is empty in %.0f%% of rows", col, empty*100),
			})
		}
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		return severityRank(alerts[i].Severity) < severityRank(alerts[j].Severity)
	})
	return alerts
}

func severityRank(s analysis.AlertSeverity) int {
	switch s {
	case analysis.SeverityError:
		return 0
	case analysis.SeverityWarning:
		return 1
	default:
		return 2
	}
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
