// Package analysis defines the enriched form report built by joining
// extraction results with the uploaded datasets.
package analysis

import "time"

// CRMColumnPrefix marks columns merged in from the CRM dataset.
const CRMColumnPrefix = "CRM_"

// Row is one extracted form enriched with template and dataset data.
type Row struct {
	SourceURL   string `json:"source_url"`
	IframeSrc   string `json:"iframe_src"`
	FormID      string `json:"form_id,omitempty"`
	CRMCampaign string `json:"crm_campaign,omitempty"`
	Template    string `json:"template,omitempty"`
	Recovered   bool   `json:"recovered,omitempty"`
	// Extra holds the merged dataset columns, CRM ones carrying the
	// CRM_ prefix.
	Extra map[string]string `json:"extra,omitempty"`
}

// Summary aggregates an analysis run.
type Summary struct {
	TotalForms  int `json:"total_forms"`
	UniqueForms int `json:"unique_forms"`
	Templated   int `json:"templated"`
	WithCRM     int `json:"with_crm"`
	WithoutCRM  int `json:"without_crm"`
	Recovered   int `json:"recovered"`
	// ColumnFill is the share of non-empty cells per extra column, 0..1.
	ColumnFill map[string]float64 `json:"column_fill,omitempty"`
}

// AlertSeverity orders alerts by urgency.
type AlertSeverity string

const (
	SeverityError   AlertSeverity = "error"
	SeverityWarning AlertSeverity = "warning"
	SeverityInfo    AlertSeverity = "info"
)

// Alert flags a data quality problem found during analysis.
type Alert struct {
	Severity AlertSeverity `json:"severity"`
	Title    string        `json:"title"`
	Message  string        `json:"message"`
	// Rows are indexes into Report.Rows the alert applies to, when row
	// specific.
	Rows []int `json:"rows,omitempty"`
}

// MissingForm is a dataset entry no extracted form matched.
type MissingForm struct {
	URL    string            `json:"url,omitempty"`
	FormID string            `json:"form_id"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// Report is the full analysis output for a scan.
type Report struct {
	ScanID       string        `json:"scan_id"`
	ExtraColumns []string      `json:"extra_columns,omitempty"`
	Rows         []Row         `json:"rows"`
	Summary      Summary       `json:"summary"`
	Alerts       []Alert       `json:"alerts,omitempty"`
	Missing      []MissingForm `json:"missing,omitempty"`
	GeneratedAt  time.Time     `json:"generated_at"`
}
