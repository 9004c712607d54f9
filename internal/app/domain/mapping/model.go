// Package mapping defines the uploaded datasets joined against extraction
// results, and the form-to-template lookup table.
package mapping

import (
	"strings"
	"time"
)

// DatasetKind distinguishes the two uploadable dataset types.
type DatasetKind string

const (
	// KindURL is a page-level mapping keyed by URL and form id.
	KindURL DatasetKind = "url"
	// KindCRM is a campaign export keyed by CRM campaign code.
	KindCRM DatasetKind = "crm"
)

// Valid reports whether the kind is one of the known dataset kinds.
func (k DatasetKind) Valid() bool {
	return k == KindURL || k == KindCRM
}

// ColumnConfig names the key columns of an uploaded dataset. Column matching
// is case-insensitive at join time; the names here are as uploaded.
type ColumnConfig struct {
	URLColumn     string `json:"url_column,omitempty"`
	IDColumn      string `json:"id_column,omitempty"`
	IframeColumn  string `json:"iframe_column,omitempty"`
	CRMCodeColumn string `json:"crm_code_column,omitempty"`
	// SelectedColumns restricts which uploaded columns are carried into the
	// analysis; empty means all.
	SelectedColumns []string `json:"selected_columns,omitempty"`
}

// Dataset is an uploaded table attached to a scan. A scan holds at most one
// dataset per kind; uploading again replaces it.
type Dataset struct {
	ID        string              `json:"id"`
	ScanID    string              `json:"scan_id"`
	Kind      DatasetKind         `json:"kind"`
	Columns   []string            `json:"columns"`
	Rows      []map[string]string `json:"rows"`
	Config    ColumnConfig        `json:"config"`
	CreatedAt time.Time           `json:"created_at"`
}

// TemplateMapping maps form identifiers to template names.
type TemplateMapping map[string]string

// Lookup resolves a form id to its template name. Matching is exact first,
// then case-insensitive.
func (m TemplateMapping) Lookup(formID string) (string, bool) {
	if formID == "" || len(m) == 0 {
		return "", false
	}
	if name, ok := m[formID]; ok {
		return name, true
	}
	for id, name := range m {
		if strings.EqualFold(id, formID) {
			return name, true
		}
	}
	return "", false
}
