// Package report renders analysis results as CSV exports and plain-text
// email report bodies.
package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/formscan/formscan/internal/app/domain/analysis"
	"github.com/formscan/formscan/pkg/logger"
)

// baseColumns lead every export in fixed order; merged dataset columns
// follow in the report's column order.
var baseColumns = []string{"source_url", "iframe_src", "form_id", "crm_campaign", "template", "recovered"}

// ExportOptions tune a CSV export.
type ExportOptions struct {
	// StripCRMPrefix drops the CRM_ marker from merged CRM column headers.
	StripCRMPrefix bool
	// Separator defaults to comma.
	Separator rune
}

// Service renders reports.
type Service struct {
	log *logger.Logger
}

// New creates a report service.
func New(log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("report")
	}
	return &Service{log: log}
}

// ExportCSV renders the analysis rows as CSV. Column order is deterministic:
// the base form columns followed by the merged extra columns.
func (s *Service) ExportCSV(report analysis.Report, opts ExportOptions) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if opts.Separator != 0 {
		w.Comma = opts.Separator
	}

	header := append([]string(nil), baseColumns...)
	for _, col := range report.ExtraColumns {
		header = append(header, exportColumnName(col, opts))
	}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	for _, row := range report.Rows {
		record := []string{
			row.SourceURL,
			row.IframeSrc,
			row.FormID,
			row.CRMCampaign,
			row.Template,
			fmt.Sprintf("%t", row.Recovered),
		}
		for _, col := range report.ExtraColumns {
			record = append(record, row.Extra[col])
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExportFilename builds a timestamped file name for a scan export.
func ExportFilename(scanID string, at time.Time) string {
	return fmt.Sprintf("formscan_%s_%s.csv", scanID, at.UTC().Format("20060102_150405"))
}

func exportColumnName(col string, opts ExportOptions) string {
	if opts.StripCRMPrefix {
		return strings.TrimPrefix(col, analysis.CRMColumnPrefix)
	}
	return col
}

// EmailBody renders a plain-text report suitable for pasting into a mail
// client: headline figures, the alerts needing attention and a note about
// the CSV export.
func (s *Service) EmailBody(report analysis.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Form extraction report for scan %s\n", report.ScanID)
	fmt.Fprintf(&b, "Generated %s\n\n", report.GeneratedAt.UTC().Format("2006-01-02 15:04 MST"))

	sum := report.Summary
	b.WriteString("Summary\n")
	fmt.Fprintf(&b, "  Forms found:        %d (%d unique)\n", sum.TotalForms, sum.UniqueForms)
	fmt.Fprintf(&b, "  Matched templates:  %d\n", sum.Templated)
	fmt.Fprintf(&b, "  With CRM campaign:  %d\n", sum.WithCRM)
	fmt.Fprintf(&b, "  Without CRM:        %d\n", sum.WithoutCRM)
	if sum.Recovered > 0 {
		fmt.Fprintf(&b, "  Recovered on recheck: %d\n", sum.Recovered)
	}
	if len(report.Missing) > 0 {
		fmt.Fprintf(&b, "  Missing forms:      %d\n", len(report.Missing))
	}

	if len(report.Alerts) > 0 {
		b.WriteString("\nNeeds attention\n")
		for _, alert := range report.Alerts {
			fmt.Fprintf(&b, "  [%s] %s: %s\n", strings.ToUpper(string(alert.Severity)), alert.Title, alert.Message)
		}
	}

	if len(report.Missing) > 0 {
		b.WriteString("\nMissing forms\n")
		limit := len(report.Missing)
		if limit > 20 {
			limit = 20
		}
		for _, m := range report.Missing[:limit] {
			if m.URL != "" {
				fmt.Fprintf(&b, "  %s (%s)\n", m.FormID, m.URL)
				continue
			}
			fmt.Fprintf(&b, "  %s\n", m.FormID)
		}
		if rest := len(report.Missing) - limit; rest > 0 {
			fmt.Fprintf(&b, "  ... and %d more\n", rest)
		}
	}

	fmt.Fprintf(&b, "\nThe full result set is attached as %s.\n", ExportFilename(report.ScanID, report.GeneratedAt))
	return b.String()
}
