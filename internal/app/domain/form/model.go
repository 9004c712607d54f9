// Package form defines the extracted form iframe records and the parsing of
// form references out of iframe source URLs.
package form

import (
	"net/url"
	"time"
)

// ExtractedForm is a single form iframe found on a crawled page.
type ExtractedForm struct {
	ID          string    `json:"id"`
	ScanID      string    `json:"scan_id"`
	SourceURL   string    `json:"source_url"`
	IframeSrc   string    `json:"iframe_src"`
	FormID      string    `json:"form_id,omitempty"`
	CRMCampaign string    `json:"crm_campaign,omitempty"`
	Recovered   bool      `json:"recovered,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// ParseFormRef extracts the form identifier and CRM campaign code from an
// iframe src. The platform encodes them as the ID and CODE query parameters;
// either may be absent.
func ParseFormRef(iframeSrc string) (formID, crmCode string) {
	parsed, err := url.Parse(iframeSrc)
	if err != nil {
		return "", ""
	}
	query := parsed.Query()
	return query.Get("ID"), query.Get("CODE")
}
