// Package schedule defines recurring scan definitions.
package schedule

import (
	"time"

	"github.com/formscan/formscan/internal/app/domain/scan"
)

// Schedule triggers a scan on a cron expression.
type Schedule struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	CronExpr  string      `json:"cron_expr"`
	Mode      scan.Mode   `json:"mode"`
	Sources   []string    `json:"sources"`
	Params    scan.Params `json:"params"`
	Enabled   bool        `json:"enabled"`
	LastRun   *time.Time  `json:"last_run,omitempty"`
	NextRun   *time.Time  `json:"next_run,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
