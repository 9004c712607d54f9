// Package scan defines extraction run records and their lifecycle.
package scan

import "time"

// Mode selects how a scan resolves its page URLs.
type Mode string

const (
	// ModeSitemaps expands each source into page URLs via its sitemaps.
	ModeSitemaps Mode = "sitemaps"
	// ModeURLs treats the sources as the page URLs to crawl.
	ModeURLs Mode = "urls"
)

// Status is the lifecycle state of a scan.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// Params tunes a scan run. Zero values fall back to the server defaults.
type Params struct {
	Workers   int `json:"workers,omitempty"`
	TimeoutMS int `json:"timeout_ms,omitempty"`
	ChunkSize int `json:"chunk_size,omitempty"`
	// SampleSize restricts the run to a random subset of the URL list when
	// greater than zero.
	SampleSize int `json:"sample_size,omitempty"`
}

// Scan is a single extraction run over one or more sources.
type Scan struct {
	ID         string     `json:"id"`
	Mode       Mode       `json:"mode"`
	Sources    []string   `json:"sources"`
	Params     Params     `json:"params"`
	Status     Status     `json:"status"`
	URLCount   int        `json:"url_count"`
	FormCount  int        `json:"form_count"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// Duration is the wall-clock run time in seconds.
	Duration float64 `json:"duration_seconds,omitempty"`
}

// ProgressStage names the phase a running scan is in.
type ProgressStage string

const (
	StageSitemaps   ProgressStage = "sitemaps"
	StageExtraction ProgressStage = "extraction"
	StageDone       ProgressStage = "done"
)

// Progress is a point-in-time snapshot of a running scan, published to
// event subscribers.
type Progress struct {
	ScanID    string        `json:"scan_id"`
	Stage     ProgressStage `json:"stage"`
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	Found     int           `json:"found"`
	Status    Status        `json:"status"`
	At        time.Time     `json:"at"`
}
