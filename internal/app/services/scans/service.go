// Package scans manages extraction runs: creation, history, abort and the
// background runner that executes them.
package scans

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/formscan/formscan/internal/app/domain/form"
	"github.com/formscan/formscan/internal/app/domain/scan"
	"github.com/formscan/formscan/internal/app/storage"
	"github.com/formscan/formscan/pkg/logger"
)

// ErrNotAbortable marks abort requests that conflict with the scan's current
// state rather than failing outright.
var ErrNotAbortable = errors.New("scan cannot be aborted")

// Service coordinates scan records and exposes the progress hub.
type Service struct {
	scans storage.ScanStore
	forms storage.FormStore
	hub   *Hub
	log   *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a scan service.
func New(scans storage.ScanStore, forms storage.FormStore, hub *Hub, log *logger.Logger) *Service {
	if hub == nil {
		hub = NewHub()
	}
	if log == nil {
		log = logger.NewDefault("scans")
	}
	return &Service{
		scans:   scans,
		forms:   forms,
		hub:     hub,
		log:     log,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Hub exposes the progress hub for subscribers.
func (s *Service) Hub() *Hub { return s.hub }

// Create validates and stores a new pending scan.
func (s *Service) Create(ctx context.Context, mode scan.Mode, sources []string, params scan.Params) (scan.Scan, error) {
	switch mode {
	case scan.ModeSitemaps, scan.ModeURLs:
	default:
		return scan.Scan{}, fmt.Errorf("unsupported scan mode %q", mode)
	}

	cleaned := make([]string, 0, len(sources))
	for _, src := range sources {
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		parsed, err := url.Parse(src)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return scan.Scan{}, fmt.Errorf("source %q is not an absolute url", src)
		}
		cleaned = append(cleaned, src)
	}
	if len(cleaned) == 0 {
		return scan.Scan{}, fmt.Errorf("at least one source url is required")
	}

	if params.Workers < 0 || params.ChunkSize < 0 || params.SampleSize < 0 {
		return scan.Scan{}, fmt.Errorf("scan parameters must not be negative")
	}

	sc := scan.Scan{
		Mode:    mode,
		Sources: cleaned,
		Params:  params,
		Status:  scan.StatusPending,
	}
	sc, err := s.scans.CreateScan(ctx, sc)
	if err != nil {
		return scan.Scan{}, err
	}
	s.log.WithField("scan_id", sc.ID).
		WithField("mode", string(mode)).
		WithField("sources", len(cleaned)).
		Info("scan created")
	return sc, nil
}

// Get fetches a scan by id.
func (s *Service) Get(ctx context.Context, id string) (scan.Scan, error) {
	return s.scans.GetScan(ctx, id)
}

// List returns the scan history, newest first.
func (s *Service) List(ctx context.Context) ([]scan.Scan, error) {
	return s.scans.ListScans(ctx)
}

// Forms returns the extraction results of a scan.
func (s *Service) Forms(ctx context.Context, scanID string) ([]form.ExtractedForm, error) {
	if _, err := s.scans.GetScan(ctx, scanID); err != nil {
		return nil, err
	}
	return s.forms.ListForms(ctx, scanID)
}

// Abort cancels a scan. Pending scans are marked aborted directly; running
// scans are cancelled and the runner records the aborted state with partial
// results kept.
func (s *Service) Abort(ctx context.Context, id string) (scan.Scan, error) {
	sc, err := s.scans.GetScan(ctx, id)
	if err != nil {
		return scan.Scan{}, err
	}

	switch sc.Status {
	case scan.StatusPending:
		now := time.Now().UTC()
		sc.Status = scan.StatusAborted
		sc.FinishedAt = &now
		sc, err = s.scans.UpdateScan(ctx, sc)
		if err != nil {
			return scan.Scan{}, err
		}
		s.log.WithField("scan_id", id).Info("pending scan aborted")
		return sc, nil

	case scan.StatusRunning:
		s.mu.Lock()
		cancel := s.cancels[id]
		s.mu.Unlock()
		if cancel == nil {
			return scan.Scan{}, fmt.Errorf("%w: scan %s is running but not owned by this runner", ErrNotAbortable, id)
		}
		cancel()
		s.log.WithField("scan_id", id).Info("abort requested for running scan")
		return sc, nil

	default:
		return scan.Scan{}, fmt.Errorf("%w: scan %s already %s", ErrNotAbortable, id, sc.Status)
	}
}

// registerCancel makes a running scan abortable; the runner calls this when
// it takes ownership of a scan.
func (s *Service) registerCancel(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
}

func (s *Service) unregisterCancel(id string) {
	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()
}
