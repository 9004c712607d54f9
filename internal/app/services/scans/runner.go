package scans

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/formscan/formscan/internal/app/domain/scan"
	"github.com/formscan/formscan/internal/app/metrics"
	"github.com/formscan/formscan/internal/app/services/extract"
	"github.com/formscan/formscan/internal/app/services/sitemaps"
	"github.com/formscan/formscan/pkg/logger"
)

// RunnerConfig carries the server defaults applied when a scan's own
// parameters are zero.
type RunnerConfig struct {
	PollPeriod   time.Duration
	Workers      int
	ChunkSize    int
	PageTimeout  time.Duration
	SitemapDepth int
}

// Runner executes pending scans in the background. It polls the store,
// claims one scan at a time and drives it through sitemap resolution and
// page extraction, publishing progress to the hub.
type Runner struct {
	svc       *Service
	sitemaps  *sitemaps.Service
	extractor *extract.Extractor
	cfg       RunnerConfig
	log       *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRunner creates a scan runner.
func NewRunner(svc *Service, sm *sitemaps.Service, ex *extract.Extractor, cfg RunnerConfig, log *logger.Logger) *Runner {
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = 2 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 50
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 5 * time.Second
	}
	if cfg.SitemapDepth <= 0 {
		cfg.SitemapDepth = 2
	}
	if log == nil {
		log = logger.NewDefault("scan-runner")
	}
	return &Runner{svc: svc, sitemaps: sm, extractor: ex, cfg: cfg, log: log}
}

// Name implements system.Service.
func (r *Runner) Name() string { return "scan-runner" }

// Start begins polling for pending scans.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("scan runner already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go r.loop(runCtx)

	r.log.WithField("poll_period", r.cfg.PollPeriod.String()).Info("scan runner started")
	return nil
}

// Stop halts polling and waits for the in-flight scan to finish.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	r.reclaim(ctx)

	ticker := time.NewTicker(r.cfg.PollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// reclaim resets scans left in the running state by a previous process, so a
// crash or hard shutdown cannot wedge them forever. They go back to pending
// and are picked up again by the poll loop.
func (r *Runner) reclaim(ctx context.Context) {
	stale, err := r.svc.scans.ListScansByStatus(ctx, scan.StatusRunning)
	if err != nil {
		r.log.WithError(err).Error("list running scans for reclaim")
		return
	}
	for _, sc := range stale {
		sc.Status = scan.StatusPending
		sc.StartedAt = nil
		if _, err := r.svc.scans.UpdateScan(ctx, sc); err != nil {
			r.log.WithError(err).WithField("scan_id", sc.ID).Error("reclaim scan")
			continue
		}
		r.log.WithField("scan_id", sc.ID).Warn("reclaimed scan left running by a previous run")
	}
}

// tick claims the oldest pending scan, if any, and executes it.
func (r *Runner) tick(ctx context.Context) {
	pending, err := r.svc.scans.ListScansByStatus(ctx, scan.StatusPending)
	if err != nil {
		r.log.WithError(err).Error("list pending scans")
		return
	}
	if len(pending) == 0 {
		return
	}
	r.execute(ctx, pending[0])
}

func (r *Runner) execute(ctx context.Context, sc scan.Scan) {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.svc.registerCancel(sc.ID, cancel)
	defer r.svc.unregisterCancel(sc.ID)

	started := time.Now().UTC()
	sc.Status = scan.StatusRunning
	sc.StartedAt = &started
	sc, err := r.svc.scans.UpdateScan(ctx, sc)
	if err != nil {
		r.log.WithError(err).WithField("scan_id", sc.ID).Error("mark scan running")
		return
	}

	log := r.log.WithField("scan_id", sc.ID)
	log.WithField("mode", string(sc.Mode)).Info("scan started")

	urls, err := r.resolveURLs(scanCtx, sc)
	if err != nil {
		r.finish(ctx, sc, started, 0, 0, err)
		return
	}
	sc.URLCount = len(urls)

	pool := extract.NewPool(r.extractor, extract.PoolConfig{
		Workers:     valueOr(sc.Params.Workers, r.cfg.Workers),
		ChunkSize:   valueOr(sc.Params.ChunkSize, r.cfg.ChunkSize),
		SampleSize:  sc.Params.SampleSize,
		PageTimeout: paramTimeout(sc.Params, r.cfg.PageTimeout),
	}, r.log)

	forms, runErr := pool.Run(scanCtx, urls, func(completed, total, found int) {
		r.svc.hub.Publish(scan.Progress{
			ScanID:    sc.ID,
			Stage:     scan.StageExtraction,
			Completed: completed,
			Total:     total,
			Found:     found,
			Status:    scan.StatusRunning,
			At:        time.Now().UTC(),
		})
	})

	if len(forms) > 0 {
		storeCtx, storeCancel := persistCtx(ctx)
		stored, err := r.svc.forms.AddForms(storeCtx, sc.ID, forms)
		storeCancel()
		if err != nil {
			r.finish(ctx, sc, started, len(urls), 0, fmt.Errorf("store forms: %w", err))
			return
		}
		forms = stored
		metrics.RecordFormsExtracted(len(stored))
	}

	r.finish(ctx, sc, started, len(urls), len(forms), runErr)
}

// resolveURLs expands the scan sources into the page URLs to crawl. In
// sitemap mode each source site is walked for sitemaps and their page URLs
// are collected; in URL mode the sources are crawled directly.
func (r *Runner) resolveURLs(ctx context.Context, sc scan.Scan) ([]string, error) {
	if sc.Mode == scan.ModeURLs {
		return sc.Sources, nil
	}

	seen := make(map[string]bool)
	var urls []string
	for i, source := range sc.Sources {
		r.svc.hub.Publish(scan.Progress{
			ScanID:    sc.ID,
			Stage:     scan.StageSitemaps,
			Completed: i,
			Total:     len(sc.Sources),
			Status:    scan.StatusRunning,
			At:        time.Now().UTC(),
		})

		entries, err := r.sitemaps.Discover(ctx, source, r.cfg.SitemapDepth)
		if err != nil {
			return nil, fmt.Errorf("discover sitemaps for %s: %w", source, err)
		}
		for _, entry := range entries {
			if entry.IsIndex {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			for _, pageURL := range r.sitemaps.ExtractURLs(ctx, entry.URL) {
				if !seen[pageURL] {
					seen[pageURL] = true
					urls = append(urls, pageURL)
				}
			}
		}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("no urls found in sitemaps")
	}
	return urls, nil
}

// finish records the terminal state. Cancellation maps to aborted with
// whatever was collected kept; any other error maps to failed.
func (r *Runner) finish(ctx context.Context, sc scan.Scan, started time.Time, urlCount, formCount int, runErr error) {
	finished := time.Now().UTC()
	sc.URLCount = urlCount
	sc.FormCount = formCount
	sc.FinishedAt = &finished
	sc.Duration = finished.Sub(started).Seconds()

	switch {
	case runErr == nil:
		sc.Status = scan.StatusCompleted
	case errors.Is(runErr, context.Canceled):
		sc.Status = scan.StatusAborted
	default:
		sc.Status = scan.StatusFailed
		sc.Error = runErr.Error()
	}

	updateCtx, cancel := persistCtx(ctx)
	defer cancel()
	if _, err := r.svc.scans.UpdateScan(updateCtx, sc); err != nil {
		r.log.WithError(err).WithField("scan_id", sc.ID).Error("record scan result")
		return
	}

	metrics.RecordScanRun(string(sc.Status), finished.Sub(started))
	r.svc.hub.Publish(scan.Progress{
		ScanID:    sc.ID,
		Stage:     scan.StageDone,
		Completed: urlCount,
		Total:     urlCount,
		Found:     formCount,
		Status:    sc.Status,
		At:        finished,
	})

	log := r.log.WithField("scan_id", sc.ID).
		WithField("status", string(sc.Status)).
		WithField("urls", urlCount).
		WithField("forms", formCount)
	if sc.Error != "" {
		log.WithField("error", sc.Error).Warn("scan finished")
		return
	}
	log.Info("scan finished")
}

// persistCtx detaches from ctx so a cancelled run can still record its
// terminal state in the store.
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func valueOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func paramTimeout(p scan.Params, fallback time.Duration) time.Duration {
	if p.TimeoutMS > 0 {
		return time.Duration(p.TimeoutMS) * time.Millisecond
	}
	return fallback
}
