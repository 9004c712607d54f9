// Package app wires the formscan services together and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"

	"github.com/formscan/formscan/internal/app/services/analysis"
	"github.com/formscan/formscan/internal/app/services/extract"
	"github.com/formscan/formscan/internal/app/services/report"
	"github.com/formscan/formscan/internal/app/services/scans"
	"github.com/formscan/formscan/internal/app/services/schedules"
	"github.com/formscan/formscan/internal/app/services/sitemaps"
	"github.com/formscan/formscan/internal/app/storage"
	"github.com/formscan/formscan/internal/app/storage/memory"
	"github.com/formscan/formscan/internal/app/system"
	"github.com/formscan/formscan/internal/config"
	"github.com/formscan/formscan/internal/fetch"
	"github.com/formscan/formscan/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Scans     storage.ScanStore
	Forms     storage.FormStore
	Datasets  storage.DatasetStore
	Schedules storage.ScheduleStore
}

// Application ties the formscan services together.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Scans     *scans.Service
	Sitemaps  *sitemaps.Service
	Extractor *extract.Extractor
	Analysis  *analysis.Service
	Report    *report.Service
	Schedules *schedules.Service
}

// New builds a fully initialised application with the provided stores. The
// page cache is optional.
func New(cfg *config.Config, stores Stores, cache fetch.Cache, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Scans == nil {
		stores.Scans = mem
	}
	if stores.Forms == nil {
		stores.Forms = mem
	}
	if stores.Datasets == nil {
		stores.Datasets = mem
	}
	if stores.Schedules == nil {
		stores.Schedules = mem
	}

	client := fetch.NewClient(fetch.ClientConfig{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.Crawler.Timeout,
		MaxBodyBytes: cfg.Crawler.MaxBodyBytes,
		HostRPS:      cfg.Crawler.HostRPS,
		HostBurst:    cfg.Crawler.HostBurst,
	}, log)
	if cache != nil {
		client = client.WithCache(cache)
	}

	sitemapSvc := sitemaps.New(client, log)
	extractor := extract.NewExtractor(client, cfg.Iframe.SrcPrefix, log)
	scanSvc := scans.New(stores.Scans, stores.Forms, scans.NewHub(), log)
	analysisSvc := analysis.New(stores.Scans, stores.Forms, stores.Datasets, extractor, analysis.Config{
		TemplateMappingPath:  cfg.Analysis.TemplateMappingPath,
		BadIntegrationMarker: cfg.Iframe.BadIntegrationMarker,
		MaxDatasetBytes:      cfg.Analysis.MaxDatasetBytes,
		MaxDatasetRows:       cfg.Analysis.MaxDatasetRows,
	}, log)
	reportSvc := report.New(log)
	scheduleSvc := schedules.New(stores.Schedules, log)

	manager := system.NewManager()

	scanRunner := scans.NewRunner(scanSvc, sitemapSvc, extractor, scans.RunnerConfig{
		PollPeriod:   cfg.Crawler.ScanPollPeriod,
		Workers:      cfg.Crawler.MaxWorkers,
		ChunkSize:    cfg.Crawler.ChunkSize,
		PageTimeout:  cfg.Crawler.Timeout,
		SitemapDepth: cfg.Crawler.SitemapDepth,
	}, log)
	scheduleRunner := schedules.NewRunner(scheduleSvc, scanSvc, log)

	for _, svc := range []system.Service{scanRunner, scheduleRunner} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:   manager,
		log:       log,
		Scans:     scanSvc,
		Sitemaps:  sitemapSvc,
		Extractor: extractor,
		Analysis:  analysisSvc,
		Report:    reportSvc,
		Schedules: scheduleSvc,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered background services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.StartAll(ctx)
}

// Stop stops all background services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.StopAll(ctx)
}
