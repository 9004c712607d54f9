package extract

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/formscan/formscan/internal/app/domain/form"
	"github.com/formscan/formscan/pkg/logger"
)

// PoolConfig bounds a batch extraction run.
type PoolConfig struct {
	Workers   int
	ChunkSize int
	// SampleSize limits the run to a random subset of the URL list when
	// greater than zero.
	SampleSize int
	// PageTimeout bounds each individual page extraction.
	PageTimeout time.Duration
}

// Progress reports batch completion as URLs finish.
type Progress func(completed, total, found int)

// Pool runs page extraction over a URL list with a bounded worker pool.
// URLs are processed in chunks so progress reporting and cancellation stay
// responsive on large crawls.
type Pool struct {
	extractor *Extractor
	cfg       PoolConfig
	log       *logger.Logger
}

// NewPool creates a pool around an extractor.
func NewPool(extractor *Extractor, cfg PoolConfig, log *logger.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 50
	}
	if log == nil {
		log = logger.NewDefault("extract-pool")
	}
	return &Pool{extractor: extractor, cfg: cfg, log: log}
}

// Run extracts forms from all URLs. It returns the forms collected so far
// together with ctx.Err() when cancelled mid-run; partial results are always
// valid.
func (p *Pool) Run(ctx context.Context, urls []string, onProgress Progress) ([]form.ExtractedForm, error) {
	urls = p.sample(urls)
	total := len(urls)
	if total == 0 {
		return nil, nil
	}

	var (
		mu        sync.Mutex
		results   []form.ExtractedForm
		completed int
	)

	report := func() {
		if onProgress != nil {
			onProgress(completed, total, len(results))
		}
	}

	for start := 0; start < total; start += p.cfg.ChunkSize {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		end := start + p.cfg.ChunkSize
		if end > total {
			end = total
		}
		chunk := urls[start:end]

		jobs := make(chan string)
		var wg sync.WaitGroup
		for i := 0; i < p.cfg.Workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for pageURL := range jobs {
					found := p.extractPage(ctx, pageURL)
					mu.Lock()
					results = append(results, found...)
					completed++
					report()
					mu.Unlock()
				}
			}()
		}

	feed:
		for _, pageURL := range chunk {
			select {
			case jobs <- pageURL:
			case <-ctx.Done():
				break feed
			}
		}
		close(jobs)
		wg.Wait()
	}

	return results, ctx.Err()
}

func (p *Pool) extractPage(ctx context.Context, pageURL string) []form.ExtractedForm {
	if p.cfg.PageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.PageTimeout)
		defer cancel()
	}
	return p.extractor.ExtractPage(ctx, pageURL)
}

func (p *Pool) sample(urls []string) []string {
	if p.cfg.SampleSize <= 0 || len(urls) <= p.cfg.SampleSize {
		return urls
	}
	p.log.Infof("sample mode: picking %d of %d urls", p.cfg.SampleSize, len(urls))
	shuffled := append([]string(nil), urls...)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:p.cfg.SampleSize]
}
