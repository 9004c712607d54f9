// Package sitemaps discovers and reads XML sitemaps.
package sitemaps

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/formscan/formscan/internal/app/domain/sitemap"
	"github.com/formscan/formscan/internal/fetch"
	"github.com/formscan/formscan/pkg/logger"
)

// standardPaths are sitemap locations probed when robots.txt names none.
var standardPaths = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemapindex.xml",
	"/sitemap.php",
	"/sitemap.txt",
}

// Service discovers sitemaps for a site and extracts page URLs from them.
type Service struct {
	client *fetch.Client
	log    *logger.Logger
}

// New creates a sitemap service.
func New(client *fetch.Client, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("sitemaps")
	}
	return &Service{client: client, log: log}
}

// Discover finds the sitemaps reachable from a site URL: robots.txt
// `Sitemap:` directives plus the conventional locations, then a recursive
// walk of sitemap indexes down to maxDepth. Individual fetch or parse
// failures are skipped; discovery itself never fails.
func (s *Service) Discover(ctx context.Context, siteURL string, maxDepth int) ([]sitemap.Entry, error) {
	base, err := baseURL(siteURL)
	if err != nil {
		return nil, err
	}
	if maxDepth < 0 {
		maxDepth = 0
	}

	seeds := s.fromRobots(ctx, base)
	seeds = append(seeds, s.fromStandardPaths(ctx, base)...)
	seeds = dedupe(seeds)

	walker := &walker{svc: s, processed: make(map[string]bool), maxDepth: maxDepth}
	for _, seed := range seeds {
		walker.process(ctx, seed, 0, "")
	}
	return walker.entries, nil
}

// ExtractURLs returns the page URLs listed in a sitemap document. Non-200
// responses and malformed XML yield an empty slice.
func (s *Service) ExtractURLs(ctx context.Context, sitemapURL string) []string {
	res, err := s.client.Get(ctx, sitemapURL)
	if err != nil || !res.OK() {
		return nil
	}

	var set urlSet
	if err := xml.Unmarshal(res.Body, &set); err != nil {
		s.log.WithError(err).WithField("sitemap", sitemapURL).Debug("sitemap parse failed")
		return nil
	}

	urls := make([]string, 0, len(set.URLs))
	for _, entry := range set.URLs {
		loc := strings.TrimSpace(entry.Loc)
		if loc != "" {
			urls = append(urls, loc)
		}
	}
	return urls
}

// Info summarises a sitemap: URL count and most recent lastmod.
func (s *Service) Info(ctx context.Context, sitemapURL string) sitemap.Info {
	info := sitemap.Info{URL: sitemapURL}

	res, err := s.client.Get(ctx, sitemapURL)
	if err != nil || !res.OK() {
		return info
	}

	var set urlSet
	if err := xml.Unmarshal(res.Body, &set); err != nil {
		return info
	}

	info.URLCount = len(set.URLs)
	for _, entry := range set.URLs {
		if lm := strings.TrimSpace(entry.LastMod); lm > info.LastModified {
			info.LastModified = lm
		}
	}
	return info
}

func (s *Service) fromRobots(ctx context.Context, base string) []string {
	robotsURL := base + "/robots.txt"
	res, err := s.client.Get(ctx, robotsURL)
	if err != nil || !res.OK() {
		return nil
	}

	var found []string
	for _, line := range strings.Split(string(res.Body), "\n") {
		if !strings.HasPrefix(strings.ToLower(line), "sitemap:") {
			continue
		}
		if loc := strings.TrimSpace(line[len("sitemap:"):]); loc != "" {
			found = append(found, loc)
		}
	}
	return found
}

func (s *Service) fromStandardPaths(ctx context.Context, base string) []string {
	var found []string
	for _, path := range standardPaths {
		candidate := base + path
		status, err := s.client.Head(ctx, candidate)
		if err == nil && status == http.StatusOK {
			found = append(found, candidate)
		}
	}
	return found
}

// inspect fetches a sitemap and reports whether it is an index, returning
// the child sitemap URLs when it is.
func (s *Service) inspect(ctx context.Context, sitemapURL string) (bool, []string) {
	res, err := s.client.Get(ctx, sitemapURL)
	if err != nil || !res.OK() {
		return false, nil
	}

	var index sitemapIndex
	if err := xml.Unmarshal(res.Body, &index); err != nil {
		return false, nil
	}
	if index.XMLName.Local != "sitemapindex" || len(index.Sitemaps) == 0 {
		return false, nil
	}

	children := make([]string, 0, len(index.Sitemaps))
	for _, child := range index.Sitemaps {
		if loc := strings.TrimSpace(child.Loc); loc != "" {
			children = append(children, loc)
		}
	}
	return true, children
}

type walker struct {
	svc       *Service
	processed map[string]bool
	maxDepth  int
	entries   []sitemap.Entry
}

func (w *walker) process(ctx context.Context, sitemapURL string, depth int, parent string) {
	if w.processed[sitemapURL] || depth > w.maxDepth {
		return
	}
	w.processed[sitemapURL] = true

	isIndex, children := w.svc.inspect(ctx, sitemapURL)
	entry := sitemap.Entry{
		URL:     sitemapURL,
		IsIndex: isIndex,
		Depth:   depth,
		Parent:  parent,
	}
	if isIndex {
		entry.Children = children
	}
	w.entries = append(w.entries, entry)

	if isIndex && depth < w.maxDepth {
		for _, child := range children {
			w.process(ctx, child, depth+1, sitemapURL)
		}
	}
}

// --- XML documents -----------------------------------------------------------

type urlSet struct {
	XMLName xml.Name   `xml:"urlset"`
	URLs    []urlEntry `xml:"url"`
}

type urlEntry struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

type sitemapIndex struct {
	XMLName  xml.Name       `xml:"sitemapindex"`
	Sitemaps []sitemapChild `xml:"sitemap"`
}

type sitemapChild struct {
	Loc string `xml:"loc"`
}

func baseURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse site url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("site url %q must be absolute", raw)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	result := urls[:0]
	for _, u := range urls {
		if !seen[u] {
			seen[u] = true
			result = append(result, u)
		}
	}
	return result
}
