// Package sitemap defines the sitemap tree discovered for a site.
package sitemap

// Entry is one discovered sitemap. Index sitemaps carry their child sitemap
// URLs; leaf sitemaps carry page URLs instead.
type Entry struct {
	URL      string   `json:"url"`
	IsIndex  bool     `json:"is_index"`
	Depth    int      `json:"depth"`
	Children []string `json:"children,omitempty"`
	// Parent is the index sitemap this entry was found in, empty for seeds.
	Parent string `json:"parent,omitempty"`
}

// Info summarizes a single sitemap document. LastModified carries the most
// recent raw lastmod value as published.
type Info struct {
	URL          string `json:"url"`
	URLCount     int    `json:"url_count"`
	LastModified string `json:"last_modified,omitempty"`
}
