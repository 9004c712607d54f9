// Package extract pulls matching form iframes out of crawled pages.
package extract

import (
	"bytes"
	"context"
	"strings"

	"golang.org/x/net/html"

	"github.com/formscan/formscan/internal/app/domain/form"
	"github.com/formscan/formscan/internal/fetch"
	"github.com/formscan/formscan/pkg/logger"
)

// Extractor fetches pages and extracts iframes whose src carries the
// configured prefix. Only iframes inside the page's body>div>div>main
// section are considered; marketing forms are embedded there and nowhere
// else, and the restriction keeps navigation/chat widgets out.
type Extractor struct {
	client    *fetch.Client
	srcPrefix string
	log       *logger.Logger
}

// NewExtractor creates an extractor matching iframes by src prefix.
func NewExtractor(client *fetch.Client, srcPrefix string, log *logger.Logger) *Extractor {
	if log == nil {
		log = logger.NewDefault("extract")
	}
	return &Extractor{client: client, srcPrefix: srcPrefix, log: log}
}

// ExtractPage fetches one page and returns the matching forms on it. Fetch
// failures, non-200 responses and pages without the expected structure all
// return an empty slice: a single bad page never fails a scan.
func (e *Extractor) ExtractPage(ctx context.Context, pageURL string) []form.ExtractedForm {
	res, err := e.client.Get(ctx, pageURL)
	if err != nil {
		e.log.WithError(err).WithField("url", pageURL).Debug("page fetch failed")
		return nil
	}
	if !res.OK() {
		return nil
	}
	return e.ExtractHTML(pageURL, res.Body)
}

// ExtractHTML extracts matching forms from an already-fetched document.
func (e *Extractor) ExtractHTML(pageURL string, doc []byte) []form.ExtractedForm {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		e.log.WithError(err).WithField("url", pageURL).Debug("html parse failed")
		return nil
	}

	main := findMainSection(root)
	if main == nil {
		return nil
	}

	var results []form.ExtractedForm
	walkIframes(main, func(src string) {
		if !strings.HasPrefix(src, e.srcPrefix) {
			return
		}
		formID, crmCode := form.ParseFormRef(src)
		results = append(results, form.ExtractedForm{
			SourceURL:   pageURL,
			IframeSrc:   src,
			FormID:      formID,
			CRMCampaign: crmCode,
		})
	})
	return results
}

// findMainSection resolves body > div > div > main, matching the original
// page structure the forms are embedded in.
func findMainSection(root *html.Node) *html.Node {
	body := findElement(root, "body")
	if body == nil {
		return nil
	}
	outer := firstChildElement(body, "div")
	if outer == nil {
		return nil
	}
	inner := firstChildElement(outer, "div")
	if inner == nil {
		return nil
	}
	return findElement(inner, "main")
}

// findElement locates the first element with the given tag anywhere under n.
func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, tag); found != nil {
			return found
		}
	}
	return nil
}

// firstChildElement returns the first direct child element with the tag.
func firstChildElement(n *html.Node, tag string) *html.Node {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && child.Data == tag {
			return child
		}
	}
	return nil
}

func walkIframes(n *html.Node, visit func(src string)) {
	if n.Type == html.ElementNode && n.Data == "iframe" {
		for _, attr := range n.Attr {
			if attr.Key == "src" {
				visit(attr.Val)
				break
			}
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		walkIframes(child, visit)
	}
}
