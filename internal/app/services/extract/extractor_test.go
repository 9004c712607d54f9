package extract

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/formscan/formscan/internal/fetch"
)

const formPrefix = "https://ovh.slgnt.eu/optiext/"

func testPage(iframes string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><title>t</title></head>
<body>
  <div class="wrapper">
    <div class="content">
      <header><iframe src="%soutside.htm?ID=NOPE"></iframe></header>
      <main>%s</main>
    </div>
  </div>
</body></html>`, formPrefix, iframes)
}

func newTestExtractor() *Extractor {
	client := fetch.NewClient(fetch.ClientConfig{}, nil)
	return NewExtractor(client, formPrefix, nil)
}

func TestExtractHTMLMatchesPrefixedIframes(t *testing.T) {
	e := newTestExtractor()

	doc := testPage(fmt.Sprintf(
		`<iframe src="%sOptiext.dll?ID=F123&CODE=CRM42"></iframe>
		 <iframe src="https://elsewhere.example/embed"></iframe>`, formPrefix))

	forms := e.ExtractHTML("https://site.example/page", []byte(doc))
	if len(forms) != 1 {
		t.Fatalf("expected 1 form, got %d", len(forms))
	}
	f := forms[0]
	if f.FormID != "F123" {
		t.Fatalf("expected form id F123, got %q", f.FormID)
	}
	if f.CRMCampaign != "CRM42" {
		t.Fatalf("expected crm code CRM42, got %q", f.CRMCampaign)
	}
	if f.SourceURL != "https://site.example/page" {
		t.Fatalf("unexpected source url %q", f.SourceURL)
	}
}

func TestExtractHTMLIgnoresIframesOutsideMain(t *testing.T) {
	e := newTestExtractor()

	// The header iframe in testPage carries the prefix but sits above main.
	doc := testPage("<p>no forms here</p>")
	if forms := e.ExtractHTML("https://site.example/", []byte(doc)); len(forms) != 0 {
		t.Fatalf("expected no forms, got %d", len(forms))
	}
}

func TestExtractHTMLWithoutExpectedStructure(t *testing.T) {
	e := newTestExtractor()

	doc := fmt.Sprintf(`<html><body><main><iframe src="%sf?ID=X"></iframe></main></body></html>`, formPrefix)
	if forms := e.ExtractHTML("https://site.example/", []byte(doc)); len(forms) != 0 {
		t.Fatalf("main outside body>div>div should not match, got %d forms", len(forms))
	}
}

func TestExtractHTMLMultipleForms(t *testing.T) {
	e := newTestExtractor()

	doc := testPage(fmt.Sprintf(
		`<iframe src="%sa?ID=A1"></iframe><section><iframe src="%sb?ID=B2&CODE=C2"></iframe></section>`,
		formPrefix, formPrefix))

	forms := e.ExtractHTML("https://site.example/", []byte(doc))
	if len(forms) != 2 {
		t.Fatalf("expected 2 forms, got %d", len(forms))
	}
	if forms[0].FormID != "A1" || forms[1].FormID != "B2" {
		t.Fatalf("unexpected form ids %q, %q", forms[0].FormID, forms[1].FormID)
	}
}

func TestExtractPageFetchFailureReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := fetch.NewClient(fetch.ClientConfig{}, nil)
	e := NewExtractor(client, formPrefix, nil)

	if forms := e.ExtractPage(context.Background(), srv.URL); forms != nil {
		t.Fatalf("expected nil forms on server error, got %v", forms)
	}
}

func TestExtractPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testPage(fmt.Sprintf(`<iframe src="%sform?ID=LIVE1&CODE=CAMP"></iframe>`, formPrefix)))
	}))
	defer srv.Close()

	client := fetch.NewClient(fetch.ClientConfig{}, nil)
	e := NewExtractor(client, formPrefix, nil)

	forms := e.ExtractPage(context.Background(), srv.URL+"/landing")
	if len(forms) != 1 {
		t.Fatalf("expected 1 form, got %d", len(forms))
	}
	if forms[0].FormID != "LIVE1" || forms[0].CRMCampaign != "CAMP" {
		t.Fatalf("unexpected form %+v", forms[0])
	}
}
