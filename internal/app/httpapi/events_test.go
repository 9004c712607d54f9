package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	app "github.com/formscan/formscan/internal/app"
	"github.com/formscan/formscan/internal/app/domain/scan"
)

func TestScanEventsWebsocket(t *testing.T) {
	application, err := app.New(testConfig(), app.Stores{}, nil, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	srv := httptest.NewServer(NewHandler(application, nil, nil))
	t.Cleanup(srv.Close)

	sc, err := application.Scans.Create(context.Background(), scan.ModeURLs, []string{"https://site.example/page"}, scan.Params{})
	if err != nil {
		t.Fatalf("create scan: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/scans/" + sc.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The handler subscribes after the upgrade, so keep republishing the
	// running state until a frame comes through.
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopPublishing := func() { stopOnce.Do(func() { close(stop) }) }
	defer stopPublishing()
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				application.Scans.Hub().Publish(scan.Progress{
					ScanID:    sc.ID,
					Stage:     scan.StageExtraction,
					Completed: 1,
					Total:     2,
					Status:    scan.StatusRunning,
					At:        time.Now().UTC(),
				})
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var progress scan.Progress
	if err := conn.ReadJSON(&progress); err != nil {
		t.Fatalf("read progress: %v", err)
	}
	if progress.ScanID != sc.ID || progress.Status != scan.StatusRunning {
		t.Fatalf("unexpected progress %+v", progress)
	}
	stopPublishing()

	application.Scans.Hub().Publish(scan.Progress{
		ScanID:    sc.ID,
		Stage:     scan.StageDone,
		Completed: 2,
		Total:     2,
		Found:     1,
		Status:    scan.StatusCompleted,
		At:        time.Now().UTC(),
	})

	var sawTerminal bool
	for {
		var next scan.Progress
		if err := conn.ReadJSON(&next); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected normal closure after terminal event, got %v", err)
			}
			break
		}
		if next.Status.Terminal() {
			sawTerminal = true
		}
	}
	if !sawTerminal {
		t.Fatal("terminal progress event never arrived")
	}
}

func TestScanEventsUnknownScan(t *testing.T) {
	application, err := app.New(testConfig(), app.Stores{}, nil, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	srv := httptest.NewServer(NewHandler(application, nil, nil))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/scans/absent/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake failure for unknown scan")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake response, got %+v", resp)
	}
}
