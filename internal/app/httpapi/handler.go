// Package httpapi exposes the formscan REST API.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	app "github.com/formscan/formscan/internal/app"
	"github.com/formscan/formscan/internal/app/domain/mapping"
	"github.com/formscan/formscan/internal/app/domain/scan"
	"github.com/formscan/formscan/internal/app/domain/schedule"
	"github.com/formscan/formscan/internal/app/metrics"
	"github.com/formscan/formscan/internal/app/services/analysis"
	"github.com/formscan/formscan/internal/app/services/report"
	"github.com/formscan/formscan/internal/app/services/scans"
	"github.com/formscan/formscan/internal/app/services/schedules"
	"github.com/formscan/formscan/pkg/logger"
)

// Pinger reports storage liveness for the health endpoint.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
	db  Pinger
	log *logger.Logger
}

// NewHandler returns a router exposing the REST API. The db pinger is
// optional; without it the health endpoint reports only process liveness.
func NewHandler(application *app.Application, db Pinger, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{app: application, db: db, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/scans", h.createScan).Methods(http.MethodPost)
	r.HandleFunc("/scans", h.listScans).Methods(http.MethodGet)
	r.HandleFunc("/scans/{id}", h.getScan).Methods(http.MethodGet)
	r.HandleFunc("/scans/{id}", h.abortScan).Methods(http.MethodDelete)
	r.HandleFunc("/scans/{id}/forms", h.scanForms).Methods(http.MethodGet)
	r.HandleFunc("/scans/{id}/events", h.scanEvents).Methods(http.MethodGet)

	r.HandleFunc("/scans/{id}/datasets/{kind}", h.uploadDataset).Methods(http.MethodPost)
	r.HandleFunc("/scans/{id}/datasets/{kind}", h.getDataset).Methods(http.MethodGet)

	r.HandleFunc("/scans/{id}/analysis", h.analyze).Methods(http.MethodGet)
	r.HandleFunc("/scans/{id}/missing", h.missingForms).Methods(http.MethodGet)
	r.HandleFunc("/scans/{id}/recheck", h.recheck).Methods(http.MethodPost)
	r.HandleFunc("/scans/{id}/export", h.exportCSV).Methods(http.MethodGet)
	r.HandleFunc("/scans/{id}/report", h.emailReport).Methods(http.MethodGet)

	r.HandleFunc("/sitemaps/discover", h.discoverSitemaps).Methods(http.MethodPost)
	r.HandleFunc("/sitemaps/urls", h.sitemapURLs).Methods(http.MethodPost)

	r.HandleFunc("/schedules", h.createSchedule).Methods(http.MethodPost)
	r.HandleFunc("/schedules", h.listSchedules).Methods(http.MethodGet)
	r.HandleFunc("/schedules/{id}", h.getSchedule).Methods(http.MethodGet)
	r.HandleFunc("/schedules/{id}", h.updateSchedule).Methods(http.MethodPut)
	r.HandleFunc("/schedules/{id}", h.deleteSchedule).Methods(http.MethodDelete)

	return r
}

// --- health ------------------------------------------------------------------

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			status["database"] = "ok"
		}
	}
	writeJSON(w, code, status)
}

// --- scans -------------------------------------------------------------------

func (h *handler) createScan(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Mode    string      `json:"mode"`
		Sources []string    `json:"sources"`
		Params  scan.Params `json:"params"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sc, err := h.app.Scans.Create(r.Context(), scan.Mode(payload.Mode), payload.Sources, payload.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (h *handler) listScans(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Scans.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getScan(w http.ResponseWriter, r *http.Request) {
	sc, err := h.app.Scans.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (h *handler) abortScan(w http.ResponseWriter, r *http.Request) {
	sc, err := h.app.Scans.Abort(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (h *handler) scanForms(w http.ResponseWriter, r *http.Request) {
	forms, err := h.app.Scans.Forms(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}
	writeJSON(w, http.StatusOK, forms)
}

// --- datasets ----------------------------------------------------------------

func (h *handler) uploadDataset(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var payload struct {
		Columns []string             `json:"columns"`
		Rows    []map[string]string  `json:"rows"`
		Config  mapping.ColumnConfig `json:"config"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ds := mapping.Dataset{
		ScanID:  vars["id"],
		Kind:    mapping.DatasetKind(vars["kind"]),
		Columns: payload.Columns,
		Rows:    payload.Rows,
		Config:  payload.Config,
	}
	stored, err := h.app.Analysis.IngestDataset(r.Context(), ds, r.ContentLength)
	if err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (h *handler) getDataset(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ds, err := h.app.Analysis.Dataset(r.Context(), vars["id"], mapping.DatasetKind(vars["kind"]))
	if err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

// --- analysis ----------------------------------------------------------------

func (h *handler) analyze(w http.ResponseWriter, r *http.Request) {
	rep, err := h.app.Analysis.Analyze(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handler) missingForms(w http.ResponseWriter, r *http.Request) {
	missing, err := h.app.Analysis.MissingForms(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}
	writeJSON(w, http.StatusOK, missing)
}

func (h *handler) recheck(w http.ResponseWriter, r *http.Request) {
	recovered, err := h.app.Analysis.Recheck(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recovered": len(recovered),
		"forms":     recovered,
	})
}

func (h *handler) exportCSV(w http.ResponseWriter, r *http.Request) {
	scanID := mux.Vars(r)["id"]
	rep, err := h.app.Analysis.Analyze(r.Context(), scanID)
	if err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}

	opts := report.ExportOptions{
		StripCRMPrefix: r.URL.Query().Get("strip_crm_prefix") == "true",
	}
	if sep := r.URL.Query().Get("separator"); sep == ";" {
		opts.Separator = ';'
	}

	data, err := h.app.Report.ExportCSV(rep, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.ExportFilename(scanID, rep.GeneratedAt)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *handler) emailReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.app.Analysis.Analyze(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"subject": fmt.Sprintf("Form extraction report for scan %s", rep.ScanID),
		"body":    h.app.Report.EmailBody(rep),
	})
}

// --- sitemaps ----------------------------------------------------------------

func (h *handler) discoverSitemaps(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		URL      string `json:"url"`
		MaxDepth int    `json:"max_depth"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.MaxDepth <= 0 {
		payload.MaxDepth = 2
	}

	entries, err := h.app.Sitemaps.Discover(r.Context(), payload.URL, payload.MaxDepth)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) sitemapURLs(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Sitemap string `json:"sitemap"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.Sitemap) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sitemap url is required"))
		return
	}

	urls := h.app.Sitemaps.ExtractURLs(r.Context(), payload.Sitemap)
	info := h.app.Sitemaps.Info(r.Context(), payload.Sitemap)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"info": info,
		"urls": urls,
	})
}

// --- schedules ---------------------------------------------------------------

func (h *handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var payload schedulePayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sch, err := h.app.Schedules.Create(r.Context(), payload.toDomain(""))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

func (h *handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Schedules.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := h.app.Schedules.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (h *handler) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var payload schedulePayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sch, err := h.app.Schedules.Update(r.Context(), payload.toDomain(mux.Vars(r)["id"]))
	if err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (h *handler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Schedules.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type schedulePayload struct {
	Name     string      `json:"name"`
	CronExpr string      `json:"cron_expr"`
	Mode     string      `json:"mode"`
	Sources  []string    `json:"sources"`
	Params   scan.Params `json:"params"`
	Enabled  bool        `json:"enabled"`
}

func (p schedulePayload) toDomain(id string) schedule.Schedule {
	return schedule.Schedule{
		ID:       id,
		Name:     p.Name,
		CronExpr: p.CronExpr,
		Mode:     scan.Mode(p.Mode),
		Sources:  p.Sources,
		Params:   p.Params,
		Enabled:  p.Enabled,
	}
}

// --- helpers -----------------------------------------------------------------

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// statusForLookup maps service errors to HTTP statuses. Missing records turn
// into 404, validation failures into 400, state conflicts into 409. Anything
// else is an internal failure and must not masquerade as a client error.
func statusForLookup(err error) int {
	switch {
	case errors.Is(err, sql.ErrNoRows) || strings.Contains(err.Error(), "not found"):
		return http.StatusNotFound
	case errors.Is(err, analysis.ErrInvalidDataset) || errors.Is(err, schedules.ErrInvalidSchedule):
		return http.StatusBadRequest
	case errors.Is(err, scans.ErrNotAbortable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
