package api

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/clipmill/internal/dashboard"
	"github.com/nadmax/clipmill/internal/httputil"
	"github.com/nadmax/clipmill/internal/ledger"
	"github.com/nadmax/clipmill/internal/manager"
	"github.com/nadmax/clipmill/internal/output"
	"github.com/nadmax/clipmill/internal/service"
	"github.com/nadmax/clipmill/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	userHeader      = "X-User-ID"
	maxUploadMemory = 32 << 20
)

type API struct {
	service   *service.Service
	manager   *manager.Manager
	ledger    *ledger.Ledger
	outputs   *output.Store
	dashboard *dashboard.Dashboard
	mux       *http.ServeMux
}

// BatchRequest is the JSON submission body. Paths refer to files already
// present on the server.
type BatchRequest struct {
	UserID         string  `json:"user_id"`
	PrimaryPath    string  `json:"primary_path"`
	SecondaryPath  string  `json:"secondary_path"`
	NumItems       int     `json:"num_items"`
	SegmentSeconds float64 `json:"segment_seconds"`
}

func NewAPI(svc *service.Service, m *manager.Manager, l *ledger.Ledger, outputs *output.Store, dash *dashboard.Dashboard) *API {
	api := &API{
		service:   svc,
		manager:   m,
		ledger:    l,
		outputs:   outputs,
		dashboard: dash,
		mux:       http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("POST /api/batches", a.createBatch)
	a.mux.HandleFunc("GET /api/batches", a.listBatches)
	a.mux.HandleFunc("GET /api/batches/{id}", a.getBatch)
	a.mux.HandleFunc("GET /api/batches/{id}/items", a.dashboard.GetItemLog)
	a.mux.HandleFunc("GET /api/progress/{id}", a.getProgress)

	a.mux.HandleFunc("GET /api/outputs", a.listOutputs)
	a.mux.HandleFunc("GET /api/outputs/archive", a.downloadArchive)
	a.mux.HandleFunc("GET /api/outputs/file/{path...}", a.downloadOutput)

	a.mux.HandleFunc("GET /api/credits/{user}", a.getCredits)

	a.mux.HandleFunc("GET /api/dashboard/stats", a.dashboard.GetStats)
	a.mux.HandleFunc("GET /api/dashboard/history", a.dashboard.GetRecentBatches)

	a.mux.Handle("GET /metrics", promhttp.Handler())
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) createBatch(w http.ResponseWriter, r *http.Request) {
	var (
		req service.Request
		err error
	)

	uploaded := strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
	if uploaded {
		req, err = a.parseMultipart(r)
	} else {
		req, err = parseJSON(r)
	}
	if err != nil {
		writeSubmitError(w, err)
		return
	}

	if user := r.Header.Get(userHeader); user != "" {
		req.UserID = user
	}

	t, err := a.service.Submit(r.Context(), req)
	if err != nil {
		if uploaded {
			a.discardUploads(req.PrimaryPath, req.SecondaryPath)
		}
		writeSubmitError(w, err)
		return
	}

	httputil.WriteJSON(w, map[string]string{"task_id": t.ID}, http.StatusAccepted)
}

// requestError is a malformed submission detected before validation.
type requestError struct {
	msg string
}

func (e *requestError) Error() string {
	return e.msg
}

func badRequest(msg string) error {
	return &requestError{msg: msg}
}

func parseJSON(r *http.Request) (service.Request, error) {
	defer func() {
		if err := r.Body.Close(); err != nil {
			slog.Warn("failed to close request body", "error", err)
		}
	}()

	var body BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return service.Request{}, badRequest("invalid JSON")
	}

	return service.Request{
		UserID:          body.UserID,
		PrimaryPath:     body.PrimaryPath,
		SecondaryPath:   body.SecondaryPath,
		NumItems:        body.NumItems,
		SegmentDuration: time.Duration(body.SegmentSeconds * float64(time.Second)),
	}, nil
}

func (a *API) parseMultipart(r *http.Request) (service.Request, error) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return service.Request{}, badRequest("invalid multipart form")
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.Warn("failed to remove multipart temp files", "error", err)
		}
	}()

	numItems, err := strconv.Atoi(r.FormValue("num_items"))
	if err != nil {
		return service.Request{}, badRequest("num_items must be an integer")
	}

	var segment time.Duration
	if raw := r.FormValue("segment_seconds"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return service.Request{}, badRequest("segment_seconds must be a number")
		}
		segment = time.Duration(secs * float64(time.Second))
	}

	primary, err := a.saveFormFile(r, "primary_video")
	if err != nil {
		return service.Request{}, err
	}
	secondary, err := a.saveFormFile(r, "secondary_video")
	if err != nil {
		a.discardUploads(primary)
		return service.Request{}, err
	}

	return service.Request{
		UserID:          r.FormValue("user_id"),
		PrimaryPath:     primary,
		SecondaryPath:   secondary,
		NumItems:        numItems,
		SegmentDuration: segment,
	}, nil
}

func (a *API) saveFormFile(r *http.Request, field string) (string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", badRequest(field+" is required")
	}
	defer func(f multipart.File) {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close upload", "field", field, "error", err)
		}
	}(file)

	return a.outputs.SaveUpload(header.Filename, file)
}

func (a *API) discardUploads(paths ...string) {
	for _, p := range paths {
		if _, err := a.outputs.RemoveUpload(p); err != nil {
			slog.Warn("failed to remove upload", "error", err)
		}
	}
}

func writeSubmitError(w http.ResponseWriter, err error) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr),
		errors.Is(err, service.ErrInvalidArgument),
		errors.Is(err, output.ErrExtensionDenied):
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInsufficientCredits):
		httputil.WriteJSONError(w, err.Error(), http.StatusPaymentRequired)
	default:
		slog.Error("batch submission failed", "error", err)
		httputil.WriteJSONError(w, "failed to submit batch", http.StatusInternalServerError)
	}
}

func (a *API) getProgress(w http.ResponseWriter, r *http.Request) {
	progress := a.manager.GetProgress(r.Context(), r.PathValue("id"))
	httputil.WriteJSON(w, map[string]float64{"progress": progress}, http.StatusOK)
}

func (a *API) getBatch(w http.ResponseWriter, r *http.Request) {
	t, err := a.manager.GetTask(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteJSONError(w, "batch not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, t, http.StatusOK)
}

func (a *API) listBatches(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.manager.ListTasks(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if user := r.URL.Query().Get("user_id"); user != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.UserID == user {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	httputil.WriteJSON(w, tasks, http.StatusOK)
}

func (a *API) listOutputs(w http.ResponseWriter, _ *http.Request) {
	finals, err := a.outputs.ListFinals()
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if finals == nil {
		finals = []string{}
	}

	httputil.WriteJSON(w, map[string][]string{"outputs": finals}, http.StatusOK)
}

func (a *API) downloadArchive(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="clips.zip"`)

	// Headers are already sent once streaming starts; failures can only be
	// logged.
	if err := a.outputs.WriteArchive(w); err != nil {
		slog.Error("failed to stream archive", "error", err)
	}
}

func (a *API) downloadOutput(w http.ResponseWriter, r *http.Request) {
	rel := r.PathValue("path")

	f, err := a.outputs.Open(rel)
	switch {
	case errors.Is(err, output.ErrInvalidPath):
		httputil.WriteJSONError(w, "invalid output path", http.StatusBadRequest)
		return
	case errors.Is(err, fs.ErrNotExist):
		httputil.WriteJSONError(w, "output not found", http.StatusNotFound)
		return
	case err != nil:
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close output", "path", rel, "error", err)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(rel)+`"`)
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (a *API) getCredits(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")

	credits, err := a.ledger.Balance(r.Context(), user)
	if errors.Is(err, ledger.ErrUnknownUser) {
		httputil.WriteJSONError(w, "user not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, map[string]any{"user_id": user, "credits": credits}, http.StatusOK)
}
