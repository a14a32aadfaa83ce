package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/forensicflow/internal/custody"
	"github.com/your-org/forensicflow/internal/notify"
	"github.com/your-org/forensicflow/pkg/integrity"
	"github.com/your-org/forensicflow/pkg/kafka"
	"github.com/your-org/forensicflow/pkg/storage/objectstore"
)

// HTTPHandler exposes the intake REST surface.
type HTTPHandler struct {
	service      *Service
	notifier     *notify.Hub
	logger       *zap.Logger
	maxSizeBytes int64
	formMemBytes int64
	router       chi.Router
}

// NewHTTPHandler constructs the HTTP handler and wires routes.
func NewHTTPHandler(service *Service, notifier *notify.Hub, logger *zap.Logger, maxSizeBytes, formMemBytes int64) *HTTPHandler {
	h := &HTTPHandler{
		service:      service,
		notifier:     notifier,
		logger:       logger,
		maxSizeBytes: maxSizeBytes,
		formMemBytes: formMemBytes,
	}
	h.buildRouter()
	return h
}

func (h *HTTPHandler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(ActorContext)

	r.Get("/healthz", h.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.Timeout(10*time.Minute)).Post("/evidence", h.handleUpload)
		r.Get("/evidence/*", h.handleStream)
		r.Head("/evidence/*", h.handleStat)
		r.Get("/cases/{caseID}/custody", h.handleTimeline)
		r.Get("/events", h.handleEvents)
	})

	h.router = r
}

// Router exposes the configured chi router.
func (h *HTTPHandler) Router() http.Handler {
	return h.router
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleUpload is the intake entry point: multipart "file" part plus an
// optional "case_id" field. The 202 is sent only after the evidence is
// stored, ledgered, and dispatched.
func (h *HTTPHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > 0 && r.ContentLength > h.maxSizeBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "upload-failed", "payload too large")
		return
	}

	if err := r.ParseMultipartForm(h.formMemBytes); err != nil {
		writeError(w, http.StatusBadRequest, "upload-failed", "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "upload-failed", "file field is required")
		return
	}
	defer file.Close()

	if header.Size > h.maxSizeBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "upload-failed", "file exceeds max size limit")
		return
	}

	caseID := r.FormValue("case_id")
	if caseID == "" {
		caseID = "case-" + uuid.NewString()[:8]
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	result, err := h.service.ProcessUpload(r.Context(), file, header.Size, UploadOptions{
		CaseID:      caseID,
		Filename:    header.Filename,
		ContentType: contentType,
		Actor:       ActorFromContext(r.Context()),
	})
	if err != nil {
		h.logger.Error("upload rejected",
			zap.String("case_id", caseID),
			zap.String("filename", header.Filename),
			zap.Error(err))
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"case_id":        result.CaseID,
		"object_key":     result.ObjectKey,
		"hash":           result.Hash,
		"size_bytes":     result.Size,
		"classification": result.Classification,
		"uploaded_at":    result.UploadedAt,
	})
}

// handleTimeline returns the custody timeline for a case, with a per-record
// verification flag for audit display.
func (h *HTTPHandler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	records, err := h.service.Timeline(r.Context(), caseID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if records == nil {
		records = []custody.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case_id": caseID,
		"records": records,
	})
}

// handleEvents streams pipeline notifications to observers over SSE. Purely
// best-effort; dashboards reconnect as needed.
func (h *HTTPHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	events, cancel := h.notifier.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

// writeErr maps pipeline errors onto the structured error taxonomy. Internal
// details (connection strings, stack traces) never reach the response body.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, objectstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not-found", "evidence object not found")
	case errors.Is(err, ErrPathTraversal):
		writeError(w, http.StatusBadRequest, "path-traversal-rejected", "evidence path escapes the storage namespace")
	case errors.Is(err, ErrInvalidRange):
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "invalid-range", "requested range is malformed or unsatisfiable")
	case errors.Is(err, integrity.ErrIncompleteStream):
		writeError(w, http.StatusInternalServerError, "incomplete-stream", "upload stream ended before the full payload was received")
	case errors.Is(err, objectstore.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage-unavailable", "evidence storage is unavailable")
	case errors.Is(err, objectstore.ErrUploadFailed):
		writeError(w, http.StatusInternalServerError, "upload-failed", "evidence could not be stored")
	case errors.Is(err, custody.ErrLedgerUnavailable):
		writeError(w, http.StatusServiceUnavailable, "ledger-unavailable", "custody ledger write failed; upload not accepted")
	case errors.Is(err, kafka.ErrDispatchUnavailable):
		writeError(w, http.StatusServiceUnavailable, "dispatch-unavailable", "analysis queue is unavailable; upload not accepted")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]string{
		"error":   kind,
		"message": msg,
	})
}
