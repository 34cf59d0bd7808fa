package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ryabkov82/rndc-batch-server/internal/apperror"
	"github.com/ryabkov82/rndc-batch-server/internal/batch"
	"github.com/ryabkov82/rndc-batch-server/internal/config"
	"github.com/ryabkov82/rndc-batch-server/internal/ingest"
	"github.com/ryabkov82/rndc-batch-server/internal/logger"
	"github.com/ryabkov82/rndc-batch-server/internal/rndc"
	"github.com/ryabkov82/rndc-batch-server/internal/submission"
	"github.com/ryabkov82/rndc-batch-server/internal/version"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 32 << 20

// Handler handles HTTP requests
type Handler struct {
	tracker        *batch.Tracker
	registry       submission.Querier
	rndc           config.RNDCConfig
	builder        *rndc.Builder
	allowedBaseDir string
	log            logger.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithBuilder replaces the message builder used by imports.
func WithBuilder(b *rndc.Builder) HandlerOption {
	return func(h *Handler) { h.builder = b }
}

// NewHandler creates a new handler
// tracker: batch state owner
// registry: relays POST /query and import pre-queries to the registry
func NewHandler(tracker *batch.Tracker, registry submission.Querier, cfg *config.Config, log logger.Logger, opts ...HandlerOption) (*Handler, error) {
	absDir := ""
	if cfg.Server.AllowedBaseDir != "" {
		var err error
		absDir, err = filepath.Abs(cfg.Server.AllowedBaseDir)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed base dir: %w", err)
		}
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	h := &Handler{
		tracker:        tracker,
		registry:       registry,
		rndc:           cfg.RNDC,
		builder:        rndc.NewBuilder(),
		allowedBaseDir: absDir,
		log:            log,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// CreateBatch handles POST /batches
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r, createBatchValidator)
	if !ok {
		return
	}

	var req CreateBatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, apperror.New(apperror.ErrCodeInvalidRequest, "Invalid JSON", err.Error()))
		return
	}
	if !h.rndc.KnownWSURL(req.WSURL) {
		writeError(w, http.StatusBadRequest, apperror.New(apperror.ErrCodeUnknownWSURL, "wsUrl is not a configured registry endpoint", req.WSURL))
		return
	}

	id, err := h.tracker.CreateBatch(r.Context(), req.Submissions, req.WSURL)
	if err != nil {
		h.writeBatchError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateBatchResponse{
		Success: true,
		BatchID: id,
		Message: fmt.Sprintf("Batch created with %d submissions", len(req.Submissions)),
		Total:   len(req.Submissions),
	})
}

// GetBatch handles GET /batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, apperror.New(apperror.ErrCodeInvalidRequest, "batch id is required", ""))
		return
	}

	b, err := h.tracker.GetBatch(r.Context(), id)
	if err != nil {
		h.writeBatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{Success: true, Batch: b})
}

// ListSubmissions handles GET /submissions?batchId=
func (h *Handler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("batchId")
	if id == "" {
		writeError(w, http.StatusBadRequest, apperror.New(apperror.ErrCodeInvalidRequest, "batchId is required", ""))
		return
	}

	recs, err := h.tracker.ListSubmissions(r.Context(), id)
	if err != nil {
		h.writeBatchError(w, err)
		return
	}
	if recs == nil {
		recs = []submission.Record{}
	}
	writeJSON(w, http.StatusOK, SubmissionsResponse{Success: true, Submissions: recs})
}

// Query handles POST /query. The request XML is relayed to the registry
// as is; a registry rejection is answered with 200 and success=false.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r, queryValidator)
	if !ok {
		return
	}

	var req QueryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, apperror.New(apperror.ErrCodeInvalidRequest, "Invalid JSON", err.Error()))
		return
	}
	if !h.rndc.KnownWSURL(req.WSURL) {
		writeError(w, http.StatusBadRequest, apperror.New(apperror.ErrCodeUnknownWSURL, "wsUrl is not a configured registry endpoint", req.WSURL))
		return
	}

	resp, err := h.registry.Query(r.Context(), req.WSURL, req.XMLRequest)
	if err != nil {
		h.log.WithError(err).Warn("Registry query failed", nil)
		writeError(w, http.StatusBadGateway, asStandardError(err, apperror.ErrCodeRegistryNetwork))
		return
	}

	data := resp.Fields
	if data == nil {
		data = map[string]string{}
	}
	writeJSON(w, http.StatusOK, QueryResponse{
		Success: resp.Success,
		Code:    resp.Code,
		Message: resp.Message,
		Data:    data,
		RawXML:  resp.Raw,
	})
}

// Import handles POST /imports: reads a spreadsheet from below the allowed
// base directory, builds the records and creates a batch.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r, importValidator)
	if !ok {
		return
	}

	var req ImportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, apperror.New(apperror.ErrCodeInvalidRequest, "Invalid JSON", err.Error()))
		return
	}
	if h.allowedBaseDir == "" {
		writeError(w, http.StatusForbidden, apperror.New(apperror.ErrCodeInvalidRequest, "imports are disabled", "no allowed base directory configured"))
		return
	}

	kind, err := rndc.ParseKind(req.Kind)
	if err != nil || kind == rndc.KindQueryByConsecutive {
		writeError(w, http.StatusBadRequest, apperror.New(apperror.ErrCodeInvalidRequest, "unsupported kind", req.Kind))
		return
	}
	wsURL, err := h.rndc.WSURL(req.Environment)
	if err != nil {
		writeError(w, http.StatusBadRequest, apperror.New(apperror.ErrCodeUnknownWSURL, "unknown environment", err.Error()))
		return
	}

	path, err := ingest.ResolveImportFile(req.InputPath, h.allowedBaseDir)
	if err != nil {
		writeError(w, http.StatusBadRequest, apperror.New(apperror.ErrCodeInvalidRequest, "Invalid input path", err.Error()))
		return
	}
	timings := ingest.NewTimings()
	doneRead := timings.Track(ingest.StageRead)
	sheet, err := ingest.ReadFile(path, ingest.CSVOptions{Encoding: req.Encoding, Delimiter: req.Delimiter})
	doneRead()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, apperror.New(apperror.ErrCodeImportFailed, "Failed to read spreadsheet", err.Error()))
		return
	}
	if len(sheet.Rows) == 0 {
		h.writeBatchError(w, batch.ErrEmptyBatch)
		return
	}

	factory := submission.NewFactory(h.builder,
		rndc.Credentials{Username: h.rndc.Username, Password: h.rndc.Password},
		submission.WithQuerier(h.registry, wsURL),
		submission.WithParallel(h.rndc.QueryParallel),
		submission.WithLogger(h.log),
	)
	doneBuild := timings.Track(ingest.StageBuild)
	records, err := factory.FromRows(r.Context(), sheet.Rows, kind)
	doneBuild()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, apperror.New(apperror.ErrCodeImportFailed, "Failed to build submissions", err.Error()))
		return
	}

	doneSubmit := timings.Track(ingest.StageSubmit)
	id, err := h.tracker.CreateBatch(r.Context(), records, wsURL)
	doneSubmit()
	if err != nil {
		h.writeBatchError(w, err)
		return
	}

	h.log.WithFields(timings.Fields()).Info("Spreadsheet imported", map[string]interface{}{
		"batchId":   id,
		"inputPath": path,
		"kind":      string(kind),
		"rows":      len(records),
	})
	writeJSON(w, http.StatusCreated, CreateBatchResponse{
		Success: true,
		BatchID: id,
		Message: fmt.Sprintf("Imported %d rows from %s", len(records), filepath.Base(path)),
		Total:   len(records),
	})
}

// GetVersion handles GET /version
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Info())
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readBody reads and validates a JSON request body. On failure the error
// response has been written and ok is false.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request, schema *gojsonschema.Schema) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, apperror.New(apperror.ErrCodeInvalidRequest, "Failed to read request body", err.Error()))
		return nil, false
	}
	if err := validateBody(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, apperror.New(apperror.ErrCodeInvalidRequest, "Invalid request", err.Error()))
		return nil, false
	}
	return body, true
}

func (h *Handler) writeBatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, batch.ErrEmptyBatch):
		writeError(w, http.StatusBadRequest, apperror.New(apperror.ErrCodeEmptyBatch, "submissions must not be empty", ""))
	case errors.Is(err, batch.ErrMixedKinds):
		writeError(w, http.StatusBadRequest, apperror.New(apperror.ErrCodeInvalidRequest, "all submissions must share one kind", ""))
	case errors.Is(err, batch.ErrUnsupportedKind):
		writeError(w, http.StatusBadRequest, apperror.New(apperror.ErrCodeInvalidRequest, "queries cannot be submitted as a batch", ""))
	case errors.Is(err, batch.ErrNotFound):
		writeError(w, http.StatusNotFound, apperror.New(apperror.ErrCodeNotFound, "batch not found", ""))
	case errors.Is(err, batch.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, apperror.New(apperror.ErrCodeQueueFull, "Queue is full, please try again later", ""))
	default:
		h.log.WithError(err).Error("Batch storage failure", nil)
		writeError(w, http.StatusInternalServerError, apperror.New(apperror.ErrCodeStorage, "storage error", err.Error()))
	}
}

func asStandardError(err error, fallback apperror.ErrorCode) *apperror.StandardError {
	var se *apperror.StandardError
	if errors.As(err, &se) {
		return se
	}
	return apperror.New(fallback, "registry request failed", err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err *apperror.StandardError) {
	writeJSON(w, status, ErrorResponse{Success: false, Error: err})
}
