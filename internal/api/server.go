package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelbatch/internal/batch"
	"github.com/dunamismax/pixelbatch/internal/domain"
)

const (
	defaultMaxUploadBytes = 12 << 20
	multipartMemory       = 1 << 20
)

type batchService interface {
	Submit(ctx context.Context, req batch.SubmitRequest) (batch.SubmitResult, error)
	Status(ctx context.Context, batchID string) (domain.BatchView, error)
	Export(ctx context.Context, batchID string) ([]byte, error)
}

type Options struct {
	MaxUploadBytes int64
	// Readiness checks run on /readyz, keyed by dependency name.
	Readiness map[string]Checker
}

type Server struct {
	logger         zerolog.Logger
	batches        batchService
	maxUploadBytes int64
	readiness      map[string]Checker
	metrics        *metrics
	tracer         trace.Tracer
	mux            *http.ServeMux
}

func NewServer(logger zerolog.Logger, batches batchService, opts Options) *Server {
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}

	s := &Server{
		logger:         logger,
		batches:        batches,
		maxUploadBytes: maxUpload,
		readiness:      opts.Readiness,
		metrics:        newMetrics(),
		tracer:         otel.Tracer("pixelbatch/api"),
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())

	s.mux.HandleFunc("POST /v1/batches", s.handleCreateBatch)
	s.mux.HandleFunc("GET /v1/batches/{id}", s.handleGetBatch)
	s.mux.HandleFunc("GET /v1/batches/{id}/export", s.handleExportBatch)

	s.mux.HandleFunc("POST /upload", s.handleLegacyUpload)
	s.mux.HandleFunc("GET /status", s.handleLegacyStatus)
	s.mux.HandleFunc("GET /download_csv", s.handleLegacyDownload)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	res, ok := s.submit(w, r)
	if !ok {
		return
	}

	id := res.Batch.ID
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id":   id,
		"status":     res.Batch.Status,
		"jobs":       res.Jobs,
		"status_url": fmt.Sprintf("/v1/batches/%s", id),
		"export_url": fmt.Sprintf("/v1/batches/%s/export", id),
	})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, r.PathValue("id"))
}

func (s *Server) handleExportBatch(w http.ResponseWriter, r *http.Request) {
	s.writeExport(w, r, r.PathValue("id"))
}

func (s *Server) handleLegacyUpload(w http.ResponseWriter, r *http.Request) {
	res, ok := s.submit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"request_id": res.Batch.ID})
}

func (s *Server) handleLegacyStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	s.writeStatus(w, r, id)
}

func (s *Server) handleLegacyDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	s.writeExport(w, r, id)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) (batch.SubmitResult, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("upload exceeds %d bytes", s.maxUploadBytes))
			return batch.SubmitResult{}, false
		}
		writeError(w, http.StatusBadRequest, "expected multipart form with a file field")
		return batch.SubmitResult{}, false
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return batch.SubmitResult{}, false
	}
	defer file.Close()

	if !strings.EqualFold(path.Ext(header.Filename), ".csv") {
		writeError(w, http.StatusBadRequest, "only .csv files are accepted")
		return batch.SubmitResult{}, false
	}

	res, err := s.batches.Submit(r.Context(), batch.SubmitRequest{
		File:       file,
		WebhookURL: r.FormValue("webhook_url"),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return batch.SubmitResult{}, false
	}

	s.metrics.batchesSubmitted.Inc()
	s.metrics.jobsDispatched.Add(float64(res.Jobs - res.EnqueueFailures))
	s.metrics.enqueueFailures.Add(float64(res.EnqueueFailures))
	return res, true
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, id string) {
	view, err := s.batches.Status(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) writeExport(w http.ResponseWriter, r *http.Request, id string) {
	data, err := s.batches.Export(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s_output.csv", id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var (
		validation *domain.ValidationError
		notFound   *domain.NotFoundError
		persist    *domain.PersistenceError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Msg)
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &persist):
		s.logger.Error().Err(err).Str("op", persist.Op).Msg("store failure")
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		s.logger.Error().Err(err).Msg("unexpected error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func requestID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("request_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "request_id is required")
		return "", false
	}
	return id, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
