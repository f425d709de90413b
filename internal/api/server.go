package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/hueshift/internal/auth"
	"github.com/dunamismax/hueshift/internal/codec"
	"github.com/dunamismax/hueshift/internal/domain"
	"github.com/dunamismax/hueshift/internal/id"
	"github.com/dunamismax/hueshift/internal/pipeline"
	"github.com/dunamismax/hueshift/internal/queue"
	"github.com/dunamismax/hueshift/internal/store"
)

type Server struct {
	logger                zerolog.Logger
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	usageStore            store.UsageStore
	storage               objectStorage
	transformer           pipeline.Transformer
	authenticator         *auth.Authenticator
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	presignTTL            time.Duration
	maxImageBytes         int64
	maxImagePixels        int64
	localInputRoot        string
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueProcessImage(ctx context.Context, payload queue.ProcessImagePayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

// Options carries the optional collaborators. Nil Authenticator disables
// token checks; nil RateLimiter disables rate limiting.
// Options configures NewServer. LocalInputRoot bounds local_file object keys;
// when it is empty local_file jobs are rejected.
type Options struct {
	Storage               objectStorage
	Authenticator         *auth.Authenticator
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	PresignTTL            time.Duration
	MaxImageBytes         int64
	MaxImagePixels        int64
	LocalInputRoot        string
}

func NewServer(logger zerolog.Logger, queueClient queueEnqueuer, jobStore store.JobStore, usageStore store.UsageStore, opts Options) (*Server, error) {
	transformer, err := pipeline.NewTransformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}

	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = 32 << 20
	}
	if opts.MaxImagePixels <= 0 {
		opts.MaxImagePixels = codec.DefaultMaxPixels
	}
	if opts.Storage == nil {
		opts.Storage = unavailableObjectStorage{}
	}
	if strings.TrimSpace(opts.RateLimitUserIDHeader) == "" {
		opts.RateLimitUserIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:                logger.With().Str("component", "api").Logger(),
		queueClient:           queueClient,
		jobStore:              jobStore,
		usageStore:            usageStore,
		storage:               opts.Storage,
		transformer:           transformer,
		authenticator:         opts.Authenticator,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		presignTTL:            opts.PresignTTL,
		maxImageBytes:         opts.MaxImageBytes,
		maxImagePixels:        opts.MaxImagePixels,
		localInputRoot:        opts.LocalInputRoot,
		metrics:               newMetrics(),
		tracer:                otel.Tracer("hueshift/api"),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) PresignedGetURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

// Handler returns the routes wrapped in tracing, metrics, auth and rate
// limiting, outermost first.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.withRateLimit(h)
	h = s.withAuth(h)
	h = s.metrics.withHTTPMetrics(h)
	h = s.withTracing(h)
	return h
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/start", s.handleStartJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}/outputs/{name}", s.handleGetOutput)
	s.mux.HandleFunc("POST /v1/adjust", s.handleAdjust)
	s.mux.HandleFunc("GET /v1/usage", s.handleUsage)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type jobResponse struct {
	JobID      string                `json:"job_id"`
	Status     string                `json:"status"`
	SourceType string                `json:"source_type"`
	ObjectKey  string                `json:"object_key"`
	Pipeline   []domain.PipelineStep `json:"pipeline"`
	Error      string                `json:"error,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

func newJobResponse(job domain.Job) jobResponse {
	return jobResponse{
		JobID:      job.ID,
		Status:     job.Status,
		SourceType: job.SourceType,
		ObjectKey:  job.ObjectKey,
		Pipeline:   job.Pipeline,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))
	objectKey := strings.TrimSpace(req.ObjectKey)
	uploadState := "not_required"
	presignedPutURL := ""

	if sourceType == domain.SourceTypeLocalFile {
		if _, err := pipeline.ResolveLocalInput(s.localInputRoot, objectKey); errors.Is(err, pipeline.ErrOutsideInputRoot) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if sourceType == domain.SourceTypeS3Presigned {
		objectKey = fmt.Sprintf("uploads/%s/source", jobID)
		url, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.presignTTL)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("generate presigned url failed")
			writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
			return
		}
		presignedPutURL = url
		uploadState = "ready"
	}

	userID, _ := auth.UserFromContext(r.Context())
	job := domain.Job{
		ID:         jobID,
		UserID:     userID,
		Status:     domain.JobStatusCreated,
		SourceType: sourceType,
		WebhookURL: req.WebhookURL,
		Pipeline:   req.Pipeline,
		ObjectKey:  objectKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("create job failed")
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"upload": map[string]string{
			"object_key":          job.ObjectKey,
			"presigned_put_url":   presignedPutURL,
			"presigned_url_state": uploadState,
		},
		"start_url":  fmt.Sprintf("/v1/jobs/%s/start", job.ID),
		"status_url": fmt.Sprintf("/v1/jobs/%s", job.ID),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadOwnedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadOwnedJob(w, r)
	if !ok {
		return
	}

	if job.Status != domain.JobStatusCreated {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is already %s", job.Status))
		return
	}
	if err := s.verifySourceExists(r.Context(), job); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	taskInfo, err := s.queueClient.EnqueueProcessImage(r.Context(), queue.PayloadFromJob(job, time.Now()))
	if errors.Is(err, queue.ErrAlreadyQueued) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("enqueue failed")
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("update status failed")
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

// handleGetOutput hands out a presigned download URL for one output of a
// finished object-storage job. name is the output file name, e.g. thumb.png.
func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadOwnedJob(w, r)
	if !ok {
		return
	}
	if job.SourceType != domain.SourceTypeS3Presigned {
		writeError(w, http.StatusBadRequest, "outputs of local_file jobs are written to the worker's disk")
		return
	}
	if job.Status != domain.JobStatusSucceeded {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s", job.Status))
		return
	}

	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		writeError(w, http.StatusBadRequest, "invalid output name")
		return
	}
	objectKey := path.Join("outputs", job.ID, name)

	exists, err := s.storage.ObjectExists(r.Context(), objectKey)
	if err != nil {
		s.logger.Error().Err(err).Str("object_key", objectKey).Msg("output lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to look up output")
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "output not found")
		return
	}

	url, err := s.storage.PresignedGetURL(r.Context(), objectKey, s.presignTTL)
	if err != nil {
		s.logger.Error().Err(err).Str("object_key", objectKey).Msg("generate presigned url failed")
		writeError(w, http.StatusInternalServerError, "failed to generate download URL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":             job.ID,
		"object_key":         objectKey,
		"presigned_get_url":  url,
		"expires_in_seconds": int(s.presignTTL.Seconds()),
	})
}

// loadOwnedJob writes the error response itself. Jobs of other users are
// reported as missing.
func (s *Server) loadOwnedJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return domain.Job{}, false
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("fetch job failed")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return domain.Job{}, false
	}
	if userID, authed := auth.UserFromContext(r.Context()); ok && authed && s.authenticator != nil && job.UserID != userID {
		ok = false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "a user is required to report usage")
		return
	}

	logs, err := s.usageStore.ListUsage(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("list usage failed")
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	var totals struct {
		Jobs            int   `json:"jobs"`
		Outputs         int   `json:"outputs"`
		PixelsProcessed int64 `json:"pixels_processed"`
		BytesSaved      int64 `json:"bytes_saved"`
		ComputeTimeMS   int64 `json:"compute_time_ms"`
	}
	for _, u := range logs {
		totals.Jobs++
		totals.Outputs += u.Outputs
		totals.PixelsProcessed += u.PixelsProcessed
		totals.BytesSaved += u.BytesSaved
		totals.ComputeTimeMS += u.ComputeTimeMS
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"totals":  totals,
	})
}

func (s *Server) verifySourceExists(ctx context.Context, job domain.Job) error {
	switch job.SourceType {
	case domain.SourceTypeLocalFile:
		if _, err := pipeline.ResolveLocalInput(s.localInputRoot, job.ObjectKey); err != nil {
			if errors.Is(err, pipeline.ErrOutsideInputRoot) {
				return err
			}
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("source object is missing: %s", job.ObjectKey)
			}
			return fmt.Errorf("source object check failed: %w", err)
		}
		return nil
	default:
		exists, err := s.storage.ObjectExists(ctx, job.ObjectKey)
		if err != nil {
			return fmt.Errorf("source object check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("source object is missing: %s", job.ObjectKey)
		}
		return nil
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
