package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/hueshift/internal/adjust"
	"github.com/dunamismax/hueshift/internal/codec"
	"github.com/dunamismax/hueshift/internal/config"
	"github.com/dunamismax/hueshift/internal/display"
	"github.com/dunamismax/hueshift/internal/domain"
	"github.com/dunamismax/hueshift/internal/logging"
	"github.com/dunamismax/hueshift/internal/pipeline"
	"github.com/dunamismax/hueshift/internal/queue"
	"github.com/dunamismax/hueshift/internal/store"
	"github.com/dunamismax/hueshift/internal/webhook"
)

type Server struct {
	logger        zerolog.Logger
	server        *asynq.Server
	sem           chan struct{}
	processors    map[string]*pipeline.Processor
	webhookClient webhookSender
	jobStore      store.JobStore
	usageStore    store.UsageStore
	metrics       *metrics
	tracer        trace.Tracer
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// NewServer wires the asynq consumer. objects may be nil when object
// storage is disabled; s3_presigned jobs then fail without retry.
func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	objects pipeline.ObjectStore,
	webhookClient webhookSender,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	processors, err := newProcessors(workerCfg.LocalOutputDir, workerCfg.LocalInputRoot, objects)
	if err != nil {
		return nil, err
	}

	logger = logger.With().Str("component", "worker").Logger()
	s := &Server{
		logger:        logger,
		sem:           make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		processors:    processors,
		webhookClient: webhookClient,
		jobStore:      jobStore,
		usageStore:    usageStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("hueshift/worker"),
	}
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			Logger:   logging.NewAsynqLogger(logger),
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error().
					Err(err).
					Str("task_type", task.Type()).
					Int("retry", retried).
					Int("max_retry", maxRetry).
					Msg("task failed")
			}),
		},
	)
	return s, nil
}

func newProcessors(localOutputDir, localInputRoot string, objects pipeline.ObjectStore) (map[string]*pipeline.Processor, error) {
	local, err := pipeline.NewLocalProcessor(localOutputDir, localInputRoot)
	if err != nil {
		return nil, fmt.Errorf("initialize pipeline processor: %w", err)
	}
	processors := map[string]*pipeline.Processor{
		domain.SourceTypeLocalFile: local,
	}

	if objects != nil {
		remote, err := pipeline.NewObjectStoreProcessor(objects, "outputs")
		if err != nil {
			return nil, fmt.Errorf("initialize object-store processor: %w", err)
		}
		processors[domain.SourceTypeS3Presigned] = remote
	}
	return processors, nil
}

// Start begins processing tasks in the background. Shutdown drains
// in-flight tasks and stops the server.
func (s *Server) Start() error {
	return s.server.Start(s.mux())
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeProcessImage, s.handleProcessImage)
	return mux
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleProcessImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()

	payload, err := queue.ParseProcessImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	sourceType := strings.ToLower(strings.TrimSpace(payload.SourceType))
	outcome := domain.JobStatusFailed

	ctx, span := s.tracer.Start(ctx, "worker.process_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", sourceType),
		attribute.Int("job.pipeline_steps", len(payload.Pipeline)),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(sourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(sourceType, outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	logger := s.logger.With().Str("job_id", payload.JobID).Str("source_type", sourceType).Logger()
	logger.Info().
		Int("steps", len(payload.Pipeline)).
		Str("object_key", payload.ObjectKey).
		Msg("processing job")

	if s.alreadySucceeded(ctx, payload.JobID) {
		logger.Info().Msg("job already succeeded, skipping redelivered task")
		outcome = domain.JobStatusSucceeded
		return nil
	}
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	result, err := s.process(ctx, sourceType, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")

		permanent := isPermanent(err)
		if permanent || isLastAttempt(ctx) {
			logger.Error().Err(err).Bool("permanent", permanent).Msg("job failed")
			s.markFailed(ctx, payload.JobID, err)
			_ = s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, map[string]any{
				"job_id":       payload.JobID,
				"status":       domain.JobStatusFailed,
				"source_type":  payload.SourceType,
				"object_key":   payload.ObjectKey,
				"requested_at": payload.RequestedAt,
				"failed_at":    time.Now().UTC(),
				"error":        err.Error(),
			})
		} else {
			logger.Warn().Err(err).Msg("job attempt failed, will retry")
			s.updateJobStatus(ctx, payload.JobID, domain.JobStatusQueued)
		}

		if permanent {
			return fmt.Errorf("run pipeline: %w: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("run pipeline: %w", err)
	}

	logger.Info().Int("outputs", len(result.Outputs)).Dur("elapsed", time.Since(startedAt)).Msg("job processed")
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusSucceeded)
	for _, output := range result.Outputs {
		s.metrics.stepOutputsTotal.WithLabelValues(strings.ToLower(output.Action)).Inc()
	}
	s.recordUsage(ctx, payload, result, time.Since(startedAt))

	if err := s.dispatchWebhook(ctx, payload, webhook.EventJobCompleted, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"source_type":  payload.SourceType,
		"object_key":   payload.ObjectKey,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
		"outputs":      result.Outputs,
	}); err != nil {
		// The job is done and its usage recorded; a task retry would run it again.
		span.RecordError(err)
		logger.Warn().Err(err).Msg("completion webhook not delivered")
	}

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "processed")
	return nil
}

func (s *Server) process(ctx context.Context, sourceType string, payload queue.ProcessImagePayload) (pipeline.Result, error) {
	processor, ok := s.processors[sourceType]
	if !ok {
		return pipeline.Result{}, fmt.Errorf("%w: %s", pipeline.ErrUnsupportedSourceType, payload.SourceType)
	}
	return processor.Process(ctx, pipeline.Request{
		JobID:      payload.JobID,
		SourceType: sourceType,
		ObjectKey:  payload.ObjectKey,
		Pipeline:   payload.Pipeline,
	})
}

// isPermanent reports errors that a retry cannot fix.
func isPermanent(err error) bool {
	for _, target := range []error{
		codec.ErrFailedToLoad,
		codec.ErrFailedToSave,
		adjust.ErrOutOfRange,
		display.ErrEmptyCrop,
		display.ErrInvalidArea,
		pipeline.ErrInvalidStepAction,
		pipeline.ErrFormatUnavailable,
		pipeline.ErrOutsideInputRoot,
		pipeline.ErrUnsupportedSourceType,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isLastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return !ok || retried >= maxRetry
}

func (s *Server) alreadySucceeded(ctx context.Context, jobID string) bool {
	if s.jobStore == nil {
		return false
	}
	job, ok, err := s.jobStore.Get(ctx, jobID)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("job lookup failed")
		return false
	}
	return ok && job.Status == domain.JobStatusSucceeded
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Str("status", status).Msg("job status update failed")
	}
}

func (s *Server) markFailed(ctx context.Context, jobID string, cause error) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.MarkFailed(ctx, jobID, cause.Error()); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("job failure update failed")
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.ProcessImagePayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Error().Err(err).Str("job_id", payload.JobID).Str("event", event).Msg("webhook delivery failed")
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}

func (s *Server) recordUsage(ctx context.Context, payload queue.ProcessImagePayload, result pipeline.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := strings.TrimSpace(payload.UserID)
	if userID == "" && s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, payload.JobID)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", payload.JobID).Msg("usage lookup failed")
		} else if ok {
			userID = strings.TrimSpace(job.UserID)
		}
	}
	if userID == "" {
		userID = "anonymous"
	}

	var (
		pixelsProcessed  int64
		totalOutputBytes int
	)
	for _, output := range result.Outputs {
		pixelsProcessed += int64(output.Width * output.Height)
		totalOutputBytes += output.Bytes
	}

	bytesSaved := max(0, int64(result.SourceBytes-totalOutputBytes))
	computeTimeMS := max(1, computeDuration.Milliseconds())

	usage := domain.UsageLog{
		UserID:          userID,
		JobID:           payload.JobID,
		Outputs:         len(result.Outputs),
		PixelsProcessed: pixelsProcessed,
		BytesSaved:      bytesSaved,
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Warn().Err(err).Str("job_id", payload.JobID).Msg("usage log write failed")
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(pixelsProcessed))
	s.metrics.bytesSavedTotal.Add(float64(bytesSaved))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}
