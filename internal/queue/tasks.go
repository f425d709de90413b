package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/hueshift/internal/domain"
)

const TypeProcessImage = "image:process"

type ProcessImagePayload struct {
	JobID       string                `json:"job_id"`
	UserID      string                `json:"user_id,omitempty"`
	SourceType  string                `json:"source_type"`
	WebhookURL  string                `json:"webhook_url,omitempty"`
	ObjectKey   string                `json:"object_key"`
	Pipeline    []domain.PipelineStep `json:"pipeline"`
	RequestedAt time.Time             `json:"requested_at"`
}

func PayloadFromJob(job domain.Job, requestedAt time.Time) ProcessImagePayload {
	return ProcessImagePayload{
		JobID:       job.ID,
		UserID:      job.UserID,
		SourceType:  job.SourceType,
		WebhookURL:  job.WebhookURL,
		ObjectKey:   job.ObjectKey,
		Pipeline:    job.Pipeline,
		RequestedAt: requestedAt.UTC(),
	}
}

func NewProcessImageTask(payload ProcessImagePayload) (*asynq.Task, error) {
	if payload.JobID == "" {
		return nil, errors.New("process payload requires job_id")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal process payload: %w", err)
	}
	return asynq.NewTask(TypeProcessImage, body), nil
}

func ParseProcessImagePayload(task *asynq.Task) (ProcessImagePayload, error) {
	var payload ProcessImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ProcessImagePayload{}, fmt.Errorf("unmarshal process payload: %w", err)
	}
	if payload.JobID == "" {
		return ProcessImagePayload{}, errors.New("process payload is missing job_id")
	}
	return payload, nil
}
