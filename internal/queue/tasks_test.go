package queue

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/hueshift/internal/adjust"
	"github.com/dunamismax/hueshift/internal/domain"
)

func TestProcessImageTaskRoundTrip(t *testing.T) {
	job := domain.Job{
		ID:         "job-123",
		UserID:     "user-9",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job-123/source",
		Pipeline: []domain.PipelineStep{
			{
				ID:     "warm",
				Action: domain.ActionAdjust,
				Adjust: &adjust.Params{Brightness: 15, Hue: -40},
			},
		},
	}
	payload := PayloadFromJob(job, time.Now())

	task, err := NewProcessImageTask(payload)
	if err != nil {
		t.Fatalf("NewProcessImageTask returned error: %v", err)
	}
	if task.Type() != TypeProcessImage {
		t.Fatalf("unexpected task type %s", task.Type())
	}

	parsed, err := ParseProcessImagePayload(task)
	if err != nil {
		t.Fatalf("ParseProcessImagePayload returned error: %v", err)
	}

	if parsed.JobID != job.ID || parsed.UserID != job.UserID {
		t.Fatalf("unexpected ids %q/%q", parsed.JobID, parsed.UserID)
	}
	if len(parsed.Pipeline) != 1 || parsed.Pipeline[0].Adjust == nil || parsed.Pipeline[0].Adjust.Hue != -40 {
		t.Fatalf("adjust params did not survive: %+v", parsed.Pipeline)
	}
}

func TestProcessImagePayloadRequiresJobID(t *testing.T) {
	if _, err := NewProcessImageTask(ProcessImagePayload{}); err == nil {
		t.Fatal("expected error for missing job_id")
	}
	if _, err := ParseProcessImagePayload(asynq.NewTask(TypeProcessImage, []byte(`{"source_type":"local_file"}`))); err == nil {
		t.Fatal("expected error for payload without job_id")
	}
	if _, err := ParseProcessImagePayload(asynq.NewTask(TypeProcessImage, []byte(`{`))); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestEnqueueOptions(t *testing.T) {
	opts := enqueueOptions("images", "job-1")
	if len(opts) != 4 {
		t.Fatalf("expected 4 options, got %d", len(opts))
	}
	if opts[0].Type() != asynq.QueueOpt || opts[0].Value() != "images" {
		t.Fatalf("unexpected queue option %v", opts[0])
	}
	if opts[1].Type() != asynq.TaskIDOpt || opts[1].Value() != "job-1" {
		t.Fatalf("unexpected task id option %v", opts[1])
	}
}
