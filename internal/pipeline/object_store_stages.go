package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/hueshift/internal/domain"
)

const SourceTypeS3Presigned = domain.SourceTypeS3Presigned

const defaultOutputPrefix = "outputs"

// ObjectStore is the slice of the storage client the pipeline needs.
type ObjectStore interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

func NewObjectStoreProcessor(store ObjectStore, outputPrefix string) (*Processor, error) {
	if store == nil {
		return nil, errors.New("storage client is required")
	}
	return NewProcessor(
		ObjectStoreFetcher{Storage: store},
		ObjectStoreEmitter{Storage: store, OutputPrefix: outputPrefix},
	)
}

type ObjectStoreFetcher struct {
	Storage ObjectStore
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      ObjectStore
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, step domain.PipelineStep, data []byte, format string, width, height int) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}
	if strings.TrimSpace(step.ID) == "" {
		return Output{}, errors.New("pipeline step id is required")
	}

	prefix := strings.TrimSpace(e.OutputPrefix)
	if prefix == "" {
		prefix = defaultOutputPrefix
	}

	format = normalizeOutputFormat(format)
	objectKey := path.Join(prefix, sanitizePathToken(req.JobID), outputName(step, format))

	if err := e.Storage.WriteObject(ctx, objectKey, data, contentTypeForFormat(format)); err != nil {
		return Output{}, err
	}

	return Output{
		StepID:  step.ID,
		Action:  step.Action,
		Format:  format,
		Path:    objectKey,
		Bytes:   len(data),
		Width:   width,
		Height:  height,
		Success: true,
	}, nil
}
