package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/hueshift/internal/domain"
)

const SourceTypeLocalFile = domain.SourceTypeLocalFile

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrInvalidStepAction     = errors.New("invalid pipeline action")
)

type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	Pipeline   []domain.PipelineStep
}

type Output struct {
	StepID  string `json:"step_id"`
	Action  string `json:"action"`
	Format  string `json:"format"`
	Path    string `json:"path"`
	Bytes   int    `json:"bytes"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Success bool   `json:"success"`
}

type Result struct {
	SourceBytes int
	Outputs     []Output
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, step domain.PipelineStep, data []byte, format string, width, height int) (Output, error)
}

// Processor runs every step of a request against the fetched source. Steps
// are independent: each one starts from the original source bytes.
type Processor struct {
	fetcher     Fetcher
	transformer Transformer
	emitter     Emitter
}

func NewProcessor(fetcher Fetcher, emitter Emitter) (*Processor, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}

	transformer, err := newTransformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}

	return &Processor{
		fetcher:     fetcher,
		transformer: transformer,
		emitter:     emitter,
	}, nil
}

// NewLocalProcessor reads local_file sources from under inputRoot and writes
// outputs beneath outputDir. An empty inputRoot rejects every local source.
func NewLocalProcessor(outputDir, inputRoot string) (*Processor, error) {
	if err := CheckInputRoot(inputRoot); err != nil {
		return nil, err
	}
	return NewProcessor(LocalFileFetcher{Root: inputRoot}, LocalFileEmitter{OutputDir: outputDir})
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}
	if len(req.Pipeline) == 0 {
		return Result{}, errors.New("pipeline must contain at least one step")
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	out := Result{
		SourceBytes: len(sourceBytes),
		Outputs:     make([]Output, 0, len(req.Pipeline)),
	}
	for _, step := range req.Pipeline {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		transformed, format, width, height, err := p.transformer.Transform(ctx, sourceBytes, step)
		if err != nil {
			return Result{}, fmt.Errorf("transform stage step=%s action=%s: %w", step.ID, step.Action, err)
		}

		written, err := p.emitter.Emit(ctx, req, step, transformed, format, width, height)
		if err != nil {
			return Result{}, fmt.Errorf("emit stage step=%s action=%s: %w", step.ID, step.Action, err)
		}
		out.Outputs = append(out.Outputs, written)
	}

	return out, nil
}

type LocalFileFetcher struct {
	Root string
}

func (f LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	path, err := ResolveLocalInput(f.Root, req.ObjectKey)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", req.ObjectKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, step domain.PipelineStep, data []byte, format string, width, height int) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}
	if strings.TrimSpace(step.ID) == "" {
		return Output{}, errors.New("pipeline step id is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	format = normalizeOutputFormat(format)
	fullPath := filepath.Join(jobDir, outputName(step, format))
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return Output{
		StepID:  step.ID,
		Action:  step.Action,
		Format:  format,
		Path:    fullPath,
		Bytes:   len(data),
		Width:   width,
		Height:  height,
		Success: true,
	}, nil
}

func outputName(step domain.PipelineStep, format string) string {
	return fmt.Sprintf("%s.%s", sanitizePathToken(step.ID), format)
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
