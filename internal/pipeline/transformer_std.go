package pipeline

import (
	"bytes"
	"context"
	"fmt"

	"github.com/dunamismax/hueshift/internal/codec"
	"github.com/dunamismax/hueshift/internal/domain"
)

type goTransformer struct{}

func (t goTransformer) Transform(ctx context.Context, input []byte, step domain.PipelineStep) ([]byte, string, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}

	src, srcFormat, err := codec.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("decode source image: %w", err)
	}

	out, err := applyStep(src, step)
	if err != nil {
		return nil, "", 0, 0, err
	}

	format := outputFormat(step.Format, string(srcFormat))
	if format == string(codec.FormatWebP) {
		if step.Format != "" {
			return nil, "", 0, 0, fmt.Errorf("%w: webp export requires govips build tag", ErrFormatUnavailable)
		}
		format = string(codec.FormatPNG)
	}

	data, err := codec.EncodeBytes(out, codec.Format(format), codec.Options{Quality: step.Quality})
	if err != nil {
		return nil, "", 0, 0, err
	}

	bounds := out.Bounds()
	return data, format, bounds.Dx(), bounds.Dy(), nil
}
