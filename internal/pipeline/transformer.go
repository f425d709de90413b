package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/dunamismax/hueshift/internal/codec"
	"github.com/dunamismax/hueshift/internal/domain"
)

var ErrFormatUnavailable = errors.New("output format is not available in this build")

type Transformer interface {
	Transform(ctx context.Context, input []byte, step domain.PipelineStep) (data []byte, format string, width, height int, err error)
}

// NewTransformer returns the transformer selected at build time: libvips
// with the govips tag, pure Go otherwise.
func NewTransformer() (Transformer, error) {
	return newTransformer()
}

// normalizeOutputFormat maps a requested format onto one the pipeline can
// name an output after. Unknown names fall back to png.
func normalizeOutputFormat(format string) string {
	f, err := codec.ParseFormat(format)
	if err != nil {
		return string(codec.FormatPNG)
	}
	return string(f)
}

// outputFormat is the step's format when set, otherwise the source format.
func outputFormat(stepFormat, sourceFormat string) string {
	if strings.TrimSpace(stepFormat) != "" {
		return normalizeOutputFormat(stepFormat)
	}
	return normalizeOutputFormat(sourceFormat)
}

func contentTypeForFormat(format string) string {
	return codec.Format(normalizeOutputFormat(format)).ContentType()
}
