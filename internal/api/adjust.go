package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dunamismax/hueshift/internal/adjust"
	"github.com/dunamismax/hueshift/internal/codec"
	"github.com/dunamismax/hueshift/internal/display"
	"github.com/dunamismax/hueshift/internal/domain"
	"github.com/dunamismax/hueshift/internal/pipeline"
)

// handleAdjust transforms the request body image synchronously. Query
// parameters: brightness, saturation, hue, crop=x,y,w,h, format, quality.
func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	step, err := adjustStepFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxImageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("image exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "request body must contain an image")
		return
	}

	if _, err := codec.CheckDimensions(body, s.maxImagePixels); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	data, format, width, height, err := s.transformer.Transform(r.Context(), body, step)
	if err != nil {
		status, message := adjustErrorStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error().Err(err).Msg("adjust failed")
		}
		writeError(w, status, message)
		return
	}
	s.metrics.imagesAdjusted.WithLabelValues(format).Inc()

	w.Header().Set("Content-Type", codec.Format(format).ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Image-Width", strconv.Itoa(width))
	w.Header().Set("X-Image-Height", strconv.Itoa(height))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func adjustStepFromQuery(q url.Values) (domain.PipelineStep, error) {
	var params adjust.Params
	for name, dst := range map[string]*int{
		"brightness": &params.Brightness,
		"saturation": &params.Saturation,
		"hue":        &params.Hue,
	} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return domain.PipelineStep{}, fmt.Errorf("%s must be an integer", name)
		}
		*dst = v
	}

	step := domain.PipelineStep{
		ID:     "adjust",
		Action: domain.ActionAdjust,
		Adjust: &params,
		Format: strings.TrimSpace(q.Get("format")),
	}

	if raw := strings.TrimSpace(q.Get("quality")); raw != "" {
		quality, err := strconv.Atoi(raw)
		if err != nil || quality < 1 || quality > 100 {
			return domain.PipelineStep{}, errors.New("quality must be an integer in [1, 100]")
		}
		step.Quality = quality
	}
	if step.Format != "" {
		if _, err := codec.ParseFormat(step.Format); err != nil {
			return domain.PipelineStep{}, err
		}
	}
	if raw := strings.TrimSpace(q.Get("crop")); raw != "" {
		crop, err := domain.ParseCropRect(raw)
		if err != nil {
			return domain.PipelineStep{}, err
		}
		step.Crop = &crop
	}

	if err := step.Validate(); err != nil {
		return domain.PipelineStep{}, err
	}
	return step, nil
}

func adjustErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, codec.ErrFailedToLoad):
		return http.StatusUnprocessableEntity, codec.ErrFailedToLoad.Error()
	case errors.Is(err, adjust.ErrOutOfRange),
		errors.Is(err, display.ErrEmptyCrop),
		errors.Is(err, pipeline.ErrFormatUnavailable):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "failed to adjust image"
	}
}
