//go:build govips && cgo

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/davidbyttow/govips/v2/vips"

	"github.com/dunamismax/hueshift/internal/codec"
	"github.com/dunamismax/hueshift/internal/display"
	"github.com/dunamismax/hueshift/internal/domain"
)

type govipsTransformer struct{}

func (t govipsTransformer) Transform(ctx context.Context, input []byte, step domain.PipelineStep) ([]byte, string, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("decode source image: %w: %v", codec.ErrFailedToLoad, err)
	}
	defer func() { img.Close() }()

	switch strings.ToLower(strings.TrimSpace(step.Action)) {
	case domain.ActionResize:
		err = applyGovipsResize(img, step.Width)
	case domain.ActionWatermark:
		err = applyGovipsWatermark(img, step.Watermark)
	case domain.ActionCrop:
		err = applyGovipsCrop(img, step.Crop)
	case domain.ActionAdjust, domain.ActionFit:
		var bridged *vips.ImageRef
		bridged, err = bridgeToCore(img, step)
		if err == nil {
			img.Close()
			img = bridged
		}
	default:
		return nil, "", 0, 0, fmt.Errorf("%w: %q", ErrInvalidStepAction, step.Action)
	}
	if err != nil {
		return nil, "", 0, 0, err
	}

	format := formatForStep(step.Format, input)
	data, err := exportGovipsImage(img, format, step.Quality)
	if err != nil {
		return nil, "", 0, 0, err
	}

	return data, format, img.Width(), img.Height(), nil
}

// bridgeToCore runs the pure-Go colour and compositing code on a libvips
// image. libvips has no HSV shift with the same rounding.
func bridgeToCore(img *vips.ImageRef, step domain.PipelineStep) (*vips.ImageRef, error) {
	src, err := img.ToImage(vips.NewDefaultPNGExportParams())
	if err != nil {
		return nil, fmt.Errorf("export image for %s: %w", step.Action, err)
	}

	out, err := applyStep(src, step)
	if err != nil {
		return nil, err
	}

	data, err := codec.EncodeBytes(out, codec.FormatPNG, codec.Options{})
	if err != nil {
		return nil, err
	}
	bridged, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("reload %s result: %w", step.Action, err)
	}
	return bridged, nil
}

func applyGovipsCrop(img *vips.ImageRef, crop *domain.CropRect) error {
	if crop == nil {
		return errors.New("crop action requires crop settings")
	}
	r := crop.Rect().Intersect(image.Rect(0, 0, img.Width(), img.Height()))
	if r.Empty() {
		return fmt.Errorf("%w: %v", display.ErrEmptyCrop, crop.Rect())
	}
	if err := img.ExtractArea(r.Min.X, r.Min.Y, r.Dx(), r.Dy()); err != nil {
		return fmt.Errorf("crop image: %w", err)
	}
	return nil
}

func applyGovipsResize(img *vips.ImageRef, targetWidth int) error {
	if targetWidth <= 0 {
		return errors.New("resize action requires width > 0")
	}
	if img.Width() <= 0 {
		return errors.New("source image has invalid width")
	}

	scale := float64(targetWidth) / float64(img.Width())
	if err := img.Resize(scale, vips.KernelLanczos3); err != nil {
		return fmt.Errorf("resize image: %w", err)
	}
	return nil
}

func applyGovipsWatermark(img *vips.ImageRef, wm *domain.Watermark) error {
	if wm == nil {
		return errors.New("watermark action requires watermark settings")
	}

	text := strings.TrimSpace(wm.Text)
	if text == "" {
		return errors.New("watermark action requires watermark.text")
	}

	opacity := wm.Opacity
	if opacity <= 0 {
		opacity = defaultWatermarkOpacity
	}
	opacity = min(opacity, 1)

	label := &vips.LabelParams{
		Text:      text,
		Font:      "sans 24",
		Opacity:   float32(opacity),
		Color:     vips.Color{R: 255, G: 255, B: 255},
		Alignment: alignmentFromGravity(wm.Gravity),
	}
	label.Width.SetInt(max(1, img.Width()-24))
	label.Height.SetInt(max(1, img.Height()-24))
	label.OffsetX.SetInt(12)
	label.OffsetY.SetInt(12)

	if err := img.Label(label); err != nil {
		return fmt.Errorf("apply watermark: %w", err)
	}
	return nil
}

func alignmentFromGravity(gravity string) vips.Align {
	gravity = strings.ToLower(strings.TrimSpace(gravity))
	switch {
	case strings.Contains(gravity, "west"):
		return vips.AlignLow
	case strings.Contains(gravity, "center"), strings.HasSuffix(gravity, "north"), strings.HasSuffix(gravity, "south"):
		return vips.AlignCenter
	default:
		return vips.AlignHigh
	}
}

func formatForStep(stepFormat string, input []byte) string {
	if strings.TrimSpace(stepFormat) != "" {
		return normalizeOutputFormat(stepFormat)
	}

	switch vips.DetermineImageType(input) {
	case vips.ImageTypeJPEG:
		return string(codec.FormatJPEG)
	case vips.ImageTypeWEBP:
		return string(codec.FormatWebP)
	case vips.ImageTypeGIF:
		return string(codec.FormatGIF)
	case vips.ImageTypeTIFF:
		return string(codec.FormatTIFF)
	default:
		return string(codec.FormatPNG)
	}
}

func exportGovipsImage(img *vips.ImageRef, format string, quality int) ([]byte, error) {
	switch codec.Format(format) {
	case codec.FormatJPEG:
		params := vips.NewJpegExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case codec.FormatPNG:
		params := vips.NewPngExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportPng(params)
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case codec.FormatWebP:
		params := vips.NewWebpExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	default:
		// Formats libvips may lack savers for go through the Go encoders.
		src, err := img.ToImage(vips.NewDefaultPNGExportParams())
		if err != nil {
			return nil, fmt.Errorf("export image: %w", err)
		}
		return codec.EncodeBytes(src, codec.Format(format), codec.Options{Quality: quality})
	}
}
