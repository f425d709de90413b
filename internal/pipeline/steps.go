package pipeline

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dunamismax/hueshift/internal/adjust"
	"github.com/dunamismax/hueshift/internal/display"
	"github.com/dunamismax/hueshift/internal/domain"
)

const defaultWatermarkOpacity = 0.65

// applyStep runs one pipeline action on a decoded image.
func applyStep(src image.Image, step domain.PipelineStep) (image.Image, error) {
	switch strings.ToLower(strings.TrimSpace(step.Action)) {
	case domain.ActionAdjust:
		return adjustImage(src, step.Adjust, step.Crop)
	case domain.ActionCrop:
		if step.Crop == nil {
			return nil, errors.New("crop action requires crop settings")
		}
		return display.Crop(src, step.Crop.Rect())
	case domain.ActionFit:
		return display.Compose(src, step.Width, step.Height)
	case domain.ActionResize:
		return resizeToWidth(src, step.Width)
	case domain.ActionWatermark:
		return watermarkText(src, step.Watermark)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStepAction, step.Action)
	}
}

// adjustImage crops first when a rectangle is given, then shifts HSV.
func adjustImage(src image.Image, params *adjust.Params, crop *domain.CropRect) (image.Image, error) {
	if params == nil {
		return nil, errors.New("adjust action requires adjust settings")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	if crop != nil {
		cropped, err := display.Crop(src, crop.Rect())
		if err != nil {
			return nil, err
		}
		src = cropped
	}
	return adjust.Apply(src, *params)
}

func resizeToWidth(src image.Image, width int) (image.Image, error) {
	if width <= 0 {
		return nil, errors.New("resize action requires width > 0")
	}

	srcBounds := src.Bounds()
	if srcBounds.Dx() == 0 || srcBounds.Dy() == 0 {
		return nil, errors.New("source image has invalid dimensions")
	}
	if width == srcBounds.Dx() {
		return imaging.Clone(src), nil
	}

	// A zero height keeps the aspect ratio.
	return resize.Resize(uint(width), 0, src, resize.Lanczos3), nil
}

func watermarkText(src image.Image, wm *domain.Watermark) (image.Image, error) {
	if wm == nil {
		return nil, errors.New("watermark action requires watermark settings")
	}
	text := strings.TrimSpace(wm.Text)
	if text == "" {
		return nil, errors.New("watermark action requires watermark.text")
	}

	opacity := wm.Opacity
	if opacity <= 0 {
		opacity = defaultWatermarkOpacity
	}
	opacity = min(opacity, 1)

	dst := imaging.Clone(src)

	face := basicfont.Face7x13
	metrics := face.Metrics()
	ascent := metrics.Ascent.Ceil()
	height := metrics.Height.Ceil()

	drawer := &font.Drawer{
		Dst:  dst,
		Face: face,
	}
	width := drawer.MeasureString(text).Ceil()

	x, baselineY := watermarkPosition(dst.Bounds(), width, height, ascent, wm.Gravity)

	alpha := uint8(math.Round(opacity * 255))
	drawer.Src = image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: alpha})
	drawer.Dot = fixed.P(x, baselineY)
	drawer.DrawString(text)

	return dst, nil
}

func watermarkPosition(bounds image.Rectangle, textWidth, textHeight, ascent int, gravity string) (int, int) {
	const pad = 12

	minX, minY := bounds.Min.X, bounds.Min.Y
	maxX, maxY := bounds.Max.X, bounds.Max.Y

	var x int
	switch g := strings.ToLower(strings.TrimSpace(gravity)); {
	case strings.HasSuffix(g, "west"):
		x = minX + pad
	case g == "north" || g == "south" || g == "center":
		x = minX + (bounds.Dx()-textWidth)/2
	default:
		x = maxX - textWidth - pad
	}

	var baseline int
	switch g := strings.ToLower(strings.TrimSpace(gravity)); {
	case strings.HasPrefix(g, "north"):
		baseline = minY + pad + ascent
	case g == "west" || g == "east" || g == "center":
		baseline = minY + (bounds.Dy()-textHeight)/2 + ascent
	default:
		baseline = maxY - pad
	}

	return clamp(x, minX, maxX), clamp(baseline, minY+ascent, maxY)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
