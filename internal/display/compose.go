package display

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/dunamismax/hueshift/internal/adjust"
)

var ErrInvalidArea = errors.New("display area must have positive width and height")

var Background = color.NRGBA{A: 255}

// FitSize returns the largest size with the aspect ratio of src that fits in
// area. It scales up as well as down.
func FitSize(src, area image.Point) image.Point {
	if src.X <= 0 || src.Y <= 0 || area.X <= 0 || area.Y <= 0 {
		return image.Point{}
	}

	w := int(int64(area.Y) * int64(src.X) / int64(src.Y))
	if w <= area.X {
		return image.Pt(max(1, w), area.Y)
	}
	h := int(int64(area.X) * int64(src.Y) / int64(src.X))
	return image.Pt(area.X, max(1, h))
}

// Placement is where a src-sized image lands once fitted and centred in area.
func Placement(src, area image.Point) image.Rectangle {
	size := FitSize(src, area)
	origin := image.Pt((area.X-size.X)/2, (area.Y-size.Y)/2)
	return image.Rectangle{Min: origin, Max: origin.Add(size)}
}

// Compose scales img to fit a width x height area and centres it on a black
// canvas of exactly that size.
func Compose(img image.Image, width, height int) (*image.NRGBA, error) {
	if adjust.Empty(img) {
		return nil, adjust.ErrNoImageLoaded
	}
	if width <= 0 || height <= 0 {
		return nil, ErrInvalidArea
	}

	area := image.Pt(width, height)
	target := Placement(img.Bounds().Size(), area)

	var scaled image.Image = img
	if target.Size() != img.Bounds().Size() {
		scaled = imaging.Resize(img, target.Dx(), target.Dy(), imaging.Linear)
	}

	canvas := imaging.New(width, height, Background)
	return imaging.Paste(canvas, scaled, target.Min), nil
}

var ErrEmptyCrop = errors.New("crop rectangle does not intersect the image")

// Crop cuts rect, given relative to the top-left corner of img, out of img.
// The rectangle is clipped to the image bounds first.
func Crop(img image.Image, rect image.Rectangle) (*image.NRGBA, error) {
	if adjust.Empty(img) {
		return nil, adjust.ErrNoImageLoaded
	}
	b := img.Bounds()
	r := rect.Canon().Add(b.Min).Intersect(b)
	if r.Empty() {
		return nil, fmt.Errorf("%w: %v", ErrEmptyCrop, rect)
	}
	return imaging.Crop(img, r), nil
}
