// Package adjust implements the per-pixel brightness, saturation and hue
// transform. Every pixel is decomposed into HSV, shifted by bounded
// additive deltas, and recomposed with its alpha channel untouched.
package adjust

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"reflect"

	"github.com/lucasb-eyer/go-colorful"
)

const (
	MinParam = -100
	MaxParam = 100

	// MaxHueShift is the rotation in degrees applied for a hue param of ±100.
	MaxHueShift = 60.0
)

var (
	ErrNoImageLoaded  = errors.New("no image loaded")
	ErrOutOfRange     = errors.New("adjustment out of range")
	ErrBoundsMismatch = errors.New("destination bounds do not match source")
)

// Params are percentage-scaled shifts in [-100, 100]. The transform does not
// validate them; callers clamp or validate before invoking it.
type Params struct {
	Brightness int `json:"brightness"`
	Saturation int `json:"saturation"`
	Hue        int `json:"hue"`
}

func (p Params) IsZero() bool {
	return p.Brightness == 0 && p.Saturation == 0 && p.Hue == 0
}

func (p Params) Validate() error {
	fields := []struct {
		name  string
		value int
	}{
		{"brightness", p.Brightness},
		{"saturation", p.Saturation},
		{"hue", p.Hue},
	}
	for _, f := range fields {
		if f.value < MinParam || f.value > MaxParam {
			return fmt.Errorf("%w: %s=%d not in [%d, %d]", ErrOutOfRange, f.name, f.value, MinParam, MaxParam)
		}
	}
	return nil
}

// Clamp bounds every field to [MinParam, MaxParam], the way a slider does.
func (p Params) Clamp() Params {
	return Params{
		Brightness: ClampParam(p.Brightness),
		Saturation: ClampParam(p.Saturation),
		Hue:        ClampParam(p.Hue),
	}
}

func ClampParam(v int) int {
	return min(MaxParam, max(MinParam, v))
}

// BrightnessDelta is the additive shift applied to the value channel.
func BrightnessDelta(brightness int) float64 {
	return math.Round(255 * float64(brightness) / 100)
}

// SaturationDelta is the additive shift applied to the saturation channel.
func SaturationDelta(saturation int) float64 {
	return math.Round(255 * float64(saturation) / 100)
}

// HueDelta is the rotation in degrees applied to the hue channel.
func HueDelta(hue int) float64 {
	return math.Round(float64(hue) / 100 * MaxHueShift)
}

// HSV holds hue in degrees [0, 360) and saturation and value on the 8-bit
// scale [0, 255]. Achromatic colours carry no hue; FromHSV renders them grey
// at V whatever S holds.
type HSV struct {
	H          float64
	S          float64
	V          float64
	Achromatic bool
}

type hue interface {
	~int | ~float64
}

// NormalizeHue wraps h into [0, 360) with a single turn. Inputs are bounded by
// a valid hue plus at most one MaxHueShift, so one wrap is enough.
func NormalizeHue[T hue](h T) T {
	if h < 0 {
		return h + 360
	}
	if h >= 360 {
		return h - 360
	}
	return h
}

func ToHSV(c color.NRGBA) HSV {
	col := colorful.Color{
		R: float64(c.R) / 255,
		G: float64(c.G) / 255,
		B: float64(c.B) / 255,
	}
	h, s, v := col.Hsv()
	return HSV{
		H:          NormalizeHue(h),
		S:          s * 255,
		V:          v * 255,
		Achromatic: c.R == c.G && c.G == c.B,
	}
}

func FromHSV(hsv HSV, alpha uint8) color.NRGBA {
	if hsv.Achromatic {
		v := uint8(math.Round(clamp(hsv.V, 0, 255)))
		return color.NRGBA{R: v, G: v, B: v, A: alpha}
	}
	col := colorful.Hsv(
		NormalizeHue(hsv.H),
		clamp(hsv.S, 0, 255)/255,
		clamp(hsv.V, 0, 255)/255,
	)
	r, g, b := col.Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: alpha}
}

// Shift applies p to a single HSV triple.
func Shift(hsv HSV, p Params) HSV {
	return shift(hsv, BrightnessDelta(p.Brightness), SaturationDelta(p.Saturation), HueDelta(p.Hue))
}

func shift(hsv HSV, bd, sd, hd float64) HSV {
	hsv.V = clamp(hsv.V+bd, 0, 255)
	hsv.S = clamp(hsv.S+sd, 0, 255)
	if !hsv.Achromatic {
		hsv.H = NormalizeHue(hsv.H + hd)
	}
	return hsv
}

// Pixel adjusts a single colour.
func Pixel(c color.NRGBA, p Params) color.NRGBA {
	return FromHSV(Shift(ToHSV(c), p), c.A)
}

// Apply returns a new image with the bounds of src where every pixel has
// been shifted by p. src is only read. With zero params the result is src
// converted to non-premultiplied RGBA.
func Apply(src image.Image, p Params) (*image.NRGBA, error) {
	if Empty(src) {
		return nil, ErrNoImageLoaded
	}
	dst := image.NewNRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	if !p.IsZero() {
		adjustInPlace(dst, p)
	}
	return dst, nil
}

// ApplyInto writes the adjusted src into dst, which must have the same bounds.
// dst may be src itself.
func ApplyInto(dst *image.NRGBA, src image.Image, p Params) error {
	if Empty(src) {
		return ErrNoImageLoaded
	}
	if dst == nil || dst.Rect != src.Bounds() {
		return ErrBoundsMismatch
	}
	if src != image.Image(dst) {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	}
	if !p.IsZero() {
		adjustInPlace(dst, p)
	}
	return nil
}

func adjustInPlace(img *image.NRGBA, p Params) {
	bd := BrightnessDelta(p.Brightness)
	sd := SaturationDelta(p.Saturation)
	hd := HueDelta(p.Hue)

	b := img.Rect
	rowLen := 4 * b.Dx()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		row := img.Pix[off : off+rowLen : off+rowLen]
		for i := 0; i < len(row); i += 4 {
			c := color.NRGBA{R: row[i], G: row[i+1], B: row[i+2], A: row[i+3]}
			out := FromHSV(shift(ToHSV(c), bd, sd, hd), c.A)
			row[i], row[i+1], row[i+2] = out.R, out.G, out.B
		}
	}
}

// Empty reports whether img is nil, a typed nil pointer, or has no pixels.
func Empty(img image.Image) bool {
	if img == nil {
		return true
	}
	if v := reflect.ValueOf(img); v.Kind() == reflect.Pointer && v.IsNil() {
		return true
	}
	return img.Bounds().Empty()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
