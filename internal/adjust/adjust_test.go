package adjust

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"
)

func TestPixelIdentity(t *testing.T) {
	for r := 0; r < 256; r += 15 {
		for g := 0; g < 256; g += 15 {
			for b := 0; b < 256; b += 15 {
				in := color.NRGBA{R: uint8(r), G: uint8(g), B: uint8(b), A: 200}
				if got := Pixel(in, Params{}); got != in {
					t.Fatalf("identity broken for %v: got %v", in, got)
				}
			}
		}
	}
}

func TestApplyIdentity(t *testing.T) {
	src := gradient(32, 16)
	out, err := Apply(src, Params{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Bounds() != src.Bounds() {
		t.Fatalf("expected bounds %v, got %v", src.Bounds(), out.Bounds())
	}
	for y := 0; y < 16; y++ {
		for x := 0; x < 32; x++ {
			if got, want := out.NRGBAAt(x, y), src.NRGBAAt(x, y); got != want {
				t.Fatalf("pixel (%d,%d): expected %v, got %v", x, y, want, got)
			}
		}
	}
}

func TestApplyDoesNotMutateSource(t *testing.T) {
	src := gradient(8, 8)
	before := append([]uint8(nil), src.Pix...)

	if _, err := Apply(src, Params{Brightness: 40, Saturation: -30, Hue: 70}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	for i := range before {
		if src.Pix[i] != before[i] {
			t.Fatal("expected source pixels to be untouched")
		}
	}
}

func TestApplyClampsChannels(t *testing.T) {
	src := gradient(24, 24)
	for _, p := range []Params{
		{Brightness: 100},
		{Brightness: -100},
		{Saturation: 100},
		{Saturation: -100},
		{Brightness: 100, Saturation: 100, Hue: 100},
		{Brightness: -100, Saturation: -100, Hue: -100},
		{Brightness: 250, Saturation: -250},
	} {
		out, err := Apply(src, p)
		if err != nil {
			t.Fatalf("apply %+v: %v", p, err)
		}
		for i := 0; i < len(out.Pix); i += 4 {
			hsv := ToHSV(color.NRGBA{R: out.Pix[i], G: out.Pix[i+1], B: out.Pix[i+2], A: out.Pix[i+3]})
			if hsv.V < 0 || hsv.V > 255 || hsv.S < 0 || hsv.S > 255.0000001 {
				t.Fatalf("params %+v produced out of range hsv %+v", p, hsv)
			}
			if out.Pix[i+3] != src.Pix[i+3] {
				t.Fatalf("params %+v changed alpha", p)
			}
		}
	}
}

func TestBrightnessExtremes(t *testing.T) {
	in := color.NRGBA{R: 200, G: 100, B: 50, A: 255}
	if got := Pixel(in, Params{Brightness: -100}); got != (color.NRGBA{A: 255}) {
		t.Fatalf("expected black, got %v", got)
	}
	up := Pixel(in, Params{Brightness: 100})
	if up.R != 255 {
		t.Fatalf("expected max channel 255, got %v", up)
	}
}

func TestNormalizeHue(t *testing.T) {
	for h := -60; h < 420; h++ {
		got := NormalizeHue(h)
		if got < 0 || got >= 360 {
			t.Fatalf("NormalizeHue(%d)=%d out of range", h, got)
		}
		if (got-h)%360 != 0 {
			t.Fatalf("NormalizeHue(%d)=%d is not congruent", h, got)
		}
	}
	if got := NormalizeHue(359.5 + 60.0); got != 59.5 {
		t.Fatalf("expected 59.5, got %v", got)
	}
	if got := NormalizeHue(-0.5); got != 359.5 {
		t.Fatalf("expected 359.5, got %v", got)
	}
}

func TestHueShiftStaysNormalized(t *testing.T) {
	for h := 0.0; h < 360; h += 7.5 {
		for _, p := range []int{-100, -37, 0, 42, 100} {
			out := Shift(HSV{H: h, S: 200, V: 200}, Params{Hue: p})
			if out.H < 0 || out.H >= 360 {
				t.Fatalf("shift h=%v hue=%d gave %v", h, p, out.H)
			}
		}
	}
}

func TestBrightnessRoundTripOnValue(t *testing.T) {
	for v := 0; v <= 255; v++ {
		in := HSV{H: 120, S: 180, V: float64(v)}
		up := Shift(in, Params{Brightness: 50})
		if v+128 > 255 {
			continue
		}
		down := Shift(up, Params{Brightness: -50})
		if down.V != in.V {
			t.Fatalf("value %d: expected round trip, got %v", v, down.V)
		}
	}

	c := color.NRGBA{R: 90, G: 40, B: 20, A: 255}
	there := Pixel(c, Params{Brightness: 50})
	back := Pixel(there, Params{Brightness: -50})
	if got, want := ToHSV(back).V, ToHSV(c).V; got != want {
		t.Fatalf("expected value %v after round trip, got %v", want, got)
	}
}

func TestReferencePixel(t *testing.T) {
	in := color.NRGBA{R: 200, G: 100, B: 50, A: 255}
	hsv := ToHSV(in)
	if math.Abs(hsv.H-20) > 1e-9 {
		t.Fatalf("expected hue 20, got %v", hsv.H)
	}
	if math.Abs(hsv.V-200) > 1e-9 {
		t.Fatalf("expected value 200, got %v", hsv.V)
	}
	if math.Abs(hsv.S-191.25) > 1e-9 {
		t.Fatalf("expected saturation 191.25, got %v", hsv.S)
	}

	shifted := Shift(hsv, Params{Brightness: 20})
	if math.Abs(shifted.V-251) > 1e-9 {
		t.Fatalf("expected value 251, got %v", shifted.V)
	}

	out := FromHSV(shifted, in.A)
	if out.R != 251 {
		t.Fatalf("expected red 251, got %d", out.R)
	}
	if !(out.R > out.G && out.G > out.B) {
		t.Fatalf("expected channel ordering r>g>b, got %v", out)
	}
	if out.A != 255 {
		t.Fatalf("expected alpha preserved, got %d", out.A)
	}
}

func TestAchromaticStaysGrey(t *testing.T) {
	grey := color.NRGBA{R: 120, G: 120, B: 120, A: 255}
	out := Pixel(grey, Params{Saturation: 100, Hue: 50, Brightness: 10})
	if out.R != out.G || out.G != out.B {
		t.Fatalf("expected grey output, got %v", out)
	}
	if out.R != 146 {
		t.Fatalf("expected value 146, got %d", out.R)
	}
}

func TestSaturationRemovesColour(t *testing.T) {
	out := Pixel(color.NRGBA{R: 200, G: 100, B: 50, A: 255}, Params{Saturation: -100})
	if out.R != 200 || out.G != 200 || out.B != 200 {
		t.Fatalf("expected grey at value 200, got %v", out)
	}
}

func TestApplyNoImage(t *testing.T) {
	var nilNRGBA *image.NRGBA
	for name, img := range map[string]image.Image{
		"nil":       nil,
		"typed nil": nilNRGBA,
		"empty":     image.NewNRGBA(image.Rect(0, 0, 0, 0)),
	} {
		if _, err := Apply(img, Params{Brightness: 10}); !errors.Is(err, ErrNoImageLoaded) {
			t.Fatalf("%s: expected ErrNoImageLoaded, got %v", name, err)
		}
	}
}

func TestApplyIntoCallerBuffer(t *testing.T) {
	src := gradient(10, 6)
	p := Params{Brightness: 15, Hue: -30}

	want, err := Apply(src, p)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	dst := image.NewNRGBA(src.Bounds())
	if err := ApplyInto(dst, src, p); err != nil {
		t.Fatalf("apply into: %v", err)
	}
	for i := range want.Pix {
		if dst.Pix[i] != want.Pix[i] {
			t.Fatalf("byte %d differs: %d != %d", i, dst.Pix[i], want.Pix[i])
		}
	}

	inPlace := gradient(10, 6)
	if err := ApplyInto(inPlace, inPlace, p); err != nil {
		t.Fatalf("apply in place: %v", err)
	}
	for i := range want.Pix {
		if inPlace.Pix[i] != want.Pix[i] {
			t.Fatalf("in-place byte %d differs", i)
		}
	}

	if err := ApplyInto(image.NewNRGBA(image.Rect(0, 0, 3, 3)), src, p); !errors.Is(err, ErrBoundsMismatch) {
		t.Fatalf("expected ErrBoundsMismatch, got %v", err)
	}
}

func TestApplyPreservesBoundsOrigin(t *testing.T) {
	src := image.NewRGBA(image.Rect(5, 7, 15, 12))
	for y := 7; y < 12; y++ {
		for x := 5; x < 15; x++ {
			src.Set(x, y, color.RGBA{R: 10, G: 200, B: 30, A: 255})
		}
	}
	out, err := Apply(src, Params{Hue: 100})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Bounds() != src.Bounds() {
		t.Fatalf("expected bounds %v, got %v", src.Bounds(), out.Bounds())
	}
	got := ToHSV(out.NRGBAAt(5, 7))
	if math.Abs(got.H-ToHSV(color.NRGBA{R: 10, G: 200, B: 30, A: 255}).H-60) > 1 {
		t.Fatalf("expected hue rotated by 60, got %v", got.H)
	}
}

func TestParamsValidateAndClamp(t *testing.T) {
	if err := (Params{Brightness: 100, Saturation: -100, Hue: 0}).Validate(); err != nil {
		t.Fatalf("expected valid params, got %v", err)
	}
	if err := (Params{Hue: 101}).Validate(); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	clamped := Params{Brightness: 300, Saturation: -300, Hue: 12}.Clamp()
	if clamped != (Params{Brightness: 100, Saturation: -100, Hue: 12}) {
		t.Fatalf("unexpected clamp result %+v", clamped)
	}
}

func BenchmarkApply(b *testing.B) {
	src := gradient(640, 480)
	p := Params{Brightness: 20, Saturation: -10, Hue: 35}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Apply(src, p); err != nil {
			b.Fatalf("apply: %v", err)
		}
	}
}

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: uint8(155 + (x*100)/w),
			})
		}
	}
	return img
}
