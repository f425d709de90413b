package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/dunamismax/hueshift/internal/adjust"
)

var (
	ErrFailedToLoad      = errors.New("failed to load image")
	ErrFailedToSave      = errors.New("failed to save image")
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatBMP  Format = "bmp"
	FormatGIF  Format = "gif"
	FormatTIFF Format = "tiff"
	FormatWebP Format = "webp"
)

const DefaultJPEGQuality = 90

type Options struct {
	Quality int
}

// ParseFormat accepts format names and file extensions, with or without dot.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), ".")) {
	case "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "bmp":
		return FormatBMP, nil
	case "gif":
		return FormatGIF, nil
	case "tif", "tiff":
		return FormatTIFF, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

func FormatFromPath(path string) (Format, error) {
	return ParseFormat(filepath.Ext(path))
}

func (f Format) Encodable() bool {
	_, err := f.imaging()
	return err == nil
}

func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatBMP:
		return "image/bmp"
	case FormatGIF:
		return "image/gif"
	case FormatTIFF:
		return "image/tiff"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/png"
	}
}

func (f Format) imaging() (imaging.Format, error) {
	switch f {
	case FormatPNG:
		return imaging.PNG, nil
	case FormatJPEG:
		return imaging.JPEG, nil
	case FormatBMP:
		return imaging.BMP, nil
	case FormatGIF:
		return imaging.GIF, nil
	case FormatTIFF:
		return imaging.TIFF, nil
	default:
		return 0, fmt.Errorf("%w: cannot encode %q", ErrUnsupportedFormat, string(f))
	}
}

// Load decodes the image at path. Any failure wraps ErrFailedToLoad.
func Load(path string) (image.Image, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: open %s: %v", ErrFailedToLoad, path, err)
	}
	defer f.Close()

	img, format, err := Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return img, format, nil
}

// DefaultMaxPixels bounds what Decode will allocate, whatever the encoded size.
const DefaultMaxPixels = 100_000_000

func Decode(r io.Reader) (image.Image, Format, error) {
	return DecodeLimit(r, DefaultMaxPixels)
}

// DecodeLimit reads the header first and refuses images with more than
// maxPixels pixels before decoding them. maxPixels <= 0 disables the check.
func DecodeLimit(r io.Reader, maxPixels int64) (image.Image, Format, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFailedToLoad, err)
	}
	name, err := CheckDimensions(data, maxPixels)
	if err != nil {
		return nil, "", err
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFailedToLoad, err)
	}
	if adjust.Empty(img) {
		return nil, "", fmt.Errorf("%w: image has no pixels", ErrFailedToLoad)
	}

	format, err := ParseFormat(name)
	if err != nil {
		return img, FormatPNG, nil
	}
	return img, format, nil
}

// CheckDimensions parses only the image header of data and returns the
// registered format name.
func CheckDimensions(data []byte, maxPixels int64) (string, error) {
	cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFailedToLoad, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return "", fmt.Errorf("%w: image has no pixels", ErrFailedToLoad)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrFailedToLoad, cfg.Width, cfg.Height, maxPixels)
	}
	return name, nil
}

func Encode(w io.Writer, img image.Image, format Format, opts Options) error {
	if adjust.Empty(img) {
		return adjust.ErrNoImageLoaded
	}
	target, err := format.imaging()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToSave, err)
	}

	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	if err := imaging.Encode(w, img, target,
		imaging.JPEGQuality(quality),
		imaging.PNGCompressionLevel(png.DefaultCompression),
	); err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrFailedToSave, format, err)
	}
	return nil
}

func EncodeBytes(img image.Image, format Format, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img, format, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save encodes img in the format implied by the extension of path. The data
// is written to a temporary file in the same directory and renamed into
// place, so a failed save leaves any existing file intact.
func Save(path string, img image.Image, opts Options) error {
	if adjust.Empty(img) {
		return adjust.ErrNoImageLoaded
	}
	format, err := FormatFromPath(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToSave, err)
	}
	if !format.Encodable() {
		return fmt.Errorf("%w: %s cannot be written", ErrFailedToSave, format)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToSave, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := Encode(tmp, img, format, opts); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %v", ErrFailedToSave, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToSave, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToSave, err)
	}
	return nil
}
