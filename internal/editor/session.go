package editor

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/dunamismax/hueshift/internal/adjust"
	"github.com/dunamismax/hueshift/internal/codec"
	"github.com/dunamismax/hueshift/internal/display"
)

var (
	ErrEmptyCrop  = display.ErrEmptyCrop
	ErrNotEditing = errors.New("parameter is not selected for editing")
)

// Mode selects how parameter changes reach the committed image.
type Mode int

const (
	// ModeStaged previews one parameter at a time until Apply commits it.
	ModeStaged Mode = iota
	// ModeImmediate recomputes the view from the committed image on every change.
	ModeImmediate
)

func (m Mode) String() string {
	if m == ModeImmediate {
		return "immediate"
	}
	return "staged"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "staged":
		return ModeStaged, nil
	case "immediate":
		return ModeImmediate, nil
	default:
		return ModeStaged, fmt.Errorf("unknown edit mode %q", s)
	}
}

type EditState int

const (
	EditNone EditState = iota
	EditBrightness
	EditSaturation
	EditHue
)

func (s EditState) String() string {
	switch s {
	case EditBrightness:
		return "brightness"
	case EditSaturation:
		return "saturation"
	case EditHue:
		return "hue"
	default:
		return "none"
	}
}

func ParseEditState(s string) (EditState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return EditNone, nil
	case "brightness":
		return EditBrightness, nil
	case "saturation":
		return EditSaturation, nil
	case "hue":
		return EditHue, nil
	default:
		return EditNone, fmt.Errorf("unknown edit state %q", s)
	}
}

// Session holds the images of one editing session. The original is never
// modified; the committed image accumulates applied edits and crops; the
// view is the committed image with the pending params applied.
//
// A Session is not safe for concurrent use. Every call recomputes
// synchronously before returning.
type Session struct {
	logger  zerolog.Logger
	mode    Mode
	quality int

	path      string
	format    codec.Format
	original  *image.NRGBA
	committed *image.NRGBA
	view      *image.NRGBA
	params    adjust.Params
	state     EditState
}

type Option func(*Session)

func WithJPEGQuality(q int) Option {
	return func(s *Session) { s.quality = q }
}

func NewSession(logger zerolog.Logger, mode Mode, opts ...Option) *Session {
	s := &Session{
		logger: logger.With().Str("component", "editor").Str("mode", mode.String()).Logger(),
		mode:   mode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Snapshot struct {
	Loaded bool
	Path   string
	Format codec.Format
	Width  int
	Height int
	Mode   Mode
	State  EditState
	Params adjust.Params
	Dirty  bool
}

func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		Loaded: s.Loaded(),
		Path:   s.path,
		Format: s.format,
		Mode:   s.mode,
		State:  s.state,
		Params: s.params,
	}
	if s.view != nil {
		snap.Width = s.view.Bounds().Dx()
		snap.Height = s.view.Bounds().Dy()
		snap.Dirty = !s.params.IsZero() || s.committed != s.original
	}
	return snap
}

func (s *Session) Loaded() bool {
	return s.original != nil
}

func (s *Session) Params() adjust.Params {
	return s.params
}

func (s *Session) State() EditState {
	return s.state
}

// View is the image as currently displayed, pending params included.
func (s *Session) View() image.Image {
	if s.view == nil {
		return nil
	}
	return s.view
}

// Result is what Save writes: the committed image in staged mode and the
// view in immediate mode.
func (s *Session) Result() image.Image {
	if s.mode == ModeImmediate {
		return s.View()
	}
	if s.committed == nil {
		return nil
	}
	return s.committed
}

// Open replaces the session image with the file at path. On failure the
// previously loaded image and params stay as they were.
func (s *Session) Open(path string) error {
	img, format, err := codec.Load(path)
	if err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("open failed")
		return err
	}
	if err := s.Load(img); err != nil {
		return err
	}
	s.path = path
	s.format = format
	s.logger.Info().
		Str("path", path).
		Str("format", string(format)).
		Int("width", s.original.Bounds().Dx()).
		Int("height", s.original.Bounds().Dy()).
		Msg("image opened")
	return nil
}

func (s *Session) Load(img image.Image) error {
	if adjust.Empty(img) {
		return adjust.ErrNoImageLoaded
	}
	s.original = imaging.Clone(img)
	s.committed = s.original
	s.view = s.original
	s.params = adjust.Params{}
	s.state = EditNone
	s.path = ""
	s.format = codec.FormatPNG
	return nil
}

func (s *Session) Close() {
	if s.Loaded() {
		s.logger.Info().Str("path", s.path).Msg("image closed")
	}
	s.path = ""
	s.format = ""
	s.original = nil
	s.committed = nil
	s.view = nil
	s.params = adjust.Params{}
	s.state = EditNone
}

// Toggle selects state for editing, or deselects it when it is already
// selected. In staged mode any pending params are discarded.
func (s *Session) Toggle(state EditState) error {
	if !s.Loaded() {
		return adjust.ErrNoImageLoaded
	}
	if s.state == state {
		state = EditNone
	}
	s.state = state
	if s.mode == ModeStaged && !s.params.IsZero() {
		s.params = adjust.Params{}
		s.view = s.committed
	}
	return nil
}

func (s *Session) SetBrightness(v int) error {
	return s.set(EditBrightness, func(p *adjust.Params) { p.Brightness = adjust.ClampParam(v) })
}

func (s *Session) SetSaturation(v int) error {
	return s.set(EditSaturation, func(p *adjust.Params) { p.Saturation = adjust.ClampParam(v) })
}

func (s *Session) SetHue(v int) error {
	return s.set(EditHue, func(p *adjust.Params) { p.Hue = adjust.ClampParam(v) })
}

func (s *Session) set(state EditState, update func(*adjust.Params)) error {
	if !s.Loaded() {
		return adjust.ErrNoImageLoaded
	}
	if s.mode == ModeStaged && s.state != state {
		return fmt.Errorf("%w: %s (selected: %s)", ErrNotEditing, state, s.state)
	}

	next := s.params
	update(&next)
	if next == s.params {
		return nil
	}
	s.params = next
	return s.recompute()
}

// Apply commits the view and zeroes the params.
func (s *Session) Apply() error {
	if !s.Loaded() {
		return adjust.ErrNoImageLoaded
	}
	if s.params.IsZero() {
		return nil
	}
	s.committed = s.view
	s.params = adjust.Params{}
	s.logger.Debug().Msg("adjustments applied")
	return nil
}

// Reset drops every edit and crop, returning to the image as opened.
func (s *Session) Reset() error {
	if !s.Loaded() {
		return adjust.ErrNoImageLoaded
	}
	s.committed = s.original
	s.view = s.original
	s.params = adjust.Params{}
	s.state = EditNone
	s.logger.Debug().Msg("session reset")
	return nil
}

// Crop cuts the committed image to rect, intersected with its bounds.
func (s *Session) Crop(rect image.Rectangle) error {
	if !s.Loaded() {
		return adjust.ErrNoImageLoaded
	}
	cropped, err := display.Crop(s.committed, rect)
	if err != nil {
		return err
	}
	s.committed = cropped
	s.logger.Debug().Str("rect", rect.String()).Msg("image cropped")
	return s.recompute()
}

func (s *Session) Save(path string) error {
	img := s.Result()
	if img == nil {
		return adjust.ErrNoImageLoaded
	}
	if err := codec.Save(path, img, codec.Options{Quality: s.quality}); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("save failed")
		return err
	}
	s.logger.Info().Str("path", path).Msg("image saved")
	return nil
}

// Preview letterboxes the view into a width x height display area.
func (s *Session) Preview(width, height int) (*image.NRGBA, error) {
	if !s.Loaded() {
		return nil, adjust.ErrNoImageLoaded
	}
	return display.Compose(s.view, width, height)
}

func (s *Session) recompute() error {
	started := time.Now()
	view, err := adjust.Apply(s.committed, s.params)
	if err != nil {
		return err
	}
	s.view = view
	s.logger.Debug().
		Int("brightness", s.params.Brightness).
		Int("saturation", s.params.Saturation).
		Int("hue", s.params.Hue).
		Dur("elapsed", time.Since(started)).
		Msg("view recomputed")
	return nil
}
