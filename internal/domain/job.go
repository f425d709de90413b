package domain

import (
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/hueshift/internal/adjust"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"

	ActionAdjust    = "adjust"
	ActionCrop      = "crop"
	ActionFit       = "fit"
	ActionResize    = "resize"
	ActionWatermark = "watermark"
)

type CreateJobRequest struct {
	SourceType string         `json:"source_type"`
	WebhookURL string         `json:"webhook_url,omitempty"`
	ObjectKey  string         `json:"object_key,omitempty"`
	Pipeline   []PipelineStep `json:"pipeline"`
}

type PipelineStep struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Width     int            `json:"width,omitempty"`
	Height    int            `json:"height,omitempty"`
	Format    string         `json:"format,omitempty"`
	Quality   int            `json:"quality,omitempty"`
	Adjust    *adjust.Params `json:"adjust,omitempty"`
	Crop      *CropRect      `json:"crop,omitempty"`
	Watermark *Watermark     `json:"watermark,omitempty"`
}

type CropRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (c CropRect) Rect() image.Rectangle {
	return image.Rect(c.X, c.Y, c.X+c.Width, c.Y+c.Height)
}

// ParseCropRect reads "x,y,width,height".
func ParseCropRect(raw string) (CropRect, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return CropRect{}, fmt.Errorf("crop %q must be x,y,width,height", raw)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return CropRect{}, fmt.Errorf("crop %q must be x,y,width,height", raw)
		}
		v[i] = n
	}
	c := CropRect{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
	return c, c.Validate()
}

// MaxCropExtent bounds every crop coordinate, so Rect never overflows.
const MaxCropExtent = 1 << 24

func (c CropRect) Validate() error {
	if c.X < 0 || c.Y < 0 {
		return errors.New("crop origin must not be negative")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return errors.New("crop width and height must be positive")
	}
	if c.X > MaxCropExtent || c.Y > MaxCropExtent || c.Width > MaxCropExtent-c.X || c.Height > MaxCropExtent-c.Y {
		return fmt.Errorf("crop must lie within %d pixels of the origin", MaxCropExtent)
	}
	return nil
}

type Watermark struct {
	Text    string  `json:"text"`
	Opacity float64 `json:"opacity"`
	Gravity string  `json:"gravity"`
}

type Job struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	WebhookURL string
	Pipeline   []PipelineStep
	ObjectKey  string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	if len(r.Pipeline) == 0 {
		return errors.New("pipeline must contain at least one step")
	}

	seen := make(map[string]struct{}, len(r.Pipeline))
	for i, step := range r.Pipeline {
		if strings.TrimSpace(step.ID) == "" {
			return fmt.Errorf("pipeline[%d].id is required", i)
		}
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("pipeline[%d].id %q is duplicated", i, step.ID)
		}
		seen[step.ID] = struct{}{}
		if err := step.Validate(); err != nil {
			return fmt.Errorf("pipeline[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks the step settings its action needs. Adjustment params are
// bounded here since the API plays the role of the slider range.
func (s PipelineStep) Validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Action)) {
	case "":
		return errors.New("action is required")
	case ActionAdjust:
		if s.Adjust == nil {
			return errors.New("adjust action requires adjust settings")
		}
		if err := s.Adjust.Validate(); err != nil {
			return err
		}
		if s.Crop != nil {
			return s.Crop.Validate()
		}
	case ActionCrop:
		if s.Crop == nil {
			return errors.New("crop action requires crop settings")
		}
		return s.Crop.Validate()
	case ActionFit:
		if s.Width <= 0 || s.Height <= 0 {
			return errors.New("fit action requires width > 0 and height > 0")
		}
	case ActionResize:
		if s.Width <= 0 {
			return errors.New("resize action requires width > 0")
		}
	case ActionWatermark:
		if s.Watermark == nil || strings.TrimSpace(s.Watermark.Text) == "" {
			return errors.New("watermark action requires watermark.text")
		}
	default:
		return fmt.Errorf("unsupported action: %s", s.Action)
	}
	return nil
}
