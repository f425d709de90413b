package main

import (
	"errors"
	"fmt"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/dunamismax/hueshift/internal/adjust"
	"github.com/dunamismax/hueshift/internal/codec"
	"github.com/dunamismax/hueshift/internal/domain"
	"github.com/dunamismax/hueshift/internal/editor"
)

type editFlags struct {
	in         string
	out        string
	brightness int
	saturation int
	hue        int
	crop       string
	quality    int
}

func (f *editFlags) register(cmd *cobra.Command, quality int) {
	cmd.Flags().StringVar(&f.in, "in", "", "input image path")
	cmd.Flags().StringVar(&f.out, "out", "", "output image path; the extension picks the format")
	cmd.Flags().IntVar(&f.brightness, "brightness", 0, "brightness shift in [-100, 100]")
	cmd.Flags().IntVar(&f.saturation, "saturation", 0, "saturation shift in [-100, 100]")
	cmd.Flags().IntVar(&f.hue, "hue", 0, "hue shift in [-100, 100]")
	cmd.Flags().StringVar(&f.crop, "crop", "", "crop rectangle x,y,width,height applied before adjusting")
	cmd.Flags().IntVar(&f.quality, "quality", quality, "JPEG quality in [1, 100]")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
}

func (f *editFlags) params() adjust.Params {
	return adjust.Params{Brightness: f.brightness, Saturation: f.saturation, Hue: f.hue}
}

// session opens f.in in immediate mode with the crop and params applied.
func (a *app) session(cmd *cobra.Command, f *editFlags) (*editor.Session, error) {
	params := f.params()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if f.quality < 1 || f.quality > 100 {
		return nil, errors.New("quality must be in [1, 100]")
	}

	s := editor.NewSession(a.logger(cmd), editor.ModeImmediate, editor.WithJPEGQuality(f.quality))
	if err := s.Open(f.in); err != nil {
		return nil, err
	}
	if f.crop != "" {
		rect, err := domain.ParseCropRect(f.crop)
		if err != nil {
			return nil, err
		}
		if err := s.Crop(rect.Rect()); err != nil {
			return nil, err
		}
	}
	for _, set := range []func() error{
		func() error { return s.SetBrightness(params.Brightness) },
		func() error { return s.SetSaturation(params.Saturation) },
		func() error { return s.SetHue(params.Hue) },
	} {
		if err := set(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (a *app) newAdjustCmd() *cobra.Command {
	var f editFlags
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Crop and adjust an image in one shot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.session(cmd, &f)
			if err != nil {
				return err
			}
			if err := s.Save(f.out); err != nil {
				return err
			}
			snap := s.Snapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%dx%d)\n", f.out, snap.Width, snap.Height)
			return nil
		},
	}
	f.register(cmd, a.cfg.Editor.JPEGQuality)
	return cmd
}

func (a *app) newPreviewCmd() *cobra.Command {
	var (
		f      editFlags
		width  int
		height int
		open   bool
	)
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Letterbox the adjusted image into a display area",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.session(cmd, &f)
			if err != nil {
				return err
			}
			frame, err := s.Preview(width, height)
			if err != nil {
				return err
			}
			if err := codec.Save(f.out, frame, codec.Options{Quality: f.quality}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%dx%d)\n", f.out, width, height)
			if open {
				return browser.OpenFile(f.out)
			}
			return nil
		},
	}
	f.register(cmd, a.cfg.Editor.JPEGQuality)
	cmd.Flags().IntVar(&width, "width", 800, "display area width")
	cmd.Flags().IntVar(&height, "height", 600, "display area height")
	cmd.Flags().BoolVar(&open, "open", false, "open the preview with the system viewer")
	return cmd
}
