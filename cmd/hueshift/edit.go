package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dunamismax/hueshift/internal/codec"
	"github.com/dunamismax/hueshift/internal/domain"
	"github.com/dunamismax/hueshift/internal/editor"
)

const editHelp = `commands:
  open PATH | close
  select brightness|saturation|hue|none
  brightness N | saturation N | hue N
  apply | reset | crop X Y W H
  preview W H PATH | save PATH
  status | help | quit`

var errQuit = errors.New("quit")

func (a *app) newEditCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Run an interactive editing session reading commands from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := editor.ParseMode(mode)
			if err != nil {
				return err
			}
			s := editor.NewSession(a.logger(cmd), m, editor.WithJPEGQuality(a.cfg.Editor.JPEGQuality))
			return runEditLoop(s, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&mode, "mode", a.cfg.Editor.Mode, "edit mode: staged or immediate")
	return cmd
}

// runEditLoop executes one command per line. A failing command prints its
// error and leaves the session as it was.
func runEditLoop(s *editor.Session, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		err := runEditCommand(s, fields[0], fields[1:], out)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func runEditCommand(s *editor.Session, name string, args []string, out io.Writer) error {
	switch strings.ToLower(name) {
	case "quit", "exit":
		return errQuit
	case "help":
		fmt.Fprintln(out, editHelp)
		return nil
	case "open":
		if len(args) != 1 {
			return errors.New("usage: open PATH")
		}
		if err := s.Open(args[0]); err != nil {
			return err
		}
		printStatus(s, out)
		return nil
	case "close":
		s.Close()
		fmt.Fprintln(out, "closed")
		return nil
	case "select":
		if len(args) != 1 {
			return errors.New("usage: select brightness|saturation|hue|none")
		}
		state, err := editor.ParseEditState(args[0])
		if err != nil {
			return err
		}
		if state == editor.EditNone {
			state = s.State()
		}
		if err := s.Toggle(state); err != nil {
			return err
		}
		fmt.Fprintf(out, "editing %s\n", s.State())
		return nil
	case "brightness", "saturation", "hue":
		ints, err := intArgs(args, 1, "usage: "+name+" N")
		if err != nil {
			return err
		}
		set := map[string]func(int) error{
			"brightness": s.SetBrightness,
			"saturation": s.SetSaturation,
			"hue":        s.SetHue,
		}[strings.ToLower(name)]
		if err := set(ints[0]); err != nil {
			return err
		}
		p := s.Params()
		fmt.Fprintf(out, "brightness=%d saturation=%d hue=%d\n", p.Brightness, p.Saturation, p.Hue)
		return nil
	case "apply":
		if err := s.Apply(); err != nil {
			return err
		}
		fmt.Fprintln(out, "applied")
		return nil
	case "reset":
		if err := s.Reset(); err != nil {
			return err
		}
		fmt.Fprintln(out, "reset")
		return nil
	case "crop":
		ints, err := intArgs(args, 4, "usage: crop X Y W H")
		if err != nil {
			return err
		}
		rect := domain.CropRect{X: ints[0], Y: ints[1], Width: ints[2], Height: ints[3]}
		if err := rect.Validate(); err != nil {
			return err
		}
		if err := s.Crop(rect.Rect()); err != nil {
			return err
		}
		printStatus(s, out)
		return nil
	case "preview":
		if len(args) != 3 {
			return errors.New("usage: preview W H PATH")
		}
		ints, err := intArgs(args[:2], 2, "usage: preview W H PATH")
		if err != nil {
			return err
		}
		frame, err := s.Preview(ints[0], ints[1])
		if err != nil {
			return err
		}
		if err := codec.Save(args[2], frame, codec.Options{}); err != nil {
			return err
		}
		fmt.Fprintf(out, "preview written to %s\n", args[2])
		return nil
	case "save":
		if len(args) != 1 {
			return errors.New("usage: save PATH")
		}
		if err := s.Save(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "saved %s\n", args[0])
		return nil
	case "status":
		printStatus(s, out)
		return nil
	default:
		return fmt.Errorf("unknown command %q (try help)", name)
	}
}

func intArgs(args []string, n int, usage string) ([]int, error) {
	if len(args) != n {
		return nil, errors.New(usage)
	}
	out := make([]int, n)
	for i, raw := range args {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New(usage)
		}
		out[i] = v
	}
	return out, nil
}

func printStatus(s *editor.Session, out io.Writer) {
	snap := s.Snapshot()
	if !snap.Loaded {
		fmt.Fprintln(out, "no image loaded")
		return
	}
	fmt.Fprintf(out, "%s %dx%d mode=%s editing=%s brightness=%d saturation=%d hue=%d dirty=%t\n",
		snap.Path, snap.Width, snap.Height, snap.Mode, snap.State,
		snap.Params.Brightness, snap.Params.Saturation, snap.Params.Hue, snap.Dirty)
}
