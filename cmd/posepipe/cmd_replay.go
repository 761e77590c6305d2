package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/swdee/go-posepipe"
	"github.com/swdee/go-posepipe/archive"
	"github.com/swdee/go-posepipe/pose"
	"github.com/swdee/go-posepipe/present"
	"github.com/swdee/go-posepipe/render"
)

var replayCmd = &cobra.Command{
	Use:   "replay [unit file]",
	Short: "Render the skeletons stored in an archive unit",
	Long: "Draw every record of an archive unit as a skeleton on a black canvas, " +
		"either shown in a window or written to <unit>.mp4 next to the unit. " +
		"With --key the unit is read from the configured archive store instead.",
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

var (
	replayKey       string
	replayFPS       float64
	replayOutput    bool
	replayWidth     int
	replayHeight    int
	replayThreshold float32
)

func init() {
	rootCmd.AddCommand(replayCmd)

	f := replayCmd.Flags()
	f.StringVar(&replayKey, "key", "", "Archive store key of the unit, eg: 20240302/1430.json")
	f.Float64Var(&replayFPS, "fps", 30, "Playback frame rate")
	f.BoolVar(&replayOutput, "output", false, "Write <unit>.mp4 instead of showing a window")
	f.IntVar(&replayWidth, "width", 1280, "Canvas width")
	f.IntVar(&replayHeight, "height", 720, "Canvas height")
	f.Float32Var(&replayThreshold, "prob_threshold", 0.1, "Keypoint score needed to draw a limb")
}

// videoPath returns the mp4 file written for a unit
func videoPath(unit string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(unit, ".zst"), ".json")
	return base + ".mp4"
}

func runReplay(cmd *cobra.Command, args []string) error {

	if err := loadConfig(nil); err != nil {
		return err
	}

	if replayFPS <= 0 {
		return fmt.Errorf("--fps must be positive")
	}

	var (
		unit archive.Unit[pose.Poses]
		name string
		err  error
	)

	switch {
	case replayKey != "":
		store, serr := newArchiveStore(cmd.Context(), cfg)

		if serr != nil {
			return fmt.Errorf("error opening archive store: %w", serr)
		}

		unit, err = archive.ReadUnit[pose.Poses](cmd.Context(), store, replayKey)
		name = filepath.Base(replayKey)

	case len(args) == 1:
		unit, err = archive.ReadFile[pose.Poses](args[0])
		name = args[0]

	default:
		return fmt.Errorf("give an archive unit file or --key")
	}

	if err != nil {
		return err
	}

	logger.Info().Str("run_id", unit.RunID).Str("bucket", unit.Bucket.Key()).
		Int("records", len(unit.Records)).Msg("Replaying archive unit")

	var sink present.Sink

	if replayOutput {
		out := videoPath(name)
		sink = present.NewVideoFile(out, replayFPS, 0, logger)
		logger.Info().Str("file", out).Msg("Writing skeleton video")
	} else {
		sink = present.NewWindow(fmt.Sprintf("Skeleton %s", unit.Bucket.Key()))
	}

	defer func() {
		if err := sink.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing output")
		}
	}()

	style := render.DefaultPoseStyle()
	style.Threshold = replayThreshold

	font := render.DefaultFont()
	interval := time.Duration(float64(time.Second) / replayFPS)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i, rec := range unit.Records {

		canvas := render.Skeleton(replayWidth, replayHeight, rec.Result, style)

		render.Status(&canvas, []string{
			fmt.Sprintf("Record: %d/%d, Time: %s, Persons: %d", i+1, len(unit.Records),
				rec.Timestamp.Format("15:04:05.000"), rec.Result.Len()),
		}, font)

		err := sink.Show(&canvas)
		canvas.Close()

		if errors.Is(err, posepipe.ErrStop) {
			break
		}

		if err != nil {
			return err
		}

		// writing to file runs as fast as possible
		if !replayOutput {
			select {
			case <-cmd.Context().Done():
				return nil
			case <-ticker.C:
			}
		}
	}

	return nil
}
