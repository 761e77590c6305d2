package present

import (
	"fmt"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// VideoFile writes frames to a video file.  The file is created on the first
// frame so its size matches the source.
type VideoFile struct {
	path   string
	fps    float64
	limit  int
	writer *gocv.VideoWriter
	frames int
	log    zerolog.Logger
}

// NewVideoFile returns a sink writing at most limit frames to path, a limit
// of 0 is unlimited
func NewVideoFile(path string, fps float64, limit int, log zerolog.Logger) *VideoFile {
	return &VideoFile{
		path:  path,
		fps:   fps,
		limit: limit,
		log:   log.With().Str("component", "video-writer").Logger(),
	}
}

// Show implements Sink
func (v *VideoFile) Show(img *gocv.Mat) error {

	if v.limit > 0 && v.frames >= v.limit {
		return nil
	}

	if v.writer == nil {
		writer, err := gocv.VideoWriterFile(v.path, "mp4v", v.fps, img.Cols(), img.Rows(), true)

		if err != nil {
			return fmt.Errorf("error creating video writer: %w", err)
		}

		v.writer = writer
	}

	err := v.writer.Write(*img)

	if err != nil {
		return fmt.Errorf("error writing video frame: %w", err)
	}

	v.frames++

	if v.limit > 0 && v.frames == v.limit {
		v.log.Info().Str("file", v.path).Int("frames", v.frames).
			Msg("Output frame limit reached")
	}

	return nil
}

// Frames returns the number of frames written
func (v *VideoFile) Frames() int {
	return v.frames
}

// Close implements Sink
func (v *VideoFile) Close() error {

	if v.writer == nil {
		return nil
	}

	v.log.Info().Str("file", v.path).Int("frames", v.frames).Msg("saved")

	return v.writer.Close()
}
