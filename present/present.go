// Package present draws pose overlays on delivered frames and hands them to
// display sinks: a window, a video file and an MJPEG stream.
package present

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/swdee/go-posepipe"
	"github.com/swdee/go-posepipe/pose"
	"github.com/swdee/go-posepipe/render"
	"github.com/swdee/go-posepipe/source"
	"gocv.io/x/gocv"
)

// Sink receives annotated frames.  Show returns posepipe.ErrStop to request a
// graceful shutdown, eg: when the user presses ESC.
type Sink interface {
	Show(img *gocv.Mat) error
	Close() error
}

// Presenter annotates each delivered frame with its poses and status text,
// passes it to every sink then frees the frame
type Presenter struct {
	sinks []Sink
	style render.PoseStyle
	font  render.Font
	raw   bool
	log   zerolog.Logger
	now   func() time.Time

	// used for calculating FPS
	frameCount int
	fpsStart   time.Time
	fps        float64
}

// New returns a Presenter drawing with the given style
func New(style render.PoseStyle, log zerolog.Logger) *Presenter {
	return &Presenter{
		style: style,
		font:  render.DefaultFont(),
		log:   log.With().Str("component", "present").Logger(),
		now:   time.Now,
	}
}

// AddSink adds a destination for annotated frames
func (p *Presenter) AddSink(s Sink) {
	p.sinks = append(p.sinks, s)
}

// SetRaw enables logging of every pose's keypoints
func (p *Presenter) SetRaw(val bool) {
	p.raw = val
}

// Present implements posepipe.Presenter
func (p *Presenter) Present(c posepipe.Completed[*source.Frame, pose.Poses]) error {

	defer c.Frame.Close()

	if p.raw {
		p.logRaw(c.Seq, c.Result)
	}

	p.updateFPS()

	if len(p.sinks) == 0 {
		return nil
	}

	img := c.Frame.Mat
	render.Poses(&img, c.Result, p.style)

	lat := p.now().Sub(c.Meta.Start).Milliseconds()

	render.Status(&img, []string{
		fmt.Sprintf("Frame: %d, FPS: %.2f, Latency: %dms, Persons: %d",
			c.Seq, p.fps, lat, c.Result.Len()),
	}, p.font)

	stop := false

	for _, s := range p.sinks {
		err := s.Show(&img)

		if errors.Is(err, posepipe.ErrStop) {
			stop = true
			continue
		}

		if err != nil {
			return err
		}
	}

	if stop {
		return posepipe.ErrStop
	}

	return nil
}

// updateFPS recalculates the delivery rate about once a second
func (p *Presenter) updateFPS() {

	now := p.now()

	if p.fpsStart.IsZero() {
		p.fpsStart = now
	}

	p.frameCount++
	elapsed := now.Sub(p.fpsStart).Seconds()

	if elapsed >= 1.0 {
		p.fps = float64(p.frameCount) / elapsed
		p.frameCount = 0
		p.fpsStart = now
	}
}

// logRaw logs the keypoints and score of every person
func (p *Presenter) logRaw(seq uint64, poses pose.Poses) {

	p.log.Info().Uint64("seq", seq).Int("persons", poses.Len()).Msg("Poses:")

	for _, person := range poses.Persons {
		p.log.Info().Msg(person.String())
	}
}

// Close closes every sink
func (p *Presenter) Close() error {

	var errs []error

	for _, s := range p.sinks {
		errs = append(errs, s.Close())
	}

	return errors.Join(errs...)
}
