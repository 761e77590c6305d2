package present

import (
	"github.com/swdee/go-posepipe"
	"gocv.io/x/gocv"
)

// WindowTitle is the title of the display window
const WindowTitle = "Human Pose Estimation"

// Window shows frames in a desktop window.  Pressing ESC, q or Q stops the
// pipeline.
type Window struct {
	win *gocv.Window
}

// NewWindow opens the display window
func NewWindow(title string) *Window {
	return &Window{win: gocv.NewWindow(title)}
}

// Show implements Sink
func (w *Window) Show(img *gocv.Mat) error {

	w.win.IMShow(*img)

	if isQuitKey(w.win.WaitKey(1)) {
		return posepipe.ErrStop
	}

	return nil
}

// Close implements Sink
func (w *Window) Close() error {
	return w.win.Close()
}

// isQuitKey reports whether key is ESC, q or Q
func isQuitKey(key int) bool {
	return key == 27 || key == 'q' || key == 'Q'
}
