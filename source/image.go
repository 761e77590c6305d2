package source

import (
	"fmt"

	"github.com/swdee/go-posepipe"
	"gocv.io/x/gocv"
)

// ImageSource reads a list of image files as frames
type ImageSource struct {
	files []string
	loop  bool
	next  int
}

// NewImageSource returns a source reading files in order
func NewImageSource(files []string, loop bool) (*ImageSource, error) {

	if len(files) == 0 {
		return nil, fmt.Errorf("no image files given")
	}

	return &ImageSource{files: files, loop: loop}, nil
}

// Read returns the next image.  ErrSourceExhausted is returned once every
// file has been read and looping is off.
func (s *ImageSource) Read() (*Frame, error) {

	if s.next >= len(s.files) {
		if !s.loop {
			return nil, posepipe.ErrSourceExhausted
		}

		s.next = 0
	}

	file := s.files[s.next]
	img := gocv.IMRead(file, gocv.IMReadColor)

	if img.Empty() {
		img.Close()
		return nil, fmt.Errorf("error reading image %s", file)
	}

	f := &Frame{Mat: img, Index: s.next}
	s.next++

	return f, nil
}

// Close implements Source
func (s *ImageSource) Close() error {
	return nil
}
