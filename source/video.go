package source

import (
	"fmt"

	"github.com/swdee/go-posepipe"
	"gocv.io/x/gocv"
)

// VideoSource reads frames from a video file or camera
type VideoSource struct {
	video *gocv.VideoCapture
	loop  bool
	index int
}

// OpenVideo opens a video file
func OpenVideo(file string, loop bool) (*VideoSource, error) {

	video, err := gocv.VideoCaptureFile(file)

	if err != nil {
		return nil, fmt.Errorf("error opening video file: %w", err)
	}

	return &VideoSource{video: video, loop: loop}, nil
}

// OpenCamera opens a camera device by index, eg: 0 for /dev/video0
func OpenCamera(id int) (*VideoSource, error) {

	video, err := gocv.OpenVideoCapture(id)

	if err != nil {
		return nil, fmt.Errorf("error opening camera %d: %w", id, err)
	}

	return &VideoSource{video: video}, nil
}

// Size returns the width and height of the video frames
func (v *VideoSource) Size() (int, int) {
	return int(v.video.Get(gocv.VideoCaptureFrameWidth)),
		int(v.video.Get(gocv.VideoCaptureFrameHeight))
}

// FPS returns the frame rate reported by the video
func (v *VideoSource) FPS() float64 {
	return v.video.Get(gocv.VideoCaptureFPS)
}

// Read returns the next frame, rewinding to the first frame when looping.
// ErrSourceExhausted is returned at the end of the video.
func (v *VideoSource) Read() (*Frame, error) {

	img := gocv.NewMat()

	for attempt := 0; attempt < 2; attempt++ {
		if ok := v.video.Read(&img); ok && !img.Empty() {
			f := &Frame{Mat: img, Index: v.index}
			v.index++
			return f, nil
		}

		// reached last video frame, a video that yielded nothing is not
		// rewound to avoid spinning
		if !v.loop || v.index == 0 {
			break
		}

		v.video.Set(gocv.VideoCapturePosFrames, 0)
		v.index = 0
	}

	img.Close()

	return nil, posepipe.ErrSourceExhausted
}

// Close releases the video
func (v *VideoSource) Close() error {
	return v.video.Close()
}
