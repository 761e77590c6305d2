// Package source reads BGR frames from video files, cameras and images.
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/swdee/go-posepipe"
	"gocv.io/x/gocv"
)

// Frame is a single BGR image read from a source.  The receiver of a Frame
// owns it and must Close it.
type Frame struct {
	Mat gocv.Mat
	// Index is the frame's position in the source, restarting at 0 each loop
	Index int
}

// Close frees the frame's image memory
func (f *Frame) Close() error {
	return f.Mat.Close()
}

// Source is a closable frame source
type Source interface {
	posepipe.Source[*Frame]
	Close() error
}

// imageExts are the file extensions treated as still images
var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".webp": true,
}

// Open returns a Source for the given input.  A number opens a camera device,
// a directory reads the images it contains in name order, an image file is
// read as a single frame and anything else is opened as a video.  When loop
// is set files are replayed from the start once exhausted.
func Open(uri string, loop bool) (Source, error) {

	if uri == "" {
		return nil, fmt.Errorf("no input provided")
	}

	if id, err := strconv.Atoi(uri); err == nil {
		return OpenCamera(id)
	}

	info, err := os.Stat(uri)

	if err != nil {
		return nil, fmt.Errorf("error opening input: %w", err)
	}

	if info.IsDir() {
		files, err := listImages(uri)

		if err != nil {
			return nil, err
		}

		return NewImageSource(files, loop)
	}

	if imageExts[strings.ToLower(filepath.Ext(uri))] {
		return NewImageSource([]string{uri}, loop)
	}

	return OpenVideo(uri, loop)
}

// listImages returns the image files in dir sorted by name
func listImages(dir string) ([]string, error) {

	entries, err := os.ReadDir(dir)

	if err != nil {
		return nil, fmt.Errorf("error reading input directory: %w", err)
	}

	files := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}

		files = append(files, filepath.Join(dir, e.Name()))
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}

	sort.Strings(files)

	return files, nil
}
