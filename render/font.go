package render

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// Font defines the parameters for rendering text on an image using GoCV
type Font struct {
	Face      gocv.HersheyFont
	Scale     float64
	Color     color.RGBA
	Thickness int
	LineType  gocv.LineType
	// LineHeight is the vertical distance between lines of text
	LineHeight int
	// LeftPad is the gap between the image edge and the text
	LeftPad int
}

// DefaultFont returns default font settings
func DefaultFont() Font {
	return Font{
		Face:       gocv.FontHersheySimplex,
		Scale:      0.5,
		Color:      Pink,
		Thickness:  1,
		LineType:   gocv.LineAA,
		LineHeight: 16,
		LeftPad:    4,
	}
}

// Status blanks a bar across the top of img and writes one line of text per
// entry in lines, eg: frame number and FPS
func Status(img *gocv.Mat, lines []string, font Font) {

	if len(lines) == 0 {
		return
	}

	height := font.LineHeight*len(lines) + 4
	rect := image.Rect(0, 0, img.Cols(), height)
	gocv.Rectangle(img, rect, Black, -1) // -1 fills the rectangle

	for i, line := range lines {
		gocv.PutTextWithParams(img, line,
			image.Pt(font.LeftPad, font.LineHeight*(i+1)-2),
			font.Face, font.Scale, font.Color, font.Thickness, font.LineType, false)
	}
}
