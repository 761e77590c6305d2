package render

import (
	"image"

	"github.com/swdee/go-posepipe/pose"
	"gocv.io/x/gocv"
)

// PoseStyle defines how pose skeletons are drawn
type PoseStyle struct {
	// Threshold is the keypoint score that must be exceeded for a joint or
	// limb to be drawn
	Threshold float32
	// LineThickness of the limbs
	LineThickness int
	// JointRadius of the circles drawn at each joint
	JointRadius int
	// Alpha is the weight of the underlying image when the limbs are blended
	// over it, the limbs get 1-Alpha
	Alpha float64
}

// DefaultPoseStyle returns the default skeleton style
func DefaultPoseStyle() PoseStyle {
	return PoseStyle{
		Threshold:     0.1,
		LineThickness: 4,
		JointRadius:   1,
		Alpha:         0.4,
	}
}

// Poses renders the skeletons of all persons on img.  Joints are drawn
// directly on the image while limbs are drawn on a copy that is blended back
// so the underlying frame stays visible through them.
func Poses(img *gocv.Mat, poses pose.Poses, style PoseStyle) {

	if poses.Len() == 0 {
		return
	}

	limbs := img.Clone()
	defer limbs.Close()

	for _, person := range poses.Persons {
		drawJoints(img, person, style)
		drawLimbs(&limbs, person, style)
	}

	gocv.AddWeighted(*img, style.Alpha, limbs, 1-style.Alpha, 0, img)
}

// Skeleton renders the skeletons of all persons on a new black canvas of the
// given size.  The caller must Close the returned Mat.
func Skeleton(width, height int, poses pose.Poses, style PoseStyle) gocv.Mat {

	canvas := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0),
		height, width, gocv.MatTypeCV8UC3)

	Poses(&canvas, poses, style)

	return canvas
}

// drawJoints draws a circle at every keypoint scoring above the threshold
func drawJoints(img *gocv.Mat, person pose.Person, style PoseStyle) {

	for i, kp := range person.KeyPoints {
		if kp.Score <= style.Threshold {
			continue
		}

		gocv.Circle(img, image.Pt(int(kp.X), int(kp.Y)), style.JointRadius,
			keyPointColors[i%len(keyPointColors)], 2)
	}
}

// drawLimbs draws a line for every skeleton limb with both ends visible
func drawLimbs(img *gocv.Mat, person pose.Person, style PoseStyle) {

	for j, limb := range pose.Skeleton {
		if !person.Visible(limb, style.Threshold) {
			continue
		}

		a := person.KeyPoints[limb[0]]
		b := person.KeyPoints[limb[1]]

		gocv.Line(img, image.Pt(int(a.X), int(a.Y)), image.Pt(int(b.X), int(b.Y)),
			limbColors[j%len(limbColors)], style.LineThickness)
	}
}
