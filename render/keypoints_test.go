package render

import (
	"testing"

	"github.com/swdee/go-posepipe/pose"
	"gocv.io/x/gocv"
)

func standingPerson() pose.Person {

	kps := make([]pose.KeyPoint, pose.KeyPointsTotal)

	for i := range kps {
		kps[i] = pose.KeyPoint{X: 100 + float32(i%2)*40, Y: 40 + float32(i)*20, Score: 0.9}
	}

	return pose.Person{KeyPoints: kps, Score: 0.8}
}

func nonZero(t *testing.T, img gocv.Mat) int {
	t.Helper()

	gray := gocv.NewMat()
	defer gray.Close()

	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	return gocv.CountNonZero(gray)
}

func TestSkeletonCanvas(t *testing.T) {

	canvas := Skeleton(1280, 720, pose.Poses{Persons: []pose.Person{standingPerson()}},
		DefaultPoseStyle())
	defer canvas.Close()

	if canvas.Cols() != 1280 || canvas.Rows() != 720 {
		t.Fatalf("canvas size %dx%d", canvas.Cols(), canvas.Rows())
	}

	if nonZero(t, canvas) == 0 {
		t.Fatal("nothing drawn on canvas")
	}
}

func TestSkeletonEmpty(t *testing.T) {

	canvas := Skeleton(320, 240, pose.Poses{}, DefaultPoseStyle())
	defer canvas.Close()

	if n := nonZero(t, canvas); n != 0 {
		t.Fatalf("expected black canvas, %d pixels set", n)
	}
}

func TestPosesBelowThreshold(t *testing.T) {

	p := standingPerson()

	for i := range p.KeyPoints {
		p.KeyPoints[i].Score = 0.05
	}

	canvas := Skeleton(320, 480, pose.Poses{Persons: []pose.Person{p}}, DefaultPoseStyle())
	defer canvas.Close()

	if n := nonZero(t, canvas); n != 0 {
		t.Fatalf("low score keypoints drawn, %d pixels set", n)
	}
}

func TestStatus(t *testing.T) {

	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), 100, 200,
		gocv.MatTypeCV8UC3)
	defer img.Close()

	Status(&img, []string{"Frame: 1", "FPS: 30.0"}, DefaultFont())

	// bottom row is untouched
	if v := img.GetVecbAt(99, 0); v[0] != 255 {
		t.Fatalf("status bar overflowed: %v", v)
	}

	// top row is blanked
	if v := img.GetVecbAt(0, 199); v[0] != 0 {
		t.Fatalf("status bar not drawn: %v", v)
	}
}
