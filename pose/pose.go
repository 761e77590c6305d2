// Package pose defines the human pose estimation result carried through the
// pipeline and persisted in archive units.
package pose

import (
	"fmt"
	"strings"
)

/* COCO keypoint indexes
0: Nose
1: Left Eye
2: Right Eye
3: Left Ear
4: Right Ear
5: Left Shoulder
6: Right Shoulder
7: Left Elbow
8: Right Elbow
9: Left Wrist
10: Right Wrist
11: Left Hip
12: Right Hip
13: Left Knee
14: Right Knee
15: Left Ankle
16: Right Ankle
*/

// KeyPointsTotal is the number of COCO keypoints in a skeleton
const KeyPointsTotal = 17

// Limb is a pair of keypoint indexes joined by a line when drawing a skeleton
type Limb [2]int

// Skeleton defines the COCO keypoint pairs to draw lines between, eg: {15, 13}
// draws a line from the left ankle to the left knee
var Skeleton = []Limb{
	{15, 13}, {13, 11}, {16, 14}, {14, 12}, {11, 12}, {5, 11}, {6, 12}, {5, 6},
	{5, 7}, {6, 8}, {7, 9}, {8, 10}, {1, 2}, {0, 1}, {0, 2}, {1, 3}, {2, 4},
	{3, 5}, {4, 6},
}

// KeyPoint is a single body keypoint in source image coordinates
type KeyPoint struct {
	X     float32 `json:"x"`
	Y     float32 `json:"y"`
	Score float32 `json:"score"`
}

// Person is one detected person's keypoints and overall pose score
type Person struct {
	KeyPoints []KeyPoint `json:"keypoints"`
	Score     float32    `json:"score"`
}

// Poses is the inference result for a single frame
type Poses struct {
	Persons []Person `json:"persons"`
}

// Len returns the number of persons detected
func (p Poses) Len() int {
	return len(p.Persons)
}

// Visible returns true if both ends of the limb score above threshold
func (p Person) Visible(l Limb, threshold float32) bool {

	if l[0] >= len(p.KeyPoints) || l[1] >= len(p.KeyPoints) {
		return false
	}

	return p.KeyPoints[l[0]].Score > threshold && p.KeyPoints[l[1]].Score > threshold
}

// String formats the person's keypoints as (x, y, score) triples followed by
// the pose score
func (p Person) String() string {

	parts := make([]string, len(p.KeyPoints))

	for i, kp := range p.KeyPoints {
		parts[i] = fmt.Sprintf("(%.2f, %.2f, %.2f)", kp.X, kp.Y, kp.Score)
	}

	return fmt.Sprintf("%s | %.2f", strings.Join(parts, " "), p.Score)
}
