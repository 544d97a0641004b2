package annotate

import (
	"image"
	"image/color"

	"github.com/gelson12/bjj-video-analysis/internal/types"
	"gocv.io/x/gocv"
)

/* pose landmarks
0: Nose            11: Left Shoulder   22: Right Thumb
1: Left Eye Inner  12: Right Shoulder  23: Left Hip
2: Left Eye        13: Left Elbow      24: Right Hip
3: Left Eye Outer  14: Right Elbow     25: Left Knee
4: Right Eye Inner 15: Left Wrist      26: Right Knee
5: Right Eye       16: Right Wrist     27: Left Ankle
6: Right Eye Outer 17: Left Pinky      28: Right Ankle
7: Left Ear        18: Right Pinky     29: Left Heel
8: Right Ear       19: Left Index      30: Right Heel
9: Mouth Left      20: Right Index     31: Left Foot Index
10: Mouth Right    21: Left Thumb      32: Right Foot Index
*/

// Connections are the skeleton edges drawn between landmark ids
var Connections = [35][2]int{
	{0, 1}, {1, 2}, {2, 3}, {3, 7}, {0, 4}, {4, 5}, {5, 6}, {6, 8}, {9, 10},
	{11, 12}, {11, 13}, {13, 15}, {15, 17}, {15, 19}, {15, 21}, {17, 19},
	{12, 14}, {14, 16}, {16, 18}, {16, 20}, {16, 22}, {18, 20},
	{11, 23}, {12, 24}, {23, 24}, {23, 25}, {24, 26}, {25, 27}, {26, 28},
	{27, 29}, {28, 30}, {29, 31}, {30, 32}, {27, 31}, {28, 32},
}

// VisibilityThreshold hides landmarks the model is unsure about
const VisibilityThreshold = 0.5

// Style is one drawing style. Colors are in the frame's BGR channel order.
type Style struct {
	Color     color.RGBA
	Thickness int
	Radius    int
}

var (
	// KeypointStyle draws landmark markers: green, thickness 2, radius 2
	KeypointStyle = Style{Color: bgr(0, 255, 0), Thickness: 2, Radius: 2}
	// ConnectionStyle draws skeleton edges: red, thickness 2
	ConnectionStyle = Style{Color: bgr(0, 0, 255), Thickness: 2}

	borderColor = color.RGBA{R: 255, G: 255, B: 255, A: 0}
)

// bgr builds a gocv color from an OpenCV-style (b, g, r) triple
func bgr(b, g, r uint8) color.RGBA {
	return color.RGBA{R: r, G: g, B: b, A: 0}
}

// Draw overlays the skeleton of set onto img in place.
// Sets that do not match the fixed topology are ignored.
func Draw(img *gocv.Mat, set *types.LandmarkSet) {
	DrawWithStyle(img, set, KeypointStyle, ConnectionStyle)
}

// DrawWithStyle is Draw with explicit keypoint and connection styles
func DrawWithStyle(img *gocv.Mat, set *types.LandmarkSet, keypoint, connection Style) {
	if img == nil || img.Empty() || set == nil || len(set.Landmarks) != types.PoseLandmarkCount {
		return
	}

	points := project(set.Landmarks, img.Cols(), img.Rows())

	for _, c := range Connections {
		p1, ok1 := points[c[0]]
		p2, ok2 := points[c[1]]
		if !ok1 || !ok2 {
			continue
		}
		gocv.Line(img, p1, p2, connection.Color, connection.Thickness)
	}

	border := keypoint.Radius + 1
	if r := int(float64(keypoint.Radius) * 1.2); r > border {
		border = r
	}
	for _, p := range points {
		gocv.Circle(img, p, border, borderColor, keypoint.Thickness)
		gocv.Circle(img, p, keypoint.Radius, keypoint.Color, keypoint.Thickness)
	}
}

// project maps visible, in-frame landmarks to pixel coordinates keyed by landmark id
func project(lms []types.Landmark, width, height int) map[int]image.Point {
	points := make(map[int]image.Point, len(lms))
	for id, lm := range lms {
		if lm.Visibility < VisibilityThreshold {
			continue
		}
		p, ok := toPixel(lm.X, lm.Y, width, height)
		if !ok {
			continue
		}
		points[id] = p
	}
	return points
}

// toPixel converts normalized coordinates, rejecting points outside [0,1]
func toPixel(x, y float64, width, height int) (image.Point, bool) {
	if x < 0 || x > 1 || y < 0 || y > 1 {
		return image.Point{}, false
	}
	px := int(x * float64(width))
	py := int(y * float64(height))
	if px > width-1 {
		px = width - 1
	}
	if py > height-1 {
		py = height - 1
	}
	return image.Pt(px, py), true
}
