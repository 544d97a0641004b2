package annotate

import (
	"image"
	"testing"

	"github.com/gelson12/bjj-video-analysis/internal/types"
	"gocv.io/x/gocv"
)

func visibleSet() *types.LandmarkSet {
	lms := make([]types.Landmark, types.PoseLandmarkCount)
	for i := range lms {
		lms[i] = types.Landmark{X: 0.2 + 0.018*float64(i), Y: 0.5, Visibility: 1}
	}
	return &types.LandmarkSet{Landmarks: lms}
}

func blank(rows, cols int) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rows, cols, gocv.MatTypeCV8UC3)
}

func nonZero(t *testing.T, img gocv.Mat) int {
	t.Helper()
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	return gocv.CountNonZero(gray)
}

func TestDrawPaintsSkeleton(t *testing.T) {
	img := blank(120, 160)
	defer img.Close()

	Draw(&img, visibleSet())

	if n := nonZero(t, img); n == 0 {
		t.Fatal("Draw() left the frame untouched")
	}

	// Only the left shoulder and left hip are visible: one edge, two markers
	lms := make([]types.Landmark, types.PoseLandmarkCount)
	lms[11] = types.Landmark{X: 0.2, Y: 0.2, Visibility: 1}
	lms[23] = types.Landmark{X: 0.8, Y: 0.8, Visibility: 1}

	edge := blank(120, 160)
	defer edge.Close()
	Draw(&edge, &types.LandmarkSet{Landmarks: lms})

	mid := image.Pt(80, 60)
	px := edge.GetVecbAt(mid.Y, mid.X)
	if px[0] != 0 || px[1] != 0 || px[2] != 255 {
		t.Errorf("pixel at %v = %v, want BGR (0,0,255)", mid, px)
	}
}

func TestDrawIgnoresInvalidSets(t *testing.T) {
	tests := []struct {
		name string
		set  *types.LandmarkSet
	}{
		{"nil set", nil},
		{"partial set", &types.LandmarkSet{Landmarks: make([]types.Landmark, 5)}},
		{"all invisible", &types.LandmarkSet{Landmarks: make([]types.Landmark, types.PoseLandmarkCount)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := blank(60, 80)
			defer img.Close()

			Draw(&img, tt.set)
			if n := nonZero(t, img); n != 0 {
				t.Errorf("Draw() painted %d pixels, want 0", n)
			}
		})
	}
}

func TestToPixel(t *testing.T) {
	tests := []struct {
		x, y   float64
		want   image.Point
		wantOK bool
	}{
		{0, 0, image.Pt(0, 0), true},
		{0.5, 0.5, image.Pt(50, 25), true},
		{1, 1, image.Pt(99, 49), true},
		{-0.1, 0.5, image.Point{}, false},
		{0.5, 1.2, image.Point{}, false},
	}

	for _, tt := range tests {
		got, ok := toPixel(tt.x, tt.y, 100, 50)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("toPixel(%v, %v) = %v, %v; want %v, %v", tt.x, tt.y, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestProjectSkipsLowVisibility(t *testing.T) {
	lms := []types.Landmark{
		{X: 0.1, Y: 0.1, Visibility: 0.9},
		{X: 0.2, Y: 0.2, Visibility: 0.3},
		{X: 1.5, Y: 0.2, Visibility: 0.9},
	}
	points := project(lms, 100, 100)
	if len(points) != 1 {
		t.Fatalf("project() kept %d points, want 1", len(points))
	}
	if _, ok := points[0]; !ok {
		t.Error("project() dropped the visible in-frame landmark")
	}
}

func TestConnectionsWithinTopology(t *testing.T) {
	for _, c := range Connections {
		for _, id := range c {
			if id < 0 || id >= types.PoseLandmarkCount {
				t.Errorf("connection %v references landmark %d outside topology", c, id)
			}
		}
	}
}
