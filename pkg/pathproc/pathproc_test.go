package pathproc

import (
	"math"
	"math/rand"
	"testing"

	drawerrors "drawbot-go/pkg/errors"
	"drawbot-go/pkg/geom"
	"drawbot-go/pkg/motion"
)

const tol = 1e-9

func params(b motion.WorkspaceBounds, spacing float64) Params {
	return Params{Bounds: b, PenUpZ: -20, PenDownZ: 0.65, Spacing: spacing}
}

func path(pts ...float64) geom.RawPath {
	var p geom.RawPath
	for i := 0; i+1 < len(pts); i += 2 {
		p = append(p, geom.Vec{X: pts[i], Y: pts[i+1]})
	}
	return p
}

func randomPaths(rng *rand.Rand) []geom.RawPath {
	n := 1 + rng.Intn(5)
	paths := make([]geom.RawPath, n)
	for i := range paths {
		m := 1 + rng.Intn(20)
		for j := 0; j < m; j++ {
			paths[i] = append(paths[i], geom.Vec{X: rng.Float64()*640 - 50, Y: rng.Float64()*480 + 10})
		}
	}
	return paths
}

func mappedBox(paths []motion.NormalizedPath) (minX, maxX, minY, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, p := range paths {
		for _, pt := range p {
			minX = math.Min(minX, pt.Pose.X)
			maxX = math.Max(maxX, pt.Pose.X)
			minY = math.Min(minY, pt.Pose.Y)
			maxY = math.Max(maxY, pt.Pose.Y)
		}
	}
	return
}

func TestNormalizeHorizontalLineScenario(t *testing.T) {
	raw := []geom.RawPath{path(0, 0, 100, 0)}
	res, err := Normalize(raw, params(motion.WorkspaceBounds{XMin: 0, XMax: 50, YMin: 0, YMax: 50}, 10))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(res.Resampled) != 1 {
		t.Fatalf("expected 1 path, got %d", len(res.Resampled))
	}
	p := res.Resampled[0]

	// 50 mm of drawing at 10 mm spacing: 5 drawing points plus 2 transit points.
	if len(p) != 7 {
		t.Fatalf("expected 7 points, got %d: %v", len(p), p)
	}
	for i, pt := range p {
		if math.Abs(pt.Pose.Y-25) > tol {
			t.Errorf("point %d y = %v, want 25 (vertically centred)", i, pt.Pose.Y)
		}
	}
	wantX := []float64{0, 0, 12.5, 25, 37.5, 50, 50}
	for i, pt := range p {
		if math.Abs(pt.Pose.X-wantX[i]) > tol {
			t.Errorf("point %d x = %v, want %v", i, pt.Pose.X, wantX[i])
		}
	}
	if p[0].Pen != motion.PenUp || p[0].Pose.Z != -20 || p[6].Pen != motion.PenUp || p[6].Pose.Z != -20 {
		t.Errorf("transit points must be pen up at z_up: %v %v", p[0], p[6])
	}
	for _, pt := range p[1:6] {
		if pt.Pen != motion.PenDown || pt.Pose.Z != 0.65 {
			t.Errorf("drawing point must be pen down at z_down: %v", pt)
		}
	}
}

func TestMappingBranches(t *testing.T) {
	square := motion.WorkspaceBounds{XMin: 0, XMax: 100, YMin: 0, YMax: 100}
	tests := []struct {
		name       string
		box        geom.Box
		widthLimit bool
		scale      float64
		xOff, yOff float64
	}{
		{"wide", geom.Box{Max: geom.Vec{X: 200, Y: 100}}, true, 0.5, 0, 25},
		{"tall", geom.Box{Max: geom.Vec{X: 50, Y: 200}}, false, 0.5, 37.5, 0},
		{"equal aspect", geom.Box{Max: geom.Vec{X: 10, Y: 10}}, false, 10, 0, 0},
		{"zero width", geom.Box{Min: geom.Vec{X: 7, Y: 0}, Max: geom.Vec{X: 7, Y: 20}}, false, 5, 50, 0},
		{"zero height", geom.Box{Min: geom.Vec{X: 0, Y: 3}, Max: geom.Vec{X: 25, Y: 3}}, true, 4, 0, 50},
	}
	for _, tt := range tests {
		m, err := ComputeMapping(tt.box, square)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if m.WidthLimited != tt.widthLimit || math.Abs(m.Scale-tt.scale) > tol ||
			math.Abs(m.XOffset-tt.xOff) > tol || math.Abs(m.YOffset-tt.yOff) > tol {
			t.Errorf("%s: got %+v", tt.name, m)
		}
		if math.IsInf(m.Scale, 0) || math.IsNaN(m.Scale) {
			t.Errorf("%s: non-finite scale", tt.name)
		}
	}
}

func TestNormalizeDegenerateInput(t *testing.T) {
	raw := []geom.RawPath{path(4, 4), path(4, 4, 4, 4)}
	_, err := Normalize(raw, params(motion.WorkspaceBounds{XMin: 0, XMax: 10, YMin: 0, YMax: 10}, 1))
	if !drawerrors.Is(err, drawerrors.ErrDegenerateInput) {
		t.Fatalf("expected DegenerateInputError, got %v", err)
	}
}

func TestNormalizeInvalidInput(t *testing.T) {
	b := motion.WorkspaceBounds{XMin: 0, XMax: 10, YMin: 0, YMax: 10}
	tests := []struct {
		name  string
		paths []geom.RawPath
		p     Params
	}{
		{"no paths", nil, params(b, 1)},
		{"empty path", []geom.RawPath{path(0, 0, 1, 1), {}}, params(b, 1)},
		{"zero spacing", []geom.RawPath{path(0, 0, 1, 1)}, params(b, 0)},
		{"bad bounds", []geom.RawPath{path(0, 0, 1, 1)}, params(motion.WorkspaceBounds{XMin: 5, XMax: 5, YMin: 0, YMax: 1}, 1)},
		{"nan point", []geom.RawPath{path(0, 0, math.NaN(), 1)}, params(b, 1)},
	}
	for _, tt := range tests {
		_, err := Normalize(tt.paths, tt.p)
		if !drawerrors.Is(err, drawerrors.ErrInvalidInput) {
			t.Errorf("%s: expected InvalidInputError, got %v", tt.name, err)
		}
	}
}

func TestAspectPreservation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	targets := []motion.WorkspaceBounds{
		{XMin: 1, XMax: 400, YMin: 1, YMax: 400},
		{XMin: 0, XMax: 360, YMin: 0, YMax: 500},
		{XMin: -100, XMax: 300, YMin: 20, YMax: 80},
	}
	for trial := 0; trial < 50; trial++ {
		raw := randomPaths(rng)
		box, _ := geom.Bounds(raw)
		if geom.Width(box) == 0 || geom.Height(box) == 0 {
			continue
		}
		want := geom.Width(box) / geom.Height(box)
		for _, b := range targets {
			res, err := Normalize(raw, params(b, 2))
			if err != nil {
				t.Fatalf("trial %d: %v", trial, err)
			}
			minX, maxX, minY, maxY := mappedBox(res.Mapped)
			got := (maxX - minX) / (maxY - minY)
			if math.Abs(got-want)/want > 1e-6 {
				t.Errorf("trial %d: aspect %v, want %v", trial, got, want)
			}
		}
	}
}

func TestBoundsContainment(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	b := motion.WorkspaceBounds{XMin: 0.1, XMax: 0.3, YMin: 1e3, YMax: 1e3 + 0.7}
	for trial := 0; trial < 50; trial++ {
		res, err := Normalize(randomPaths(rng), params(b, 0.01))
		if err != nil {
			t.Fatal(err)
		}
		for _, set := range [][]motion.NormalizedPath{res.Mapped, res.Resampled} {
			for _, p := range set {
				for _, pt := range p {
					if !b.Contains(pt.Pose.X, pt.Pose.Y) {
						t.Fatalf("trial %d: point %v outside %+v", trial, pt.Pose, b)
					}
				}
			}
		}
	}
}

func TestResampleEndpointPreservation(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	b := motion.WorkspaceBounds{XMin: 1, XMax: 400, YMin: 1, YMax: 400}
	for trial := 0; trial < 50; trial++ {
		raw := randomPaths(rng)
		box, _ := geom.Bounds(raw)
		m, err := ComputeMapping(box, b)
		if err != nil {
			continue
		}
		for _, r := range raw {
			mapped := MapPath(r, m, -20, 0.65)
			out := Resample(mapped, 3)
			if out[0] != mapped[0] || out[len(out)-1] != mapped[len(mapped)-1] {
				t.Fatalf("transit points changed: %v -> %v", mapped, out)
			}
			if out[1] != mapped[1] || out[len(out)-2] != mapped[len(mapped)-2] {
				t.Fatalf("drawing endpoints changed: %v -> %v", mapped, out)
			}
		}
	}
}

func TestResampleCountLaw(t *testing.T) {
	m := Mapping{Target: motion.WorkspaceBounds{XMin: 0, XMax: 1000, YMin: 0, YMax: 1000}, Scale: 1}
	tests := []struct {
		length  float64
		spacing float64
		want    int
	}{
		{100, 10, 10},
		{100, 30, 3},
		{5, 10, 2},
		{99.9, 10, 9},
		{0, 10, 2},
	}
	for _, tt := range tests {
		mapped := MapPath(path(0, 0, tt.length/2, 0, tt.length, 0), m, -20, 0.65)
		if tt.length == 0 {
			mapped = MapPath(path(3, 3, 3, 3), m, -20, 0.65)
		}
		got := len(Resample(mapped, tt.spacing).Drawing())
		if got != tt.want {
			t.Errorf("L=%v s=%v: %d drawing points, want %d", tt.length, tt.spacing, got, tt.want)
		}
	}
}

func TestResampleUniformSpacing(t *testing.T) {
	m := Mapping{Target: motion.WorkspaceBounds{XMin: 0, XMax: 100, YMin: 0, YMax: 100}, Scale: 1}
	// an L-shaped stroke, 30 + 40 = 70 long
	mapped := MapPath(path(0, 0, 30, 0, 30, 40), m, -20, 0.65)
	d := Resample(mapped, 10).Drawing()
	if len(d) != 7 {
		t.Fatalf("expected 7 drawing points, got %d", len(d))
	}
	// consecutive arc-length spacing is L/(n-1); straight-line gaps only
	// shrink at the corner.
	for i := 1; i < len(d); i++ {
		gap := math.Hypot(d[i].Pose.X-d[i-1].Pose.X, d[i].Pose.Y-d[i-1].Pose.Y)
		if gap > 70.0/6+tol {
			t.Errorf("gap %d = %v exceeds arc spacing", i, gap)
		}
	}
	if d[3].Pose.X != 30 || math.Abs(d[3].Pose.Y-5) > tol {
		t.Errorf("point at arc 35 = %v, want (30,5)", d[3].Pose)
	}
}

func TestResampleZeroLengthPassThrough(t *testing.T) {
	m := Mapping{Target: motion.WorkspaceBounds{XMin: 0, XMax: 10, YMin: 0, YMax: 10}, Scale: 1}
	single := MapPath(path(2, 2), m, -20, 0.65)
	if len(single) != 3 {
		t.Fatalf("single point path should have 3 points, got %d", len(single))
	}
	out := Resample(single, 1)
	if len(out) != 3 || out[1] != single[1] {
		t.Errorf("single point path should pass through, got %v", out)
	}
	if len(Filter([]motion.NormalizedPath{out}, DefaultMinPoints)) != 0 {
		t.Error("a dot must be filtered out")
	}
}

func TestResampleCarriesPenFromSegmentStart(t *testing.T) {
	p := motion.NormalizedPath{
		{Pose: motion.PlanarPose(0, 0, -20), Pen: motion.PenUp},
		{Pose: motion.PlanarPose(0, 0, 1), Pen: motion.PenDown},
		{Pose: motion.PlanarPose(10, 0, 2), Pen: motion.PenDown},
		{Pose: motion.PlanarPose(20, 0, 3), Pen: motion.PenDown},
		{Pose: motion.PlanarPose(20, 0, -20), Pen: motion.PenUp},
	}
	out := Resample(p, 4).Drawing()
	for _, pt := range out[1 : len(out)-1] {
		want := 1.0
		if pt.Pose.X >= 10 {
			want = 2
		}
		if pt.Pose.Z != want || pt.Pen != motion.PenDown {
			t.Errorf("point %v carries z %v, want %v", pt.Pose, pt.Pose.Z, want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	b := motion.WorkspaceBounds{XMin: 1, XMax: 400, YMin: 1, YMax: 400}
	for trial := 0; trial < 20; trial++ {
		first, err := Normalize(randomPaths(rng), params(b, 3))
		if err != nil {
			t.Fatal(err)
		}
		var again []geom.RawPath
		for _, p := range first.Mapped {
			var r geom.RawPath
			for _, pt := range p.Drawing() {
				r = append(r, geom.Vec{X: pt.Pose.X, Y: pt.Pose.Y})
			}
			again = append(again, r)
		}
		second, err := Normalize(again, params(b, 3))
		if err != nil {
			t.Fatal(err)
		}
		for i := range first.Mapped {
			for j := range first.Mapped[i] {
				a, c := first.Mapped[i][j].Pose, second.Mapped[i][j].Pose
				if math.Abs(a.X-c.X) > 1e-6 || math.Abs(a.Y-c.Y) > 1e-6 {
					t.Fatalf("trial %d path %d point %d moved: %v -> %v", trial, i, j, a, c)
				}
			}
		}
	}
}

func TestNormalizeFiltersShortPaths(t *testing.T) {
	raw := []geom.RawPath{
		path(0, 0, 100, 100),
		path(50, 50),
	}
	p := params(motion.WorkspaceBounds{XMin: 0, XMax: 100, YMin: 0, YMax: 100}, 5)
	res, err := Normalize(raw, p)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Mapped) != 2 || len(res.Resampled) != 1 {
		t.Fatalf("mapped %d resampled %d", len(res.Mapped), len(res.Resampled))
	}

	p.MinPoints = 1000
	res, _ = Normalize(raw, p)
	if len(res.Resampled) != 0 {
		t.Error("expected every path to be filtered with a high minimum")
	}
}

func TestSortLongestFirst(t *testing.T) {
	mk := func(n int, tag float64) motion.NormalizedPath {
		p := make(motion.NormalizedPath, n)
		p[0].Pose.X = tag
		return p
	}
	paths := []motion.NormalizedPath{mk(4, 1), mk(9, 2), mk(4, 3), mk(6, 4)}
	SortLongestFirst(paths)
	var order []float64
	for _, p := range paths {
		order = append(order, p[0].Pose.X)
	}
	want := []float64{2, 4, 1, 3}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestStats(t *testing.T) {
	res := Result{
		Mapped:    []motion.NormalizedPath{make(motion.NormalizedPath, 10), make(motion.NormalizedPath, 10)},
		Resampled: []motion.NormalizedPath{make(motion.NormalizedPath, 5)},
	}
	st := res.Stats()
	if st.PathsIn != 2 || st.PathsOut != 1 || st.PointsIn != 20 || st.PointsOut != 5 {
		t.Errorf("unexpected stats %+v", st)
	}
	if math.Abs(st.ReductionPercent()-75) > tol {
		t.Errorf("reduction = %v", st.ReductionPercent())
	}
	if (Stats{}).ReductionPercent() != 0 {
		t.Error("empty stats reduction should be 0")
	}
}
