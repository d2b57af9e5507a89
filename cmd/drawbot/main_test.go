package main

import (
	"context"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"drawbot-go/pkg/config"
	drawerrors "drawbot-go/pkg/errors"
	"drawbot-go/pkg/log"
	"drawbot-go/pkg/mockarm"
	"drawbot-go/pkg/motion"
	"drawbot-go/pkg/pathio"
)

const testConfig = `
[device]
host: %s
port: %s
feedback_port: 0

[workspace]
x_min: 0
x_max: 100
y_min: 0
y_max: 100
grid_size: %d

[normalize]
spacing: 20

[executor]
cadence_hz: 1000
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func writeConfig(t *testing.T, dir, addr string, grid int) string {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	return writeFile(t, dir, "drawbot.cfg", fmt.Sprintf(testConfig, host, port, grid))
}

func TestRunDrawsOnArm(t *testing.T) {
	arm, err := mockarm.Start("127.0.0.1:0", "", mockarm.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer arm.Close()

	dir := t.TempDir()
	cfg := writeConfig(t, dir, arm.Addr(), 1)
	strokes := writeFile(t, dir, "x.json", `[[[0,0],[10,10]],[[0,10],[10,0]]]`)

	if err := runCmd(&app{name: "run"}, []string{"-c", cfg, strokes}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if n := arm.Count("EnableRobot"); n != 1 {
		t.Errorf("EnableRobot sent %d times", n)
	}
	// per path: two framing moves, seven streamed points, final move
	if n := arm.Count("ServoP"); n != 20 {
		t.Errorf("ServoP frames = %d, want 20", n)
	}
	if arm.SpeedFactor() != 40 || arm.UserFrame() != 6 {
		t.Errorf("speed=%d user=%d", arm.SpeedFactor(), arm.UserFrame())
	}
	if z := arm.Pose().Z; z != -20 {
		t.Errorf("run should end with the pen up, z=%v", z)
	}
}

func TestRunFaultIsProtocolError(t *testing.T) {
	arm, err := mockarm.Start("127.0.0.1:0", "", mockarm.Options{FailAt: 6})
	if err != nil {
		t.Fatal(err)
	}
	defer arm.Close()

	dir := t.TempDir()
	cfg := writeConfig(t, dir, arm.Addr(), 1)
	strokes := writeFile(t, dir, "x.json", `[[[0,0],[10,10]]]`)

	err = runCmd(&app{name: "run"}, []string{"-c", cfg, strokes})
	if !drawerrors.IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if exitCode(err) != 1 {
		t.Errorf("exit code %d", exitCode(err))
	}
}

func TestNormalizeWritesGridBoxes(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "127.0.0.1:29999", 2)
	a := writeFile(t, dir, "a.yaml", "- [[0, 0], [10, 10]]\n")
	b := writeFile(t, dir, "b.json", `[[[0,10],[10,0]]]`)
	out := filepath.Join(dir, "out.json")

	err := normalizeCmd(&app{name: "normalize"}, []string{"-c", cfg, "--seed", "7", "-o", out, a, b})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	paths, err := pathio.LoadNormalized(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Fatalf("got %d paths", len(paths))
	}

	centre := func(p motion.NormalizedPath) (float64, float64) {
		var x, y float64
		for _, pt := range p {
			x += pt.Pose.X
			y += pt.Pose.Y
		}
		return math.Round(x / float64(len(p))), math.Round(y / float64(len(p)))
	}
	ax, ay := centre(paths[0])
	bx, by := centre(paths[1])
	for _, v := range []float64{ax, ay, bx, by} {
		if v != 25 && v != 75 {
			t.Errorf("path not centred in a grid box: %v", v)
		}
	}
	if ax == bx && ay == by {
		t.Errorf("both files drawn into the same box (%v,%v)", ax, ay)
	}
	for _, p := range paths {
		if !p.Framed() {
			t.Errorf("path is not framed by pen-up points")
		}
	}
}

func TestNormalizeRejectsDegenerateInput(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "127.0.0.1:29999", 1)
	dot := writeFile(t, dir, "dot.json", `[[[5,5]],[[5,5],[5,5]]]`)

	err := normalizeCmd(&app{name: "normalize"}, []string{"-c", cfg, "-o", filepath.Join(dir, "o.json"), dot})
	if !drawerrors.Is(err, drawerrors.ErrDegenerateInput) {
		t.Fatalf("expected degenerate input error, got %v", err)
	}
	if exitCode(err) != 2 {
		t.Errorf("exit code %d", exitCode(err))
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{drawerrors.CancelledError("run", nil), 130},
		{drawerrors.ConfigError("bad", nil), 2},
		{drawerrors.InvalidInputError("no file"), 2},
		{drawerrors.ConnectionError("127.0.0.1:1", nil), 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestMissingStrokeFile(t *testing.T) {
	err := normalizeCmd(&app{name: "normalize"}, nil)
	if !drawerrors.Is(err, drawerrors.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRunFailsFastOnBusyMetricsAddress(t *testing.T) {
	arm, err := mockarm.Start("127.0.0.1:0", "", mockarm.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer arm.Close()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	dir := t.TempDir()
	cfg := writeConfig(t, dir, arm.Addr(), 1)
	strokes := writeFile(t, dir, "x.json", `[[[0,0],[10,10]]]`)

	err = runCmd(&app{name: "run"}, []string{"-c", cfg, "--metrics", busy.Addr().String(), strokes})
	if drawerrors.IsCancelled(err) {
		t.Fatalf("metrics failure reported as an interrupt: %v", err)
	}
	if !drawerrors.Is(err, drawerrors.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	if n := len(arm.Frames()); n != 0 {
		t.Errorf("arm received %d frames before the metrics address was bound", n)
	}
}

func TestRunServesMetricsAlongside(t *testing.T) {
	arm, err := mockarm.Start("127.0.0.1:0", "", mockarm.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer arm.Close()

	dir := t.TempDir()
	cfg := writeConfig(t, dir, arm.Addr(), 1)
	strokes := writeFile(t, dir, "x.json", `[[[0,0],[10,10]]]`)

	if err := runCmd(&app{name: "run"}, []string{"-c", cfg, "--metrics", "127.0.0.1:0", strokes}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := arm.Count("ServoP"); n != 10 {
		t.Errorf("ServoP frames = %d, want 10", n)
	}
}

func TestSendToListenDrawsEveryPath(t *testing.T) {
	arm, err := mockarm.Start("127.0.0.1:0", "", mockarm.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer arm.Close()

	free, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	streamAddr := free.Addr().String()
	free.Close()

	dir := t.TempDir()
	cfg := writeConfig(t, dir, arm.Addr(), 1)
	f, err := os.OpenFile(cfg, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintf(f, "\n[stream]\naddress: %s\nsettle_delay: 1.5\n", streamAddr)
	f.Close()
	strokes := writeFile(t, dir, "x.json", `[[[0,0],[10,10]],[[0,10],[10,0]]]`)

	sent := make(chan error, 1)
	go func() { sent <- sendCmd(&app{name: "send"}, []string{"-c", cfg, strokes}) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		c, err := net.Dial("tcp", streamAddr)
		if err == nil {
			c.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("publisher never bound %s", streamAddr)
		}
		time.Sleep(10 * time.Millisecond)
	}

	listened := make(chan error, 1)
	go func() { listened <- listenCmd(&app{name: "listen"}, []string{"-c", cfg}) }()

	if err := <-sent; err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case err := <-listened:
		// the publisher leaving ends the subscription
		if err == nil || drawerrors.IsCancelled(err) {
			t.Errorf("listen ended with %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("listen did not stop after the publisher closed")
	}

	if n := arm.Count("EnableRobot"); n != 1 {
		t.Errorf("EnableRobot sent %d times", n)
	}
	if n := arm.Count("ServoP"); n != 20 {
		t.Errorf("ServoP frames = %d, want 20", n)
	}
}

func TestServeTurnsJobPanicIntoRuntimeError(t *testing.T) {
	a := &app{name: "run", cfg: &config.DrawbotConfig{}, logger: log.GetLogger("run")}
	err := a.serve(func(context.Context) error {
		var p []motion.MotionPoint
		_ = p[3]
		return nil
	}, nil)
	if !drawerrors.Is(err, drawerrors.ErrRuntime) {
		t.Fatalf("expected runtime error, got %v", err)
	}
	if exitCode(err) != 1 {
		t.Errorf("exit code %d", exitCode(err))
	}
}
