package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	drawerrors "drawbot-go/pkg/errors"
	"drawbot-go/pkg/metrics"
	"drawbot-go/pkg/motion"
	"drawbot-go/pkg/protocol"
)

// fakeDevice records commands and fails or reacts on demand.
type fakeDevice struct {
	mu      sync.Mutex
	cmds    []protocol.Command
	closes  int
	failAt  int // 1-based command number answered with a fault
	onCmd   func(n int, cmd protocol.Command)
	failErr error
}

func (d *fakeDevice) Do(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	d.mu.Lock()
	d.cmds = append(d.cmds, cmd)
	n := len(d.cmds)
	hook := d.onCmd
	d.mu.Unlock()

	if hook != nil {
		hook(n, cmd)
	}
	if n == d.failAt {
		if d.failErr != nil {
			return protocol.Response{}, d.failErr
		}
		frames := cmd.Frames()
		return protocol.Response{ErrorID: 22}, drawerrors.ProtocolError(frames[0], 22, "22,{},"+frames[0]+";")
	}
	return protocol.Response{}, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDevice) ops() []protocol.Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.Op, len(d.cmds))
	for i, c := range d.cmds {
		out[i] = c.Op
	}
	return out
}

func (d *fakeDevice) count(op protocol.Op) int {
	n := 0
	for _, o := range d.ops() {
		if o == op {
			n++
		}
	}
	return n
}

func makePath(n int) motion.NormalizedPath {
	p := make(motion.NormalizedPath, n)
	for i := range p {
		pen, z := motion.PenDown, 0.65
		if i == 0 || i == n-1 {
			pen, z = motion.PenUp, -20
		}
		p[i] = motion.MotionPoint{Pose: motion.PlanarPose(float64(i), 10, z), Pen: pen}
	}
	return p
}

func newExecutor(dev *fakeDevice) *Executor {
	return New(dev, Config{SpeedFactor: 40, UserFrame: 6, Cadence: time.Millisecond})
}

func TestExecuteCommandSequence(t *testing.T) {
	dev := &fakeDevice{}
	e := newExecutor(dev)
	path := makePath(5)

	report, err := e.Execute(context.Background(), []motion.NormalizedPath{path})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := []protocol.Op{
		protocol.OpEnable, protocol.OpClearError, protocol.OpSetSpeedFactor, protocol.OpSetFrame,
		protocol.OpMoveAndSync, protocol.OpMoveAndSync,
		protocol.OpStreamMove, protocol.OpStreamMove, protocol.OpStreamMove,
		protocol.OpSync, protocol.OpMoveAndSync,
	}
	got := dev.ops()
	if len(got) != len(want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("op %d = %s, want %s", i, got[i], want[i])
		}
	}

	// transit-in, first drawing point, interior p[1..3], transit-out
	dev.mu.Lock()
	poses := []float64{dev.cmds[4].Pose.X, dev.cmds[5].Pose.X, dev.cmds[6].Pose.X, dev.cmds[8].Pose.X, dev.cmds[10].Pose.X}
	speed, frame := dev.cmds[2].Value, dev.cmds[3].Value
	dev.mu.Unlock()
	for i, x := range []float64{0, 1, 1, 3, 4} {
		if poses[i] != x {
			t.Errorf("pose %d x = %v, want %v", i, poses[i], x)
		}
	}
	if speed != 40 || frame != 6 {
		t.Errorf("speed=%d frame=%d", speed, frame)
	}

	if report.PathsCompleted != 1 || report.PointsStreamed != 3 || report.CommandsSent != len(want) {
		t.Errorf("unexpected report %+v", report)
	}
	if e.State() != StateIdle {
		t.Errorf("state after run = %s", e.State())
	}
	if dev.closes != 0 {
		t.Errorf("successful run closed the device %d times", dev.closes)
	}
}

func TestPrepareOnlyOnce(t *testing.T) {
	dev := &fakeDevice{}
	e := newExecutor(dev)
	ctx := context.Background()

	if err := e.Prepare(ctx); err != nil {
		t.Fatal(err)
	}
	if e.State() != StateReady {
		t.Fatalf("state = %s", e.State())
	}
	if err := e.Prepare(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Execute(ctx, []motion.NormalizedPath{makePath(3), makePath(4)}); err != nil {
		t.Fatal(err)
	}
	if n := dev.count(protocol.OpEnable); n != 1 {
		t.Errorf("Enable sent %d times", n)
	}
	if n := dev.count(protocol.OpSync); n != 2 {
		t.Errorf("Sync sent %d times, want one per path", n)
	}
}

func TestFaultOnThirdPathCommandAborts(t *testing.T) {
	dev := &fakeDevice{}
	e := newExecutor(dev)
	ctx := context.Background()
	if err := e.Prepare(ctx); err != nil {
		t.Fatal(err)
	}
	// 4 setup commands, then MoveAndSync, MoveAndSync, StreamMove(p1)
	dev.failAt = 7

	var transitions []State
	e.OnStateChange(func(_, s State) { transitions = append(transitions, s) })

	report, err := e.Execute(ctx, []motion.NormalizedPath{makePath(5), makePath(5)})
	if !drawerrors.IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if drawerrors.IsCancelled(err) {
		t.Error("fault must not be reported as cancellation")
	}
	if n := dev.count(protocol.OpStreamMove); n != 1 {
		t.Errorf("StreamMove sent %d times after fault, want 1", n)
	}
	if got := len(dev.ops()); got != 7 {
		t.Errorf("%d commands sent, want 7", got)
	}
	if dev.closes != 1 {
		t.Errorf("device closed %d times, want 1", dev.closes)
	}
	e.Close()
	if dev.closes != 1 {
		t.Errorf("second Close reached the device")
	}
	if e.State() != StateAborted {
		t.Errorf("state = %s", e.State())
	}
	if report.PathsCompleted != 0 {
		t.Errorf("report %+v", report)
	}
	if len(transitions) == 0 || transitions[len(transitions)-1] != StateAborted {
		t.Errorf("transitions = %v", transitions)
	}

	if _, err := e.Execute(ctx, []motion.NormalizedPath{makePath(3)}); err == nil {
		t.Error("aborted executor accepted another run")
	}
}

func TestCancelDuringCadenceSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streamed := 0
	dev := &fakeDevice{}
	dev.onCmd = func(_ int, cmd protocol.Command) {
		if cmd.Op == protocol.OpStreamMove {
			streamed++
			if streamed == 2 {
				cancel()
			}
		}
	}
	e := New(dev, Config{SpeedFactor: 40, UserFrame: 6, Cadence: 5 * time.Millisecond})

	report, err := e.Execute(ctx, []motion.NormalizedPath{makePath(10)})
	if !drawerrors.IsCancelled(err) {
		t.Fatalf("expected cancelled error, got %v", err)
	}
	if drawerrors.IsProtocol(err) {
		t.Error("cancellation reported as protocol error")
	}
	if n := dev.count(protocol.OpStreamMove); n != 2 {
		t.Errorf("StreamMove sent %d times, want 2", n)
	}
	if n := dev.count(protocol.OpSync); n != 0 {
		t.Errorf("Sync sent after cancel")
	}
	if dev.closes != 1 || e.State() != StateAborted {
		t.Errorf("closes=%d state=%s", dev.closes, e.State())
	}
	if report.PointsStreamed != 2 {
		t.Errorf("report %+v", report)
	}
}

func TestCancelSkipsRemainingSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dev := &fakeDevice{}
	dev.onCmd = func(_ int, cmd protocol.Command) {
		if cmd.Op == protocol.OpStreamMove {
			time.AfterFunc(20*time.Millisecond, cancel)
		}
	}
	e := New(dev, Config{SpeedFactor: 40, UserFrame: 6, Cadence: time.Hour})

	start := time.Now()
	_, err := e.Execute(ctx, []motion.NormalizedPath{makePath(4)})
	if !drawerrors.IsCancelled(err) {
		t.Fatalf("expected cancelled error, got %v", err)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("cancel took %v", d)
	}
}

func TestCommanderErrorAfterCancelIsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dev := &fakeDevice{failAt: 5, failErr: errors.New("use of closed network connection")}
	dev.onCmd = func(n int, _ protocol.Command) {
		if n == 5 {
			cancel()
		}
	}
	e := newExecutor(dev)
	_, err := e.Execute(ctx, []motion.NormalizedPath{makePath(3)})
	if !drawerrors.IsCancelled(err) {
		t.Errorf("expected cancelled error, got %v", err)
	}
}

func TestPlainCommanderErrorIsConnection(t *testing.T) {
	dev := &fakeDevice{failAt: 1, failErr: errors.New("broken pipe")}
	e := newExecutor(dev)
	_, err := e.Execute(context.Background(), []motion.NormalizedPath{makePath(3)})
	if !drawerrors.IsConnection(err) {
		t.Errorf("expected connection error, got %v", err)
	}
}

func TestInvalidPathRejectedBeforeCommands(t *testing.T) {
	dev := &fakeDevice{}
	e := newExecutor(dev)
	_, err := e.Execute(context.Background(), []motion.NormalizedPath{makePath(3), makePath(1)})
	if !drawerrors.Is(err, drawerrors.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if len(dev.ops()) != 0 {
		t.Errorf("commands sent for invalid input: %v", dev.ops())
	}
	if e.State() != StateIdle {
		t.Errorf("state = %s", e.State())
	}
}

func TestMetricsRecorded(t *testing.T) {
	m := metrics.NewDrawbotMetrics()
	dev := &fakeDevice{}
	e := New(dev, Config{SpeedFactor: 40, UserFrame: 6, Cadence: time.Millisecond, Metrics: m})
	if _, err := e.Execute(context.Background(), []motion.NormalizedPath{makePath(4)}); err != nil {
		t.Fatal(err)
	}
	if v := m.PointsStreamed.Get(nil); v != 2 {
		t.Errorf("points streamed = %d", v)
	}
	if v := m.PathsCompleted.Get(nil); v != 1 {
		t.Errorf("paths completed = %d", v)
	}
	if v := m.Runs.Get(metrics.Labels{"outcome": metrics.OutcomeCompleted}); v != 1 {
		t.Errorf("completed runs = %d", v)
	}
	if v := m.CommandsSent.Get(metrics.Labels{"command": "StreamMove"}); v != 2 {
		t.Errorf("StreamMove commands = %d", v)
	}
}

// chanSource feeds paths from a channel.
type chanSource chan motion.NormalizedPath

func (c chanSource) Receive(ctx context.Context) (motion.NormalizedPath, error) {
	select {
	case p, ok := <-c:
		if !ok {
			return nil, errors.New("stream closed")
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestListenDrawsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := make(chanSource, 3)
	src <- makePath(3)
	src <- makePath(1) // skipped
	src <- makePath(4)

	dev := &fakeDevice{}
	e := newExecutor(dev)
	e.OnStateChange(func(_, s State) {
		if s == StateReady && e.Report().PathsCompleted == 2 {
			cancel()
		}
	})

	report, err := e.Listen(ctx, src)
	if !drawerrors.IsCancelled(err) {
		t.Fatalf("expected cancelled error, got %v", err)
	}
	if report.PathsCompleted != 2 {
		t.Errorf("report %+v", report)
	}
	if n := dev.count(protocol.OpEnable); n != 1 {
		t.Errorf("Enable sent %d times", n)
	}
	if dev.closes != 1 {
		t.Errorf("closes = %d", dev.closes)
	}
}

func TestListenReceiveFailureIsConnection(t *testing.T) {
	src := make(chanSource)
	close(src)
	dev := &fakeDevice{}
	e := newExecutor(dev)
	_, err := e.Listen(context.Background(), src)
	if !drawerrors.IsConnection(err) {
		t.Errorf("expected connection error, got %v", err)
	}
	if e.State() != StateAborted {
		t.Errorf("state = %s", e.State())
	}
}
