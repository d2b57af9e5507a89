// Path executor driving the arm through its command link
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package executor drives the arm through normalized paths.
//
// An Executor owns its device connection for its whole lifetime. It issues
// one command at a time, paces streamed setpoints at a fixed cadence and
// aborts on the first failure or cancellation, closing the connection.
package executor

import (
	"context"
	"sync"
	"time"

	drawerrors "drawbot-go/pkg/errors"
	"drawbot-go/pkg/log"
	"drawbot-go/pkg/metrics"
	"drawbot-go/pkg/motion"
	"drawbot-go/pkg/protocol"
)

// DefaultCadence is the pause after each streamed setpoint.
const DefaultCadence = time.Second / 30

// State is the executor lifecycle state.
type State int

const (
	// StateIdle means the device has not been prepared.
	StateIdle State = iota

	// StateReady means the device is enabled and configured.
	StateReady

	// StateExecutingPath means a path is being drawn.
	StateExecutingPath

	// StateAborted is terminal; the connection is closed.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateExecutingPath:
		return "executing_path"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Commander performs protocol commands against a device.
type Commander interface {
	Do(ctx context.Context, cmd protocol.Command) (protocol.Response, error)
	Close() error
}

// Source delivers paths in streaming mode. Receive blocks until a path
// arrives or ctx is done.
type Source interface {
	Receive(ctx context.Context) (motion.NormalizedPath, error)
}

// Config holds executor settings.
type Config struct {
	SpeedFactor int           // percent, 1..100
	UserFrame   int           // user coordinate frame id
	Cadence     time.Duration // 0 means DefaultCadence

	// Optional
	Metrics *metrics.DrawbotMetrics
}

// Report describes what a run accomplished, including a failed one.
type Report struct {
	PathsCompleted int
	PointsStreamed int
	CommandsSent   int
	Elapsed        time.Duration
}

// Executor runs paths on one device.
type Executor struct {
	cfg    Config
	dev    Commander
	logger *log.Logger

	mu            sync.Mutex
	state         State
	busy          bool
	report        Report
	onStateChange []func(oldState, newState State)

	closeOnce sync.Once
	closeErr  error
}

// New creates an executor owning dev.
func New(dev Commander, cfg Config) *Executor {
	if cfg.Cadence <= 0 {
		cfg.Cadence = DefaultCadence
	}
	e := &Executor{
		cfg:    cfg,
		dev:    dev,
		logger: log.GetLogger("executor"),
		state:  StateIdle,
	}
	if cfg.Metrics != nil {
		cfg.Metrics.SetExecutorState(int(StateIdle))
	}
	return e
}

// OnStateChange registers a callback run after every transition.
func (e *Executor) OnStateChange(fn func(oldState, newState State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStateChange = append(e.onStateChange, fn)
}

// State returns the current state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Report returns the progress of the current or last run.
func (e *Executor) Report() Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.report
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	old := e.state
	e.state = s
	callbacks := make([]func(State, State), len(e.onStateChange))
	copy(callbacks, e.onStateChange)
	e.mu.Unlock()

	if old == s {
		return
	}
	e.logger.Debug("state %s -> %s", old, s)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.SetExecutorState(int(s))
	}
	for _, fn := range callbacks {
		fn(old, s)
	}
}

// acquire enforces one run at a time.
func (e *Executor) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateAborted {
		return drawerrors.RuntimeError("executor aborted")
	}
	if e.busy {
		return drawerrors.RuntimeError("executor busy")
	}
	e.busy = true
	e.report = Report{}
	return nil
}

func (e *Executor) release(start time.Time) Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.busy = false
	e.report.Elapsed = time.Since(start)
	return e.report
}

// Close closes the device connection. Only the first call reaches the
// device.
func (e *Executor) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.dev.Close()
	})
	return e.closeErr
}

// do sends one command, checking for cancellation first.
func (e *Executor) do(ctx context.Context, cmd protocol.Command) error {
	if err := ctx.Err(); err != nil {
		return drawerrors.CancelledError(cmd.Op.String(), err)
	}
	start := time.Now()
	_, err := e.dev.Do(ctx, cmd)
	if err != nil {
		err = classify(ctx, cmd, err)
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordCommand(cmd.Op.String(), time.Since(start), err)
	}
	e.mu.Lock()
	e.report.CommandsSent++
	e.mu.Unlock()
	return err
}

// classify keeps cancellation distinct from device faults whatever the
// commander returned.
func classify(ctx context.Context, cmd protocol.Command, err error) error {
	if drawerrors.IsCancelled(err) {
		return err
	}
	if ctx.Err() != nil {
		return drawerrors.CancelledError(cmd.Op.String(), ctx.Err())
	}
	if drawerrors.CodeOf(err) == "" {
		return drawerrors.Wrap(err, drawerrors.ErrConnection, "device command").SetCommand(cmd.String())
	}
	return err
}

func (e *Executor) sleep(ctx context.Context) error {
	t := time.NewTimer(e.cfg.Cadence)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return drawerrors.CancelledError("cadence sleep", ctx.Err())
	case <-t.C:
		return nil
	}
}

// abort moves to Aborted, closes the connection and returns err.
func (e *Executor) abort(err error) error {
	e.setState(StateAborted)
	if cerr := e.Close(); cerr != nil {
		e.logger.WithError(cerr).Warn("closing device after abort")
	}
	entry := e.logger.WithError(err).WithField("code", string(drawerrors.CodeOf(err)))
	if drawerrors.IsCancelled(err) {
		entry.Warn("run cancelled by operator")
	} else {
		entry.Error("run aborted")
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordRun(err)
	}
	return err
}

// Prepare enables and configures the device, moving Idle to Ready. It is a
// no-op when already Ready.
func (e *Executor) Prepare(ctx context.Context) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release(time.Now())
	return e.prepare(ctx)
}

func (e *Executor) prepare(ctx context.Context) error {
	if e.State() == StateReady {
		return nil
	}
	for _, cmd := range []protocol.Command{
		protocol.Enable(),
		protocol.ClearError(),
		protocol.SetSpeedFactor(e.cfg.SpeedFactor),
		protocol.SetFrame(e.cfg.UserFrame),
	} {
		if err := e.do(ctx, cmd); err != nil {
			return e.abort(err)
		}
	}
	e.setState(StateReady)
	e.logger.WithFields(log.Fields{
		"speed_factor": e.cfg.SpeedFactor,
		"user_frame":   e.cfg.UserFrame,
	}).Info("device ready")
	return nil
}

func checkPath(i int, p motion.NormalizedPath) error {
	if len(p) < 2 {
		return drawerrors.InvalidInputError("path has fewer than 2 points").SetContext("path", i)
	}
	return nil
}

// Execute draws every path in order. Paths are checked before any command
// is sent. On failure the returned Report still counts the paths that were
// completed before the abort.
func (e *Executor) Execute(ctx context.Context, paths []motion.NormalizedPath) (Report, error) {
	for i, p := range paths {
		if err := checkPath(i, p); err != nil {
			return Report{}, err
		}
	}
	if err := e.acquire(); err != nil {
		return Report{}, err
	}
	start := time.Now()

	if err := e.prepare(ctx); err != nil {
		return e.release(start), err
	}
	e.logger.Info("drawing %d paths", len(paths))
	for i, p := range paths {
		if err := e.executePath(ctx, i, p); err != nil {
			return e.release(start), e.abort(err)
		}
	}

	e.setState(StateIdle)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordRun(nil)
	}
	r := e.release(start)
	e.logger.WithFields(log.Fields{
		"paths":   r.PathsCompleted,
		"points":  r.PointsStreamed,
		"elapsed": r.Elapsed.Round(time.Millisecond).String(),
	}).Info("run completed")
	return r, nil
}

// Listen prepares the device once, then draws each path received from src
// until ctx is cancelled or a failure aborts the executor. It always returns
// an error; cancellation yields a cancelled error.
func (e *Executor) Listen(ctx context.Context, src Source) (Report, error) {
	if err := e.acquire(); err != nil {
		return Report{}, err
	}
	start := time.Now()

	if err := e.prepare(ctx); err != nil {
		return e.release(start), err
	}
	e.logger.Info("waiting for paths")
	for i := 0; ; i++ {
		path, err := src.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				err = drawerrors.CancelledError("receive", ctx.Err())
			case drawerrors.IsCancelled(err):
			default:
				err = drawerrors.Wrap(err, drawerrors.ErrConnection, "stream receive")
			}
			return e.release(start), e.abort(err)
		}
		if err := checkPath(i, path); err != nil {
			e.logger.WithError(err).Warn("skipping received path")
			continue
		}
		if err := e.executePath(ctx, i, path); err != nil {
			return e.release(start), e.abort(err)
		}
	}
}

// executePath draws one path: synchronous moves to the transit-in point and
// the first drawing point, streamed setpoints at the cadence, a sync
// barrier, then a synchronous move to the transit-out point.
func (e *Executor) executePath(ctx context.Context, index int, p motion.NormalizedPath) error {
	e.setState(StateExecutingPath)
	entry := e.logger.WithFields(log.Fields{"path": index, "points": len(p)})
	entry.Debug("path start")
	if !p.Framed() {
		entry.Warn("path does not start and end with the pen up")
	}

	if err := e.do(ctx, protocol.MoveAndSync(p[0].Pose)); err != nil {
		return err
	}
	if err := e.do(ctx, protocol.MoveAndSync(p[1].Pose)); err != nil {
		return err
	}
	for _, pt := range p[1 : len(p)-1] {
		if err := e.do(ctx, protocol.StreamMove(pt.Pose)); err != nil {
			return err
		}
		e.mu.Lock()
		e.report.PointsStreamed++
		e.mu.Unlock()
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.PointsStreamed.Inc(nil)
		}
		if err := e.sleep(ctx); err != nil {
			return err
		}
	}
	if err := e.do(ctx, protocol.Sync()); err != nil {
		return err
	}
	if err := e.do(ctx, protocol.MoveAndSync(p[len(p)-1].Pose)); err != nil {
		return err
	}

	e.mu.Lock()
	e.report.PathsCompleted++
	e.mu.Unlock()
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.PathsCompleted.Inc(nil)
	}
	e.setState(StateReady)
	entry.Debug("path done")
	return nil
}
