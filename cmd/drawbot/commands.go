package main

import (
	"context"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"drawbot-go/pkg/device"
	drawerrors "drawbot-go/pkg/errors"
	"drawbot-go/pkg/executor"
	"drawbot-go/pkg/lineart"
	"drawbot-go/pkg/log"
	"drawbot-go/pkg/motion"
	"drawbot-go/pkg/pathio"
	"drawbot-go/pkg/pathproc"
	"drawbot-go/pkg/stream"
)

// normalizeOpts are the flags shared by every command that normalizes.
type normalizeOpts struct {
	longestFirst bool
	seed         int64
}

func (o *normalizeOpts) bind(a *app) {
	a.flags.BoolVar(&o.longestFirst, "longest-first", true, "draw the longest paths first")
	a.flags.Int64Var(&o.seed, "seed", 0, "grid box selection seed (0: time based)")
}

// normalizeFiles loads every stroke file and normalizes each into its own
// grid box. With a grid size of 1 every file fills the whole workspace.
func (a *app) normalizeFiles(files []string, o normalizeOpts) ([]motion.NormalizedPath, error) {
	if len(files) == 0 {
		return nil, drawerrors.InvalidInputError("no stroke file given")
	}
	ws := a.cfg.Workspace
	area := motion.WorkspaceBounds{XMin: ws.XMin, XMax: ws.XMax, YMin: ws.YMin, YMax: ws.YMax}
	if err := area.Validate(); err != nil {
		return nil, drawerrors.Wrap(err, drawerrors.ErrConfig, "workspace")
	}
	grid := motion.NewGrid(area, ws.GridSize)
	seed := o.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	var out []motion.NormalizedPath
	for _, file := range files {
		raw, err := pathio.LoadRaw(file)
		if err != nil {
			return nil, drawerrors.Wrap(err, drawerrors.ErrInvalidInput, "strokes")
		}
		bounds := area
		if ws.GridSize > 1 {
			cell, b, err := grid.NextFree(rng)
			if err != nil {
				return nil, drawerrors.Wrap(err, drawerrors.ErrInvalidInput, file)
			}
			bounds = b
			a.logger.WithFields(log.Fields{"file": file, "box_x": cell.X, "box_y": cell.Y}).Info("grid box")
		}

		res, err := pathproc.Normalize(raw, pathproc.Params{
			Bounds:    bounds,
			PenUpZ:    a.cfg.Pen.ZUp,
			PenDownZ:  a.cfg.Pen.ZDown,
			Spacing:   a.cfg.Normalize.Spacing,
			MinPoints: a.cfg.Normalize.MinPoints,
		})
		if err != nil {
			return nil, err
		}
		paths := res.Resampled
		if o.longestFirst {
			pathproc.SortLongestFirst(paths)
		}
		out = append(out, paths...)
	}
	return out, nil
}

func (a *app) streamConfig() stream.Config {
	s := a.cfg.Stream
	return stream.Config{
		Backend:       s.Backend,
		Address:       s.Address,
		Codec:         s.Codec,
		Topic:         s.Topic,
		HighWaterMark: s.HighWaterMark,
		SettleDelay:   s.SettleDelay,
		Metrics:       a.metrics,
	}
}

func (a *app) deviceConfig() device.Config {
	d := a.cfg.Device
	cfg := device.DefaultConfig(d.Address())
	cfg.ConnectTimeout = d.ConnectTimeout
	cfg.ResponseTimeout = d.ResponseTimeout
	if d.FeedbackPort > 0 {
		fb := d
		fb.Port = d.FeedbackPort
		cfg.FeedbackAddress = fb.Address()
	}
	return cfg
}

// executor dials the arm and wraps the connection.
func (a *app) executor(ctx context.Context) (*executor.Executor, error) {
	conn, err := device.Dial(ctx, a.deviceConfig())
	if err != nil {
		return nil, err
	}
	ex := executor.New(conn, executor.Config{
		SpeedFactor: a.cfg.Device.SpeedFactor,
		UserFrame:   a.cfg.Device.UserFrame,
		Cadence:     a.cfg.Executor.Cadence(),
		Metrics:     a.metrics,
	})
	ex.OnStateChange(func(from, to executor.State) {
		a.logger.Debug("executor %s -> %s", from, to)
	})
	return ex, nil
}

// deviceFlags lets the device address be overridden without a config file.
type deviceFlags struct {
	host string
	port int
}

func (d *deviceFlags) bind(a *app) {
	a.flags.StringVar(&d.host, "host", "", "arm address, overrides [device] host")
	a.flags.IntVar(&d.port, "port", 0, "arm command port, overrides [device] port")
}

func (d *deviceFlags) apply(a *app) {
	if d.host != "" {
		a.cfg.Device.Host = d.host
	}
	if d.port > 0 {
		a.cfg.Device.Port = d.port
	}
}

// readiness reports ready once an executor exists and has not aborted.
func readiness(p *atomic.Pointer[executor.Executor]) func() bool {
	return func() bool {
		ex := p.Load()
		return ex != nil && ex.State() != executor.StateAborted
	}
}

func logReport(logger *log.Logger, r executor.Report, err error) {
	entry := logger.WithFields(log.Fields{
		"paths":    r.PathsCompleted,
		"points":   r.PointsStreamed,
		"commands": r.CommandsSent,
		"elapsed":  r.Elapsed.Round(time.Millisecond),
	})
	switch {
	case err == nil:
		entry.Info("drawing complete")
	case drawerrors.IsCancelled(err):
		entry.Warn("drawing interrupted")
	default:
		entry.WithError(err).Error("drawing aborted")
	}
}

func runCmd(a *app, args []string) error {
	a.flagSet()
	var no normalizeOpts
	var df deviceFlags
	no.bind(a)
	df.bind(a)
	if err := a.setup(args); err != nil {
		return err
	}
	df.apply(a)

	paths, err := a.normalizeFiles(a.flags.Args(), no)
	if err != nil {
		return err
	}

	var current atomic.Pointer[executor.Executor]
	return a.serve(func(ctx context.Context) error {
		ex, err := a.executor(ctx)
		if err != nil {
			return err
		}
		current.Store(ex)
		defer ex.Close()
		report, err := ex.Execute(ctx, paths)
		logReport(a.logger, report, err)
		return err
	}, readiness(&current))
}

func sendCmd(a *app, args []string) error {
	a.flagSet()
	var no normalizeOpts
	no.bind(a)
	if err := a.setup(args); err != nil {
		return err
	}

	paths, err := a.normalizeFiles(a.flags.Args(), no)
	if err != nil {
		return err
	}
	return a.serve(func(ctx context.Context) error {
		cfg := a.streamConfig()
		pub, err := stream.NewPublisher(ctx, cfg)
		if err != nil {
			return err
		}
		err = stream.PublishAll(ctx, pub, paths, cfg.SettleDelay)
		// Close flushes what is still queued, so counters are final after it
		if cerr := pub.Close(); err == nil && cerr != nil {
			err = drawerrors.StreamError("close publisher", cerr)
		}
		if err != nil {
			return err
		}
		st := pub.Stats()
		a.logger.WithFields(log.Fields{"published": st.Published, "dropped": st.Dropped}).Info("paths sent")
		return nil
	}, nil)
}

func listenCmd(a *app, args []string) error {
	a.flagSet()
	var df deviceFlags
	df.bind(a)
	if err := a.setup(args); err != nil {
		return err
	}
	df.apply(a)

	var current atomic.Pointer[executor.Executor]
	return a.serve(func(ctx context.Context) error {
		sub, err := stream.NewSubscriber(ctx, a.streamConfig())
		if err != nil {
			return err
		}
		defer sub.Close()

		ex, err := a.executor(ctx)
		if err != nil {
			return err
		}
		current.Store(ex)
		defer ex.Close()
		report, err := ex.Listen(ctx, sub)
		logReport(a.logger, report, err)
		return err
	}, readiness(&current))
}

func normalizeCmd(a *app, args []string) error {
	a.flagSet()
	var no normalizeOpts
	var output string
	no.bind(a)
	a.flags.StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	if err := a.setup(args); err != nil {
		return err
	}

	paths, err := a.normalizeFiles(a.flags.Args(), no)
	if err != nil {
		return err
	}
	if output == "" {
		return pathio.WriteNormalized(os.Stdout, paths)
	}
	if err := pathio.SaveNormalized(output, paths); err != nil {
		return err
	}
	a.logger.WithFields(log.Fields{"paths": len(paths), "file": output}).Info("normalized paths written")
	return nil
}

func lineartCmd(a *app, args []string) error {
	a.flagSet()
	var workflow, outDir string
	a.flags.StringVar(&workflow, "workflow", "", "workflow template, overrides [lineart] workflow")
	a.flags.StringVarP(&outDir, "output", "o", "output", "directory for the line art")
	if err := a.setup(args); err != nil {
		return err
	}
	if a.flags.NArg() != 1 {
		return drawerrors.InvalidInputError("expected one photo")
	}

	la := a.cfg.LineArt
	if workflow == "" {
		workflow = la.Workflow
	}
	if workflow == "" {
		return drawerrors.ConfigError("no workflow template configured", nil)
	}
	wf, err := lineart.LoadWorkflow(workflow)
	if err != nil {
		return err
	}
	client, err := lineart.New(lineart.Config{
		URL:          la.URL,
		ImageNode:    la.ImageNode,
		OutputNode:   la.OutputNode,
		PollInterval: la.PollInterval,
		MaxDimension: uint(la.MaxDimension),
	})
	if err != nil {
		return err
	}
	return a.serve(func(ctx context.Context) error {
		file, err := client.Convert(ctx, a.flags.Arg(0), wf, outDir)
		if err != nil {
			return err
		}
		a.logger.Info("line art written to %s", file)
		return nil
	}, nil)
}
