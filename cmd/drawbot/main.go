// drawbot turns stroke files into arm motion and drives a drawing arm.
//
// Usage:
//
//	drawbot <command> [options] [args]
//
// Commands:
//
//	run <strokes>        normalize a stroke file and draw it in-process
//	send <strokes>       normalize a stroke file and publish the paths
//	listen               receive published paths and draw them
//	normalize <strokes>  write the normalized paths as JSON
//	lineart <photo>      convert a photo to line art with the remote service
//
// Common options:
//
//	-c, --config string   configuration file (default: built-in defaults)
//	    --logfile string  log file path, rotated by size
//	    --log-level       DEBUG, INFO, WARN or ERROR
//	    --metrics string  metrics listen address, overrides [metrics] address
//
// Examples:
//
//	# Dry run against the simulated arm
//	mock-arm --addr 127.0.0.1:29999 &
//	drawbot run --host 127.0.0.1 face.json
//
//	# Normalize on one machine, draw on another
//	drawbot listen -c arm.cfg
//	drawbot send -c arm.cfg face.json
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/ogier/pflag"
	"golang.org/x/sync/errgroup"

	"drawbot-go/pkg/config"
	drawerrors "drawbot-go/pkg/errors"
	"drawbot-go/pkg/log"
	"drawbot-go/pkg/metrics"
)

type command struct {
	name  string
	usage string
	run   func(a *app, args []string) error
}

var commands = []command{
	{"run", "run [options] <strokes>", runCmd},
	{"send", "send [options] <strokes>", sendCmd},
	{"listen", "listen [options]", listenCmd},
	{"normalize", "normalize [options] <strokes>", normalizeCmd},
	{"lineart", "lineart [options] <photo>", lineartCmd},
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: drawbot <command> [options]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %s\n", c.usage)
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name := os.Args[1]
	for _, c := range commands {
		if c.name != name {
			continue
		}
		a := &app{name: name}
		err := c.run(a, os.Args[2:])
		a.close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "drawbot %s: %v\n", name, err)
			os.Exit(exitCode(err))
		}
		return
	}
	if name == "-h" || name == "--help" || name == "help" {
		usage()
		return
	}
	fmt.Fprintf(os.Stderr, "drawbot: unknown command %q\n", name)
	usage()
	os.Exit(2)
}

// exitCode separates operator interrupts from failures.
func exitCode(err error) int {
	switch {
	case drawerrors.IsCancelled(err):
		return 130
	case drawerrors.Is(err, drawerrors.ErrConfig), drawerrors.Is(err, drawerrors.ErrInvalidInput),
		drawerrors.Is(err, drawerrors.ErrDegenerateInput):
		return 2
	}
	return 1
}

// app holds what every command shares: configuration, logging and metrics.
type app struct {
	name    string
	flags   *flag.FlagSet
	cfg     *config.DrawbotConfig
	logger  *log.Logger
	metrics *metrics.DrawbotMetrics
	logFile *log.RotatingFileWriter

	configPath  string
	logPath     string
	logLevel    string
	metricsAddr string
}

// flagSet returns the command's flag set with the common options bound.
func (a *app) flagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(a.name, flag.ContinueOnError)
	fs.StringVarP(&a.configPath, "config", "c", "", "configuration file")
	fs.StringVar(&a.logPath, "logfile", "", "log file path")
	fs.StringVar(&a.logLevel, "log-level", "", "minimum log level")
	fs.StringVar(&a.metricsAddr, "metrics", "", "metrics listen address")
	a.flags = fs
	return fs
}

// setup parses args and loads configuration. Flags registered on the set
// after flagSet() are parsed too.
func (a *app) setup(args []string) error {
	if err := a.flags.Parse(args); err != nil {
		return drawerrors.InvalidInputError(err.Error())
	}

	a.logger = log.GetLogger(a.name)
	if a.logLevel != "" {
		log.Root().SetLevel(log.ParseLevel(a.logLevel))
	}
	if a.logPath != "" {
		fw, err := log.AttachFile(log.Root(), log.RotationConfig{Filename: a.logPath, Compress: true}, true)
		if err != nil {
			return drawerrors.ConfigError("log file", err)
		}
		a.logFile = fw
	}

	cfg, err := config.LoadDrawbot(a.configPath)
	if err != nil {
		return err
	}
	if a.metricsAddr != "" {
		cfg.Metrics.Address = a.metricsAddr
	}
	a.cfg = cfg
	a.metrics = metrics.NewDrawbotMetrics()
	return nil
}

func (a *app) close() {
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// serve runs job until it returns or the process is interrupted. When a
// metrics address is configured the metrics server runs alongside and stops
// with the job. The address is bound before the job starts; a metrics
// failure after that is logged and never reaches the job.
func (a *app) serve(job func(ctx context.Context) error, ready func() bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	if addr := a.cfg.Metrics.Address; addr != "" {
		srv := metrics.NewServer(a.metrics, metrics.DefaultServerConfig(addr))
		if ready != nil {
			srv.SetReadiness(ready)
		}
		ln, err := srv.Listen()
		if err != nil {
			return drawerrors.ConfigError("metrics address "+addr, err)
		}
		g.Go(func() error {
			if err := srv.Serve(ctx, ln); err != nil {
				a.logger.WithError(err).Error("metrics server stopped")
			}
			return nil
		})
		g.Go(func() error {
			t := time.NewTicker(5 * time.Second)
			defer t.Stop()
			for {
				a.metrics.UpdateSystemMetrics()
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
				}
			}
		})
	}
	g.Go(func() (err error) {
		defer cancel()
		defer drawerrors.RecoverPanic(&err)
		return job(ctx)
	})
	return g.Wait()
}
