package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	drawerrors "drawbot-go/pkg/errors"
)

// DeviceConfig is the [device] section: the arm's command link.
type DeviceConfig struct {
	Host            string
	Port            int
	FeedbackPort    int // 0 disables the telemetry link
	SpeedFactor     int
	UserFrame       int
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration // 0 waits forever
}

// Address returns host:port of the command link.
func (d DeviceConfig) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// WorkspaceConfig is the [workspace] section.
type WorkspaceConfig struct {
	XMin, XMax float64
	YMin, YMax float64
	GridSize   int
}

// PenConfig is the [pen] section: the two z heights encoding pen state.
type PenConfig struct {
	ZUp   float64
	ZDown float64
}

// NormalizeConfig is the [normalize] section.
type NormalizeConfig struct {
	Spacing   float64
	MinPoints int
}

// ExecutorConfig is the [executor] section.
type ExecutorConfig struct {
	CadenceHz float64
}

// Cadence returns the pause between streamed setpoints.
func (e ExecutorConfig) Cadence() time.Duration {
	return time.Duration(float64(time.Second) / e.CadenceHz)
}

// StreamConfig is the [stream] section.
type StreamConfig struct {
	Backend       string
	Address       string
	Codec         string
	Topic         string
	HighWaterMark int
	SettleDelay   time.Duration
}

// MetricsConfig is the [metrics] section. An empty address disables the server.
type MetricsConfig struct {
	Address string
}

// LineArtConfig is the [lineart] section for the remote line-art service.
type LineArtConfig struct {
	URL          string
	Workflow     string
	ImageNode    string
	OutputNode   string
	PollInterval time.Duration
	MaxDimension int // 0 uploads the image unchanged
}

// DrawbotConfig is the typed host configuration.
type DrawbotConfig struct {
	Device    DeviceConfig
	Workspace WorkspaceConfig
	Pen       PenConfig
	Normalize NormalizeConfig
	Executor  ExecutorConfig
	Stream    StreamConfig
	Metrics   MetricsConfig
	LineArt   LineArtConfig
}

// Default returns the configuration used when no file is given.
func Default() *DrawbotConfig {
	return &DrawbotConfig{
		Device: DeviceConfig{
			Host:            "192.168.1.6",
			Port:            29999,
			FeedbackPort:    30004,
			SpeedFactor:     40,
			UserFrame:       6,
			ConnectTimeout:  5 * time.Second,
			ResponseTimeout: 30 * time.Second,
		},
		Workspace: WorkspaceConfig{XMin: 1, XMax: 400, YMin: 1, YMax: 400, GridSize: 1},
		Pen:       PenConfig{ZUp: -20, ZDown: 0.65},
		Normalize: NormalizeConfig{Spacing: 3.0, MinPoints: 4},
		Executor:  ExecutorConfig{CadenceHz: 30},
		Stream: StreamConfig{
			Backend:       "websocket",
			Address:       "127.0.0.1:5555",
			Codec:         "json",
			Topic:         "drawbot/paths",
			HighWaterMark: 1000,
			SettleDelay:   100 * time.Millisecond,
		},
		LineArt: LineArtConfig{
			ImageNode:    "5",
			OutputNode:   "64",
			PollInterval: 5 * time.Second,
		},
	}
}

// LoadDrawbot reads path (an empty path yields the defaults) and returns the
// typed configuration. Unknown sections or options are rejected.
func LoadDrawbot(path string) (*DrawbotConfig, error) {
	if path == "" {
		return Default(), nil
	}
	c, err := Load(path)
	if err != nil {
		return nil, drawerrors.ConfigError("load "+path, err)
	}
	cfg, err := FromConfig(c)
	if err != nil {
		return nil, drawerrors.ConfigError(path, err)
	}
	if err := c.CheckUnused(); err != nil {
		return nil, drawerrors.ConfigError(path, err)
	}
	return cfg, nil
}

// FromConfig maps parsed sections onto a DrawbotConfig, applying defaults for
// everything absent.
func FromConfig(c *Config) (*DrawbotConfig, error) {
	cfg := Default()
	steps := []func(*Config, *DrawbotConfig) error{
		readDevice, readWorkspace, readPen, readNormalize,
		readExecutor, readStream, readMetrics, readLineArt,
	}
	for _, step := range steps {
		if err := step(c, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func readDevice(c *Config, cfg *DrawbotConfig) error {
	s := c.Section("device")
	d := &cfg.Device
	var err error
	if d.Host, err = s.Get("host", d.Host); err != nil {
		return err
	}
	if d.Port, err = s.GetIntWithBounds("port", 1, 65535, d.Port); err != nil {
		return err
	}
	if d.FeedbackPort, err = s.GetIntWithBounds("feedback_port", 0, 65535, d.FeedbackPort); err != nil {
		return err
	}
	if d.SpeedFactor, err = s.GetIntWithBounds("speed_factor", 1, 100, d.SpeedFactor); err != nil {
		return err
	}
	if d.UserFrame, err = s.GetIntWithBounds("user_frame", 0, 9, d.UserFrame); err != nil {
		return err
	}
	if d.ConnectTimeout, err = s.GetDuration("connect_timeout", d.ConnectTimeout); err != nil {
		return err
	}
	d.ResponseTimeout, err = s.GetDuration("response_timeout", d.ResponseTimeout)
	return err
}

func readWorkspace(c *Config, cfg *DrawbotConfig) error {
	s := c.Section("workspace")
	w := &cfg.Workspace
	var err error
	if w.XMin, err = s.GetFloat("x_min", w.XMin); err != nil {
		return err
	}
	if w.XMax, err = s.GetFloatWithBounds("x_max", Above(w.XMin), w.XMax); err != nil {
		return err
	}
	if w.YMin, err = s.GetFloat("y_min", w.YMin); err != nil {
		return err
	}
	if w.YMax, err = s.GetFloatWithBounds("y_max", Above(w.YMin), w.YMax); err != nil {
		return err
	}
	w.GridSize, err = s.GetIntWithBounds("grid_size", 1, 64, w.GridSize)
	return err
}

func readPen(c *Config, cfg *DrawbotConfig) error {
	s := c.Section("pen")
	p := &cfg.Pen
	var err error
	if p.ZUp, err = s.GetFloat("z_up", p.ZUp); err != nil {
		return err
	}
	if p.ZDown, err = s.GetFloat("z_down", p.ZDown); err != nil {
		return err
	}
	if p.ZUp == p.ZDown {
		return NewConfigError("pen", "z_up", fmt.Sprintf("must differ from z_down (%v)", p.ZDown))
	}
	return nil
}

func readNormalize(c *Config, cfg *DrawbotConfig) error {
	s := c.Section("normalize")
	n := &cfg.Normalize
	var err error
	if n.Spacing, err = s.GetFloatWithBounds("spacing", Above(0), n.Spacing); err != nil {
		return err
	}
	n.MinPoints, err = s.GetIntWithBounds("min_points", 2, 1<<20, n.MinPoints)
	return err
}

func readExecutor(c *Config, cfg *DrawbotConfig) error {
	maxHz := 1000.0
	var err error
	cfg.Executor.CadenceHz, err = c.Section("executor").GetFloatWithBounds("cadence_hz",
		FloatBounds{Above: new(float64), MaxVal: &maxHz}, cfg.Executor.CadenceHz)
	return err
}

func readStream(c *Config, cfg *DrawbotConfig) error {
	s := c.Section("stream")
	st := &cfg.Stream
	var err error
	if st.Backend, err = s.GetChoice("backend", []string{"websocket", "mqtt"}, st.Backend); err != nil {
		return err
	}
	if st.Address, err = s.Get("address", st.Address); err != nil {
		return err
	}
	if st.Codec, err = s.GetChoice("codec", []string{"json", "msgpack"}, st.Codec); err != nil {
		return err
	}
	if st.Topic, err = s.Get("topic", st.Topic); err != nil {
		return err
	}
	if st.HighWaterMark, err = s.GetIntWithBounds("high_water_mark", 1, 1<<20, st.HighWaterMark); err != nil {
		return err
	}
	st.SettleDelay, err = s.GetDuration("settle_delay", st.SettleDelay)
	return err
}

func readMetrics(c *Config, cfg *DrawbotConfig) error {
	var err error
	cfg.Metrics.Address, err = c.Section("metrics").Get("address", cfg.Metrics.Address)
	return err
}

func readLineArt(c *Config, cfg *DrawbotConfig) error {
	s := c.Section("lineart")
	l := &cfg.LineArt
	var err error
	if l.URL, err = s.Get("url", l.URL); err != nil {
		return err
	}
	if l.Workflow, err = s.Get("workflow", l.Workflow); err != nil {
		return err
	}
	if l.ImageNode, err = s.Get("image_node", l.ImageNode); err != nil {
		return err
	}
	if l.OutputNode, err = s.Get("output_node", l.OutputNode); err != nil {
		return err
	}
	if l.PollInterval, err = s.GetDuration("poll_interval", l.PollInterval); err != nil {
		return err
	}
	l.MaxDimension, err = s.GetIntWithBounds("max_dimension", 0, 1<<16, l.MaxDimension)
	return err
}
