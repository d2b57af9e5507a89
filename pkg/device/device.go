// Device connection for the drawing arm
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package device owns the TCP connection to the arm controller. Commands are
// exchanged strictly one frame at a time: a frame is written and its
// acknowledgement read before the next frame may go out.
package device

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	drawerrors "drawbot-go/pkg/errors"
	"drawbot-go/pkg/log"
	"drawbot-go/pkg/protocol"
)

// Common errors
var (
	ErrClosed = errors.New("device: connection closed")
)

// feedbackPacketSize is the fixed size of one telemetry packet.
const feedbackPacketSize = 1440

// Config holds connection settings.
type Config struct {
	// Address of the command port, host:port
	Address string

	// Address of the telemetry port; empty disables it
	FeedbackAddress string

	// Dial timeout (default: 5 seconds)
	ConnectTimeout time.Duration

	// Per-frame acknowledgement timeout; zero waits forever
	ResponseTimeout time.Duration
}

// DefaultConfig returns a Config with default timeouts for addr.
func DefaultConfig(addr string) Config {
	return Config{
		Address:         addr,
		ConnectTimeout:  5 * time.Second,
		ResponseTimeout: 30 * time.Second,
	}
}

// Telemetry summarizes the feedback stream.
type Telemetry struct {
	Packets uint64
	Mode    protocol.RobotMode
}

// Conn is an open device connection. It is safe for concurrent use, but
// exchanges are serialized.
type Conn struct {
	cfg    Config
	logger *log.Logger

	mu     sync.Mutex
	conn   net.Conn
	raw    syscall.RawConn
	reader *bufio.Reader
	broken error

	fb        net.Conn
	fbPackets atomic.Uint64
	fbMode    atomic.Int64
	fbDone    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func dialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout: timeout,
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) { serr = setSockopts(fd) }); err != nil {
				return err
			}
			return serr
		},
	}
}

// Dial opens the command connection and, if configured, the telemetry
// connection. A telemetry failure is logged and otherwise ignored.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	c := &Conn{
		cfg:    cfg,
		logger: log.GetLogger("device"),
	}

	nc, err := dialer(cfg.ConnectTimeout).DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, drawerrors.CancelledError("connect", ctx.Err())
		}
		return nil, drawerrors.ConnectionError(cfg.Address, err)
	}
	c.conn = nc
	c.reader = bufio.NewReader(nc)
	if sc, ok := nc.(syscall.Conn); ok {
		if raw, err := sc.SyscallConn(); err == nil {
			c.raw = raw
		}
	}
	c.logger.Info("connected to %s", cfg.Address)

	if cfg.FeedbackAddress != "" {
		fb, err := dialer(cfg.ConnectTimeout).DialContext(ctx, "tcp", cfg.FeedbackAddress)
		if err != nil {
			c.logger.WithError(err).WithField("address", cfg.FeedbackAddress).
				Warn("telemetry unavailable")
		} else {
			c.fb = fb
			c.fbDone = make(chan struct{})
			go c.drainFeedback()
		}
	}
	return c, nil
}

// Addr returns the command address.
func (c *Conn) Addr() string {
	return c.cfg.Address
}

// Telemetry returns what the feedback stream has reported so far.
func (c *Conn) Telemetry() Telemetry {
	return Telemetry{
		Packets: c.fbPackets.Load(),
		Mode:    protocol.RobotMode(c.fbMode.Load()),
	}
}

// Do sends every frame of cmd in order, each waiting for its
// acknowledgement, and returns the last acknowledgement.
func (c *Conn) Do(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	if err := cmd.Validate(); err != nil {
		return protocol.Response{}, drawerrors.InvalidInputError(err.Error()).SetCommand(cmd.String())
	}
	var resp protocol.Response
	for _, frame := range cmd.Frames() {
		var err error
		if resp, err = c.Exchange(ctx, frame); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// Exchange writes one frame and reads its acknowledgement. Cancelling ctx
// interrupts a pending read. After a failed exchange the connection is
// unusable because a late acknowledgement would desynchronize the stream.
func (c *Conn) Exchange(ctx context.Context, frame string) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return protocol.Response{}, drawerrors.ConnectionError(c.cfg.Address, c.broken).SetCommand(frame)
	}
	if err := ctx.Err(); err != nil {
		return protocol.Response{}, drawerrors.CancelledError(frame, err)
	}

	var deadline time.Time
	if c.cfg.ResponseTimeout > 0 {
		deadline = time.Now().Add(c.cfg.ResponseTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return protocol.Response{}, c.fail(ctx, frame, err)
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	c.logger.Debug("tx %s", frame)
	if _, err := io.WriteString(c.conn, frame); err != nil {
		return protocol.Response{}, c.fail(ctx, frame, err)
	}
	raw, err := c.reader.ReadString(';')
	if err != nil {
		return protocol.Response{}, c.fail(ctx, frame, err)
	}
	if c.raw != nil {
		quickAck(c.raw)
	}
	c.logger.Debug("rx %s", raw)

	return protocol.CheckAck(frame, raw)
}

// fail marks the connection broken and classifies err. Must hold c.mu.
func (c *Conn) fail(ctx context.Context, frame string, err error) error {
	c.broken = err
	if ctx.Err() != nil {
		return drawerrors.CancelledError(frame, ctx.Err())
	}
	return drawerrors.ConnectionError(c.cfg.Address, err).SetCommand(frame)
}

func (c *Conn) drainFeedback() {
	defer close(c.fbDone)
	pkt := make([]byte, feedbackPacketSize)
	for {
		if _, err := io.ReadFull(c.fb, pkt); err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				c.logger.WithError(err).Debug("telemetry stopped")
			}
			return
		}
		c.fbPackets.Add(1)
		c.fbMode.Store(int64(binary.LittleEndian.Uint64(pkt[24:])))
	}
}

// Close closes every socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		if c.fb != nil {
			c.fb.Close()
			<-c.fbDone
		}
		c.mu.Lock()
		if c.broken == nil {
			c.broken = ErrClosed
		}
		c.mu.Unlock()
		c.logger.Info("disconnected from %s", c.cfg.Address)
	})
	return c.closeErr
}
