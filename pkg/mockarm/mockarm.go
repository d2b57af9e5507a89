// Simulated drawing arm for tests and dry runs
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package mockarm is a simulated drawing arm speaking the ASCII command
// protocol over TCP. It serves dry runs and the device and executor tests,
// with latency and fault injection.
package mockarm

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"drawbot-go/pkg/log"
	"drawbot-go/pkg/motion"
	"drawbot-go/pkg/protocol"
)

// Controller error ids used by the simulation.
const (
	ErrIDCommand   = -10000 // unknown command
	ErrIDParams    = -20000 // wrong argument count or value
	ErrIDDisabled  = -1     // motion while disabled
	DefaultFaultID = -2

	// FeedbackPacketSize is the size of one telemetry packet.
	FeedbackPacketSize = 1440
)

// Options configures the simulation.
type Options struct {
	Latency          time.Duration // delay before every ack
	SyncLatency      time.Duration // extra delay before a Sync() ack
	FailAt           int           // 1-based frame answered with a fault, 0 never
	FaultID          int           // error id of the injected fault
	FeedbackInterval time.Duration // telemetry period, default 100ms
	Silent           bool          // read frames but never answer
}

// Arm is a running simulated device.
type Arm struct {
	opts   Options
	logger *log.Logger

	cmdLn net.Listener
	fbLn  net.Listener

	mu      sync.Mutex
	frames  []string
	enabled bool
	mode    protocol.RobotMode
	speed   int
	user    int
	pose    motion.Pose6D
	conns   map[net.Conn]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// Start listens on addr for commands and, when feedbackAddr is non-empty, on
// feedbackAddr for telemetry. Use "127.0.0.1:0" for an ephemeral port.
func Start(addr, feedbackAddr string, opts Options) (*Arm, error) {
	if opts.FaultID == 0 {
		opts.FaultID = DefaultFaultID
	}
	if opts.FeedbackInterval <= 0 {
		opts.FeedbackInterval = 100 * time.Millisecond
	}

	a := &Arm{
		opts:   opts,
		logger: log.GetLogger("mock-arm"),
		mode:   protocol.ModeDisabled,
		speed:  100,
		conns:  make(map[net.Conn]struct{}),
		done:   make(chan struct{}),
	}

	var err error
	if a.cmdLn, err = net.Listen("tcp", addr); err != nil {
		return nil, err
	}
	if feedbackAddr != "" {
		if a.fbLn, err = net.Listen("tcp", feedbackAddr); err != nil {
			a.cmdLn.Close()
			return nil, err
		}
		a.wg.Add(1)
		go a.acceptLoop(a.fbLn, a.serveFeedback)
	}
	a.wg.Add(1)
	go a.acceptLoop(a.cmdLn, a.serveCommands)

	a.logger.Info("listening on %s", a.Addr())
	return a, nil
}

// Addr returns the command listener address.
func (a *Arm) Addr() string {
	return a.cmdLn.Addr().String()
}

// FeedbackAddr returns the telemetry listener address, or "".
func (a *Arm) FeedbackAddr() string {
	if a.fbLn == nil {
		return ""
	}
	return a.fbLn.Addr().String()
}

// Close stops the listeners and drops every client.
func (a *Arm) Close() error {
	select {
	case <-a.done:
		return nil
	default:
	}
	close(a.done)
	err := a.cmdLn.Close()
	if a.fbLn != nil {
		a.fbLn.Close()
	}
	a.mu.Lock()
	for c := range a.conns {
		c.Close()
	}
	a.mu.Unlock()
	a.wg.Wait()
	return err
}

// Frames returns every frame received so far, in order.
func (a *Arm) Frames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.frames...)
}

// Count returns how many received frames used method.
func (a *Arm) Count(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, f := range a.frames {
		if strings.HasPrefix(f, method+"(") {
			n++
		}
	}
	return n
}

// Pose returns the last commanded pose.
func (a *Arm) Pose() motion.Pose6D {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pose
}

// Mode returns the current controller mode.
func (a *Arm) Mode() protocol.RobotMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// SpeedFactor returns the last accepted speed factor.
func (a *Arm) SpeedFactor() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speed
}

// UserFrame returns the selected user frame.
func (a *Arm) UserFrame() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user
}

func (a *Arm) track(c net.Conn, add bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !add {
		delete(a.conns, c)
		return true
	}
	select {
	case <-a.done:
		return false
	default:
	}
	a.conns[c] = struct{}{}
	return true
}

func (a *Arm) acceptLoop(ln net.Listener, serve func(net.Conn)) {
	defer a.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		if !a.track(c, true) {
			c.Close()
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer a.track(c, false)
			defer c.Close()
			serve(c)
		}()
	}
}

func (a *Arm) serveCommands(c net.Conn) {
	a.logger.Debug("client connected from %s", c.RemoteAddr())
	r := bufio.NewReader(c)
	for {
		frame, err := r.ReadString(')')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				a.logger.WithError(err).Debug("read")
			}
			return
		}
		frame = strings.TrimLeft(frame, " \t\r\n;")

		ack, delay := a.handle(frame)
		if a.opts.Silent {
			continue
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-a.done:
				return
			}
		}
		if _, err := io.WriteString(c, ack); err != nil {
			return
		}
	}
}

// handle applies one frame to the simulated state and returns the ack.
func (a *Arm) handle(frame string) (string, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.frames = append(a.frames, frame)
	delay := a.opts.Latency
	a.logger.Debug("rx %s", frame)

	method, args, err := protocol.ParseFrame(frame)
	if err != nil {
		return protocol.FormatAck(ErrIDCommand, nil, frame), delay
	}
	if a.opts.FailAt > 0 && len(a.frames) == a.opts.FailAt {
		a.mode = protocol.ModeError
		return protocol.FormatAck(a.opts.FaultID, nil, frame), delay
	}

	id := 0
	var values []string
	switch method {
	case protocol.MethodEnableRobot:
		a.enabled = true
		a.mode = protocol.ModeEnable
	case protocol.MethodClearError:
		if a.mode == protocol.ModeError {
			a.mode = protocol.ModeEnable
			if !a.enabled {
				a.mode = protocol.ModeDisabled
			}
		}
	case protocol.MethodResetRobot:
		if a.enabled {
			a.mode = protocol.ModeEnable
		}
	case protocol.MethodRobotMode:
		values = []string{strconv.Itoa(int(a.mode))}
	case protocol.MethodSpeedFactor, protocol.MethodUser:
		id = a.setInt(method, args)
	case protocol.MethodServoP, protocol.MethodMovL:
		id = a.move(args)
	case protocol.MethodMovJ:
		if len(args) != 6 {
			id = ErrIDParams
		} else if !a.enabled {
			id = ErrIDDisabled
		}
	case protocol.MethodSync:
		delay += a.opts.SyncLatency
	default:
		id = ErrIDCommand
	}
	return protocol.FormatAck(id, values, frame), delay
}

func (a *Arm) setInt(method string, args []string) int {
	if len(args) != 1 {
		return ErrIDParams
	}
	v, err := strconv.Atoi(args[0])
	if err != nil {
		return ErrIDParams
	}
	if method == protocol.MethodSpeedFactor {
		if v < 1 || v > 100 {
			return ErrIDParams
		}
		a.speed = v
		return 0
	}
	a.user = v
	return 0
}

func (a *Arm) move(args []string) int {
	if len(args) != 6 {
		return ErrIDParams
	}
	v, err := protocol.ParseFloats(args)
	if err != nil {
		return ErrIDParams
	}
	if !a.enabled {
		return ErrIDDisabled
	}
	a.pose = motion.Pose6D{X: v[0], Y: v[1], Z: v[2], RX: v[3], RY: v[4], RZ: v[5]}
	a.mode = protocol.ModeRunning
	return 0
}

// serveFeedback streams fixed-size telemetry packets: little-endian packet
// length at offset 0, robot mode at offset 24, then the pose as six float64
// at offset 624.
func (a *Arm) serveFeedback(c net.Conn) {
	t := time.NewTicker(a.opts.FeedbackInterval)
	defer t.Stop()
	pkt := make([]byte, FeedbackPacketSize)
	for {
		select {
		case <-a.done:
			return
		case <-t.C:
		}
		a.mu.Lock()
		mode, pose := a.mode, a.pose
		a.mu.Unlock()

		binary.LittleEndian.PutUint16(pkt[0:], FeedbackPacketSize)
		binary.LittleEndian.PutUint64(pkt[24:], uint64(mode))
		for i, v := range []float64{pose.X, pose.Y, pose.Z, pose.RX, pose.RY, pose.RZ} {
			binary.LittleEndian.PutUint64(pkt[624+8*i:], math.Float64bits(v))
		}
		if _, err := c.Write(pkt); err != nil {
			return
		}
	}
}
