// Arm command set and frame rendering
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package protocol implements the ASCII command set of the drawing arm.
//
// Every command is one or more text frames of the form Name(arg,arg,...).
// Each frame is answered by exactly one acknowledgement before the next frame
// may be sent.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"drawbot-go/pkg/motion"
)

// Op identifies a command of the closed command set.
type Op int

const (
	OpEnable Op = iota
	OpClearError
	OpSetSpeedFactor
	OpSetFrame
	OpMoveAndSync
	OpStreamMove
	OpSync

	// operator commands, not used by the executor
	OpResetRobot
	OpRobotMode
	OpMovL
	OpMovJ
)

var opNames = map[Op]string{
	OpEnable:         "Enable",
	OpClearError:     "ClearError",
	OpSetSpeedFactor: "SetSpeedFactor",
	OpSetFrame:       "SetFrame",
	OpMoveAndSync:    "MoveAndSync",
	OpStreamMove:     "StreamMove",
	OpSync:           "Sync",
	OpResetRobot:     "ResetRobot",
	OpRobotMode:      "RobotMode",
	OpMovL:           "MovL",
	OpMovJ:           "MovJ",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Wire method names.
const (
	MethodEnableRobot = "EnableRobot"
	MethodClearError  = "ClearError"
	MethodResetRobot  = "ResetRobot"
	MethodSpeedFactor = "SpeedFactor"
	MethodUser        = "User"
	MethodRobotMode   = "RobotMode"
	MethodServoP      = "ServoP"
	MethodSync        = "Sync"
	MethodMovL        = "MovL"
	MethodMovJ        = "MovJ"
)

// Command is one protocol operation with its arguments.
type Command struct {
	Op     Op
	Pose   motion.Pose6D // MoveAndSync, StreamMove, MovL
	Value  int           // SetSpeedFactor percent, SetFrame id
	Joints [6]float64    // MovJ
}

// Enable activates the actuator.
func Enable() Command { return Command{Op: OpEnable} }

// ClearError resets the fault state.
func ClearError() Command { return Command{Op: OpClearError} }

// SetSpeedFactor scales motion speed, in percent.
func SetSpeedFactor(percent int) Command { return Command{Op: OpSetSpeedFactor, Value: percent} }

// SetFrame selects the user coordinate frame.
func SetFrame(id int) Command { return Command{Op: OpSetFrame, Value: id} }

// MoveAndSync moves to pose and blocks until the motion completes.
func MoveAndSync(pose motion.Pose6D) Command { return Command{Op: OpMoveAndSync, Pose: pose} }

// StreamMove issues a setpoint without waiting for it to be reached.
func StreamMove(pose motion.Pose6D) Command { return Command{Op: OpStreamMove, Pose: pose} }

// Sync blocks until every streamed setpoint has been reached.
func Sync() Command { return Command{Op: OpSync} }

// ResetRobot stops the arm and resets the controller.
func ResetRobot() Command { return Command{Op: OpResetRobot} }

// QueryRobotMode asks for the controller mode; see ParseRobotMode.
func QueryRobotMode() Command { return Command{Op: OpRobotMode} }

// MovL is a linear move to pose.
func MovL(pose motion.Pose6D) Command { return Command{Op: OpMovL, Pose: pose} }

// MovJ is a joint-space move.
func MovJ(joints [6]float64) Command { return Command{Op: OpMovJ, Joints: joints} }

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func poseArgs(p motion.Pose6D) []string {
	return []string{
		formatFloat(p.X), formatFloat(p.Y), formatFloat(p.Z),
		formatFloat(p.RX), formatFloat(p.RY), formatFloat(p.RZ),
	}
}

// Frame renders a wire frame.
func Frame(method string, args ...string) string {
	return method + "(" + strings.Join(args, ",") + ")"
}

// Frames returns the wire frames of c in send order. MoveAndSync is a
// setpoint followed by a sync barrier.
func (c Command) Frames() []string {
	switch c.Op {
	case OpEnable:
		return []string{Frame(MethodEnableRobot)}
	case OpClearError:
		return []string{Frame(MethodClearError)}
	case OpSetSpeedFactor:
		return []string{Frame(MethodSpeedFactor, strconv.Itoa(c.Value))}
	case OpSetFrame:
		return []string{Frame(MethodUser, strconv.Itoa(c.Value))}
	case OpMoveAndSync:
		return []string{Frame(MethodServoP, poseArgs(c.Pose)...), Frame(MethodSync)}
	case OpStreamMove:
		return []string{Frame(MethodServoP, poseArgs(c.Pose)...)}
	case OpSync:
		return []string{Frame(MethodSync)}
	case OpResetRobot:
		return []string{Frame(MethodResetRobot)}
	case OpRobotMode:
		return []string{Frame(MethodRobotMode)}
	case OpMovL:
		return []string{Frame(MethodMovL, poseArgs(c.Pose)...)}
	case OpMovJ:
		args := make([]string, len(c.Joints))
		for i, j := range c.Joints {
			args[i] = formatFloat(j)
		}
		return []string{Frame(MethodMovJ, args...)}
	}
	return nil
}

// String returns the frames joined by spaces.
func (c Command) String() string {
	return strings.Join(c.Frames(), " ")
}

// Validate checks argument ranges.
func (c Command) Validate() error {
	switch c.Op {
	case OpSetSpeedFactor:
		if c.Value < 1 || c.Value > 100 {
			return fmt.Errorf("speed factor %d out of range 1..100", c.Value)
		}
	case OpSetFrame:
		if c.Value < 0 {
			return fmt.Errorf("negative frame id %d", c.Value)
		}
	}
	if _, ok := opNames[c.Op]; !ok {
		return fmt.Errorf("unknown op %d", int(c.Op))
	}
	return nil
}

// ParseFrame splits a wire frame such as "ServoP(1,2,3,0,0,0)" into its
// method name and raw arguments. A trailing ';' is accepted.
func ParseFrame(frame string) (method string, args []string, err error) {
	s := strings.TrimSuffix(strings.TrimSpace(frame), ";")
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return "", nil, fmt.Errorf("malformed frame %q", frame)
	}
	method = s[:open]
	inner := strings.TrimSpace(s[open+1 : len(s)-1])
	if inner == "" {
		return method, nil, nil
	}
	for _, a := range strings.Split(inner, ",") {
		args = append(args, strings.TrimSpace(a))
	}
	return method, args, nil
}

// ParseFloats converts frame arguments to numbers.
func ParseFloats(args []string) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
