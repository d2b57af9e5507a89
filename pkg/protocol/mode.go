// Controller robot modes
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package protocol

import (
	"fmt"
	"strconv"
)

// RobotMode is the controller mode reported by RobotMode().
type RobotMode int

const (
	ModeInit      RobotMode = 1
	ModeBrakeOpen RobotMode = 2
	ModeDisabled  RobotMode = 4
	ModeEnable    RobotMode = 5
	ModeBackdrive RobotMode = 6
	ModeRunning   RobotMode = 7
	ModeRecording RobotMode = 8
	ModeError     RobotMode = 9
	ModePause     RobotMode = 10
	ModeJog       RobotMode = 11
)

var modeNames = map[RobotMode]string{
	ModeInit:      "ROBOT_MODE_INIT",
	ModeBrakeOpen: "ROBOT_MODE_BRAKE_OPEN",
	ModeDisabled:  "ROBOT_MODE_DISABLED",
	ModeEnable:    "ROBOT_MODE_ENABLE",
	ModeBackdrive: "ROBOT_MODE_BACKDRIVE",
	ModeRunning:   "ROBOT_MODE_RUNNING",
	ModeRecording: "ROBOT_MODE_RECORDING",
	ModeError:     "ROBOT_MODE_ERROR",
	ModePause:     "ROBOT_MODE_PAUSE",
	ModeJog:       "ROBOT_MODE_JOG",
}

func (m RobotMode) String() string {
	if n, ok := modeNames[m]; ok {
		return n
	}
	return fmt.Sprintf("ROBOT_MODE_UNKNOWN(%d)", int(m))
}

// ParseRobotMode extracts the mode from a RobotMode() acknowledgement.
func ParseRobotMode(r Response) (RobotMode, error) {
	if len(r.Values) != 1 {
		return 0, fmt.Errorf("robot mode: expected one value, got %v", r.Values)
	}
	v, err := strconv.Atoi(r.Values[0])
	if err != nil {
		return 0, fmt.Errorf("robot mode: %w", err)
	}
	return RobotMode(v), nil
}
