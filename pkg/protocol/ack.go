// Acknowledgement parsing for the arm command protocol
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package protocol

import (
	"fmt"
	"strconv"
	"strings"

	drawerrors "drawbot-go/pkg/errors"
)

// Response is a parsed acknowledgement "ErrorID,{values},Method(args);".
type Response struct {
	ErrorID int
	Values  []string
	Echo    string // the command as echoed by the device
	Raw     string
}

// OK reports whether the device accepted the command.
func (r Response) OK() bool {
	return r.ErrorID == 0
}

// ParseAck parses one acknowledgement frame.
func ParseAck(raw string) (Response, error) {
	s := strings.TrimSpace(raw)
	resp := Response{Raw: s}
	s = strings.TrimSuffix(s, ";")

	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return resp, fmt.Errorf("ack %q: missing error id", raw)
	}
	id, err := strconv.Atoi(strings.TrimSpace(s[:comma]))
	if err != nil {
		return resp, fmt.Errorf("ack %q: bad error id: %w", raw, err)
	}
	resp.ErrorID = id

	rest := s[comma+1:]
	if !strings.HasPrefix(rest, "{") {
		return resp, fmt.Errorf("ack %q: missing value block", raw)
	}
	end := strings.IndexByte(rest, '}')
	if end < 0 {
		return resp, fmt.Errorf("ack %q: unterminated value block", raw)
	}
	if inner := strings.TrimSpace(rest[1:end]); inner != "" {
		for _, v := range strings.Split(inner, ",") {
			resp.Values = append(resp.Values, strings.TrimSpace(v))
		}
	}
	resp.Echo = strings.TrimPrefix(rest[end+1:], ",")
	return resp, nil
}

// FormatAck renders an acknowledgement for frame, as the device does.
func FormatAck(errorID int, values []string, frame string) string {
	return fmt.Sprintf("%d,{%s},%s;", errorID, strings.Join(values, ","), frame)
}

// CheckAck parses raw as the acknowledgement of frame. An unparsable ack or a
// non-zero error id is a device fault reported as a protocol error.
func CheckAck(frame, raw string) (Response, error) {
	resp, err := ParseAck(raw)
	if err != nil {
		return resp, drawerrors.ProtocolError(frame, -1, strings.TrimSpace(raw)).
			SetContext("parse_error", err.Error())
	}
	if !resp.OK() {
		return resp, drawerrors.ProtocolError(frame, resp.ErrorID, resp.Raw)
	}
	return resp, nil
}
