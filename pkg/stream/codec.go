// Wire codecs for streamed paths
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"drawbot-go/pkg/motion"
)

// Record is one point on the wire. Pen is optional; six-field records from
// older producers are accepted and the pen state inferred from position.
type Record struct {
	X   float64 `json:"x" msgpack:"x"`
	Y   float64 `json:"y" msgpack:"y"`
	Z   float64 `json:"z" msgpack:"z"`
	RX  float64 `json:"rx" msgpack:"rx"`
	RY  float64 `json:"ry" msgpack:"ry"`
	RZ  float64 `json:"rz" msgpack:"rz"`
	Pen *int    `json:"pen,omitempty" msgpack:"pen,omitempty"`
}

// Frame is one published message: a whole path plus correlation ids. Batch
// and Seq are for logs only and imply no ordering guarantee.
type Frame struct {
	Batch  string   `json:"batch,omitempty" msgpack:"batch,omitempty"`
	Seq    uint64   `json:"seq" msgpack:"seq"`
	Points []Record `json:"points" msgpack:"points"`
}

// NewFrame converts path to wire records.
func NewFrame(batch string, seq uint64, path motion.NormalizedPath) Frame {
	f := Frame{Batch: batch, Seq: seq, Points: make([]Record, len(path))}
	for i, pt := range path {
		pen := int(pt.Pen)
		f.Points[i] = Record{
			X: pt.Pose.X, Y: pt.Pose.Y, Z: pt.Pose.Z,
			RX: pt.Pose.RX, RY: pt.Pose.RY, RZ: pt.Pose.RZ,
			Pen: &pen,
		}
	}
	return f
}

// Path converts the records back. A record without a pen state is pen-up
// when it is the first or last point and pen-down otherwise.
func (f Frame) Path() (motion.NormalizedPath, error) {
	path := make(motion.NormalizedPath, len(f.Points))
	last := len(f.Points) - 1
	for i, r := range f.Points {
		pen := motion.PenDown
		if i == 0 || i == last {
			pen = motion.PenUp
		}
		if r.Pen != nil {
			switch motion.PenState(*r.Pen) {
			case motion.PenUp, motion.PenDown:
				pen = motion.PenState(*r.Pen)
			default:
				return nil, fmt.Errorf("point %d: invalid pen state %d", i, *r.Pen)
			}
		}
		path[i] = motion.MotionPoint{
			Pose: motion.Pose6D{X: r.X, Y: r.Y, Z: r.Z, RX: r.RX, RY: r.RY, RZ: r.RZ},
			Pen:  pen,
		}
	}
	return path, nil
}

// Codec serializes frames.
type Codec interface {
	Name() string
	Binary() bool
	Encode(Frame) ([]byte, error)
	Decode([]byte) (Frame, error)
}

// CodecByName returns the "json" or "msgpack" codec.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

// JSONCodec encodes frames as JSON objects. It also decodes a bare JSON
// array of records.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }
func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func (JSONCodec) Decode(data []byte) (Frame, error) {
	var f Frame
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		err := json.Unmarshal(trimmed, &f.Points)
		return f, err
	}
	err := json.Unmarshal(data, &f)
	return f, err
}

// MsgpackCodec encodes frames as MessagePack maps.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }
func (MsgpackCodec) Binary() bool { return true }

func (MsgpackCodec) Encode(f Frame) ([]byte, error) {
	return msgpack.Marshal(f)
}

func (MsgpackCodec) Decode(data []byte) (Frame, error) {
	var f Frame
	err := msgpack.Unmarshal(data, &f)
	return f, err
}
