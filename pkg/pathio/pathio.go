// Package pathio reads raw stroke files and writes normalized paths for
// offline inspection.
//
// A raw file is a list of strokes, each a list of [x, y] pixel points:
//
//	[[[10, 20], [11, 22]], [[40, 40], [41, 40], [42, 41]]]
//
// The same shape is accepted as YAML.
package pathio

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	drawerrors "drawbot-go/pkg/errors"
	"drawbot-go/pkg/geom"
	"drawbot-go/pkg/motion"
	"drawbot-go/pkg/stream"
)

// Format selects the raw file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatOf picks the format from a file extension, defaulting to JSON.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// LoadRaw reads a raw stroke file.
func LoadRaw(path string) ([]geom.RawPath, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open raw paths")
	}
	defer f.Close()

	paths, err := DecodeRaw(f, FormatOf(path))
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return paths, nil
}

// DecodeRaw parses raw strokes. Every point must have exactly two
// coordinates and every stroke at least one point.
func DecodeRaw(r io.Reader, format Format) ([]geom.RawPath, error) {
	var doc [][][]float64
	switch format {
	case FormatJSON:
		if err := json.NewDecoder(r).Decode(&doc); err != nil {
			return nil, drawerrors.Wrap(err, drawerrors.ErrInvalidInput, "decode json strokes")
		}
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
			return nil, drawerrors.Wrap(err, drawerrors.ErrInvalidInput, "decode yaml strokes")
		}
	default:
		return nil, drawerrors.InvalidInputError("unknown raw path format " + string(format))
	}

	paths := make([]geom.RawPath, 0, len(doc))
	for i, stroke := range doc {
		if len(stroke) == 0 {
			return nil, drawerrors.InvalidInputError("empty stroke").SetContext("stroke", i)
		}
		p := make(geom.RawPath, len(stroke))
		for j, pt := range stroke {
			if len(pt) != 2 {
				return nil, drawerrors.InvalidInputError("point needs two coordinates").
					SetContext("stroke", i).SetContext("point", j)
			}
			p[j] = geom.Vec{X: pt[0], Y: pt[1]}
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// EncodeRaw writes strokes in the raw file shape.
func EncodeRaw(w io.Writer, paths []geom.RawPath, format Format) error {
	doc := make([][][]float64, len(paths))
	for i, p := range paths {
		doc[i] = make([][]float64, len(p))
		for j, v := range p {
			doc[i][j] = []float64{v.X, v.Y}
		}
	}
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(doc); err != nil {
			return errors.Wrap(err, "encode yaml strokes")
		}
		return errors.Wrap(enc.Close(), "encode yaml strokes")
	case FormatJSON:
		return errors.Wrap(json.NewEncoder(w).Encode(doc), "encode json strokes")
	}
	return drawerrors.InvalidInputError("unknown raw path format " + string(format))
}

// WriteNormalized writes paths as indented JSON, one list of point records
// per path, in the streaming record layout.
func WriteNormalized(w io.Writer, paths []motion.NormalizedPath) error {
	doc := make([][]stream.Record, len(paths))
	for i, p := range paths {
		doc[i] = stream.NewFrame("", uint64(i), p).Points
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(doc), "encode normalized paths")
}

// SaveNormalized writes paths to a file.
func SaveNormalized(path string, paths []motion.NormalizedPath) error {
	var buf bytes.Buffer
	if err := WriteNormalized(&buf, paths); err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(path, buf.Bytes(), 0o644), "save normalized paths")
}

// ReadNormalized parses what WriteNormalized produced. Records without a
// pen state get it inferred the way stream subscribers do.
func ReadNormalized(r io.Reader) ([]motion.NormalizedPath, error) {
	var doc [][]stream.Record
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, drawerrors.Wrap(err, drawerrors.ErrInvalidInput, "decode normalized paths")
	}
	out := make([]motion.NormalizedPath, 0, len(doc))
	for i, recs := range doc {
		p, err := stream.Frame{Seq: uint64(i), Points: recs}.Path()
		if err != nil {
			return nil, errors.Wrapf(err, "path %d", i)
		}
		out = append(out, p)
	}
	return out, nil
}

// LoadNormalized reads a normalized path file.
func LoadNormalized(path string) ([]motion.NormalizedPath, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open normalized paths")
	}
	defer f.Close()
	return ReadNormalized(f)
}
