// Client for the remote line-art conversion service
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package lineart is a client for the remote image service that turns a
// portrait photo into line art. The service is a queue-based node workflow
// server: an image is uploaded, a workflow template referencing it is
// queued, the queue is polled until the job leaves it, and the output image
// named in the job history is downloaded.
package lineart

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"

	drawerrors "drawbot-go/pkg/errors"
	"drawbot-go/pkg/log"
)

const (
	DefaultImageNode    = "5"
	DefaultOutputNode   = "64"
	DefaultPollInterval = 5 * time.Second
)

// Config configures a Client.
type Config struct {
	URL          string // base URL, e.g. http://10.0.0.2:8188
	ImageNode    string // workflow node whose "image" input receives the upload
	OutputNode   string // workflow node whose first image is the result
	PollInterval time.Duration
	MaxDimension uint // downscale uploads so neither side exceeds this, 0 disables
	HTTPClient   *http.Client
}

// Workflow is a workflow template in the service's API format: node id to
// node object.
type Workflow map[string]interface{}

// LoadWorkflow reads a workflow template from a JSON file.
func LoadWorkflow(path string) (Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, drawerrors.LineArtError("read workflow", err)
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, drawerrors.LineArtError("parse workflow "+path, err)
	}
	return wf, nil
}

// WithImage returns a copy of wf whose node's "image" input is set to name.
func (wf Workflow) WithImage(node, name string) (Workflow, error) {
	data, err := json.Marshal(wf)
	if err != nil {
		return nil, errors.Wrap(err, "copy workflow")
	}
	var out Workflow
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "copy workflow")
	}
	n, ok := out[node].(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("workflow has no node %q", node)
	}
	inputs, ok := n["inputs"].(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("workflow node %q has no inputs", node)
	}
	inputs["image"] = name
	return out, nil
}

// Client talks to one service instance.
type Client struct {
	cfg      Config
	base     *url.URL
	http     *http.Client
	clientID string
	logger   *log.Logger
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, drawerrors.LineArtError("invalid service url "+cfg.URL, err)
	}
	if cfg.ImageNode == "" {
		cfg.ImageNode = DefaultImageNode
	}
	if cfg.OutputNode == "" {
		cfg.OutputNode = DefaultOutputNode
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		cfg:      cfg,
		base:     base,
		http:     hc,
		clientID: uuid.NewString(),
		logger:   log.GetLogger("lineart"),
	}, nil
}

func (c *Client) endpoint(p string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + p
	return u.String()
}

// do sends req and returns the body of a 200 response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	res, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("%s %s: status %d: %s",
			req.Method, req.URL.Path, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *Client) getJSON(ctx context.Context, p string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(p), nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	return errors.Wrapf(json.Unmarshal(body, v), "decode %s", p)
}

// Upload stores an image on the service and returns the name it was saved
// under.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", name)
	if err != nil {
		return "", errors.Wrap(err, "build upload")
	}
	if _, err := io.Copy(fw, r); err != nil {
		return "", errors.Wrap(err, "build upload")
	}
	mw.WriteField("type", "input")
	mw.WriteField("overwrite", "true")
	if err := mw.Close(); err != nil {
		return "", errors.Wrap(err, "build upload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload/image"), &buf)
	if err != nil {
		return "", errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	var res struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", errors.Wrap(err, "decode upload response")
	}
	if res.Name == "" {
		return "", errors.New("upload response has no name")
	}
	c.logger.WithField("name", res.Name).Info("image uploaded")
	return res.Name, nil
}

// Queue submits a workflow and returns its prompt id.
func (c *Client) Queue(ctx context.Context, wf Workflow) (string, error) {
	data, err := json.Marshal(map[string]interface{}{"prompt": wf, "client_id": c.clientID})
	if err != nil {
		return "", errors.Wrap(err, "encode prompt")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/prompt"), bytes.NewReader(data))
	if err != nil {
		return "", errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	var res struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", errors.Wrap(err, "decode prompt response")
	}
	if res.PromptID == "" {
		return "", errors.New("prompt response has no prompt_id")
	}
	c.logger.WithField("prompt_id", res.PromptID).Info("prompt queued")
	return res.PromptID, nil
}

// queueState is the /queue document. Items are arrays whose second element
// is the prompt id.
type queueState struct {
	Pending [][]interface{} `json:"queue_pending"`
	Running [][]interface{} `json:"queue_running"`
}

func position(items [][]interface{}, id string) int {
	for i, it := range items {
		if len(it) > 1 {
			if s, ok := it[1].(string); ok && s == id {
				return i
			}
		}
	}
	return -1
}

// Wait polls the queue until promptID is neither pending nor running. A
// failed poll is logged and retried on the next tick.
func (c *Client) Wait(ctx context.Context, promptID string) error {
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	logger := c.logger.WithField("prompt_id", promptID)
	for {
		select {
		case <-ctx.Done():
			return drawerrors.CancelledError("line-art wait", ctx.Err())
		case <-t.C:
		}

		var q queueState
		if err := c.getJSON(ctx, "/queue", &q); err != nil {
			if ctx.Err() != nil {
				return drawerrors.CancelledError("line-art wait", ctx.Err())
			}
			logger.WithError(err).Warn("queue poll failed")
			continue
		}
		if pos := position(q.Pending, promptID); pos >= 0 {
			logger.Info("pending at position %d of %d, %d running", pos+1, len(q.Pending), len(q.Running))
			continue
		}
		if position(q.Running, promptID) >= 0 {
			logger.Info("running, %d pending", len(q.Pending))
			continue
		}
		return nil
	}
}

// OutputName reads the job history and returns the file name of the first
// image produced by the output node.
func (c *Client) OutputName(ctx context.Context, promptID string) (string, error) {
	var hist map[string]struct {
		Outputs map[string]struct {
			Images []struct {
				Filename string `json:"filename"`
			} `json:"images"`
		} `json:"outputs"`
	}
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), &hist); err != nil {
		return "", err
	}
	job, ok := hist[promptID]
	if !ok {
		return "", errors.Errorf("no history for prompt %s", promptID)
	}
	out, ok := job.Outputs[c.cfg.OutputNode]
	if !ok || len(out.Images) == 0 || out.Images[0].Filename == "" {
		return "", errors.Errorf("prompt %s: node %s produced no image", promptID, c.cfg.OutputNode)
	}
	return out.Images[0].Filename, nil
}

// Download copies an output image to w.
func (c *Client) Download(ctx context.Context, filename string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/output/"+url.PathEscape(filename)), nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	_, err = w.Write(body)
	return errors.Wrap(err, "write output")
}

// Downscale decodes a PNG or JPEG and, when either side exceeds maxDim,
// shrinks it preserving aspect ratio. The result is always PNG.
func Downscale(r io.Reader, maxDim uint) ([]byte, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	if maxDim > 0 {
		img = resize.Thumbnail(maxDim, maxDim, img, resize.Lanczos3)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.Wrap(err, "encode image")
	}
	return buf.Bytes(), nil
}

// Convert runs the whole flow for one photo and writes the line art into
// outDir. It returns the path of the saved file.
func (c *Client) Convert(ctx context.Context, imagePath string, wf Workflow, outDir string) (string, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return "", drawerrors.LineArtError("open image", err)
	}
	defer f.Close()

	name := filepath.Base(imagePath)
	var src io.Reader = f
	if c.cfg.MaxDimension > 0 {
		data, err := Downscale(f, c.cfg.MaxDimension)
		if err != nil {
			return "", drawerrors.LineArtError("downscale "+name, err)
		}
		src = bytes.NewReader(data)
		name = strings.TrimSuffix(name, filepath.Ext(name)) + ".png"
	}

	uploaded, err := c.Upload(ctx, name, src)
	if err != nil {
		return "", c.fail(ctx, "upload", err)
	}
	patched, err := wf.WithImage(c.cfg.ImageNode, uploaded)
	if err != nil {
		return "", drawerrors.LineArtError("patch workflow", err)
	}
	id, err := c.Queue(ctx, patched)
	if err != nil {
		return "", c.fail(ctx, "queue", err)
	}
	if err := c.Wait(ctx, id); err != nil {
		return "", err
	}
	outName, err := c.OutputName(ctx, id)
	if err != nil {
		return "", c.fail(ctx, "history", err)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", drawerrors.LineArtError("create output dir", err)
	}
	dst := filepath.Join(outDir, filepath.Base(outName))
	var buf bytes.Buffer
	if err := c.Download(ctx, outName, &buf); err != nil {
		return "", c.fail(ctx, "download", err)
	}
	if err := os.WriteFile(dst, buf.Bytes(), 0o644); err != nil {
		return "", drawerrors.LineArtError("save output", err)
	}
	c.logger.WithField("file", dst).Info("line art saved")
	return dst, nil
}

func (c *Client) fail(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil {
		return drawerrors.CancelledError("line-art "+step, ctx.Err())
	}
	return drawerrors.LineArtError(fmt.Sprintf("%s failed", step), err)
}
