// Path streaming between producer and executor processes
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package stream carries whole normalized paths from a producer process to
// an executor process.
//
// Delivery is at-most-once with no acknowledgement and no backpressure. A
// publish with no attached subscriber is dropped, as is a publish that finds
// a subscriber queue full. Subscribers must be attached before paths are
// published; late joiners see nothing earlier. A path counts as published
// once it has been written to a subscriber, and closing a publisher flushes
// what is still queued.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	drawerrors "drawbot-go/pkg/errors"
	"drawbot-go/pkg/log"
	"drawbot-go/pkg/metrics"
	"drawbot-go/pkg/motion"
)

// Backends
const (
	BackendWebsocket = "websocket"
	BackendMQTT      = "mqtt"
)

// Drop reasons
const (
	DropNoSubscriber = "no_subscriber"
	DropQueueFull    = "queue_full"
	DropNotConnected = "not_connected"
	DropUndelivered  = "undelivered"
)

// DefaultHighWaterMark is the per-subscriber queue length.
const DefaultHighWaterMark = 1000

// Config selects and configures a transport.
type Config struct {
	Backend       string        // websocket (default) or mqtt
	Address       string        // publisher bind address, or MQTT broker host:port
	Codec         string        // json (default) or msgpack
	Topic         string        // MQTT topic
	HighWaterMark int           // per-subscriber queue length
	SettleDelay   time.Duration // pause before the first publish

	// Optional
	Metrics *metrics.DrawbotMetrics
}

func (c Config) hwm() int {
	if c.HighWaterMark <= 0 {
		return DefaultHighWaterMark
	}
	return c.HighWaterMark
}

// Publisher sends paths.
type Publisher interface {
	Publish(ctx context.Context, path motion.NormalizedPath) error
	Stats() Stats
	Close() error
}

// Subscriber receives paths. Receive blocks until a path arrives, the
// transport fails or ctx is done.
type Subscriber interface {
	Receive(ctx context.Context) (motion.NormalizedPath, error)
	Close() error
}

// Stats counts publisher activity.
type Stats struct {
	Published uint64
	Dropped   uint64
}

// counters is shared bookkeeping for publishers and subscribers.
type counters struct {
	batch     string
	seq       atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
	m         *metrics.DrawbotMetrics
	logger    *log.Logger
}

func newCounters(m *metrics.DrawbotMetrics, logger *log.Logger) *counters {
	return &counters{batch: uuid.NewString(), m: m, logger: logger}
}

func (c *counters) frame(path motion.NormalizedPath) Frame {
	return NewFrame(c.batch, c.seq.Add(1), path)
}

func (c *counters) sent() {
	c.published.Add(1)
	if c.m != nil {
		c.m.StreamPublished.Inc(nil)
	}
}

func (c *counters) drop(reason string, seq uint64) {
	c.dropped.Add(1)
	if c.m != nil {
		c.m.RecordStreamDrop(reason)
	}
	c.logger.WithFields(log.Fields{"batch": c.batch, "seq": seq, "reason": reason}).Debug("path dropped")
}

func (c *counters) received() {
	if c.m != nil {
		c.m.StreamReceived.Inc(nil)
	}
}

func (c *counters) stats() Stats {
	return Stats{Published: c.published.Load(), Dropped: c.dropped.Load()}
}

// inbox is a bounded receive queue that drops on overflow.
type inbox struct {
	ch        chan motion.NormalizedPath
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newInbox(size int) *inbox {
	return &inbox{ch: make(chan motion.NormalizedPath, size), done: make(chan struct{})}
}

// offer queues p without blocking and reports whether it fit.
func (b *inbox) offer(p motion.NormalizedPath) bool {
	select {
	case b.ch <- p:
		return true
	default:
		return false
	}
}

// fail ends the stream with err; the first error wins.
func (b *inbox) fail(err error) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(b.done)
	})
}

func (b *inbox) receive(ctx context.Context) (motion.NormalizedPath, error) {
	select {
	case p := <-b.ch:
		return p, nil
	default:
	}
	select {
	case p := <-b.ch:
		return p, nil
	case <-ctx.Done():
		return nil, drawerrors.CancelledError("receive", ctx.Err())
	case <-b.done:
		b.mu.Lock()
		defer b.mu.Unlock()
		return nil, b.err
	}
}

// NewPublisher opens the configured publisher.
func NewPublisher(ctx context.Context, cfg Config) (Publisher, error) {
	codec, err := CodecByName(cfg.Codec)
	if err != nil {
		return nil, drawerrors.StreamError("publisher", err)
	}
	switch cfg.Backend {
	case "", BackendWebsocket:
		return ListenWS(cfg.Address, codec, cfg)
	case BackendMQTT:
		client, err := ConnectMQTT(ctx, cfg.Address, "drawbot-pub", nil)
		if err != nil {
			return nil, err
		}
		return NewMQTTPublisher(client, codec, cfg), nil
	}
	return nil, drawerrors.StreamError("publisher", fmt.Errorf("unknown backend %q", cfg.Backend))
}

// NewSubscriber opens the configured subscriber.
func NewSubscriber(ctx context.Context, cfg Config) (Subscriber, error) {
	codec, err := CodecByName(cfg.Codec)
	if err != nil {
		return nil, drawerrors.StreamError("subscriber", err)
	}
	switch cfg.Backend {
	case "", BackendWebsocket:
		return DialWS(ctx, cfg.Address, codec, cfg)
	case BackendMQTT:
		return DialMQTT(ctx, cfg.Address, codec, cfg)
	}
	return nil, drawerrors.StreamError("subscriber", fmt.Errorf("unknown backend %q", cfg.Backend))
}

// PublishAll waits settle for subscribers to attach, then publishes every
// path in order.
func PublishAll(ctx context.Context, pub Publisher, paths []motion.NormalizedPath, settle time.Duration) error {
	if settle > 0 {
		t := time.NewTimer(settle)
		select {
		case <-ctx.Done():
			t.Stop()
			return drawerrors.CancelledError("settle delay", ctx.Err())
		case <-t.C:
		}
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return drawerrors.CancelledError("publish", err)
		}
		if err := pub.Publish(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
