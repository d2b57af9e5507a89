// Websocket path publisher and subscriber
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package stream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	drawerrors "drawbot-go/pkg/errors"
	"drawbot-go/pkg/log"
	"drawbot-go/pkg/motion"
)

// PathsEndpoint is the websocket route of the publisher.
const PathsEndpoint = "/paths"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 16 << 20
)

// WSPublisher is an HTTP server that fans paths out to websocket
// subscribers.
type WSPublisher struct {
	codec  Codec
	hwm    int
	logger *log.Logger
	c      *counters

	ln       net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[int64]*wsClient
	closed    bool
	nextID    int64

	closeOnce sync.Once
}

// wsClient is one attached subscriber with its bounded send queue.
type wsClient struct {
	id       int64
	conn     *websocket.Conn
	pub      *WSPublisher
	sendCh   chan *outgoing
	draining chan struct{} // closed by Close: flush the queue, then leave
	stopped  chan struct{} // closed when writePump returns
	done     chan struct{}
	mu       sync.Mutex
}

// outgoing is one encoded path queued for one or more subscribers. It
// counts as published once any subscriber has been sent it.
type outgoing struct {
	data      []byte
	seq       uint64
	delivered atomic.Bool
}

// ListenWS binds addr and starts serving subscribers.
func ListenWS(addr string, codec Codec, cfg Config) (*WSPublisher, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, drawerrors.StreamError("bind "+addr, err)
	}
	logger := log.GetLogger("stream")
	p := &WSPublisher{
		codec:   codec,
		hwm:     cfg.hwm(),
		logger:  logger,
		c:       newCounters(cfg.Metrics, logger),
		ln:      ln,
		clients: make(map[int64]*wsClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(PathsEndpoint, p.handleWebSocket)
	p.server = &http.Server{Handler: mux}

	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.WithError(err).Error("publisher server stopped")
		}
	}()
	p.logger.WithFields(log.Fields{"codec": codec.Name(), "batch": p.c.batch}).
		Info("publishing on ws://%s%s", ln.Addr(), PathsEndpoint)
	return p, nil
}

// Addr returns the bound address.
func (p *WSPublisher) Addr() string {
	return p.ln.Addr().String()
}

// Subscribers returns the number of attached subscribers.
func (p *WSPublisher) Subscribers() int {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	return len(p.clients)
}

// Stats returns publish counters.
func (p *WSPublisher) Stats() Stats {
	return p.c.stats()
}

// Publish encodes path once and queues it for every subscriber. It never
// blocks on a slow subscriber.
func (p *WSPublisher) Publish(ctx context.Context, path motion.NormalizedPath) error {
	f := p.c.frame(path)
	data, err := p.codec.Encode(f)
	if err != nil {
		return drawerrors.StreamError("encode path", err)
	}

	p.clientsMu.RLock()
	clients := make([]*wsClient, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clientsMu.RUnlock()

	if len(clients) == 0 {
		p.c.drop(DropNoSubscriber, f.Seq)
		return nil
	}
	out := &outgoing{data: data, seq: f.Seq}
	for _, c := range clients {
		if !c.send(out) {
			p.c.drop(DropQueueFull, f.Seq)
		}
	}
	return nil
}

// delivered records a successful write of out.
func (p *WSPublisher) delivered(out *outgoing) {
	if out.delivered.CompareAndSwap(false, true) {
		p.c.sent()
	}
}

// Close flushes every subscriber queue, bounded by writeWait, sends a
// normal close frame and stops the server. Paths still queued when a
// subscriber cannot keep up are counted as dropped.
func (p *WSPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.clientsMu.Lock()
		clients := make([]*wsClient, 0, len(p.clients))
		for _, c := range p.clients {
			clients = append(clients, c)
		}
		p.clients = make(map[int64]*wsClient)
		p.closed = true
		p.clientsMu.Unlock()

		for _, c := range clients {
			close(c.draining)
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeWait+time.Second)
		defer cancel()
		for _, c := range clients {
			select {
			case <-c.stopped:
			case <-ctx.Done():
				p.logger.Warn("subscriber %d did not drain in time", c.id)
				c.close()
				<-c.stopped
			}
		}
		err = p.server.Close()
	})
	return err
}

func (p *WSPublisher) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.WithError(err).Warn("websocket upgrade")
		return
	}
	c := &wsClient{
		id:       atomic.AddInt64(&p.nextID, 1),
		conn:     conn,
		pub:      p,
		sendCh:   make(chan *outgoing, p.hwm),
		draining: make(chan struct{}),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.clientsMu.Lock()
	if p.closed {
		p.clientsMu.Unlock()
		conn.Close()
		return
	}
	p.clients[c.id] = c
	p.clientsMu.Unlock()
	p.logger.Info("subscriber %d attached from %s", c.id, r.RemoteAddr)

	go c.writePump()
	c.readPump()
}

func (p *WSPublisher) removeClient(c *wsClient) {
	p.clientsMu.Lock()
	delete(p.clients, c.id)
	p.clientsMu.Unlock()
	p.logger.Info("subscriber %d detached", c.id)
}

// send queues out, reporting false when the queue is full or the
// subscriber is leaving.
func (c *wsClient) send(out *outgoing) bool {
	select {
	case <-c.done:
		return false
	case <-c.draining:
		return false
	default:
	}
	select {
	case c.sendCh <- out:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

// readPump only watches for the subscriber going away.
func (c *wsClient) readPump() {
	defer func() {
		c.pub.removeClient(c)
		c.close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.pub.logger.WithError(err).Debug("subscriber %d read", c.id)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.discard()
		close(c.stopped)
	}()
	for {
		select {
		case out := <-c.sendCh:
			if !c.write(out, time.Now().Add(writeWait)) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.draining:
			c.flush()
			return
		case <-c.done:
			return
		}
	}
}

// write sends one queued path and reports whether the link is still usable.
func (c *wsClient) write(out *outgoing, deadline time.Time) bool {
	msgType := websocket.TextMessage
	if c.pub.codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(msgType, out.data); err != nil {
		c.pub.logger.WithError(err).Warn("subscriber %d write", c.id)
		c.pub.c.drop(DropUndelivered, out.seq)
		return false
	}
	c.pub.delivered(out)
	return true
}

// flush writes everything still queued, then says goodbye.
func (c *wsClient) flush() {
	deadline := time.Now().Add(writeWait)
	for {
		select {
		case out := <-c.sendCh:
			if !c.write(out, deadline) {
				return
			}
		case <-c.done:
			return
		default:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// discard counts whatever the subscriber never got.
func (c *wsClient) discard() {
	for {
		select {
		case out := <-c.sendCh:
			c.pub.c.drop(DropUndelivered, out.seq)
		default:
			return
		}
	}
}

// WSSubscriber receives paths from a WSPublisher.
type WSSubscriber struct {
	conn   *websocket.Conn
	codec  Codec
	in     *inbox
	c      *counters
	logger *log.Logger

	closeOnce sync.Once
}

// DialWS attaches to the publisher at addr.
func DialWS(ctx context.Context, addr string, codec Codec, cfg Config) (*WSSubscriber, error) {
	url := "ws://" + addr + PathsEndpoint
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, drawerrors.CancelledError("subscribe", ctx.Err())
		}
		return nil, drawerrors.StreamError("dial "+url, err)
	}
	logger := log.GetLogger("stream")
	s := &WSSubscriber{
		conn:   conn,
		codec:  codec,
		in:     newInbox(cfg.hwm()),
		c:      newCounters(cfg.Metrics, logger),
		logger: logger,
	}
	conn.SetReadLimit(maxMessage)
	go s.readLoop()
	logger.Info("subscribed to %s", url)
	return s, nil
}

func (s *WSSubscriber) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.in.fail(drawerrors.StreamError("subscription ended", err))
			return
		}
		f, err := s.codec.Decode(data)
		if err != nil {
			s.logger.WithError(err).Warn("discarding undecodable message")
			continue
		}
		path, err := f.Path()
		if err != nil {
			s.logger.WithError(err).WithField("seq", f.Seq).Warn("discarding invalid path")
			continue
		}
		if !s.in.offer(path) {
			s.c.drop(DropQueueFull, f.Seq)
			continue
		}
		s.c.received()
		s.logger.WithFields(log.Fields{"batch": f.Batch, "seq": f.Seq, "points": len(path)}).Debug("path received")
	}
}

// Receive returns the next path.
func (s *WSSubscriber) Receive(ctx context.Context) (motion.NormalizedPath, error) {
	return s.in.receive(ctx)
}

// Close detaches from the publisher.
func (s *WSSubscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
