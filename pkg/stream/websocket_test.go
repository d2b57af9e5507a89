package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	drawerrors "drawbot-go/pkg/errors"
	"drawbot-go/pkg/metrics"
	"drawbot-go/pkg/motion"
)

func startPublisher(t *testing.T, cfg Config) *WSPublisher {
	t.Helper()
	codec, err := CodecByName(cfg.Codec)
	require.NoError(t, err)
	pub, err := ListenWS("127.0.0.1:0", codec, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() })
	return pub
}

func attach(t *testing.T, pub *WSPublisher, cfg Config, want int) Subscriber {
	t.Helper()
	cfg.Address = pub.Addr()
	sub, err := NewSubscriber(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	require.Eventually(t, func() bool { return pub.Subscribers() == want },
		2*time.Second, 5*time.Millisecond)
	return sub
}

func receive(t *testing.T, sub Subscriber) motion.NormalizedPath {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := sub.Receive(ctx)
	require.NoError(t, err)
	return p
}

func TestWebsocketDeliversInOrder(t *testing.T) {
	for _, codec := range []string{"json", "msgpack"} {
		t.Run(codec, func(t *testing.T) {
			m := metrics.NewDrawbotMetrics()
			cfg := Config{Codec: codec, Metrics: m}
			pub := startPublisher(t, cfg)
			sub := attach(t, pub, cfg, 1)

			first := samplePath()
			second := samplePath()[:2]
			require.NoError(t, pub.Publish(context.Background(), first))
			require.NoError(t, pub.Publish(context.Background(), second))

			assert.Equal(t, first, receive(t, sub))
			assert.Equal(t, second, receive(t, sub))
			// delivery is counted once the write completes
			require.Eventually(t, func() bool { return pub.Stats() == Stats{Published: 2} },
				2*time.Second, 5*time.Millisecond)
			assert.Equal(t, uint64(2), m.StreamPublished.Get(nil))
			assert.Equal(t, uint64(2), m.StreamReceived.Get(nil))
		})
	}
}

func TestPublishWithoutSubscriberIsDropped(t *testing.T) {
	m := metrics.NewDrawbotMetrics()
	pub := startPublisher(t, Config{Metrics: m})

	require.NoError(t, pub.Publish(context.Background(), samplePath()))
	assert.Equal(t, Stats{Dropped: 1}, pub.Stats())
	assert.Equal(t, uint64(1), m.StreamDropped.Get(metrics.Labels{"reason": DropNoSubscriber}))

	// a late joiner sees nothing published before it attached
	sub := attach(t, pub, Config{}, 1)
	require.NoError(t, pub.Publish(context.Background(), samplePath()[:3]))
	assert.Len(t, receive(t, sub), 3)
}

func TestFanOutToEverySubscriber(t *testing.T) {
	pub := startPublisher(t, Config{})
	a := attach(t, pub, Config{}, 1)
	b := attach(t, pub, Config{}, 2)

	require.NoError(t, pub.Publish(context.Background(), samplePath()))
	assert.Equal(t, samplePath(), receive(t, a))
	assert.Equal(t, samplePath(), receive(t, b))
}

func TestSubscriberQueueOverflowDrops(t *testing.T) {
	pub := startPublisher(t, Config{})
	sub := attach(t, pub, Config{HighWaterMark: 2}, 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, pub.Publish(context.Background(), samplePath()[:i+1]))
	}
	ws := sub.(*WSSubscriber)
	require.Eventually(t, func() bool {
		return ws.c.stats().Dropped+uint64(len(ws.in.ch)) == 5
	}, 2*time.Second, 5*time.Millisecond)

	// the oldest paths survive, later ones were dropped
	assert.Len(t, receive(t, sub), 1)
	assert.Len(t, receive(t, sub), 2)
	assert.Equal(t, uint64(3), ws.c.stats().Dropped)
}

func TestReceiveCancelled(t *testing.T) {
	pub := startPublisher(t, Config{})
	sub := attach(t, pub, Config{}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Receive(ctx)
	assert.True(t, drawerrors.IsCancelled(err), "got %v", err)
}

func TestPublisherCloseEndsSubscription(t *testing.T) {
	pub := startPublisher(t, Config{})
	sub := attach(t, pub, Config{}, 1)
	require.NoError(t, pub.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := sub.Receive(ctx)
	assert.True(t, drawerrors.Is(err, drawerrors.ErrStream), "got %v", err)
}

func TestPublishAllSettlesFirst(t *testing.T) {
	pub := startPublisher(t, Config{})
	cfg := Config{Address: pub.Addr()}

	// attach while PublishAll is settling
	done := make(chan error, 1)
	go func() {
		done <- PublishAll(context.Background(), pub, []motion.NormalizedPath{samplePath()}, 300*time.Millisecond)
	}()
	sub, err := NewSubscriber(context.Background(), cfg)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, samplePath(), receive(t, sub))
	require.NoError(t, <-done)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = PublishAll(ctx, pub, []motion.NormalizedPath{samplePath()}, time.Second)
	assert.True(t, drawerrors.IsCancelled(err))
}

func TestDialFailure(t *testing.T) {
	pub := startPublisher(t, Config{})
	addr := pub.Addr()
	require.NoError(t, pub.Close())

	_, err := NewSubscriber(context.Background(), Config{Address: addr})
	assert.True(t, drawerrors.Is(err, drawerrors.ErrStream), "got %v", err)

	_, err = NewSubscriber(context.Background(), Config{Backend: "zeromq", Address: addr})
	assert.Error(t, err)
}

func TestCloseFlushesQueuedPaths(t *testing.T) {
	const n = 300
	pub := startPublisher(t, Config{})
	sub := attach(t, pub, Config{HighWaterMark: n}, 1)

	paths := make([]motion.NormalizedPath, n)
	for i := range paths {
		paths[i] = samplePath()
	}
	require.NoError(t, PublishAll(context.Background(), pub, paths, 0))
	require.NoError(t, pub.Close())

	got := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := sub.Receive(ctx)
		cancel()
		if err != nil {
			assert.True(t, drawerrors.Is(err, drawerrors.ErrStream), "got %v", err)
			break
		}
		got++
	}
	assert.Equal(t, n, got)
	assert.Equal(t, Stats{Published: n}, pub.Stats())
}

func TestCloseCountsUndeliveredPaths(t *testing.T) {
	pub := startPublisher(t, Config{})
	attach(t, pub, Config{}, 1)

	pub.clientsMu.RLock()
	var c *wsClient
	for _, cl := range pub.clients {
		c = cl
	}
	pub.clientsMu.RUnlock()
	require.NotNil(t, c)

	// the link is gone before the queue is flushed
	c.conn.Close()
	require.NoError(t, pub.Publish(context.Background(), samplePath()))
	require.NoError(t, pub.Close())

	require.Eventually(t, func() bool { return pub.Stats() == Stats{Dropped: 1} },
		2*time.Second, 5*time.Millisecond)
}
