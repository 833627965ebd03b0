// Package stream runs caller-facing request streams. A stream looks up its
// route when headers are sent, performs the exchange on an engine goroutine
// and reports progress through callbacks delivered on the caller's executor.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/executor"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	"github.com/codefionn/mobileproxy/mobileproxy-core/routes"
	"github.com/codefionn/mobileproxy/mobileproxy-core/stats"
	"github.com/codefionn/mobileproxy/mobileproxy-core/transport"
	"github.com/google/uuid"
)

// RouteLookup finds the route for a request. *routes.Table implements it.
type RouteLookup interface {
	Lookup(input routes.Input) (routes.Route, bool)
}

// Options configures a Client.
type Options struct {
	Routes    RouteLookup
	Transport transport.RoundTripper
	Collector stats.Collector
}

// Client creates streams and tracks the ones in flight.
type Client struct {
	routes    RouteLookup
	transport transport.RoundTripper
	collector stats.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[string]*Stream
	closed  bool
}

// NewClient creates a stream client.
func NewClient(opts Options) *Client {
	collector := opts.Collector
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		routes:    opts.Routes,
		transport: opts.Transport,
		collector: collector,
		ctx:       ctx,
		cancel:    cancel,
		streams:   make(map[string]*Stream),
	}
}

// NewStream creates a stream whose callbacks run on exec. A nil exec runs
// each callback batch on a new goroutine. exec must outlive the stream; a
// stream whose executor refuses its terminal callback is cancelled.
func (c *Client) NewStream(callbacks Callbacks, exec executor.Executor) *Stream {
	ctx, cancel := context.WithCancel(c.ctx)
	return &Stream{
		id:        uuid.NewString(),
		client:    c,
		callbacks: callbacks,
		queue:     executor.NewQueue(exec),
		ctx:       ctx,
		cancelCtx: cancel,
	}
}

// NewStreamPrototype starts a fluent stream definition.
func (c *Client) NewStreamPrototype() *StreamPrototype {
	return &StreamPrototype{client: c}
}

// ActiveStreams returns the number of started streams that have not ended.
func (c *Client) ActiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close cancels every stream in flight and rejects new ones. Streams whose
// terminal callback is already scheduled still receive it, along with the
// callbacks queued before it, if that happens within wait; callbacks
// already running are waited for until wait elapses. No callback starts
// after Close returns.
func (c *Client) Close(wait time.Duration) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = make(map[string]*Stream)
	c.mu.Unlock()

	actions := make([]closeAction, len(streams))
	cancelled := 0
	for i, s := range streams {
		actions[i] = s.shutdown()
		if actions[i] == closeStopped {
			cancelled++
		}
	}
	c.cancel()

	deadline := time.Now().Add(wait)
	for i, s := range streams {
		s.settle(actions[i], time.Until(deadline))
	}
	logger.Debug("Stream client closed, %d streams cancelled", cancelled)
}

func (c *Client) register(s *Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.streams[s.id] = s
	return true
}

func (c *Client) unregister(s *Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, s.id)
}
