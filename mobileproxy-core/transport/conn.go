package transport

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/codefionn/mobileproxy/mobileproxy-core/stats"
)

// flushEvery is how many bytes a connection moves between reports.
const flushEvery = 64 * 1024

// trackedConn is a wrapper around net.Conn that reports transferred bytes.
type trackedConn struct {
	net.Conn
	collector     stats.Collector
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	endOnce       sync.Once

	flushMu       sync.Mutex
	flushSent     atomic.Int64
	flushReceived atomic.Int64
}

func newTrackedConn(conn net.Conn, collector stats.Collector) *trackedConn {
	return &trackedConn{Conn: conn, collector: collector}
}

// Read reads data from the connection, tracking the number of bytes received.
func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		if c.bytesReceived.Add(int64(n))-c.flushReceived.Load() >= flushEvery {
			c.flush()
		}
	}
	return n, err
}

// Write writes data to the connection, tracking the number of bytes sent.
func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		if c.bytesSent.Add(int64(n))-c.flushSent.Load() >= flushEvery {
			c.flush()
		}
	}
	return n, err
}

// Close closes the connection and reports the unreported bytes once.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.endOnce.Do(c.flush)
	return err
}

// flush reports the deltas since the last flush.
func (c *trackedConn) flush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	sent := c.bytesSent.Load()
	received := c.bytesReceived.Load()
	prevSent := c.flushSent.Swap(sent)
	prevReceived := c.flushReceived.Swap(received)
	if sent > prevSent || received > prevReceived {
		c.collector.RecordDataTransfer(sent-prevSent, received-prevReceived)
	}
}
