package rpc

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/xtfs/internal/logger"
	oncrpc "github.com/marmos91/xtfs/internal/protocol/rpc"
	"github.com/marmos91/xtfs/pkg/fault"
)

// response is what the reader hands to a waiting call.
type response struct {
	reply *oncrpc.ReplyMessage
	body  []byte
	err   error
}

// clientConn is one TCP connection to an endpoint, shared by all calls to
// that endpoint.
//
// Lifecycle:
//  1. adopt registers the connection and starts readLoop
//  2. calls register an XID, write their record and wait for a response
//  3. close (on read error, idle timeout or client shutdown) fails every
//     pending call with the same fault and removes the connection
type clientConn struct {
	client   *Client
	endpoint string
	nc       net.Conn

	// writeMu serializes record writes so records never interleave.
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint32]chan<- response
	closed   bool
	closeErr error

	// lastUsed is a unix nano timestamp of the last send or receive.
	lastUsed atomic.Int64
}

func newClientConn(client *Client, endpoint string, nc net.Conn) *clientConn {
	conn := &clientConn{
		client:   client,
		endpoint: endpoint,
		nc:       nc,
		pending:  make(map[uint32]chan<- response),
	}
	conn.touch()
	return conn
}

func (c *clientConn) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

// idleSince returns how long the connection has been unused. A connection
// with calls in flight is never idle.
func (c *clientConn) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	busy := len(c.pending) > 0
	c.mu.Unlock()
	if busy {
		return 0
	}
	return now.Sub(time.Unix(0, c.lastUsed.Load()))
}

func (c *clientConn) register(xid uint32, ch chan<- response) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.closeErr
	}
	c.pending[xid] = ch
	return nil
}

// unregister forgets xid. A reply arriving later is dropped as unknown.
func (c *clientConn) unregister(xid uint32) {
	c.mu.Lock()
	delete(c.pending, xid)
	c.mu.Unlock()
}

func (c *clientConn) send(record []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(timeout))
	}
	if _, err := c.nc.Write(record); err != nil {
		logger.Debug("Write to %s failed: %v", c.endpoint, err)
		closeErr := fault.NewIO("server closed connection")
		c.close(closeErr)
		return c.err(closeErr)
	}
	c.touch()
	return nil
}

// err returns the fault the connection was closed with, or fallback.
func (c *clientConn) err(fallback error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return fallback
}

// readLoop delivers replies to waiting calls until the connection fails.
func (c *clientConn) readLoop() {
	for {
		record, err := oncrpc.ReadRecord(c.nc, c.client.config.MaxRecordSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("Read from %s failed: %v", c.endpoint, err)
			}
			c.close(fault.NewIO("server closed connection"))
			return
		}
		c.touch()

		reply, body, err := oncrpc.ReadReply(record)
		if err != nil {
			logger.Warn("Invalid reply from %s: %v", c.endpoint, err)
			c.close(fault.NewIOf("invalid reply from server '%s': %v", c.endpoint, err))
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[reply.XID]
		delete(c.pending, reply.XID)
		c.mu.Unlock()

		if !ok {
			logger.Warn("Received reply for unknown request with XID %d from %s", reply.XID, c.endpoint)
			c.client.metrics.RecordDroppedReply()
			continue
		}
		ch <- response{reply: reply, body: body}
	}
}

// close fails every pending call with err and shuts the socket. Only the
// first call has an effect.
func (c *clientConn) close(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[uint32]chan<- response)
	c.mu.Unlock()

	c.client.forget(c)
	_ = c.nc.Close()

	if len(pending) > 0 {
		logger.Debug("Failing %d pending request(s) to %s: %v", len(pending), c.endpoint, err)
	}
	for _, ch := range pending {
		ch <- response{err: err}
	}
}
