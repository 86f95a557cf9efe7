// Package rpc provides the ONC RPC client used to talk to xtfs services and
// a small RPC server used to host them (in tests, the fake services).
//
// The client keeps one TCP connection per endpoint and multiplexes any
// number of concurrent calls over it, matching replies to calls by XID.
// Every failure surfaces as a value from pkg/fault: transport problems are
// *fault.IO, remote exceptions are converted by xtfs.ErrorResponse.Fault.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/xtfs/internal/logger"
	oncrpc "github.com/marmos91/xtfs/internal/protocol/rpc"
	"github.com/marmos91/xtfs/internal/protocol/xtfs"
	"github.com/marmos91/xtfs/pkg/fault"
	"github.com/marmos91/xtfs/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxReconnect is the number of dial attempts before an endpoint
	// is reported as not reachable.
	DefaultMaxReconnect = 4

	// timeoutGranularity is how often idle connections are checked.
	timeoutGranularity = 250 * time.Millisecond

	// reconnectBackoff is the pause after the first failed dial; it doubles
	// with every further attempt.
	reconnectBackoff = 50 * time.Millisecond
)

// Outcome labels used for request metrics.
const (
	outcomeOK        = "ok"
	outcomeException = "exception"
	outcomeError     = "error"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
)

// ClientConfig configures a Client.
//
// Default values (applied by NewClient if zero):
//   - ConnectTimeout: 10s
//   - RequestTimeout: 30s
//   - ConnectionTimeout: 10m
//   - MaxReconnect: 4
//   - MaxRecordSize: 16MB
type ClientConfig struct {
	// ConnectTimeout bounds a single dial attempt.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"min=0"`

	// RequestTimeout bounds the time between sending a call and receiving
	// its reply. A call that exceeds it fails with "request timed out".
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=0"`

	// ConnectionTimeout closes a connection that has been idle this long.
	// Must exceed RequestTimeout by at least 500ms.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" validate:"min=0"`

	// MaxReconnect is the number of dial attempts per connection.
	MaxReconnect int `mapstructure:"max_reconnect" validate:"min=0"`

	// MaxRecordSize bounds a reply record.
	MaxRecordSize uint32 `mapstructure:"max_record_size"`
}

// ApplyDefaults fills in zero values.
func (c *ClientConfig) ApplyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 10 * time.Minute
	}
	if c.MaxReconnect == 0 {
		c.MaxReconnect = DefaultMaxReconnect
	}
	if c.MaxRecordSize == 0 {
		c.MaxRecordSize = oncrpc.DefaultMaxRecordSize
	}
}

// Validate checks the relationship between the timeouts.
func (c *ClientConfig) Validate() error {
	if c.RequestTimeout >= c.ConnectionTimeout-2*timeoutGranularity {
		return fmt.Errorf("request timeout (%v) must be smaller than connection timeout (%v) less %v",
			c.RequestTimeout, c.ConnectionTimeout, 2*timeoutGranularity)
	}
	if c.MaxReconnect < 1 {
		return fmt.Errorf("invalid MaxReconnect %d: must be >= 1", c.MaxReconnect)
	}
	return nil
}

// Client is a multiplexing ONC RPC client.
//
// Thread safety:
// All methods are safe for concurrent use.
type Client struct {
	config  ClientConfig
	metrics metrics.RPCMetrics

	// xid is seeded randomly so XIDs from a restarted client do not collide
	// with replies still in flight for the previous one.
	xid atomic.Uint32

	mu     sync.Mutex
	conns  map[string]*clientConn
	closed bool

	dials   singleflight.Group
	pending atomic.Int64

	// ctx bounds background work (dials, readers); cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewClient creates a Client. A nil m disables metrics.
func NewClient(config ClientConfig, m metrics.RPCMetrics) (*Client, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.NewNoopRPCMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:  config,
		metrics: m,
		conns:   make(map[string]*clientConn),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.xid.Store(rand.Uint32N(1_000_000) + 1)

	c.wg.Add(1)
	go c.reapIdle()

	return c, nil
}

// Call sends one request to endpoint and decodes the reply into result.
//
// args and result are XDR-encodable structs; either may be nil.
//
// Returns:
//   - nil on success
//   - the fault carried by a remote exception (possibly *fault.Redirect)
//   - *fault.IO for transport failures, timeouts and malformed replies
//   - ctx.Err() when ctx ends first
func (c *Client) Call(ctx context.Context, endpoint string, program, procedure uint32, args, result any) error {
	name := xtfs.ProcedureName(program, procedure)
	start := time.Now()

	err := c.call(ctx, endpoint, program, procedure, args, result)

	c.metrics.RecordRequest(name, time.Since(start), classify(ctx, err))
	if err != nil {
		logger.Debug("RPC %s to %s failed: %v", name, endpoint, err)
	}
	return err
}

func (c *Client) call(ctx context.Context, endpoint string, program, procedure uint32, args, result any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return errShutdown
	}

	conn, err := c.connection(ctx, endpoint)
	if err != nil {
		return err
	}

	xid := c.xid.Add(1)
	record, err := oncrpc.EncodeCall(xid, program, xtfs.ProgramVersion, procedure, args)
	if err != nil {
		return fault.NewIOf("cannot encode request %s: %v", xtfs.ProcedureName(program, procedure), err)
	}

	replies := make(chan response, 1)
	if err := conn.register(xid, replies); err != nil {
		return err
	}
	c.setPending(1)
	defer c.setPending(-1)

	if err := conn.send(record, c.config.RequestTimeout); err != nil {
		conn.unregister(xid)
		return err
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-replies:
		if resp.err != nil {
			return resp.err
		}
		return decodeReply(resp.reply, resp.body, result)

	case <-timer.C:
		conn.unregister(xid)
		return errTimedOut

	case <-ctx.Done():
		conn.unregister(xid)
		return ctx.Err()
	}
}

// decodeReply turns an accepted or denied reply into a result or a fault.
func decodeReply(reply *oncrpc.ReplyMessage, body []byte, result any) error {
	if reply.ReplyState == oncrpc.MsgDenied {
		if reply.RejectStat == oncrpc.RejectRPCMismatch {
			return fault.NewIOf("server rejected call: RPC version mismatch (supports %d-%d)",
				reply.MismatchLow, reply.MismatchHigh)
		}
		return fault.NewIO("server rejected call: authentication error")
	}

	switch reply.AcceptStat {
	case oncrpc.AcceptSuccess:
		if result == nil {
			return nil
		}
		if err := oncrpc.Decode(body, result); err != nil {
			return fault.NewIOf("invalid response from server: %v", err)
		}
		return nil

	case oncrpc.AcceptException:
		var exception xtfs.ErrorResponse
		if err := oncrpc.Decode(body, &exception); err != nil {
			return fault.NewIOf("invalid exception payload from server: %v", err)
		}
		return exception.Fault()

	case oncrpc.AcceptProgUnavail:
		return fault.NewIO("server does not export the requested program")
	case oncrpc.AcceptProgMismatch:
		return fault.NewIOf("server does not support program version (supports %d-%d)",
			reply.MismatchLow, reply.MismatchHigh)
	case oncrpc.AcceptProcUnavail:
		return fault.NewIO("server does not support the requested procedure")
	case oncrpc.AcceptGarbageArgs:
		return fault.NewIO("server could not decode the request arguments")
	case oncrpc.AcceptSystemErr:
		return fault.NewIO("server reported a system error")
	default:
		return fault.NewIOf("server sent invalid accept status %d", reply.AcceptStat)
	}
}

func classify(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return outcomeCancelled
	case err == errTimedOut:
		return outcomeTimeout
	}
	if f, ok := fault.As(err); ok && f.Kind() != fault.KindIO {
		return outcomeException
	}
	if _, ok := fault.AsRedirect(err); ok {
		return outcomeException
	}
	return outcomeError
}

// connection returns the live connection to endpoint, dialing if needed.
// Concurrent callers for the same endpoint share one dial, which runs on
// the client's context so one caller giving up does not fail the others.
func (c *Client) connection(ctx context.Context, endpoint string) (*clientConn, error) {
	c.mu.Lock()
	if conn, ok := c.conns[endpoint]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	ch := c.dials.DoChan(endpoint, func() (any, error) {
		return c.dial(endpoint)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*clientConn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) dial(endpoint string) (*clientConn, error) {
	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	backoff := reconnectBackoff

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxReconnect; attempt++ {
		logger.Debug("Connecting to %s (attempt %d/%d)", endpoint, attempt, c.config.MaxReconnect)

		nc, err := dialer.DialContext(c.ctx, "tcp", endpoint)
		if err == nil {
			c.metrics.RecordReconnect(endpoint, true)
			return c.adopt(endpoint, nc)
		}
		c.metrics.RecordReconnect(endpoint, false)
		lastErr = err

		if c.ctx.Err() != nil {
			return nil, errShutdown
		}
		if attempt == c.config.MaxReconnect {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff *= 2
		case <-c.ctx.Done():
			timer.Stop()
			return nil, errShutdown
		}
	}

	logger.Warn("Cannot contact server %s after %d attempts: %v", endpoint, c.config.MaxReconnect, lastErr)
	return nil, fault.NewIO(fmt.Sprintf("server '%s' not reachable", endpoint))
}

// adopt registers a freshly dialed connection and starts its reader.
func (c *Client) adopt(endpoint string, nc net.Conn) (*clientConn, error) {
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	conn := newClientConn(c, endpoint, nc)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = nc.Close()
		return nil, errShutdown
	}
	c.conns[endpoint] = conn
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		conn.readLoop()
	}()

	logger.Debug("Connected to %s", endpoint)
	return conn, nil
}

// forget removes conn from the connection map if it is still registered.
func (c *Client) forget(conn *clientConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[conn.endpoint] == conn {
		delete(c.conns, conn.endpoint)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) setPending(delta int64) {
	c.metrics.SetPendingRequests(int(c.pending.Add(delta)))
}

// reapIdle closes connections that have carried no traffic for
// ConnectionTimeout.
func (c *Client) reapIdle() {
	defer c.wg.Done()

	ticker := time.NewTicker(timeoutGranularity)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			var idle []*clientConn
			for _, conn := range c.conns {
				if conn.idleSince(now) >= c.config.ConnectionTimeout {
					idle = append(idle, conn)
				}
			}
			c.mu.Unlock()

			for _, conn := range idle {
				logger.Debug("Removing idle connection to %s", conn.endpoint)
				conn.close(fault.NewIO("server closed connection"))
			}
		}
	}
}

// Connections returns the number of open connections.
func (c *Client) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Close fails every pending call with "client was shut down", closes all
// connections and waits for background goroutines. Safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.cancel()
	conns := make([]*clientConn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		conn.close(errShutdown)
	}

	c.wg.Wait()
	return nil
}

// Faults are immutable, so these are shared by every failed call.
var (
	errShutdown = fault.NewIO("client was shut down")
	errTimedOut = fault.NewIO("request timed out")
)
