package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/marmos91/xtfs/internal/logger"
	oncrpc "github.com/marmos91/xtfs/internal/protocol/rpc"
)

// serverConn serves the calls arriving on one connection. Calls are handled
// concurrently, so replies may leave in a different order than the calls
// came in; clients match them by XID.
type serverConn struct {
	server *Server
	conn   net.Conn

	writeMu  sync.Mutex
	handlers sync.WaitGroup
}

func newServerConn(server *Server, conn net.Conn) *serverConn {
	return &serverConn{server: server, conn: conn}
}

// serve reads calls until the client disconnects, the connection idles
// out or the server shuts down.
func (c *serverConn) serve(ctx context.Context) {
	clientAddr := c.conn.RemoteAddr().String()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in connection handler from %s: %v", clientAddr, r)
		}
		c.handlers.Wait()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if idle := c.server.config.IdleTimeout; idle > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(idle))
		}

		record, err := oncrpc.ReadRecord(c.conn, c.server.config.MaxRecordSize)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
				logger.Debug("Connection from %s closed by client", clientAddr)
			case errors.As(err, &netErr) && netErr.Timeout():
				logger.Debug("Connection from %s timed out: %v", clientAddr, err)
			default:
				logger.Debug("Error reading from %s: %v", clientAddr, err)
			}
			return
		}

		header, args, err := oncrpc.ReadCall(record)
		if err != nil {
			logger.Debug("Error parsing RPC call from %s: %v", clientAddr, err)
			return
		}

		call := &Call{
			XID:        header.XID,
			Program:    header.Program,
			Procedure:  header.Procedure,
			RemoteAddr: clientAddr,
			args:       args,
		}

		c.handlers.Add(1)
		go func() {
			defer c.handlers.Done()
			if reply := c.server.dispatch(ctx, call); reply != nil {
				c.write(reply)
			}
		}()
	}
}

func (c *serverConn) write(record []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if wt := c.server.config.WriteTimeout; wt > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wt))
	}
	if _, err := c.conn.Write(record); err != nil {
		logger.Debug("Error writing reply to %s: %v", c.conn.RemoteAddr(), err)
	}
}
