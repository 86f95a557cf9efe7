package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/xtfs/internal/logger"
	oncrpc "github.com/marmos91/xtfs/internal/protocol/rpc"
	"github.com/marmos91/xtfs/internal/protocol/xtfs"
)

// ErrNoReply tells the server to send nothing for a call. The caller will
// eventually time out; used to simulate lost replies.
var ErrNoReply = errors.New("rpc: no reply")

// ErrGarbageArgs reports arguments that could not be decoded. Handlers get
// it (wrapped) from Call.Decode; the server answers AcceptGarbageArgs.
var ErrGarbageArgs = errors.New("rpc: garbage arguments")

// Call is an incoming request as seen by a Handler.
type Call struct {
	XID        uint32
	Program    uint32
	Procedure  uint32
	RemoteAddr string

	args []byte
}

// Decode unmarshals the call arguments into v.
func (c *Call) Decode(v any) error {
	if err := oncrpc.Decode(c.args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrGarbageArgs, err)
	}
	return nil
}

// Handler serves one procedure.
//
// Reply rules:
//   - nil error: the result is XDR-encoded as the reply (nil means empty)
//   - *xtfs.ErrorResponse (possibly wrapped): sent as a remote exception
//   - ErrGarbageArgs: AcceptGarbageArgs
//   - ErrNoReply: nothing is sent
//   - any other error: an INTERNAL_SERVER_ERROR exception
type Handler func(ctx context.Context, call *Call) (any, error)

type procKey struct {
	program   uint32
	procedure uint32
}

// ServerConfig configures a Server.
//
// Default values (applied by NewServer if zero):
//   - Address: 127.0.0.1:0
//   - IdleTimeout: 5m
//   - WriteTimeout: 30s
//   - ShutdownTimeout: 5s
type ServerConfig struct {
	// Address is the TCP listen address. Port 0 picks a free port.
	Address string `mapstructure:"address"`

	// MaxConnections limits concurrent connections. 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// IdleTimeout closes a connection that sends no call for this long.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0"`

	// WriteTimeout bounds writing a single reply.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"min=0"`

	// ShutdownTimeout bounds the wait for active connections in Stop.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`

	// MaxRecordSize bounds a call record. 0 means oncrpc.DefaultMaxRecordSize.
	MaxRecordSize uint32 `mapstructure:"max_record_size"`
}

func (c *ServerConfig) applyDefaults() {
	if c.Address == "" {
		c.Address = "127.0.0.1:0"
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.MaxRecordSize == 0 {
		c.MaxRecordSize = oncrpc.DefaultMaxRecordSize
	}
}

// Server hosts RPC programs over TCP.
//
// Shutdown flow:
//  1. ctx cancelled or Stop() called
//  2. Listener closed (no new connections)
//  3. shutdownCtx cancelled (in-flight handlers see ctx.Done())
//  4. Wait for active connections (up to ShutdownTimeout)
//  5. Force-close whatever remains
//
// Thread safety:
// Handle must be called before Serve. Everything else is safe for
// concurrent use; Stop is idempotent.
type Server struct {
	config ServerConfig

	handlers map[procKey]Handler

	listenMu sync.Mutex
	listener net.Listener

	activeConns  sync.WaitGroup
	connCount    atomic.Int32
	connections  sync.Map
	shutdownOnce sync.Once
	shutdown     chan struct{}

	// connSemaphore is nil when MaxConnections is 0.
	connSemaphore chan struct{}

	shutdownCtx    context.Context
	cancelRequests context.CancelFunc

	requests atomic.Uint64
}

// NewServer creates a stopped server.
func NewServer(config ServerConfig) *Server {
	config.applyDefaults()

	var sem chan struct{}
	if config.MaxConnections > 0 {
		sem = make(chan struct{}, config.MaxConnections)
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:         config,
		handlers:       make(map[procKey]Handler),
		shutdown:       make(chan struct{}),
		connSemaphore:  sem,
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancel,
	}
}

// Handle registers h for program/procedure, replacing any earlier handler.
func (s *Server) Handle(program, procedure uint32, h Handler) {
	s.handlers[procKey{program, procedure}] = h
}

// Listen binds the listener without accepting yet, so callers can learn
// the chosen port before Serve runs.
func (s *Server) Listen() error {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()

	if s.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to create RPC listener on %s: %w", s.config.Address, err)
	}
	s.listener = l
	logger.Debug("RPC server listening on %s", l.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Stop is called.
// Returns nil on graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			logger.Debug("RPC server shutdown signal received: %v", ctx.Err())
			s.initiateShutdown()
		case <-s.shutdown:
		}
	}()

	for {
		if s.connSemaphore != nil {
			select {
			case s.connSemaphore <- struct{}{}:
			case <-s.shutdown:
				return s.gracefulShutdown()
			}
		}

		tcpConn, err := s.listener.Accept()
		if err != nil {
			if s.connSemaphore != nil {
				<-s.connSemaphore
			}
			select {
			case <-s.shutdown:
				return s.gracefulShutdown()
			default:
				logger.Debug("Error accepting RPC connection: %v", err)
				continue
			}
		}

		s.activeConns.Add(1)
		s.connCount.Add(1)
		addr := tcpConn.RemoteAddr().String()
		s.connections.Store(addr, tcpConn)

		conn := newServerConn(s, tcpConn)
		go func() {
			defer func() {
				s.connections.Delete(addr)
				s.activeConns.Done()
				s.connCount.Add(-1)
				if s.connSemaphore != nil {
					<-s.connSemaphore
				}
				logger.Debug("RPC connection closed from %s (active: %d)", addr, s.connCount.Load())
			}()
			conn.serve(s.shutdownCtx)
		}()
	}
}

func (s *Server) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)

		s.listenMu.Lock()
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				logger.Debug("Error closing RPC listener: %v", err)
			}
		}
		s.listenMu.Unlock()

		s.cancelRequests()
	})
}

func (s *Server) gracefulShutdown() error {
	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		remaining := s.connCount.Load()
		logger.Warn("RPC shutdown timeout exceeded: %d connection(s) still active after %v, forcing closure",
			remaining, s.config.ShutdownTimeout)
		s.forceCloseConnections()
		<-done
		return fmt.Errorf("RPC shutdown timeout: %d connections force-closed", remaining)
	}
}

// forceCloseConnections closes every tracked socket; their serve loops
// then fail on I/O and exit.
func (s *Server) forceCloseConnections() {
	s.connections.Range(func(key, value any) bool {
		if err := value.(net.Conn).Close(); err != nil {
			logger.Debug("Error force-closing connection to %s: %v", key, err)
		}
		return true
	})
}

// Stop shuts the server down and waits for connections to finish, or for
// ctx to end.
func (s *Server) Stop(ctx context.Context) error {
	s.initiateShutdown()

	// Idle connections sit in a blocking read; closing them is what makes
	// them notice the shutdown.
	s.forceCloseConnections()

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int32 {
	return s.connCount.Load()
}

// Requests returns the number of calls dispatched so far.
func (s *Server) Requests() uint64 {
	return s.requests.Load()
}

// dispatch runs the handler for call and builds the reply record. A nil
// record means no reply is sent.
func (s *Server) dispatch(ctx context.Context, call *Call) (record []byte) {
	s.requests.Add(1)
	name := xtfs.ProcedureName(call.Program, call.Procedure)

	h, ok := s.handlers[procKey{call.Program, call.Procedure}]
	if !ok {
		if !s.hasProgram(call.Program) {
			logger.Debug("Unknown program %d from %s", call.Program, call.RemoteAddr)
			return mustReply(oncrpc.MakeErrorReply(call.XID, oncrpc.AcceptProgUnavail))
		}
		logger.Debug("Unknown procedure %s from %s", name, call.RemoteAddr)
		return mustReply(oncrpc.MakeErrorReply(call.XID, oncrpc.AcceptProcUnavail))
	}

	result, err := s.invoke(ctx, h, call)

	var exception *xtfs.ErrorResponse
	switch {
	case err == nil:
		reply, encErr := oncrpc.MakeSuccessReply(call.XID, result)
		if encErr != nil {
			logger.Error("Cannot encode %s result: %v", name, encErr)
			return mustReply(oncrpc.MakeErrorReply(call.XID, oncrpc.AcceptSystemErr))
		}
		return reply
	case errors.Is(err, ErrNoReply):
		return nil
	case errors.Is(err, ErrGarbageArgs):
		logger.Debug("%s from %s: %v", name, call.RemoteAddr, err)
		return mustReply(oncrpc.MakeErrorReply(call.XID, oncrpc.AcceptGarbageArgs))
	case errors.As(err, &exception):
		return mustReply(oncrpc.MakeExceptionReply(call.XID, exception))
	default:
		logger.Error("%s from %s failed: %v", name, call.RemoteAddr, err)
		return mustReply(oncrpc.MakeExceptionReply(call.XID,
			xtfs.NewErrorResponse(xtfs.ErrorTypeInternalServerError, err.Error())))
	}
}

// invoke runs h, turning a panic into an error so one bad handler cannot
// take the connection down.
func (s *Server) invoke(ctx context.Context, h Handler, call *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in handler %s: %v", xtfs.ProcedureName(call.Program, call.Procedure), r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, call)
}

func (s *Server) hasProgram(program uint32) bool {
	for k := range s.handlers {
		if k.program == program {
			return true
		}
	}
	return false
}

// mustReply unwraps a reply builder that only fails on unencodable bodies,
// which cannot happen for the fixed types it is used with here.
func mustReply(record []byte, err error) []byte {
	if err != nil {
		panic(fmt.Sprintf("rpc: building reply: %v", err))
	}
	return record
}
