package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	oncrpc "github.com/marmos91/xtfs/internal/protocol/rpc"
	"github.com/marmos91/xtfs/internal/protocol/xtfs"
	"github.com/marmos91/xtfs/pkg/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// Helpers
// ============================================================================

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
	dropped  atomic.Int32
	pending  atomic.Int32
	dials    atomic.Int32
}

func (m *recordingMetrics) RecordRequest(procedure string, duration time.Duration, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}
func (m *recordingMetrics) RecordReconnect(endpoint string, success bool) { m.dials.Add(1) }
func (m *recordingMetrics) RecordDroppedReply()                           { m.dropped.Add(1) }
func (m *recordingMetrics) SetPendingRequests(count int)                  { m.pending.Store(int32(count)) }

func (m *recordingMetrics) lastOutcome() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outcomes) == 0 {
		return ""
	}
	return m.outcomes[len(m.outcomes)-1]
}

// startServer runs a Server configured by register and returns its address.
func startServer(t *testing.T, register func(s *Server)) (*Server, string) {
	t.Helper()

	s := NewServer(ServerConfig{ShutdownTimeout: time.Second})
	register(s)
	require.NoError(t, s.Listen())

	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background()) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		<-served
	})
	return s, s.Addr().String()
}

// rawServer accepts a single connection and hands it to fn. Used to send
// replies a well-behaved server never would.
func rawServer(t *testing.T, fn func(conn net.Conn)) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fn(conn)
	}()

	t.Cleanup(func() {
		_ = l.Close()
		<-done
	})
	return l.Addr().String()
}

// readCall reads one call record from conn.
func readCall(t *testing.T, conn net.Conn) *oncrpc.CallMessage {
	record, err := oncrpc.ReadRecord(conn, 0)
	if err != nil {
		t.Errorf("read call: %v", err)
		return nil
	}
	call, _, err := oncrpc.ReadCall(record)
	if err != nil {
		t.Errorf("parse call: %v", err)
		return nil
	}
	return call
}

func newTestClient(t *testing.T, cfg ClientConfig, m *recordingMetrics) *Client {
	t.Helper()
	var c *Client
	var err error
	if m != nil {
		c, err = NewClient(cfg, m)
	} else {
		c, err = NewClient(cfg, nil)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func lsvolHandler(volumes ...xtfs.Volume) Handler {
	return func(ctx context.Context, call *Call) (any, error) {
		var req xtfs.LsVolRequest
		if err := call.Decode(&req); err != nil {
			return nil, err
		}
		return &xtfs.VolumeSet{Volumes: volumes}, nil
	}
}

// ============================================================================
// Round trips and remote exceptions
// ============================================================================

func TestCallRoundTrip(t *testing.T) {
	_, addr := startServer(t, func(s *Server) {
		s.Handle(xtfs.ProgramMRC, xtfs.ProcLsVol, lsvolHandler(
			xtfs.Volume{Name: "vol1", ID: "id-1", Owner: "alice", Group: "users", Mode: 511},
		))
	})
	m := &recordingMetrics{}
	client := newTestClient(t, ClientConfig{}, m)

	var got xtfs.VolumeSet
	err := client.Call(context.Background(), addr, xtfs.ProgramMRC, xtfs.ProcLsVol, &xtfs.LsVolRequest{}, &got)
	require.NoError(t, err)
	require.Len(t, got.Volumes, 1)
	assert.Equal(t, "vol1", got.Volumes[0].Name)
	assert.Equal(t, uint32(511), got.Volumes[0].Mode)
	assert.Equal(t, "ok", m.lastOutcome())
	assert.Equal(t, 1, client.Connections())
}

func TestRemoteExceptionsBecomeFaults(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, err error)
	}{
		{
			name: "errno",
			err:  xtfs.ErrnoError(unix.ENOENT, "no such file"),
			check: func(t *testing.T, err error) {
				var p *fault.Posix
				require.ErrorAs(t, err, &p)
				assert.Equal(t, unix.ENOENT, p.Errno())
				assert.Equal(t, "no such file", p.Message())
			},
		},
		{
			name: "redirect",
			err:  xtfs.RedirectError("osd-2"),
			check: func(t *testing.T, err error) {
				r, ok := fault.AsRedirect(err)
				require.True(t, ok)
				assert.Equal(t, "osd-2", r.TargetUUID())
			},
		},
		{
			name: "internal",
			err:  xtfs.NewErrorResponse(xtfs.ErrorTypeInternalServerError, "db down"),
			check: func(t *testing.T, err error) {
				assert.True(t, fault.IsKind(err, fault.KindInternalServerError))
				assert.Contains(t, err.Error(), "db down")
			},
		},
		{
			name: "wrapped exception",
			err:  fmt.Errorf("lookup: %w", xtfs.NewErrorResponse(xtfs.ErrorTypeIOError, "disk")),
			check: func(t *testing.T, err error) {
				assert.True(t, fault.IsKind(err, fault.KindIO))
			},
		},
		{
			name: "plain handler error",
			err:  errors.New("boom"),
			check: func(t *testing.T, err error) {
				assert.True(t, fault.IsKind(err, fault.KindInternalServerError))
				assert.Contains(t, err.Error(), "boom")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, addr := startServer(t, func(s *Server) {
				s.Handle(xtfs.ProgramOSD, xtfs.ProcGetFileSize, func(ctx context.Context, call *Call) (any, error) {
					return nil, tt.err
				})
			})
			client := newTestClient(t, ClientConfig{}, nil)

			err := client.Call(context.Background(), addr, xtfs.ProgramOSD, xtfs.ProcGetFileSize, nil, nil)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	_, addr := startServer(t, func(s *Server) {
		s.Handle(xtfs.ProgramMRC, xtfs.ProcOpen, func(ctx context.Context, call *Call) (any, error) {
			panic("bad handler")
		})
	})
	client := newTestClient(t, ClientConfig{}, nil)

	err := client.Call(context.Background(), addr, xtfs.ProgramMRC, xtfs.ProcOpen, nil, nil)
	assert.True(t, fault.IsKind(err, fault.KindInternalServerError))
}

func TestUnknownProgramAndProcedure(t *testing.T) {
	_, addr := startServer(t, func(s *Server) {
		s.Handle(xtfs.ProgramMRC, xtfs.ProcLsVol, lsvolHandler())
	})
	client := newTestClient(t, ClientConfig{}, nil)
	ctx := context.Background()

	err := client.Call(ctx, addr, xtfs.ProgramMRC, 99, nil, nil)
	assert.True(t, fault.IsKind(err, fault.KindIO))
	assert.Contains(t, err.Error(), "procedure")

	err = client.Call(ctx, addr, xtfs.ProgramDIR, xtfs.ProcAddressMappingsGet, nil, nil)
	assert.True(t, fault.IsKind(err, fault.KindIO))
	assert.Contains(t, err.Error(), "program")
}

func TestGarbageArgs(t *testing.T) {
	_, addr := startServer(t, func(s *Server) {
		s.Handle(xtfs.ProgramMRC, xtfs.ProcOpen, func(ctx context.Context, call *Call) (any, error) {
			var req xtfs.OpenRequest
			return nil, call.Decode(&req)
		})
	})
	client := newTestClient(t, ClientConfig{}, nil)

	// No arguments at all cannot decode as an OpenRequest.
	err := client.Call(context.Background(), addr, xtfs.ProgramMRC, xtfs.ProcOpen, nil, nil)
	assert.True(t, fault.IsKind(err, fault.KindIO))
	assert.Contains(t, err.Error(), "arguments")
}

// ============================================================================
// Multiplexing
// ============================================================================

func TestConcurrentCallsShareOneConnection(t *testing.T) {
	_, addr := startServer(t, func(s *Server) {
		s.Handle(xtfs.ProgramOSD, xtfs.ProcGetFileSize, func(ctx context.Context, call *Call) (any, error) {
			var req xtfs.GetFileSizeRequest
			if err := call.Decode(&req); err != nil {
				return nil, err
			}
			// Later calls answer first.
			time.Sleep(time.Duration(20-req.Creds.XCap.FileID) * time.Millisecond)
			return &xtfs.GetFileSizeResponse{FileSize: req.Creds.XCap.FileID * 100}, nil
		})
	})
	client := newTestClient(t, ClientConfig{}, nil)

	// Establish the connection first so every call reuses it.
	require.NoError(t, client.Call(context.Background(), addr, xtfs.ProgramOSD, xtfs.ProcGetFileSize,
		&xtfs.GetFileSizeRequest{}, &xtfs.GetFileSizeResponse{}))

	var g errgroup.Group
	for i := uint64(1); i <= 20; i++ {
		g.Go(func() error {
			req := &xtfs.GetFileSizeRequest{Creds: xtfs.FileCredentials{XCap: xtfs.XCap{FileID: i}}}
			var resp xtfs.GetFileSizeResponse
			if err := client.Call(context.Background(), addr, xtfs.ProgramOSD, xtfs.ProcGetFileSize, req, &resp); err != nil {
				return err
			}
			if resp.FileSize != i*100 {
				return fmt.Errorf("call %d got reply for %d", i, resp.FileSize/100)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, client.Connections())
}

func TestMultiFragmentReply(t *testing.T) {
	addr := rawServer(t, func(conn net.Conn) {
		call := readCall(t, conn)
		if call == nil {
			return
		}
		reply, err := oncrpc.MakeSuccessReply(call.XID, &xtfs.VolumeSet{Volumes: []xtfs.Volume{{Name: "fragmented", ID: "x"}}})
		if err != nil {
			t.Error(err)
			return
		}
		_, _ = conn.Write(oncrpc.SplitRecord(reply, 8))
		_, _ = oncrpc.ReadRecord(conn, 0)
	})
	client := newTestClient(t, ClientConfig{}, nil)

	var got xtfs.VolumeSet
	require.NoError(t, client.Call(context.Background(), addr, xtfs.ProgramMRC, xtfs.ProcLsVol, nil, &got))
	assert.Equal(t, "fragmented", got.Volumes[0].Name)
}

func TestUnknownXIDIsDropped(t *testing.T) {
	addr := rawServer(t, func(conn net.Conn) {
		call := readCall(t, conn)
		if call == nil {
			return
		}
		stray, _ := oncrpc.MakeSuccessReply(call.XID+1000, &xtfs.GetFileSizeResponse{FileSize: 1})
		genuine, _ := oncrpc.MakeSuccessReply(call.XID, &xtfs.GetFileSizeResponse{FileSize: 2})
		_, _ = conn.Write(stray)
		_, _ = conn.Write(genuine)
		_, _ = oncrpc.ReadRecord(conn, 0)
	})
	m := &recordingMetrics{}
	client := newTestClient(t, ClientConfig{}, m)

	var resp xtfs.GetFileSizeResponse
	require.NoError(t, client.Call(context.Background(), addr, xtfs.ProgramOSD, xtfs.ProcGetFileSize, nil, &resp))
	assert.Equal(t, uint64(2), resp.FileSize)
	assert.Equal(t, int32(1), m.dropped.Load())
}

// ============================================================================
// Failures
// ============================================================================

func TestInvalidExceptionPayload(t *testing.T) {
	addr := rawServer(t, func(conn net.Conn) {
		call := readCall(t, conn)
		if call == nil {
			return
		}
		reply, _ := oncrpc.MakeErrorReply(call.XID, oncrpc.AcceptException)
		_, _ = conn.Write(reply)
		_, _ = oncrpc.ReadRecord(conn, 0)
	})
	client := newTestClient(t, ClientConfig{}, nil)

	err := client.Call(context.Background(), addr, xtfs.ProgramOSD, xtfs.ProcGetFileSize, nil, nil)
	assert.True(t, fault.IsKind(err, fault.KindIO))
	assert.Contains(t, err.Error(), "invalid exception payload")
}

func TestServerClosedConnection(t *testing.T) {
	addr := rawServer(t, func(conn net.Conn) {
		_ = readCall(t, conn)
	})
	client := newTestClient(t, ClientConfig{}, nil)

	err := client.Call(context.Background(), addr, xtfs.ProgramMRC, xtfs.ProcLsVol, nil, nil)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindIO))
	assert.Equal(t, "server closed connection", err.Error())

	assert.Eventually(t, func() bool { return client.Connections() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServerNotReachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	m := &recordingMetrics{}
	client := newTestClient(t, ClientConfig{MaxReconnect: 2, ConnectTimeout: time.Second}, m)

	err = client.Call(context.Background(), addr, xtfs.ProgramDIR, xtfs.ProcAddressMappingsGet, nil, nil)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindIO))
	assert.Equal(t, fmt.Sprintf("server '%s' not reachable", addr), err.Error())
	assert.Equal(t, int32(2), m.dials.Load())
}

func TestRequestTimeout(t *testing.T) {
	_, addr := startServer(t, func(s *Server) {
		s.Handle(xtfs.ProgramOSD, xtfs.ProcGetFileSize, func(ctx context.Context, call *Call) (any, error) {
			return nil, ErrNoReply
		})
	})
	m := &recordingMetrics{}
	client := newTestClient(t, ClientConfig{RequestTimeout: 100 * time.Millisecond, ConnectionTimeout: time.Second}, m)

	err := client.Call(context.Background(), addr, xtfs.ProgramOSD, xtfs.ProcGetFileSize, nil, nil)
	assert.True(t, fault.IsKind(err, fault.KindIO))
	assert.Equal(t, "request timed out", err.Error())
	assert.Equal(t, "timeout", m.lastOutcome())
}

func TestCancelledCallDropsLateReply(t *testing.T) {
	release := make(chan struct{})
	var first atomic.Bool
	_, addr := startServer(t, func(s *Server) {
		s.Handle(xtfs.ProgramOSD, xtfs.ProcGetFileSize, func(ctx context.Context, call *Call) (any, error) {
			if first.CompareAndSwap(false, true) {
				select {
				case <-release:
				case <-ctx.Done():
				}
				return &xtfs.GetFileSizeResponse{FileSize: 1}, nil
			}
			return &xtfs.GetFileSizeResponse{FileSize: 2}, nil
		})
	})
	m := &recordingMetrics{}
	client := newTestClient(t, ClientConfig{}, m)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		var resp xtfs.GetFileSizeResponse
		errs <- client.Call(ctx, addr, xtfs.ProgramOSD, xtfs.ProcGetFileSize, nil, &resp)
	}()

	require.Eventually(t, func() bool { return m.pending.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
	assert.Equal(t, "cancelled", m.lastOutcome())

	close(release)
	require.Eventually(t, func() bool { return m.dropped.Load() == 1 }, time.Second, 5*time.Millisecond)

	var resp xtfs.GetFileSizeResponse
	require.NoError(t, client.Call(context.Background(), addr, xtfs.ProgramOSD, xtfs.ProcGetFileSize, nil, &resp))
	assert.Equal(t, uint64(2), resp.FileSize, "late reply must not reach an unrelated call")
}

func TestCloseFailsPendingCalls(t *testing.T) {
	_, addr := startServer(t, func(s *Server) {
		s.Handle(xtfs.ProgramOSD, xtfs.ProcGetFileSize, func(ctx context.Context, call *Call) (any, error) {
			return nil, ErrNoReply
		})
	})
	m := &recordingMetrics{}
	client, err := NewClient(ClientConfig{}, m)
	require.NoError(t, err)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			errs <- client.Call(context.Background(), addr, xtfs.ProgramOSD, xtfs.ProcGetFileSize, nil, nil)
		}()
	}
	require.Eventually(t, func() bool { return m.pending.Load() == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	for i := 0; i < 3; i++ {
		err := <-errs
		assert.Equal(t, "client was shut down", err.Error())
	}

	err = client.Call(context.Background(), addr, xtfs.ProgramOSD, xtfs.ProcGetFileSize, nil, nil)
	assert.Equal(t, "client was shut down", err.Error())
	require.NoError(t, client.Close())
}

func TestIdleConnectionIsReaped(t *testing.T) {
	_, addr := startServer(t, func(s *Server) {
		s.Handle(xtfs.ProgramMRC, xtfs.ProcLsVol, lsvolHandler())
	})
	client := newTestClient(t, ClientConfig{RequestTimeout: 50 * time.Millisecond, ConnectionTimeout: 600 * time.Millisecond}, nil)

	require.NoError(t, client.Call(context.Background(), addr, xtfs.ProgramMRC, xtfs.ProcLsVol, nil, nil))
	assert.Equal(t, 1, client.Connections())

	assert.Eventually(t, func() bool { return client.Connections() == 0 }, 3*time.Second, 50*time.Millisecond)

	// A new call reconnects transparently.
	require.NoError(t, client.Call(context.Background(), addr, xtfs.ProgramMRC, xtfs.ProcLsVol, nil, nil))
}

// ============================================================================
// Configuration and server lifecycle
// ============================================================================

func TestClientConfigValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{RequestTimeout: 10 * time.Second, ConnectionTimeout: 10 * time.Second}, nil)
	assert.Error(t, err)

	_, err = NewClient(ClientConfig{RequestTimeout: 9600 * time.Millisecond, ConnectionTimeout: 10 * time.Second}, nil)
	assert.Error(t, err, "the margin is 500ms")

	c, err := NewClient(ClientConfig{RequestTimeout: 9 * time.Second, ConnectionTimeout: 10 * time.Second}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestServerStopClosesConnections(t *testing.T) {
	s := NewServer(ServerConfig{})
	s.Handle(xtfs.ProgramMRC, xtfs.ProcLsVol, lsvolHandler())
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx) }()

	client := newTestClient(t, ClientConfig{}, nil)
	require.NoError(t, client.Call(context.Background(), s.Addr().String(), xtfs.ProgramMRC, xtfs.ProcLsVol, nil, nil))
	assert.Equal(t, int32(1), s.ActiveConnections())
	assert.Equal(t, uint64(1), s.Requests())

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.NoError(t, <-served)
	assert.Equal(t, int32(0), s.ActiveConnections())

	assert.Eventually(t, func() bool { return client.Connections() == 0 }, time.Second, 10*time.Millisecond)
}
