// Package fakeservice runs in-process DIR, MRC and OSD services for tests.
//
// Every service is a real pkg/rpc.Server listening on 127.0.0.1:0, so the
// client under test goes through the full transport: record marking, XDR,
// XID matching and remote exceptions. Services stop automatically when the
// test ends.
//
//	cluster := fakeservice.StartCluster(t)
//	cluster.MRC.AddVolume(xtfs.Volume{Name: "vol1", ID: "abc"})
//	osd := cluster.AddOSD(t, "osd-1")
package fakeservice

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/xtfs/internal/protocol/xtfs"
	"github.com/marmos91/xtfs/pkg/rpc"
	"golang.org/x/sys/unix"
)

// start serves s until the test ends.
func start(t testing.TB, s *rpc.Server) string {
	t.Helper()

	if err := s.Listen(); err != nil {
		t.Fatalf("fakeservice: listen: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background()) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		<-served
	})
	return s.Addr().String()
}

// failure makes the next calls of a service answer with an exception.
type failure struct {
	mu        sync.Mutex
	err       *xtfs.ErrorResponse
	remaining int
}

// set arranges for err to be returned times times; times < 0 means forever.
func (f *failure) set(err *xtfs.ErrorResponse, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	f.remaining = times
}

func (f *failure) next() *xtfs.ErrorResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.err
}

// ============================================================================
// DIR
// ============================================================================

// DIR is a fake directory service.
type DIR struct {
	addr string

	mu       sync.Mutex
	mappings map[string][]xtfs.AddressMapping

	failures failure
	lookups  atomic.Int32
}

// StartDIR starts an empty directory service.
func StartDIR(t testing.TB) *DIR {
	t.Helper()
	d := &DIR{mappings: make(map[string][]xtfs.AddressMapping)}

	s := rpc.NewServer(rpc.ServerConfig{})
	s.Handle(xtfs.ProgramDIR, xtfs.ProcNull, nullHandler)
	s.Handle(xtfs.ProgramDIR, xtfs.ProcAddressMappingsGet, d.addressMappingsGet)
	d.addr = start(t, s)
	return d
}

// Addr returns the host:port the service listens on.
func (d *DIR) Addr() string { return d.addr }

// Register maps uuid to addr (host:port) with the oncrpc protocol.
func (d *DIR) Register(uuid, addr string) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		panic("fakeservice: bad address " + addr)
	}
	port, _ := strconv.ParseUint(portStr, 10, 32)

	d.SetMappings(uuid, xtfs.AddressMapping{
		UUID:         uuid,
		Version:      1,
		Protocol:     xtfs.SchemeONCRPC,
		Address:      host,
		Port:         uint32(port),
		MatchNetwork: "*",
		TTLSeconds:   3600,
	})
}

// SetMappings replaces every mapping of uuid. No mappings removes it.
func (d *DIR) SetMappings(uuid string, mappings ...xtfs.AddressMapping) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(mappings) == 0 {
		delete(d.mappings, uuid)
		return
	}
	d.mappings[uuid] = mappings
}

// Fail makes the next times lookups fail with err. times < 0 fails every
// lookup.
func (d *DIR) Fail(err *xtfs.ErrorResponse, times int) {
	d.failures.set(err, times)
}

// Lookups returns how many ADDRESS_MAPPINGS_GET calls were served.
func (d *DIR) Lookups() int { return int(d.lookups.Load()) }

func (d *DIR) addressMappingsGet(ctx context.Context, call *rpc.Call) (any, error) {
	var req xtfs.AddressMappingsGetRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	d.lookups.Add(1)
	if err := d.failures.next(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return &xtfs.AddressMappingSet{Mappings: d.mappings[req.UUID]}, nil
}

// ============================================================================
// MRC
// ============================================================================

type file struct {
	id       uint64
	replicas []string
}

// MRC is a fake metadata and replica catalog.
type MRC struct {
	addr string

	mu      sync.Mutex
	volumes []xtfs.Volume
	files   map[string]map[string]file
	nextID  uint64

	failures failure
	opens    atomic.Int32
	hold     chan struct{}
}

// StartMRC starts an MRC without volumes.
func StartMRC(t testing.TB) *MRC {
	t.Helper()
	m := &MRC{files: make(map[string]map[string]file), nextID: 1000}

	s := rpc.NewServer(rpc.ServerConfig{})
	s.Handle(xtfs.ProgramMRC, xtfs.ProcNull, nullHandler)
	s.Handle(xtfs.ProgramMRC, xtfs.ProcLsVol, m.lsVol)
	s.Handle(xtfs.ProgramMRC, xtfs.ProcOpen, m.open)
	m.addr = start(t, s)
	return m
}

// Addr returns the host:port the service listens on.
func (m *MRC) Addr() string { return m.addr }

// AddVolume adds v to the volume list.
func (m *MRC) AddVolume(v xtfs.Volume) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes = append(m.volumes, v)
	if m.files[v.Name] == nil {
		m.files[v.Name] = make(map[string]file)
	}
}

// AddFile creates path on volume, replicated on the OSDs named by
// replicas (head OSD UUIDs, in xlocset order). Returns the file id.
func (m *MRC) AddFile(volume, path string, replicas ...string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.files[volume] == nil {
		panic("fakeservice: unknown volume " + volume)
	}
	m.nextID++
	m.files[volume][path] = file{id: m.nextID, replicas: replicas}
	return m.nextID
}

// Fail makes the next times calls (any procedure except NULL) fail with err.
// times < 0 fails every call.
func (m *MRC) Fail(err *xtfs.ErrorResponse, times int) {
	m.failures.set(err, times)
}

// Opens returns how many OPEN calls were received.
func (m *MRC) Opens() int { return int(m.opens.Load()) }

// HoldOpens makes OPEN calls wait before answering until release is
// called.
func (m *MRC) HoldOpens() (release func()) {
	hold := make(chan struct{})
	m.mu.Lock()
	m.hold = hold
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.hold = nil
			m.mu.Unlock()
			close(hold)
		})
	}
}

func (m *MRC) lsVol(ctx context.Context, call *rpc.Call) (any, error) {
	var req xtfs.LsVolRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	if err := m.failures.next(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return &xtfs.VolumeSet{Volumes: append([]xtfs.Volume(nil), m.volumes...)}, nil
}

func (m *MRC) open(ctx context.Context, call *rpc.Call) (any, error) {
	var req xtfs.OpenRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	hold := m.hold
	m.mu.Unlock()
	m.opens.Add(1)
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, rpc.ErrNoReply
		}
	}
	if err := m.failures.next(); err != nil {
		return nil, err
	}
	if req.ClientUUID == "" {
		return nil, xtfs.NewErrorResponse(xtfs.ErrorTypeInvalidArguments, "client UUID missing")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	files, ok := m.files[req.VolumeName]
	if !ok {
		return nil, xtfs.ErrnoError(unix.ENOENT, "volume '"+req.VolumeName+"' does not exist")
	}
	f, ok := files[req.Path]
	if !ok {
		return nil, xtfs.ErrnoError(unix.ENOENT, "file '"+req.Path+"' does not exist")
	}

	xlocs := xtfs.XLocSet{Version: 1, ReplicaUpdatePolicy: "ronly"}
	for _, head := range f.replicas {
		xlocs.Replicas = append(xlocs.Replicas, xtfs.Replica{OSDUUIDs: []string{head}})
	}

	return &xtfs.OpenResponse{Creds: xtfs.FileCredentials{
		XCap: xtfs.XCap{
			FileID:         f.id,
			AccessMode:     req.Flags,
			ClientIdentity: req.ClientUUID,
			ExpireTimeS:    uint64(time.Now().Add(time.Hour).Unix()),
			Signature:      "fake",
		},
		XLocs: xlocs,
	}}, nil
}

// ============================================================================
// OSD
// ============================================================================

// OSD is a fake object storage device.
type OSD struct {
	uuid string
	addr string

	mu         sync.Mutex
	sizes      map[uint64]uint64
	redirectTo string
	redirects  int
	silent     bool

	failures failure
	calls    atomic.Int32
}

// StartOSD starts an OSD identified by uuid. It is not registered with any
// directory service; see Cluster.AddOSD.
func StartOSD(t testing.TB, uuid string) *OSD {
	t.Helper()
	o := &OSD{uuid: uuid, sizes: make(map[uint64]uint64)}

	s := rpc.NewServer(rpc.ServerConfig{})
	s.Handle(xtfs.ProgramOSD, xtfs.ProcNull, nullHandler)
	s.Handle(xtfs.ProgramOSD, xtfs.ProcGetFileSize, o.getFileSize)
	o.addr = start(t, s)
	return o
}

func (o *OSD) UUID() string { return o.uuid }
func (o *OSD) Addr() string { return o.addr }

// SetFileSize sets the size the OSD reports for fileID.
func (o *OSD) SetFileSize(fileID, size uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sizes[fileID] = size
}

// RedirectTo makes the next times calls redirect to the replica target.
// times < 0 redirects every call.
func (o *OSD) RedirectTo(target string, times int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.redirectTo = target
	o.redirects = times
}

// Fail makes the next times calls fail with err. times < 0 fails every call.
func (o *OSD) Fail(err *xtfs.ErrorResponse, times int) {
	o.failures.set(err, times)
}

// Silence makes the OSD swallow calls without replying.
func (o *OSD) Silence(silent bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.silent = silent
}

// Calls returns how many GET_FILE_SIZE calls reached the OSD.
func (o *OSD) Calls() int { return int(o.calls.Load()) }

func (o *OSD) getFileSize(ctx context.Context, call *rpc.Call) (any, error) {
	var req xtfs.GetFileSizeRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	o.calls.Add(1)

	o.mu.Lock()
	silent := o.silent
	target := ""
	if o.redirects != 0 && o.redirectTo != "" {
		target = o.redirectTo
		if o.redirects > 0 {
			o.redirects--
		}
	}
	size, ok := o.sizes[req.Creds.XCap.FileID]
	o.mu.Unlock()

	if silent {
		return nil, rpc.ErrNoReply
	}
	if target != "" {
		return nil, xtfs.RedirectError(target)
	}
	if err := o.failures.next(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, xtfs.ErrnoError(unix.ENOENT, "no data for file "+strconv.FormatUint(req.Creds.XCap.FileID, 10))
	}
	return &xtfs.GetFileSizeResponse{FileSize: size}, nil
}

func nullHandler(ctx context.Context, call *rpc.Call) (any, error) {
	return nil, nil
}

// ============================================================================
// Cluster
// ============================================================================

// Cluster is a DIR and an MRC plus any number of OSDs registered with the
// DIR.
type Cluster struct {
	DIR *DIR
	MRC *MRC

	mu   sync.Mutex
	osds map[string]*OSD
}

// StartCluster starts a DIR and an MRC. The MRC is registered with the DIR
// under the UUID "mrc".
func StartCluster(t testing.TB) *Cluster {
	t.Helper()
	c := &Cluster{
		DIR:  StartDIR(t),
		MRC:  StartMRC(t),
		osds: make(map[string]*OSD),
	}
	c.DIR.Register("mrc", c.MRC.Addr())
	return c
}

// AddOSD starts an OSD and registers it with the DIR.
func (c *Cluster) AddOSD(t testing.TB, uuid string) *OSD {
	t.Helper()
	o := StartOSD(t, uuid)
	c.DIR.Register(uuid, o.Addr())

	c.mu.Lock()
	c.osds[uuid] = o
	c.mu.Unlock()
	return o
}

// OSD returns the OSD registered as uuid, or nil.
func (c *Cluster) OSD(uuid string) *OSD {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.osds[uuid]
}
