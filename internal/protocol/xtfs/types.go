package xtfs

import (
	"strings"

	"github.com/marmos91/xtfs/pkg/fault"
)

// ============================================================================
// DIR
// ============================================================================

// AddressMappingsGetRequest asks the directory service for the addresses
// registered under a UUID.
type AddressMappingsGetRequest struct {
	UUID string
}

// AddressMapping binds a service UUID to one network endpoint.
type AddressMapping struct {
	UUID     string
	Version  uint64
	Protocol string
	Address  string
	Port     uint32

	// MatchNetwork is "*" for a mapping valid from any network.
	MatchNetwork string

	// TTLSeconds is how long a client may cache the mapping.
	TTLSeconds uint32
}

// AddressMappingSet is the DIR reply to AddressMappingsGetRequest.
type AddressMappingSet struct {
	Mappings []AddressMapping
}

// ============================================================================
// MRC
// ============================================================================

// LsVolRequest lists all volumes of an MRC. It has no fields.
type LsVolRequest struct{}

// Volume describes one volume as reported by the MRC.
type Volume struct {
	Name  string
	ID    string
	Owner string
	Group string
	Mode  uint32

	AccessControlPolicy uint32
}

// VolumeSet is the MRC reply to LsVolRequest.
type VolumeSet struct {
	Volumes []Volume
}

// Find returns the volume with the given name.
func (s *VolumeSet) Find(name string) (Volume, bool) {
	for _, v := range s.Volumes {
		if v.Name == name {
			return v, true
		}
	}
	return Volume{}, false
}

// OpenRequest opens a file on a volume.
type OpenRequest struct {
	VolumeName string
	Path       string
	Flags      uint32
	Mode       uint32
	ClientUUID string
}

// XCap is the capability the MRC issues for an open file.
type XCap struct {
	FileID         uint64
	AccessMode     uint32
	ClientIdentity string
	ExpireTimeS    uint64
	Signature      string
}

// Replica is one copy of a file. Its first OSD is the head OSD, which
// identifies the replica.
type Replica struct {
	OSDUUIDs         []string
	ReplicationFlags uint32
}

// HeadOSD returns the UUID identifying the replica, or "" if it has no OSDs.
func (r Replica) HeadOSD() string {
	if len(r.OSDUUIDs) == 0 {
		return ""
	}
	return r.OSDUUIDs[0]
}

// XLocSet is the set of replica locations of a file.
type XLocSet struct {
	Replicas            []Replica
	Version             uint32
	ReplicaUpdatePolicy string
	ReadOnlyFileSize    uint64
}

// IndexOf returns the position of the replica whose head OSD is uuid.
//
// Returns *fault.UUIDNotInXlocSet if no replica matches.
func (x *XLocSet) IndexOf(uuid string) (int, error) {
	for i, r := range x.Replicas {
		if r.HeadOSD() == uuid {
			return i, nil
		}
	}
	return -1, fault.NewUUIDNotInXlocSet("UUID: " + uuid + " not found in the xlocset: " + x.String())
}

// HeadOSDs returns the head OSD of every replica in order.
func (x *XLocSet) HeadOSDs() []string {
	uuids := make([]string, 0, len(x.Replicas))
	for _, r := range x.Replicas {
		if head := r.HeadOSD(); head != "" {
			uuids = append(uuids, head)
		}
	}
	return uuids
}

func (x *XLocSet) String() string {
	return "[" + strings.Join(x.HeadOSDs(), ", ") + "]"
}

// FileCredentials bundle what a client needs to talk to a file's OSDs.
type FileCredentials struct {
	XCap  XCap
	XLocs XLocSet
}

// OpenResponse is the MRC reply to OpenRequest.
type OpenResponse struct {
	Creds FileCredentials
}

// ============================================================================
// OSD
// ============================================================================

// GetFileSizeRequest asks an OSD for its view of a file's size.
type GetFileSizeRequest struct {
	Creds FileCredentials
}

// GetFileSizeResponse is the OSD reply to GetFileSizeRequest.
type GetFileSizeResponse struct {
	FileSize uint64
}
