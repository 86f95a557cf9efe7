// Package resolve turns user supplied locations and server UUIDs into
// network addresses.
//
// Resolution runs in strictly ordered stages, each with exactly one fault
// kind. A stage is never attempted once an earlier one has failed:
//
//  1. ParseURL: *fault.InvalidURL
//  2. ResolveScheme: *fault.UnknownAddressScheme
//  3. Resolver.ResolveUUID: *fault.AddressToUUIDNotFound (or
//     *fault.UnknownAddressScheme for a mapping with an unknown protocol)
//  4. Resolver.ResolveVolume: *fault.VolumeNotFound, skipped when the
//     location names no volume
//  5. xtfs.XLocSet.IndexOf: *fault.UUIDNotInXlocSet
package resolve

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/marmos91/xtfs/internal/protocol/xtfs"
	"github.com/marmos91/xtfs/pkg/fault"
)

// DefaultScheme is assumed when a location has no scheme.
const DefaultScheme = xtfs.SchemeONCRPC

// URL is a parsed location of the form
// [scheme://]host[:port][/volume].
type URL struct {
	Scheme string
	Host   string
	Port   uint32

	// Volume is the resource path without its leading slash. Empty when the
	// location names only a server.
	Volume string
}

// Address returns host:port.
func (u *URL) Address() string {
	return net.JoinHostPort(u.Host, strconv.FormatUint(uint64(u.Port), 10))
}

func (u *URL) String() string {
	s := u.Scheme + "://" + u.Address()
	if u.Volume != "" {
		s += "/" + u.Volume
	}
	return s
}

// ParseURL parses a location. A missing scheme defaults to oncrpc and a
// missing port to defaultPort. The scheme is not checked here; see
// ResolveScheme.
//
// Returns *fault.InvalidURL for an empty or unparsable location, a missing
// host or a port outside 1-65535.
func ParseURL(s string, defaultPort uint32) (*URL, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return nil, fault.NewInvalidURL("invalid URL: location is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = DefaultScheme + "://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fault.NewInvalidURL(fmt.Sprintf("invalid URL '%s': %v", s, err))
	}
	if parsed.Scheme == "" {
		return nil, fault.NewInvalidURL(fmt.Sprintf("invalid URL '%s': missing scheme", s))
	}
	if parsed.User != nil || parsed.RawQuery != "" || parsed.Fragment != "" {
		return nil, fault.NewInvalidURL(fmt.Sprintf("invalid URL '%s': unexpected user info, query or fragment", s))
	}

	host := parsed.Hostname()
	if host == "" {
		return nil, fault.NewInvalidURL(fmt.Sprintf("invalid URL '%s': missing host", s))
	}

	port := defaultPort
	if p := parsed.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return nil, fault.NewInvalidURL(fmt.Sprintf("invalid URL '%s': bad port '%s'", s, p))
		}
		port = uint32(n)
	} else if strings.HasSuffix(parsed.Host, ":") {
		return nil, fault.NewInvalidURL(fmt.Sprintf("invalid URL '%s': empty port", s))
	}

	return &URL{
		Scheme: strings.ToLower(parsed.Scheme),
		Host:   host,
		Port:   port,
		Volume: strings.Trim(parsed.Path, "/"),
	}, nil
}

// ResolveScheme checks that u uses a scheme the client can speak.
//
// Returns *fault.UnknownAddressScheme otherwise.
func ResolveScheme(u *URL) error {
	if !IsKnownScheme(u.Scheme) {
		return fault.NewUnknownAddressScheme(fmt.Sprintf("unknown address scheme '%s' in '%s'", u.Scheme, u))
	}
	return nil
}

// IsKnownScheme reports whether scheme is one of oncrpc or oncrpcs.
func IsKnownScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case xtfs.SchemeONCRPC, xtfs.SchemeONCRPCS:
		return true
	default:
		return false
	}
}
