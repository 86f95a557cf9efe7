package fault

// Kind identifies the category of a failure.
//
// The set is closed: adding a Kind requires adding its concrete type in this
// package and its mapping in package posix, whose tests enumerate Kinds().
type Kind int

const (
	// KindPosix is a failure mappable directly to a POSIX error number.
	KindPosix Kind = iota

	// KindIO is a client-side transport or IO failure.
	KindIO

	// KindInternalServerError means the remote service reported an
	// unrecoverable internal fault.
	KindInternalServerError

	// KindFileInfoNotFound means the open-file table has no record for a
	// file id that a live handle references. Defect.
	KindFileInfoNotFound

	// KindFileHandleNotFound means a handle key is absent from the open
	// handle list. Defect.
	KindFileHandleNotFound

	// KindAddressToUUIDNotFound means no network address is known for a UUID.
	KindAddressToUUIDNotFound

	// KindVolumeNotFound means the metadata service does not know the volume.
	KindVolumeNotFound

	// KindOpenFileHandlesLeft means a close or unmount was attempted while
	// handles are still open.
	KindOpenFileHandlesLeft

	// KindUnknownAddressScheme means an address mapping or URL uses a
	// scheme the client does not speak.
	KindUnknownAddressScheme

	// KindUUIDNotInXlocSet means a replica UUID is not part of a file's
	// replica location set.
	KindUUIDNotInXlocSet

	// KindReplicationRedirection is the internal-only redirect signal.
	KindReplicationRedirection

	// KindInvalidURL means a location string could not be parsed.
	KindInvalidURL

	// KindInvalidCommandLineParameters means a front-end received unusable
	// arguments.
	KindInvalidCommandLineParameters

	kindCount
)

var kindNames = [...]string{
	KindPosix:                        "Posix",
	KindIO:                           "IO",
	KindInternalServerError:          "InternalServerError",
	KindFileInfoNotFound:             "FileInfoNotFound",
	KindFileHandleNotFound:           "FileHandleNotFound",
	KindAddressToUUIDNotFound:        "AddressToUUIDNotFound",
	KindVolumeNotFound:               "VolumeNotFound",
	KindOpenFileHandlesLeft:          "OpenFileHandlesLeft",
	KindUnknownAddressScheme:         "UnknownAddressScheme",
	KindUUIDNotInXlocSet:             "UUIDNotInXlocSet",
	KindReplicationRedirection:       "ReplicationRedirection",
	KindInvalidURL:                   "InvalidURL",
	KindInvalidCommandLineParameters: "InvalidCommandLineParameters",
}

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return "Unknown"
	}
	return kindNames[k]
}

// IsPublic reports whether values of this kind may be observed outside the
// client library. Only the replication redirect is internal.
func (k Kind) IsPublic() bool {
	return k != KindReplicationRedirection
}

// IsDefect reports whether the kind signals a broken client-side invariant.
// Defects are never retried and never a user's fault.
func (k Kind) IsDefect() bool {
	return k == KindFileInfoNotFound || k == KindFileHandleNotFound
}

// Kinds returns every Kind in declaration order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}
