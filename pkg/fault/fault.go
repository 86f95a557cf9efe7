package fault

import (
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"
)

// Fault is a publicly observable failure.
//
// The interface is sealed: only the types in this package implement it.
// Redirect is intentionally excluded.
type Fault interface {
	error

	// Kind returns the failure category.
	Kind() Kind

	public()
}

// As returns the Fault in err's chain, if any.
func As(err error) (Fault, bool) {
	var f Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsKind reports whether err carries a public fault of kind k.
func IsKind(err error, k Kind) bool {
	f, ok := As(err)
	return ok && f.Kind() == k
}

// mustNotBeEmpty panics when a required identifying field is missing.
func mustNotBeEmpty(kind Kind, field, value string) {
	if value == "" {
		panic(fmt.Sprintf("fault: %s constructed with empty %s", kind, field))
	}
}

// ============================================================================
// Posix
// ============================================================================

// Posix is a failure with a POSIX error number.
type Posix struct {
	errno   unix.Errno
	message string
}

// IsRecognizedErrno reports whether errno belongs to the platform's POSIX
// error-number set.
func IsRecognizedErrno(errno unix.Errno) bool {
	return errno != 0 && unix.ErrnoName(errno) != ""
}

// NewPosix creates a Posix fault. It panics when errno is not a recognized
// error number; callers decoding untrusted numbers must check
// IsRecognizedErrno first.
func NewPosix(errno unix.Errno, message string) *Posix {
	if !IsRecognizedErrno(errno) {
		panic(fmt.Sprintf("fault: unrecognized errno %d", uint32(errno)))
	}
	if message == "" {
		message = errno.Error()
	}
	return &Posix{errno: errno, message: message}
}

func (e *Posix) Errno() unix.Errno { return e.errno }
func (e *Posix) Message() string   { return e.message }
func (e *Posix) Kind() Kind        { return KindPosix }
func (e *Posix) Error() string     { return e.message }
func (*Posix) public()             {}

// ============================================================================
// IO / InternalServerError
// ============================================================================

// IO is a low-level transport or IO failure on the client side.
type IO struct {
	message string
}

// NewIO creates an IO fault. An empty message gets a generic text.
func NewIO(message string) *IO {
	if message == "" {
		message = "IO error occurred"
	}
	return &IO{message: message}
}

// NewIOf creates an IO fault from a format string.
func NewIOf(format string, args ...any) *IO {
	return NewIO(fmt.Sprintf(format, args...))
}

func (e *IO) Message() string { return e.message }
func (e *IO) Kind() Kind      { return KindIO }
func (e *IO) Error() string   { return e.message }
func (*IO) public()           {}

// InternalServerError is an unrecoverable fault reported by a remote service.
type InternalServerError struct {
	message string
}

// NewInternalServerError creates an InternalServerError fault. An empty
// message gets a generic text.
func NewInternalServerError(message string) *InternalServerError {
	if message == "" {
		message = "internal server error received"
	}
	return &InternalServerError{message: message}
}

func (e *InternalServerError) Message() string { return e.message }
func (e *InternalServerError) Kind() Kind      { return KindInternalServerError }
func (e *InternalServerError) Error() string   { return e.message }
func (*InternalServerError) public()           {}

// ============================================================================
// Registry defects
// ============================================================================

// FileInfoNotFound means no FileInfo exists in the open-file table for a
// file id that a handle claims to own.
type FileInfoNotFound struct {
	fileID uint64
}

func NewFileInfoNotFound(fileID uint64) *FileInfoNotFound {
	return &FileInfoNotFound{fileID: fileID}
}

func (e *FileInfoNotFound) FileID() uint64 { return e.fileID }
func (e *FileInfoNotFound) Kind() Kind     { return KindFileInfoNotFound }
func (*FileInfoNotFound) public()          {}

func (e *FileInfoNotFound) Error() string {
	return "the FileInfo object was not found in the OpenFileTable for the FileId: " +
		strconv.FormatUint(e.fileID, 10)
}

// FileHandleNotFound means a handle key is absent from the open handle list.
type FileHandleNotFound struct{}

func NewFileHandleNotFound() *FileHandleNotFound {
	return &FileHandleNotFound{}
}

func (e *FileHandleNotFound) Kind() Kind { return KindFileHandleNotFound }
func (*FileHandleNotFound) public()      {}

func (e *FileHandleNotFound) Error() string {
	return "the FileHandle object was not found in the FileHandleList"
}

// OpenFileHandlesLeft means handles remain open on a volume being closed.
type OpenFileHandlesLeft struct{}

func NewOpenFileHandlesLeft() *OpenFileHandlesLeft {
	return &OpenFileHandlesLeft{}
}

func (e *OpenFileHandlesLeft) Kind() Kind { return KindOpenFileHandlesLeft }
func (*OpenFileHandlesLeft) public()      {}

func (e *OpenFileHandlesLeft) Error() string {
	return "there are remaining open FileHandles which have to be closed first"
}

// ============================================================================
// Resolution
// ============================================================================

// AddressToUUIDNotFound means no address is known for a UUID.
type AddressToUUIDNotFound struct {
	uuid string
}

func NewAddressToUUIDNotFound(uuid string) *AddressToUUIDNotFound {
	mustNotBeEmpty(KindAddressToUUIDNotFound, "uuid", uuid)
	return &AddressToUUIDNotFound{uuid: uuid}
}

func (e *AddressToUUIDNotFound) UUID() string  { return e.uuid }
func (e *AddressToUUIDNotFound) Kind() Kind    { return KindAddressToUUIDNotFound }
func (e *AddressToUUIDNotFound) Error() string { return "address for UUID not found: " + e.uuid }
func (*AddressToUUIDNotFound) public()         {}

// VolumeNotFound means the metadata service has no volume with this name.
type VolumeNotFound struct {
	volumeName string
}

func NewVolumeNotFound(volumeName string) *VolumeNotFound {
	mustNotBeEmpty(KindVolumeNotFound, "volume name", volumeName)
	return &VolumeNotFound{volumeName: volumeName}
}

func (e *VolumeNotFound) VolumeName() string { return e.volumeName }
func (e *VolumeNotFound) Kind() Kind         { return KindVolumeNotFound }
func (e *VolumeNotFound) Error() string      { return "volume not found: " + e.volumeName }
func (*VolumeNotFound) public()              {}

// UnknownAddressScheme means an address mapping or URL uses an unsupported
// scheme.
type UnknownAddressScheme struct {
	message string
}

func NewUnknownAddressScheme(message string) *UnknownAddressScheme {
	mustNotBeEmpty(KindUnknownAddressScheme, "message", message)
	return &UnknownAddressScheme{message: message}
}

func (e *UnknownAddressScheme) Message() string { return e.message }
func (e *UnknownAddressScheme) Kind() Kind      { return KindUnknownAddressScheme }
func (e *UnknownAddressScheme) Error() string   { return e.message }
func (*UnknownAddressScheme) public()           {}

// UUIDNotInXlocSet means a replica UUID is not in a file's xlocset.
type UUIDNotInXlocSet struct {
	message string
}

func NewUUIDNotInXlocSet(message string) *UUIDNotInXlocSet {
	mustNotBeEmpty(KindUUIDNotInXlocSet, "message", message)
	return &UUIDNotInXlocSet{message: message}
}

func (e *UUIDNotInXlocSet) Message() string { return e.message }
func (e *UUIDNotInXlocSet) Kind() Kind      { return KindUUIDNotInXlocSet }
func (e *UUIDNotInXlocSet) Error() string   { return e.message }
func (*UUIDNotInXlocSet) public()           {}

// ============================================================================
// Front-end validation
// ============================================================================

// InvalidURL means a location string could not be parsed.
type InvalidURL struct {
	message string
}

func NewInvalidURL(message string) *InvalidURL {
	mustNotBeEmpty(KindInvalidURL, "message", message)
	return &InvalidURL{message: message}
}

func (e *InvalidURL) Message() string { return e.message }
func (e *InvalidURL) Kind() Kind      { return KindInvalidURL }
func (e *InvalidURL) Error() string   { return e.message }
func (*InvalidURL) public()           {}

// InvalidCommandLineParameters means a front-end received unusable arguments.
type InvalidCommandLineParameters struct {
	message string
}

func NewInvalidCommandLineParameters(message string) *InvalidCommandLineParameters {
	mustNotBeEmpty(KindInvalidCommandLineParameters, "message", message)
	return &InvalidCommandLineParameters{message: message}
}

func (e *InvalidCommandLineParameters) Message() string { return e.message }
func (e *InvalidCommandLineParameters) Kind() Kind      { return KindInvalidCommandLineParameters }
func (e *InvalidCommandLineParameters) Error() string   { return e.message }
func (*InvalidCommandLineParameters) public()           {}
