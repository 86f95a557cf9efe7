// Package posix translates client faults into the fixed errno surface seen by
// POSIX callers.
//
// Every fault kind maps to exactly one errno. The mapping is the only place
// where faults are logged for the caller's benefit: environmental failures
// at WARN, server-side failures at ERROR, and client invariant violations on
// the logger's DEFECT channel.
package posix

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/xtfs/internal/logger"
	"github.com/marmos91/xtfs/pkg/fault"
	"github.com/marmos91/xtfs/pkg/metrics"
	"golang.org/x/sys/unix"
)

// ErrnoDefect is the errno reported for client invariant violations. It is
// distinct from EIO so callers can tell a library bug from an outage.
const ErrnoDefect = unix.ENOTRECOVERABLE

// Status is the result of an operation at the POSIX boundary.
//
// The zero value is success.
type Status struct {
	Errno   unix.Errno
	Message string
}

// OK is the success status.
var OK = Status{}

// IsOK reports whether the status represents success.
func (s Status) IsOK() bool {
	return s.Errno == 0
}

// Error renders the status for display. It returns "" for success.
func (s Status) Error() string {
	if s.IsOK() {
		return ""
	}
	if s.Message == "" {
		return s.Errno.Error()
	}
	return s.Message
}

func (s Status) String() string {
	if s.IsOK() {
		return "OK"
	}
	return fmt.Sprintf("%s: %s", unix.ErrnoName(s.Errno), s.Error())
}

// Mapper converts errors to Status values and records what it saw.
type Mapper struct {
	metrics metrics.FaultMetrics
}

// NewMapper creates a Mapper. A nil m disables metrics.
func NewMapper(m metrics.FaultMetrics) *Mapper {
	if m == nil {
		m = metrics.NewNoopFaultMetrics()
	}
	return &Mapper{metrics: m}
}

var defaultMapper = NewMapper(nil)

// Map converts err into a Status using a mapper without metrics.
func Map(err error, operation string) Status {
	return defaultMapper.Map(err, operation)
}

// Map converts err into a Status.
//
// Mapping:
//   - nil → OK
//   - Posix → its errno and message
//   - IO, InternalServerError and every resolution fault → EIO
//   - FileInfoNotFound, FileHandleNotFound → ErrnoDefect (logged as defect)
//   - OpenFileHandlesLeft → EBUSY
//   - InvalidCommandLineParameters → EINVAL
//   - context.Canceled → EINTR, context.DeadlineExceeded → ETIMEDOUT
//   - any other error → EIO
//
// A replica redirect reaching this point is a bug in the retry layer and
// panics.
//
// Parameters:
//   - err: Error to map (nil = success)
//   - operation: Operation name for logging (e.g., "OPEN", "LSVOL")
func (m *Mapper) Map(err error, operation string) Status {
	if err == nil {
		return OK
	}

	if r, ok := fault.AsRedirect(err); ok {
		panic(fmt.Sprintf("posix: %s leaked a replica redirect to %s", operation, r.TargetUUID()))
	}

	f, ok := fault.As(err)
	if !ok {
		return m.mapPlain(err, operation)
	}

	status := m.mapFault(f, operation)
	m.metrics.RecordFault(f.Kind().String(), unix.ErrnoName(status.Errno))
	return status
}

func (m *Mapper) mapFault(f fault.Fault, operation string) Status {
	switch f := f.(type) {
	case *fault.Posix:
		logger.Debug("%s failed: %s (%s)", operation, f.Message(), unix.ErrnoName(f.Errno()))
		return Status{Errno: f.Errno(), Message: f.Message()}

	case *fault.IO,
		*fault.AddressToUUIDNotFound,
		*fault.VolumeNotFound,
		*fault.UnknownAddressScheme,
		*fault.UUIDNotInXlocSet,
		*fault.InvalidURL:
		logger.Warn("%s failed: %s", operation, f.Error())
		return Status{Errno: unix.EIO, Message: f.Error()}

	case *fault.InternalServerError:
		logger.Error("%s failed: server reported: %s", operation, f.Message())
		return Status{Errno: unix.EIO, Message: f.Message()}

	case *fault.FileInfoNotFound, *fault.FileHandleNotFound:
		logger.Defect("%s: %s", operation, f.Error())
		m.metrics.RecordDefect(f.Kind().String())
		return Status{Errno: ErrnoDefect, Message: f.Error()}

	case *fault.OpenFileHandlesLeft:
		logger.Warn("%s failed: %s", operation, f.Error())
		return Status{Errno: unix.EBUSY, Message: f.Error()}

	case *fault.InvalidCommandLineParameters:
		return Status{Errno: unix.EINVAL, Message: f.Message()}

	default:
		panic(fmt.Sprintf("posix: no errno mapping for fault kind %s", f.Kind()))
	}
}

func (m *Mapper) mapPlain(err error, operation string) Status {
	switch {
	case errors.Is(err, context.Canceled):
		logger.Debug("%s interrupted: %v", operation, err)
		return Status{Errno: unix.EINTR, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("%s timed out: %v", operation, err)
		return Status{Errno: unix.ETIMEDOUT, Message: err.Error()}
	default:
		logger.Error("%s failed: %v", operation, err)
		return Status{Errno: unix.EIO, Message: err.Error()}
	}
}
