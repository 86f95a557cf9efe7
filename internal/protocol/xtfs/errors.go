package xtfs

import (
	"fmt"

	"github.com/marmos91/xtfs/pkg/fault"
	"golang.org/x/sys/unix"
)

// ErrorType classifies a remote exception.
type ErrorType uint32

const (
	ErrorTypeErrno               ErrorType = 1
	ErrorTypeRedirect            ErrorType = 2
	ErrorTypeInternalServerError ErrorType = 3
	ErrorTypeIOError             ErrorType = 4
	ErrorTypeInvalidArguments    ErrorType = 5
	ErrorTypeAuthFailed          ErrorType = 6
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeErrno:
		return "ERRNO"
	case ErrorTypeRedirect:
		return "REDIRECT"
	case ErrorTypeInternalServerError:
		return "INTERNAL_SERVER_ERROR"
	case ErrorTypeIOError:
		return "IO_ERROR"
	case ErrorTypeInvalidArguments:
		return "INVALID_ARGUMENTS"
	case ErrorTypeAuthFailed:
		return "AUTH_FAILED"
	default:
		return fmt.Sprintf("ErrorType(%d)", uint32(t))
	}
}

// ErrorResponse is the body of a reply with accept status AcceptException.
type ErrorResponse struct {
	ErrorType uint32
	Errno     uint32
	Message   string

	// RedirectToServerUUID is set for ErrorTypeRedirect only.
	RedirectToServerUUID string
}

// Error lets server handlers return an ErrorResponse as an error.
func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%s: %s", ErrorType(e.ErrorType), e.Message)
}

// Fault converts a remote exception into exactly one client fault.
//
// Mapping:
//   - ERRNO with a recognized errno → *fault.Posix
//   - REDIRECT with a target → *fault.Redirect (consumed by pkg/retry)
//   - INTERNAL_SERVER_ERROR → *fault.InternalServerError
//   - IO_ERROR → *fault.IO
//   - INVALID_ARGUMENTS → *fault.Posix(EINVAL)
//   - AUTH_FAILED → *fault.Posix(EACCES)
//
// Anything malformed (unknown type, unrecognized errno, redirect without a
// target) is reported as *fault.IO, since the reply cannot be trusted.
func (e *ErrorResponse) Fault() error {
	switch ErrorType(e.ErrorType) {
	case ErrorTypeErrno:
		errno := unix.Errno(e.Errno)
		if !fault.IsRecognizedErrno(errno) {
			return fault.NewIOf("server sent unrecognized errno %d: %s", e.Errno, e.Message)
		}
		return fault.NewPosix(errno, e.Message)

	case ErrorTypeRedirect:
		if e.RedirectToServerUUID == "" {
			return fault.NewIO("server sent a redirect without a target")
		}
		return fault.NewRedirect(e.RedirectToServerUUID)

	case ErrorTypeInternalServerError:
		return fault.NewInternalServerError(e.Message)

	case ErrorTypeIOError:
		return fault.NewIO(e.Message)

	case ErrorTypeInvalidArguments:
		return fault.NewPosix(unix.EINVAL, e.Message)

	case ErrorTypeAuthFailed:
		return fault.NewPosix(unix.EACCES, e.Message)

	default:
		return fault.NewIOf("server sent invalid error type %d: %s", e.ErrorType, e.Message)
	}
}

// ErrnoError builds an ERRNO exception.
func ErrnoError(errno unix.Errno, message string) *ErrorResponse {
	return &ErrorResponse{ErrorType: uint32(ErrorTypeErrno), Errno: uint32(errno), Message: message}
}

// RedirectError builds a REDIRECT exception naming the authoritative replica.
func RedirectError(targetUUID string) *ErrorResponse {
	return &ErrorResponse{
		ErrorType:            uint32(ErrorTypeRedirect),
		Message:              "redirect to " + targetUUID,
		RedirectToServerUUID: targetUUID,
	}
}

// NewErrorResponse builds an exception of the given type.
func NewErrorResponse(t ErrorType, message string) *ErrorResponse {
	return &ErrorResponse{ErrorType: uint32(t), Message: message}
}
