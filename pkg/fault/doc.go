// Package fault defines the closed set of failures the xtfs client library
// can produce.
//
// Every failure is one immutable value of exactly one Kind. Public failures
// implement the sealed Fault interface and may travel up to the POSIX
// boundary (package posix). The replica redirect signal is a separate type,
// Redirect, which deliberately does not implement Fault: it is a control
// signal consumed by package retry and must never be observed by callers.
//
// Faults are constructed at the point a failure is detected (remote reply,
// registry lookup, resolution step) and propagated unchanged. Constructors
// panic when called with a missing identifying field or an unrecognized
// errno, because both indicate a programming error at the call site.
//
// Usage:
//
//	info, err := table.Get(fileID)
//	if err != nil {
//	    return err // *fault.FileInfoNotFound, a defect signal
//	}
//
//	if f, ok := fault.As(err); ok && f.Kind().IsDefect() {
//	    // client bug, not an outage
//	}
package fault
