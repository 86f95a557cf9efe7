package fault

import (
	"errors"
	"fmt"
)

// Redirect signals that the contacted replica is not authoritative and names
// the one that is.
//
// Redirect implements error so it can travel through the RPC layer, but it
// does not implement Fault. Only package retry may consume it; any other
// observer treats it as a defect.
type Redirect struct {
	targetUUID string
}

// NewRedirect creates a redirect to targetUUID, which must not be empty.
func NewRedirect(targetUUID string) *Redirect {
	mustNotBeEmpty(KindReplicationRedirection, "target uuid", targetUUID)
	return &Redirect{targetUUID: targetUUID}
}

// TargetUUID returns the UUID of the authoritative replica.
func (r *Redirect) TargetUUID() string { return r.targetUUID }

// Kind always returns KindReplicationRedirection.
func (r *Redirect) Kind() Kind { return KindReplicationRedirection }

func (r *Redirect) Error() string {
	return fmt.Sprintf("replication redirect to %s (internal use only, should not have shown up)", r.targetUUID)
}

// AsRedirect returns the Redirect in err's chain, if any.
func AsRedirect(err error) (*Redirect, bool) {
	var r *Redirect
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
