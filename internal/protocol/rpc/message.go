// Package rpc implements the ONC RPC v2 message layer used by every xtfs
// service: call and reply headers, XDR encoding of bodies, and TCP record
// marking.
//
// The package is transport-agnostic; pkg/rpc builds the client and server
// on top of it.
package rpc

// CallMessage is the header of an RPC call.
//
// Wire Format (XDR encoding):
//   - XID:        4 bytes
//   - MsgType:    4 bytes (0 = CALL)
//   - RPCVersion: 4 bytes (2)
//   - Program:    4 bytes
//   - Version:    4 bytes
//   - Procedure:  4 bytes
//   - Cred:       variable
//   - Verf:       variable
//   - [procedure arguments follow]
type CallMessage struct {
	// XID matches a reply to its call. The client picks it; the server
	// echoes it.
	XID uint32

	MsgType    uint32
	RPCVersion uint32

	// Program identifies the service (DIR, MRC or OSD).
	Program uint32

	// Version is the program version. All xtfs programs are version 1.
	Version uint32

	// Procedure identifies the operation within Program.
	Procedure uint32

	Cred OpaqueAuth
	Verf OpaqueAuth
}

// acceptedReply is the part of a reply that follows the reply state when
// the call was accepted.
type acceptedReply struct {
	Verf       OpaqueAuth
	AcceptStat uint32
}

// ReplyMessage is the decoded header of an RPC reply.
type ReplyMessage struct {
	XID        uint32
	ReplyState uint32

	// AcceptStat is valid when ReplyState is MsgAccepted.
	AcceptStat uint32

	// RejectStat is valid when ReplyState is MsgDenied.
	RejectStat uint32

	// MismatchLow and MismatchHigh carry the supported version range for
	// AcceptProgMismatch and RejectRPCMismatch replies.
	MismatchLow  uint32
	MismatchHigh uint32
}

// OpaqueAuth carries credentials or a verifier.
//
// Reference: RFC 5531 Section 8
type OpaqueAuth struct {
	Flavor uint32
	Body   []byte `xdr:"opaque"`
}

// NullAuth returns an AUTH_NULL credential.
func NullAuth() OpaqueAuth {
	return OpaqueAuth{Flavor: AuthNull, Body: []byte{}}
}
