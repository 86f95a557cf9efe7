package rpc

// Message types.
//
// Reference: RFC 5531 Section 9
const (
	MsgCall  = 0
	MsgReply = 1
)

// Version is the only ONC RPC protocol version spoken.
const Version = 2

// Reply states.
const (
	// MsgAccepted means the server executed (or tried to execute) the call.
	MsgAccepted = 0

	// MsgDenied means the server refused the call outright, because of an
	// RPC version mismatch or an authentication failure.
	MsgDenied = 1
)

// Accept status values of an accepted reply.
const (
	AcceptSuccess      = 0
	AcceptProgUnavail  = 1
	AcceptProgMismatch = 2
	AcceptProcUnavail  = 3
	AcceptGarbageArgs  = 4
	AcceptSystemErr    = 5

	// AcceptException is an xtfs extension: the procedure ran and failed,
	// and an XDR-encoded error response follows in place of the results.
	AcceptException = 100
)

// Reject status values of a denied reply.
const (
	RejectRPCMismatch = 0
	RejectAuthError   = 1
)

// Authentication flavors.
const (
	AuthNull = 0
	AuthUnix = 1
)

// Record marking.
//
// Reference: RFC 5531 Section 11
const (
	// lastFragmentBit marks the final fragment of a record.
	lastFragmentBit = 0x80000000

	// fragmentLengthMask extracts the fragment length from its header.
	fragmentLengthMask = 0x7FFFFFFF

	// DefaultMaxRecordSize bounds a reassembled record. Larger records are
	// rejected before any allocation so a corrupt header cannot exhaust
	// memory.
	DefaultMaxRecordSize = 16 << 20
)
