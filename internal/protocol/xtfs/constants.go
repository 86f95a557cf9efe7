// Package xtfs defines the wire messages of the xtfs services: the
// directory service (DIR), the metadata and replica catalog (MRC) and the
// object storage devices (OSD).
//
// All messages are plain structs encoded with XDR by internal/protocol/rpc.
package xtfs

// Program numbers.
const (
	ProgramDIR = 0x20000001
	ProgramMRC = 0x20000002
	ProgramOSD = 0x20000003

	// ProgramVersion is the version of every xtfs program.
	ProgramVersion = 1
)

// Procedures shared by every program.
const (
	ProcNull = 0
)

// DIR procedures.
const (
	ProcAddressMappingsGet = 1
)

// MRC procedures.
const (
	ProcLsVol = 1
	ProcOpen  = 2
)

// OSD procedures.
const (
	ProcGetFileSize = 1
)

// Default service ports.
const (
	DefaultDIRPort = 32638
	DefaultMRCPort = 32636
	DefaultOSDPort = 32640
)

// Address schemes.
const (
	SchemeONCRPC  = "oncrpc"
	SchemeONCRPCS = "oncrpcs"
)

// ProgramName returns a short service name for logs and metrics.
func ProgramName(program uint32) string {
	switch program {
	case ProgramDIR:
		return "DIR"
	case ProgramMRC:
		return "MRC"
	case ProgramOSD:
		return "OSD"
	default:
		return "UNKNOWN"
	}
}

// ProcedureName returns "<service>.<procedure>" for logs and metrics.
func ProcedureName(program, procedure uint32) string {
	name := "UNKNOWN"
	switch {
	case procedure == ProcNull:
		name = "NULL"
	case program == ProgramDIR && procedure == ProcAddressMappingsGet:
		name = "ADDRESS_MAPPINGS_GET"
	case program == ProgramMRC && procedure == ProcLsVol:
		name = "LSVOL"
	case program == ProgramMRC && procedure == ProcOpen:
		name = "OPEN"
	case program == ProgramOSD && procedure == ProcGetFileSize:
		name = "GET_FILE_SIZE"
	}
	return ProgramName(program) + "." + name
}
