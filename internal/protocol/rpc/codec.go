package rpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// ErrNotCall is returned by ReadCall when a message is not an RPC call.
var ErrNotCall = errors.New("rpc: message is not a call")

// ErrNotReply is returned by ReadReply when a message is not an RPC reply.
var ErrNotReply = errors.New("rpc: message is not a reply")

// EncodeCall builds a complete call record: record mark, call header and
// XDR-encoded args. A nil args encodes an empty argument list.
//
// Example usage:
//
//	record, err := rpc.EncodeCall(xid, xtfs.ProgramMRC, xtfs.ProgramVersion, xtfs.ProcLsVol, &xtfs.LsVolRequest{})
func EncodeCall(xid, program, version, procedure uint32, args any) ([]byte, error) {
	call := CallMessage{
		XID:        xid,
		MsgType:    MsgCall,
		RPCVersion: Version,
		Program:    program,
		Version:    version,
		Procedure:  procedure,
		Cred:       NullAuth(),
		Verf:       NullAuth(),
	}

	// Room for the record mark; filled in by frame.
	buf := bytes.NewBuffer(make([]byte, 4, 128))

	if _, err := xdr.Marshal(buf, &call); err != nil {
		return nil, fmt.Errorf("marshal call header: %w", err)
	}
	if args != nil {
		if _, err := xdr.Marshal(buf, args); err != nil {
			return nil, fmt.Errorf("marshal call args: %w", err)
		}
	}

	return frame(buf.Bytes()), nil
}

// ReadCall parses a call record body (without record mark) and returns the
// header plus the undecoded argument bytes.
func ReadCall(data []byte) (*CallMessage, []byte, error) {
	r := bytes.NewReader(data)

	call := &CallMessage{}
	if _, err := xdr.Unmarshal(r, call); err != nil {
		return nil, nil, fmt.Errorf("unmarshal call header: %w", err)
	}
	if call.MsgType != MsgCall {
		return nil, nil, fmt.Errorf("%w: message type %d", ErrNotCall, call.MsgType)
	}

	return call, data[len(data)-r.Len():], nil
}

// ReadReply parses a reply record body (without record mark) and returns
// the header plus the undecoded result bytes.
//
// The returned body is only meaningful for accepted replies with
// AcceptSuccess or AcceptException.
func ReadReply(data []byte) (*ReplyMessage, []byte, error) {
	if len(data) < 12 {
		return nil, nil, fmt.Errorf("reply too short: %d bytes", len(data))
	}

	reply := &ReplyMessage{
		XID:        binary.BigEndian.Uint32(data[0:4]),
		ReplyState: binary.BigEndian.Uint32(data[8:12]),
	}
	if msgType := binary.BigEndian.Uint32(data[4:8]); msgType != MsgReply {
		return nil, nil, fmt.Errorf("%w: message type %d", ErrNotReply, msgType)
	}

	r := bytes.NewReader(data[12:])

	switch reply.ReplyState {
	case MsgAccepted:
		var accepted acceptedReply
		if _, err := xdr.Unmarshal(r, &accepted); err != nil {
			return nil, nil, fmt.Errorf("unmarshal accepted reply: %w", err)
		}
		reply.AcceptStat = accepted.AcceptStat

		if reply.AcceptStat == AcceptProgMismatch {
			if err := readMismatch(r, reply); err != nil {
				return nil, nil, err
			}
		}

	case MsgDenied:
		var stat uint32
		if _, err := xdr.Unmarshal(r, &stat); err != nil {
			return nil, nil, fmt.Errorf("unmarshal reject stat: %w", err)
		}
		reply.RejectStat = stat

		if stat == RejectRPCMismatch {
			if err := readMismatch(r, reply); err != nil {
				return nil, nil, err
			}
		}

	default:
		return nil, nil, fmt.Errorf("invalid reply state %d", reply.ReplyState)
	}

	return reply, data[len(data)-r.Len():], nil
}

func readMismatch(r *bytes.Reader, reply *ReplyMessage) error {
	var versions struct {
		Low  uint32
		High uint32
	}
	if _, err := xdr.Unmarshal(r, &versions); err != nil {
		return fmt.Errorf("unmarshal version mismatch: %w", err)
	}
	reply.MismatchLow = versions.Low
	reply.MismatchHigh = versions.High
	return nil
}

// MakeSuccessReply builds a complete reply record carrying the XDR encoding
// of result. A nil result produces an empty body.
func MakeSuccessReply(xid uint32, result any) ([]byte, error) {
	return makeAcceptedReply(xid, AcceptSuccess, result)
}

// MakeExceptionReply builds a reply record whose body is a remote exception
// instead of procedure results.
func MakeExceptionReply(xid uint32, exception any) ([]byte, error) {
	return makeAcceptedReply(xid, AcceptException, exception)
}

// MakeErrorReply builds an accepted reply with a non-success accept status
// and no body, e.g. AcceptProcUnavail for an unknown procedure.
func MakeErrorReply(xid uint32, acceptStat uint32) ([]byte, error) {
	return makeAcceptedReply(xid, acceptStat, nil)
}

func makeAcceptedReply(xid, acceptStat uint32, body any) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 4, 128))

	header := struct {
		XID        uint32
		MsgType    uint32
		ReplyState uint32
		Accepted   acceptedReply
	}{
		XID:        xid,
		MsgType:    MsgReply,
		ReplyState: MsgAccepted,
		Accepted: acceptedReply{
			Verf:       NullAuth(),
			AcceptStat: acceptStat,
		},
	}

	if _, err := xdr.Marshal(buf, &header); err != nil {
		return nil, fmt.Errorf("marshal reply header: %w", err)
	}
	if body != nil {
		if _, err := xdr.Marshal(buf, body); err != nil {
			return nil, fmt.Errorf("marshal reply body: %w", err)
		}
	}

	return frame(buf.Bytes()), nil
}

// Decode unmarshals an XDR body into v.
func Decode(body []byte, v any) error {
	if _, err := xdr.Unmarshal(bytes.NewReader(body), v); err != nil {
		return fmt.Errorf("unmarshal body: %w", err)
	}
	return nil
}

// XdrPadding returns the number of zero bytes that align length to 4.
func XdrPadding(length uint32) uint32 {
	return (4 - (length % 4)) % 4
}
