package rpc

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Name  string
	Count uint32
	Blob  []byte `xdr:"opaque"`
}

// body strips the record mark of a single-fragment record.
func body(t *testing.T, record []byte) []byte {
	t.Helper()
	require.GreaterOrEqual(t, len(record), 4)
	mark := binary.BigEndian.Uint32(record[:4])
	require.NotZero(t, mark&lastFragmentBit, "single fragment must carry the last-fragment bit")
	require.Equal(t, int(mark&fragmentLengthMask), len(record)-4)
	return record[4:]
}

// ============================================================================
// Calls
// ============================================================================

func TestEncodeCallRoundTrip(t *testing.T) {
	args := &echoArgs{Name: "volume-1", Count: 7, Blob: []byte{1, 2, 3}}

	record, err := EncodeCall(0xCAFE, 0x20000002, 1, 3, args)
	require.NoError(t, err)

	call, rest, err := ReadCall(body(t, record))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFE), call.XID)
	assert.Equal(t, uint32(MsgCall), call.MsgType)
	assert.Equal(t, uint32(Version), call.RPCVersion)
	assert.Equal(t, uint32(0x20000002), call.Program)
	assert.Equal(t, uint32(1), call.Version)
	assert.Equal(t, uint32(3), call.Procedure)
	assert.Equal(t, uint32(AuthNull), call.Cred.Flavor)

	var decoded echoArgs
	require.NoError(t, Decode(rest, &decoded))
	assert.Equal(t, *args, decoded)
}

func TestEncodeCallWithoutArgs(t *testing.T) {
	record, err := EncodeCall(1, 2, 1, 0, nil)
	require.NoError(t, err)

	_, rest, err := ReadCall(body(t, record))
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestReadCallRejectsReply(t *testing.T) {
	record, err := MakeSuccessReply(5, nil)
	require.NoError(t, err)

	_, _, err = ReadCall(body(t, record))
	assert.Error(t, err)
}

// ============================================================================
// Replies
// ============================================================================

func TestSuccessReplyRoundTrip(t *testing.T) {
	record, err := MakeSuccessReply(42, &echoArgs{Name: "ok", Count: 1})
	require.NoError(t, err)

	reply, rest, err := ReadReply(body(t, record))
	require.NoError(t, err)
	assert.Equal(t, uint32(42), reply.XID)
	assert.Equal(t, uint32(MsgAccepted), reply.ReplyState)
	assert.Equal(t, uint32(AcceptSuccess), reply.AcceptStat)

	var decoded echoArgs
	require.NoError(t, Decode(rest, &decoded))
	assert.Equal(t, "ok", decoded.Name)
}

func TestExceptionReply(t *testing.T) {
	record, err := MakeExceptionReply(9, &echoArgs{Name: "boom"})
	require.NoError(t, err)

	reply, rest, err := ReadReply(body(t, record))
	require.NoError(t, err)
	assert.Equal(t, uint32(AcceptException), reply.AcceptStat)
	assert.NotEmpty(t, rest)
}

func TestErrorReply(t *testing.T) {
	record, err := MakeErrorReply(3, AcceptProcUnavail)
	require.NoError(t, err)

	reply, rest, err := ReadReply(body(t, record))
	require.NoError(t, err)
	assert.Equal(t, uint32(AcceptProcUnavail), reply.AcceptStat)
	assert.Empty(t, rest)
}

func TestReadReplyDenied(t *testing.T) {
	var buf bytes.Buffer
	for _, v := range []uint32{77, MsgReply, MsgDenied, RejectRPCMismatch, 2, 2} {
		_ = binary.Write(&buf, binary.BigEndian, v)
	}

	reply, _, err := ReadReply(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(77), reply.XID)
	assert.Equal(t, uint32(MsgDenied), reply.ReplyState)
	assert.Equal(t, uint32(RejectRPCMismatch), reply.RejectStat)
	assert.Equal(t, uint32(2), reply.MismatchLow)
}

func TestReadReplyMalformed(t *testing.T) {
	_, _, err := ReadReply([]byte{0, 0, 0, 1})
	assert.Error(t, err)

	var buf bytes.Buffer
	for _, v := range []uint32{1, MsgCall, 0} {
		_ = binary.Write(&buf, binary.BigEndian, v)
	}
	_, _, err = ReadReply(buf.Bytes())
	assert.ErrorIs(t, err, ErrNotReply)
}

// ============================================================================
// Record marking
// ============================================================================

func TestReadRecordSingleFragment(t *testing.T) {
	record, err := MakeSuccessReply(1, &echoArgs{Name: "x"})
	require.NoError(t, err)

	got, err := ReadRecord(bytes.NewReader(record), 0)
	require.NoError(t, err)
	assert.Equal(t, record[4:], got)
}

func TestReadRecordMultiFragment(t *testing.T) {
	record, err := MakeSuccessReply(1, &echoArgs{Name: "a fairly long name to split", Blob: make([]byte, 100)})
	require.NoError(t, err)

	split := SplitRecord(record, 16)
	assert.Greater(t, len(split), len(record))

	got, err := ReadRecord(bytes.NewReader(split), 0)
	require.NoError(t, err)
	assert.Equal(t, record[4:], got)
}

func TestReadRecordBackToBack(t *testing.T) {
	first, _ := MakeSuccessReply(1, nil)
	second, _ := MakeSuccessReply(2, nil)
	r := bytes.NewReader(append(append([]byte{}, first...), second...))

	a, err := ReadRecord(r, 0)
	require.NoError(t, err)
	b, err := ReadRecord(r, 0)
	require.NoError(t, err)

	assert.Equal(t, first[4:], a)
	assert.Equal(t, second[4:], b)

	_, err = ReadRecord(r, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadRecordTooLarge(t *testing.T) {
	header := binary.BigEndian.AppendUint32(nil, lastFragmentBit|1024)
	_, err := ReadRecord(bytes.NewReader(header), 512)
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestReadRecordTruncated(t *testing.T) {
	header := binary.BigEndian.AppendUint32(nil, lastFragmentBit|16)
	_, err := ReadRecord(bytes.NewReader(append(header, 1, 2, 3)), 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestXdrPadding(t *testing.T) {
	tests := []struct {
		length, padding uint32
	}{
		{0, 0}, {1, 3}, {2, 2}, {3, 1}, {4, 0}, {5, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.padding, XdrPadding(tt.length), "length %d", tt.length)
	}
}
