package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrRecordTooLarge is returned when a record exceeds the allowed size.
var ErrRecordTooLarge = errors.New("rpc: record exceeds maximum size")

// frame writes the record mark into the first four bytes of buf, which the
// caller reserved, and returns buf as a single-fragment record.
func frame(buf []byte) []byte {
	binary.BigEndian.PutUint32(buf[:4], lastFragmentBit|uint32(len(buf)-4))
	return buf
}

// ReadRecord reads one record from r and returns its reassembled body.
//
// A record may span several fragments; each fragment header carries a
// 31-bit length and a last-fragment flag. maxSize bounds the total body
// size (0 means DefaultMaxRecordSize).
//
// Returns io.EOF only when r is at EOF before the first header byte, so
// callers can tell a clean close from a truncated record.
func ReadRecord(r io.Reader, maxSize uint32) ([]byte, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxRecordSize
	}

	var (
		header [4]byte
		record []byte
		first  = true
	)

	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if first && errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read fragment header: %w", err)
		}
		first = false

		mark := binary.BigEndian.Uint32(header[:])
		length := mark & fragmentLengthMask
		last := mark&lastFragmentBit != 0

		if uint64(len(record))+uint64(length) > uint64(maxSize) {
			return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrRecordTooLarge, uint64(len(record))+uint64(length), maxSize)
		}

		start := len(record)
		record = append(record, make([]byte, length)...)
		if _, err := io.ReadFull(r, record[start:]); err != nil {
			return nil, fmt.Errorf("read fragment body: %w", err)
		}

		if last {
			return record, nil
		}
	}
}

// SplitRecord re-frames a single-fragment record into fragments of at most
// fragmentSize bytes. Used to exercise multi-fragment readers.
func SplitRecord(record []byte, fragmentSize int) []byte {
	body := record[4:]
	if fragmentSize <= 0 || len(body) <= fragmentSize {
		return record
	}

	out := make([]byte, 0, len(body)+4*(len(body)/fragmentSize+1))
	for len(body) > 0 {
		n := min(fragmentSize, len(body))
		mark := uint32(n)
		if n == len(body) {
			mark |= lastFragmentBit
		}
		out = binary.BigEndian.AppendUint32(out, mark)
		out = append(out, body[:n]...)
		body = body[n:]
	}
	return out
}
