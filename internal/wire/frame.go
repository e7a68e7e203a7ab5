package wire

import (
	"bufio"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// WriteFrame writes a single varint-length-prefixed message to w — the
// length-prefixed binary format of spec.md §6.
func WriteFrame(w io.Writer, msg []byte) error {
	var header []byte
	header = protowire.AppendVarint(header, uint64(len(msg)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one varint-length-prefixed message from r.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	length, err := readVarint(r)
	if err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

// readVarint reads a protobuf-style base-128 varint one byte at a time,
// since protowire.ConsumeVarint needs the whole buffer up front and frame
// lengths arrive over a streaming reader.
func readVarint(r *bufio.Reader) (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, fmt.Errorf("varint too long")
		}
	}
}
