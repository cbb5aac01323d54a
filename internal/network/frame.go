package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxFrame bounds one frame. Job modules travel inline, so it is generous.
const maxFrame = 64 << 20

var errFrameSize = errors.New("frame exceeds size limit")

// writeFrame writes a 4-byte big-endian length followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrame {
		return fmt.Errorf("%w: %d bytes", errFrameSize, len(payload))
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header:\n%w", err)
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame body:\n%w", err)
	}

	return nil
}

// readFrame reads one frame written by writeFrame.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read frame header:\n%w", err)
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrame {
		return nil, fmt.Errorf("%w: header says %d bytes", errFrameSize, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame body:\n%w", err)
	}

	return payload, nil
}
