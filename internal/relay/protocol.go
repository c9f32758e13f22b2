// Package relay distributes encoded video frames to viewer connections over a
// length-prefixed binary protocol, annotating them with face-detection
// overlays at a throttled cadence.
package relay

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame payload; anything larger is a protocol error.
const maxFrameSize = 10 << 20

// WriteFrame writes one frame message: a 4-byte big-endian length followed by
// the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one frame message written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
