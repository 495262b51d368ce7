package datagram

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Framing shared by the client link and the internal bus: a uint16
// little-endian body length followed by the body. The prefix does not count
// itself, matching the game client's native datagram stream.

const maxFrameSize = 0xFFFF

// ReadFrame reads one frame from r and returns the body.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	n := int(binary.LittleEndian.Uint16(header[:]))
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body (%d bytes): %w", n, err)
	}
	return body, nil
}

// WriteFrame writes body as one frame to w.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}
	var header [2]byte
	binary.LittleEndian.PutUint16(header[:], uint16(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}
