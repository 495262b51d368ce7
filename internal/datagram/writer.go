// Package datagram implements the length-prefixed wire codec shared by the
// client link and the internal message bus. All multi-byte integers are
// little-endian; strings and blobs carry a uint16 length prefix.
package datagram

import (
	"encoding/binary"

	"github.com/peppythegod/OTP-Reboot/internal/types"
)

// Writer builds a datagram body with append-style calls.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

func (w *Writer) AddUint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) AddUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) AddUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) AddUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) AddInt32(v int32) {
	w.AddUint32(uint32(v))
}

// AddString writes a uint16 length prefix followed by the raw bytes.
func (w *Writer) AddString(s string) {
	w.AddUint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// AddBlob writes a uint16 length prefix followed by the raw bytes.
func (w *Writer) AddBlob(b []byte) {
	w.AddUint16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

// AppendData writes raw bytes with no length prefix.
func (w *Writer) AppendData(b []byte) {
	w.buf = append(w.buf, b...)
}

// AddServerHeader prepends nothing; it must be the first call on a fresh
// writer. Routed body layout: uint8 recipient count, recipients, sender,
// message type.
func (w *Writer) AddServerHeader(recipients []uint64, sender uint64, msgType uint16) {
	w.AddUint8(uint8(len(recipients)))
	for _, ch := range recipients {
		w.AddUint64(ch)
	}
	w.AddUint64(sender)
	w.AddUint16(msgType)
}

// AddControlHeader writes the header of a Message Director control datagram:
// a single recipient, the reserved control channel, with the control
// sub-type in the message-type slot.
func (w *Writer) AddControlHeader(msgType uint16) {
	w.AddServerHeader([]uint64{types.ControlChannel}, 0, msgType)
}

// Bytes returns the accumulated body. The slice aliases the writer's
// internal buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}
