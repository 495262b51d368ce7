package datagram

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is reported when a read runs past the end of the buffer.
var ErrTruncated = errors.New("datagram: truncated")

// Iterator is a forward-only reader over a datagram body. The first failed
// read sticks: every later read returns the zero value and Err() reports
// ErrTruncated. Callers parse the whole message and check Err() once.
type Iterator struct {
	data []byte
	off  int
	err  error
}

func NewIterator(data []byte) *Iterator {
	return &Iterator{data: data}
}

func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) fail() {
	if it.err == nil {
		it.err = ErrTruncated
	}
	it.off = len(it.data)
}

func (it *Iterator) ReadUint8() uint8 {
	if it.err != nil || it.off+1 > len(it.data) {
		it.fail()
		return 0
	}
	v := it.data[it.off]
	it.off++
	return v
}

func (it *Iterator) ReadUint16() uint16 {
	if it.err != nil || it.off+2 > len(it.data) {
		it.fail()
		return 0
	}
	v := binary.LittleEndian.Uint16(it.data[it.off:])
	it.off += 2
	return v
}

func (it *Iterator) ReadUint32() uint32 {
	if it.err != nil || it.off+4 > len(it.data) {
		it.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(it.data[it.off:])
	it.off += 4
	return v
}

func (it *Iterator) ReadUint64() uint64 {
	if it.err != nil || it.off+8 > len(it.data) {
		it.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(it.data[it.off:])
	it.off += 8
	return v
}

func (it *Iterator) ReadInt32() int32 {
	return int32(it.ReadUint32())
}

// ReadString reads a uint16 length prefix and that many bytes.
func (it *Iterator) ReadString() string {
	return string(it.ReadBlob())
}

// ReadBlob reads a uint16 length prefix and that many bytes. The returned
// slice is a copy.
func (it *Iterator) ReadBlob() []byte {
	n := int(it.ReadUint16())
	if it.err != nil || it.off+n > len(it.data) {
		it.fail()
		return nil
	}
	b := make([]byte, n)
	copy(b, it.data[it.off:it.off+n])
	it.off += n
	return b
}

// RemainingBytes returns a copy of everything not yet read and consumes it.
func (it *Iterator) RemainingBytes() []byte {
	if it.err != nil {
		return nil
	}
	b := make([]byte, len(it.data)-it.off)
	copy(b, it.data[it.off:])
	it.off = len(it.data)
	return b
}

// Remaining reports how many unread bytes are left.
func (it *Iterator) Remaining() int {
	if it.err != nil {
		return 0
	}
	return len(it.data) - it.off
}
