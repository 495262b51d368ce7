package datagram

import (
	"bytes"
	"testing"

	"github.com/peppythegod/OTP-Reboot/internal/types"
)

func TestWriterIteratorRoundTrip(t *testing.T) {
	w := NewWriter()
	w.AddUint8(7)
	w.AddUint16(0xBEEF)
	w.AddUint32(0xDEADBEEF)
	w.AddUint64(1<<40 | 42)
	w.AddInt32(-12345)
	w.AddString("alice")
	w.AddBlob([]byte{1, 2, 3})

	it := NewIterator(w.Bytes())
	if got := it.ReadUint8(); got != 7 {
		t.Errorf("ReadUint8() = %d; want 7", got)
	}
	if got := it.ReadUint16(); got != 0xBEEF {
		t.Errorf("ReadUint16() = %#x; want 0xbeef", got)
	}
	if got := it.ReadUint32(); got != 0xDEADBEEF {
		t.Errorf("ReadUint32() = %#x; want 0xdeadbeef", got)
	}
	if got := it.ReadUint64(); got != 1<<40|42 {
		t.Errorf("ReadUint64() = %d", got)
	}
	if got := it.ReadInt32(); got != -12345 {
		t.Errorf("ReadInt32() = %d; want -12345", got)
	}
	if got := it.ReadString(); got != "alice" {
		t.Errorf("ReadString() = %q; want alice", got)
	}
	if got := it.ReadBlob(); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("ReadBlob() = %v", got)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Err() = %v; want nil", err)
	}
	if it.Remaining() != 0 {
		t.Errorf("Remaining() = %d; want 0", it.Remaining())
	}
}

func TestIteratorTruncated(t *testing.T) {
	w := NewWriter()
	w.AddUint16(5)

	it := NewIterator(w.Bytes())
	it.ReadUint32()
	if it.Err() != ErrTruncated {
		t.Fatalf("Err() = %v; want ErrTruncated", it.Err())
	}

	// Errors stick: later reads stay zero-valued.
	if got := it.ReadUint16(); got != 0 {
		t.Errorf("ReadUint16() after truncation = %d; want 0", got)
	}
}

func TestIteratorTruncatedString(t *testing.T) {
	// Length prefix claims more bytes than exist.
	it := NewIterator([]byte{0x10, 0x00, 'a', 'b'})
	_ = it.ReadString()
	if it.Err() != ErrTruncated {
		t.Fatalf("Err() = %v; want ErrTruncated", it.Err())
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte{9, 8, 7, 6}
	if err := WriteFrame(&buf, body); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("ReadFrame() = %v; want %v", got, body)
	}
}

func TestFrameEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("ReadFrame() = %v; want empty", got)
	}
}

func TestParseRoutedRoundTrip(t *testing.T) {
	w := NewWriter()
	w.AddServerHeader([]uint64{1001, 1002}, 55, 2004)
	w.AddUint32(77)

	r, err := ParseRouted(w.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Recipients) != 2 || r.Recipients[0] != 1001 || r.Recipients[1] != 1002 {
		t.Errorf("Recipients = %v", r.Recipients)
	}
	if r.Sender != 55 {
		t.Errorf("Sender = %d; want 55", r.Sender)
	}
	if r.MsgType != 2004 {
		t.Errorf("MsgType = %d; want 2004", r.MsgType)
	}
	it := NewIterator(r.Payload)
	if got := it.ReadUint32(); got != 77 {
		t.Errorf("payload = %d; want 77", got)
	}
}

func TestParseRoutedTruncated(t *testing.T) {
	// Claims three recipients, carries one.
	w := NewWriter()
	w.AddUint8(3)
	w.AddUint64(1001)

	if _, err := ParseRouted(w.Bytes()); err != ErrTruncated {
		t.Fatalf("ParseRouted() err = %v; want ErrTruncated", err)
	}
}

func TestControlHeader(t *testing.T) {
	w := NewWriter()
	w.AddControlHeader(types.ControlSetChannel)
	w.AddUint64(424242)

	r, err := ParseRouted(w.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Recipients) != 1 || r.Recipients[0] != types.ControlChannel {
		t.Errorf("Recipients = %v; want [1]", r.Recipients)
	}
	if r.MsgType != types.ControlSetChannel {
		t.Errorf("MsgType = %d", r.MsgType)
	}
}
