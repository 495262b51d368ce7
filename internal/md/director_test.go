package md

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peppythegod/OTP-Reboot/internal/config"
	"github.com/peppythegod/OTP-Reboot/internal/datagram"
	"github.com/peppythegod/OTP-Reboot/internal/types"
)

func startDirector(t *testing.T) *Director {
	t.Helper()
	d, err := New(config.MDConfig{BindAddress: "127.0.0.1:0"}, zap.NewNop(), NewMetrics())
	require.NoError(t, err)
	go d.Serve()
	t.Cleanup(d.Shutdown)
	return d
}

type busConn struct {
	t    *testing.T
	conn net.Conn
}

func dialBus(t *testing.T, d *Director) *busConn {
	t.Helper()
	conn, err := net.Dial("tcp", d.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &busConn{t: t, conn: conn}
}

func (c *busConn) write(body []byte) {
	c.t.Helper()
	require.NoError(c.t, datagram.WriteFrame(c.conn, body))
}

func (c *busConn) control(msgType uint16, build func(w *datagram.Writer)) {
	w := datagram.NewWriter()
	w.AddControlHeader(msgType)
	if build != nil {
		build(w)
	}
	c.write(w.Bytes())
}

func (c *busConn) setChannel(channel uint64) {
	c.control(types.ControlSetChannel, func(w *datagram.Writer) { w.AddUint64(channel) })
}

func (c *busConn) read() datagram.Routed {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	body, err := datagram.ReadFrame(c.conn)
	require.NoError(c.t, err)
	routed, err := datagram.ParseRouted(body)
	require.NoError(c.t, err)
	return routed
}

func (c *busConn) expectSilence() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, err := datagram.ReadFrame(c.conn)
	require.Error(c.t, err)
}

// settle round-trips a datagram through the director so earlier writes on
// other connections are known to have been routed. Each call claims a
// unique channel: earlier probe connections stay open until test cleanup,
// so reusing a channel would have the claim rejected by the single-owner
// rule.
var settleChannel atomic.Uint64

func settle(t *testing.T, d *Director) {
	t.Helper()
	channel := 999999 + settleChannel.Add(1)
	probe := dialBus(t, d)
	probe.setChannel(channel)
	w := datagram.NewWriter()
	w.AddServerHeader([]uint64{channel}, 0, 1)
	probe.write(w.Bytes())
	probe.read()
}

func TestRouteToRegisteredChannel(t *testing.T) {
	d := startDirector(t)
	receiver := dialBus(t, d)
	sender := dialBus(t, d)

	receiver.setChannel(5000)
	settle(t, d)

	w := datagram.NewWriter()
	w.AddServerHeader([]uint64{5000}, 4242, 2004)
	w.AddUint32(77)
	sender.write(w.Bytes())

	got := receiver.read()
	assert.Equal(t, []uint64{5000}, got.Recipients)
	assert.Equal(t, uint64(4242), got.Sender)
	assert.Equal(t, uint16(2004), got.MsgType)
	it := datagram.NewIterator(got.Payload)
	assert.Equal(t, uint32(77), it.ReadUint32())
}

func TestUnownedChannelDropped(t *testing.T) {
	d := startDirector(t)
	receiver := dialBus(t, d)
	sender := dialBus(t, d)

	receiver.setChannel(5000)
	settle(t, d)

	w := datagram.NewWriter()
	w.AddServerHeader([]uint64{6000}, 0, 1)
	sender.write(w.Bytes())

	w = datagram.NewWriter()
	w.AddServerHeader([]uint64{5000}, 0, 2)
	sender.write(w.Bytes())

	// Only the datagram for the owned channel arrives.
	got := receiver.read()
	assert.Equal(t, uint16(2), got.MsgType)
	receiver.expectSilence()
}

func TestMultiRecipientFanOut(t *testing.T) {
	d := startDirector(t)
	a := dialBus(t, d)
	b := dialBus(t, d)
	sender := dialBus(t, d)

	a.setChannel(5000)
	b.setChannel(5001)
	settle(t, d)

	w := datagram.NewWriter()
	w.AddServerHeader([]uint64{5000, 5001, 5000}, 9, 3)
	sender.write(w.Bytes())

	assert.Equal(t, []uint64{5000}, a.read().Recipients)
	assert.Equal(t, []uint64{5001}, b.read().Recipients)
	// The duplicate recipient must not double-deliver.
	a.expectSilence()
}

func TestRemoveChannelStopsDelivery(t *testing.T) {
	d := startDirector(t)
	receiver := dialBus(t, d)
	sender := dialBus(t, d)

	receiver.setChannel(5000)
	receiver.control(types.ControlRemoveChannel, func(w *datagram.Writer) { w.AddUint64(5000) })
	settle(t, d)

	w := datagram.NewWriter()
	w.AddServerHeader([]uint64{5000}, 0, 1)
	sender.write(w.Bytes())

	receiver.expectSilence()
}

func TestChannelClaimDoesNotSteal(t *testing.T) {
	d := startDirector(t)
	owner := dialBus(t, d)
	intruder := dialBus(t, d)
	sender := dialBus(t, d)

	owner.setChannel(5000)
	settle(t, d)
	intruder.setChannel(5000)
	settle(t, d)

	w := datagram.NewWriter()
	w.AddServerHeader([]uint64{5000}, 0, 1)
	sender.write(w.Bytes())

	owner.read()
	intruder.expectSilence()
}

func TestPostRemoveFiresOnDisconnect(t *testing.T) {
	d := startDirector(t)
	receiver := dialBus(t, d)
	dying := dialBus(t, d)

	receiver.setChannel(5000)
	settle(t, d)

	dying.control(types.ControlAddPostRemove, func(w *datagram.Writer) {
		w.AddUint64(31) // tag
		w.AppendData(datagram.BuildRouted(5000, 8, 54, nil))
	})
	settle(t, d)
	dying.conn.Close()

	got := receiver.read()
	assert.Equal(t, uint64(8), got.Sender)
	assert.Equal(t, uint16(54), got.MsgType)
}

func TestClearPostRemoveByTag(t *testing.T) {
	d := startDirector(t)
	receiver := dialBus(t, d)
	dying := dialBus(t, d)

	receiver.setChannel(5000)
	settle(t, d)

	dying.control(types.ControlAddPostRemove, func(w *datagram.Writer) {
		w.AddUint64(7)
		w.AppendData(datagram.BuildRouted(5000, 0, 100, nil))
	})
	dying.control(types.ControlAddPostRemove, func(w *datagram.Writer) {
		w.AddUint64(8)
		w.AppendData(datagram.BuildRouted(5000, 0, 101, nil))
	})
	dying.control(types.ControlClearPostRemove, func(w *datagram.Writer) {
		w.AddUint64(7)
	})
	settle(t, d)
	dying.conn.Close()

	got := receiver.read()
	assert.Equal(t, uint16(101), got.MsgType)
	receiver.expectSilence()
}

func TestUnknownControlDropsSender(t *testing.T) {
	d := startDirector(t)
	bad := dialBus(t, d)

	bad.control(2999, func(w *datagram.Writer) { w.AddUint64(5000) })

	bad.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := datagram.ReadFrame(bad.conn)
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection still open after unknown control")
	}
}

func TestMalformedDatagramDropsSender(t *testing.T) {
	d := startDirector(t)
	bad := dialBus(t, d)

	// Claims two recipients but carries none.
	bad.write([]byte{2})

	bad.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := datagram.ReadFrame(bad.conn)
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection still open after malformed datagram")
	}
}
