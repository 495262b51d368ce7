package ca

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/peppythegod/OTP-Reboot/internal/datagram"
	"github.com/peppythegod/OTP-Reboot/internal/types"
)

const uplinkQueueSize = 512

// Uplink is the agent's participant connection to the Message Director.
// Inbound routed datagrams are handed to the dispatch callback from the
// read goroutine; outbound traffic is serialized through a writer
// goroutine.
type Uplink struct {
	conn     net.Conn
	out      chan []byte
	dispatch func(datagram.Routed)
	onClose  func()

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	log *zap.Logger
}

// DialUplink connects to the director and names the participant.
func DialUplink(addr, name string, dispatch func(datagram.Routed), onClose func(), log *zap.Logger) (*Uplink, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ca: dial message director %s: %w", addr, err)
	}
	u := &Uplink{
		conn:     conn,
		out:      make(chan []byte, uplinkQueueSize),
		dispatch: dispatch,
		onClose:  onClose,
		closeCh:  make(chan struct{}),
		log:      log.Named("uplink"),
	}

	w := datagram.NewWriter()
	w.AddControlHeader(types.ControlSetConName)
	w.AddString(name)
	u.Send(w.Bytes())

	go u.readLoop()
	go u.writeLoop()
	return u, nil
}

// Send queues a raw routed body for the director.
func (u *Uplink) Send(body []byte) {
	if u.closed.Load() {
		return
	}
	select {
	case u.out <- body:
	case <-u.closeCh:
	}
}

// Route sends a routed datagram to the given recipients.
func (u *Uplink) Route(recipients []uint64, sender uint64, msgType uint16, payload []byte) {
	w := datagram.NewWriter()
	w.AddServerHeader(recipients, sender, msgType)
	w.AppendData(payload)
	u.Send(w.Bytes())
}

// SetChannel claims ownership of channel on the director.
func (u *Uplink) SetChannel(channel uint64) {
	w := datagram.NewWriter()
	w.AddControlHeader(types.ControlSetChannel)
	w.AddUint64(channel)
	u.Send(w.Bytes())
}

// RemoveChannel releases ownership of channel.
func (u *Uplink) RemoveChannel(channel uint64) {
	w := datagram.NewWriter()
	w.AddControlHeader(types.ControlRemoveChannel)
	w.AddUint64(channel)
	u.Send(w.Bytes())
}

// AddPostRemove queues inner on the director to fire if this agent dies,
// tagged so one client's entries can be cleared without the rest.
func (u *Uplink) AddPostRemove(tag uint64, inner []byte) {
	w := datagram.NewWriter()
	w.AddControlHeader(types.ControlAddPostRemove)
	w.AddUint64(tag)
	w.AppendData(inner)
	u.Send(w.Bytes())
}

// ClearPostRemove drops the queued post-removes with the given tag.
func (u *Uplink) ClearPostRemove(tag uint64) {
	w := datagram.NewWriter()
	w.AddControlHeader(types.ControlClearPostRemove)
	w.AddUint64(tag)
	u.Send(w.Bytes())
}

func (u *Uplink) Close() {
	u.closeOnce.Do(func() {
		u.closed.Store(true)
		close(u.closeCh)
		u.conn.Close()
	})
}

func (u *Uplink) readLoop() {
	defer func() {
		u.Close()
		if u.onClose != nil {
			u.onClose()
		}
	}()

	for {
		body, err := datagram.ReadFrame(u.conn)
		if err != nil {
			if !u.closed.Load() {
				u.log.Error("uplink read failed", zap.Error(err))
			}
			return
		}
		routed, err := datagram.ParseRouted(body)
		if err != nil {
			u.log.Warn("malformed datagram from director", zap.Error(err))
			continue
		}
		u.dispatch(routed)
	}
}

func (u *Uplink) writeLoop() {
	defer u.Close()

	for {
		select {
		case body := <-u.out:
			u.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := datagram.WriteFrame(u.conn, body); err != nil {
				if !u.closed.Load() {
					u.log.Error("uplink write failed", zap.Error(err))
				}
				return
			}
		case <-u.closeCh:
			return
		}
	}
}
