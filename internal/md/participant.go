package md

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/peppythegod/OTP-Reboot/internal/datagram"
)

const outQueueSize = 256

// participant is one connection on the internal bus. Network I/O runs in
// dedicated goroutines; all routing state lives in the Director under its
// lock.
type participant struct {
	id       uint64
	conn     net.Conn
	director *Director

	name atomic.Value // string, set by CONTROL_SET_CON_NAME

	out       chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	log *zap.Logger
}

func newParticipant(conn net.Conn, id uint64, d *Director, log *zap.Logger) *participant {
	p := &participant{
		id:       id,
		conn:     conn,
		director: d,
		out:      make(chan []byte, outQueueSize),
		closeCh:  make(chan struct{}),
		log:      log.With(zap.Uint64("participant", id)),
	}
	p.name.Store("unnamed")
	return p
}

func (p *participant) start() {
	go p.readLoop()
	go p.writeLoop()
}

// send queues a datagram for delivery. Non-blocking: a participant that
// cannot drain its queue is disconnected rather than stalling the router.
func (p *participant) send(body []byte) {
	if p.closed.Load() {
		return
	}
	select {
	case p.out <- body:
	default:
		p.log.Warn("output queue full, dropping slow participant",
			zap.String("name", p.Name()))
		p.close()
	}
}

func (p *participant) close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.closeCh)
		p.conn.Close()
	})
}

func (p *participant) Name() string {
	return p.name.Load().(string)
}

func (p *participant) setName(name string) {
	p.name.Store(name)
}

func (p *participant) readLoop() {
	defer func() {
		p.close()
		p.director.dropParticipant(p)
	}()

	for {
		select {
		case <-p.closeCh:
			return
		default:
		}

		body, err := datagram.ReadFrame(p.conn)
		if err != nil {
			if !p.closed.Load() {
				p.log.Debug("read error", zap.Error(err))
			}
			return
		}
		if err := p.director.route(p, body); err != nil {
			p.log.Warn("malformed datagram, dropping participant",
				zap.String("name", p.Name()), zap.Error(err))
			return
		}
	}
}

func (p *participant) writeLoop() {
	defer p.close()

	for {
		select {
		case body := <-p.out:
			p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := datagram.WriteFrame(p.conn, body); err != nil {
				if !p.closed.Load() {
					p.log.Debug("write error", zap.Error(err))
				}
				return
			}
		case <-p.closeCh:
			return
		}
	}
}
