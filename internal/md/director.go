// Package md implements the Message Director: the hub of the internal bus.
// Participants connect over TCP, claim channels with control datagrams and
// exchange routed datagrams addressed by channel.
package md

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/peppythegod/OTP-Reboot/internal/config"
	"github.com/peppythegod/OTP-Reboot/internal/datagram"
	"github.com/peppythegod/OTP-Reboot/internal/types"
)

// postRemove is a datagram queued to fire on the owner's disconnect. The
// tag groups entries so a participant multiplexing many clients can clear
// one client's queue without touching the rest.
type postRemove struct {
	tag  uint64
	body []byte
}

// Director owns the bus routing table. All mutation happens under mu, so
// routing decisions are serialized even though each participant reads its
// socket concurrently.
type Director struct {
	listener net.Listener
	nextID   atomic.Uint64
	log      *zap.Logger
	metrics  *Metrics

	closeCh   chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	channels     map[uint64]*participant
	participants map[*participant]map[uint64]struct{}
	postRemoves  map[*participant][]postRemove
}

// New opens the director's listener.
func New(cfg config.MDConfig, log *zap.Logger, metrics *Metrics) (*Director, error) {
	ln, err := net.Listen("tcp", cfg.BindAddress)
	if err != nil {
		return nil, fmt.Errorf("md: listen %s: %w", cfg.BindAddress, err)
	}
	d := &Director{
		listener:     ln,
		log:          log.Named("md"),
		metrics:      metrics,
		closeCh:      make(chan struct{}),
		channels:     make(map[uint64]*participant),
		participants: make(map[*participant]map[uint64]struct{}),
		postRemoves:  make(map[*participant][]postRemove),
	}
	return d, nil
}

// Addr returns the listener's address.
func (d *Director) Addr() net.Addr {
	return d.listener.Addr()
}

// Serve accepts participants until Shutdown. It blocks.
func (d *Director) Serve() error {
	d.log.Info("listening", zap.String("addr", d.listener.Addr().String()))
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.closeCh:
				return nil
			default:
			}
			return fmt.Errorf("md: accept: %w", err)
		}

		p := newParticipant(conn, d.nextID.Add(1), d, d.log)

		d.mu.Lock()
		d.participants[p] = make(map[uint64]struct{})
		d.mu.Unlock()
		d.metrics.Participants.Inc()

		d.log.Info("participant connected",
			zap.Uint64("participant", p.id),
			zap.String("addr", conn.RemoteAddr().String()))
		p.start()
	}
}

// Shutdown stops accepting and disconnects every participant.
func (d *Director) Shutdown() {
	d.closeOnce.Do(func() {
		close(d.closeCh)
		d.listener.Close()
	})

	d.mu.Lock()
	all := make([]*participant, 0, len(d.participants))
	for p := range d.participants {
		all = append(all, p)
	}
	d.mu.Unlock()

	for _, p := range all {
		p.close()
	}
}

// route handles one inbound datagram from p. A parse failure is returned
// so the read loop drops the sender; bad traffic from one participant
// never tears down the director.
func (d *Director) route(p *participant, body []byte) error {
	routed, err := datagram.ParseRouted(body)
	if err != nil {
		return err
	}
	if len(routed.Recipients) == 1 && routed.Recipients[0] == types.ControlChannel {
		return d.handleControl(p, routed)
	}

	seen := make(map[uint64]struct{}, len(routed.Recipients))
	for _, channel := range routed.Recipients {
		if _, dup := seen[channel]; dup {
			continue
		}
		seen[channel] = struct{}{}
		d.deliver(channel, routed.Sender, routed.MsgType, routed.Payload)
	}
	return nil
}

// deliver rewrites the header down to a single recipient and queues it on
// the channel's owner.
func (d *Director) deliver(channel, sender uint64, msgType uint16, payload []byte) {
	d.mu.Lock()
	target := d.channels[channel]
	d.mu.Unlock()

	if target == nil {
		d.metrics.DroppedTotal.Inc()
		d.log.Debug("dropping datagram for unowned channel",
			zap.Uint64("channel", channel),
			zap.Uint16("msgtype", msgType))
		return
	}
	target.send(datagram.BuildRouted(channel, sender, msgType, payload))
	d.metrics.RoutedTotal.Inc()
}

func (d *Director) handleControl(p *participant, routed datagram.Routed) error {
	it := datagram.NewIterator(routed.Payload)

	switch routed.MsgType {
	case types.ControlSetChannel:
		channel := it.ReadUint64()
		if err := it.Err(); err != nil {
			return err
		}
		d.setChannel(p, channel)

	case types.ControlRemoveChannel:
		channel := it.ReadUint64()
		if err := it.Err(); err != nil {
			return err
		}
		d.removeChannel(p, channel)

	case types.ControlSetConName:
		name := it.ReadString()
		if err := it.Err(); err != nil {
			return err
		}
		p.setName(name)
		d.log.Info("participant named",
			zap.Uint64("participant", p.id), zap.String("name", name))

	case types.ControlAddPostRemove:
		tag := it.ReadUint64()
		inner := it.RemainingBytes()
		if err := it.Err(); err != nil {
			return err
		}
		d.mu.Lock()
		d.postRemoves[p] = append(d.postRemoves[p], postRemove{tag: tag, body: inner})
		d.mu.Unlock()
		d.metrics.PostRemoves.Inc()

	case types.ControlClearPostRemove:
		tag := it.ReadUint64()
		if err := it.Err(); err != nil {
			return err
		}
		d.clearPostRemoves(p, tag)

	default:
		// An unknown control is malformed traffic; the sender is dropped
		// like any other unparseable datagram.
		return fmt.Errorf("unknown control message %d", routed.MsgType)
	}
	return nil
}

// setChannel registers p as the owner of channel. A channel already owned
// by a different live participant stays with its owner.
func (d *Director) setChannel(p *participant, channel uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if owner, ok := d.channels[channel]; ok {
		if owner != p {
			d.log.Warn("channel already owned",
				zap.Uint64("channel", channel),
				zap.Uint64("owner", owner.id),
				zap.Uint64("claimant", p.id))
		}
		return
	}
	d.channels[channel] = p
	if owned := d.participants[p]; owned != nil {
		owned[channel] = struct{}{}
	}
	d.metrics.Channels.Inc()
}

func (d *Director) removeChannel(p *participant, channel uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.channels[channel] != p {
		return
	}
	delete(d.channels, channel)
	delete(d.participants[p], channel)
	d.metrics.Channels.Dec()
}

// clearPostRemoves drops p's queued post-removes with the given tag; tag
// zero drops them all.
func (d *Director) clearPostRemoves(p *participant, tag uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue := d.postRemoves[p]
	if len(queue) == 0 {
		return
	}
	if tag == 0 {
		d.metrics.PostRemoves.Sub(float64(len(queue)))
		delete(d.postRemoves, p)
		return
	}
	kept := queue[:0]
	removed := 0
	for _, pr := range queue {
		if pr.tag == tag {
			removed++
			continue
		}
		kept = append(kept, pr)
	}
	d.postRemoves[p] = kept
	d.metrics.PostRemoves.Sub(float64(removed))
}

// dropParticipant tears down a dead participant: its channels are
// released, then its post-removes fire in the order they were queued.
func (d *Director) dropParticipant(p *participant) {
	d.mu.Lock()
	owned, known := d.participants[p]
	if !known {
		d.mu.Unlock()
		return
	}
	delete(d.participants, p)
	for channel := range owned {
		if d.channels[channel] == p {
			delete(d.channels, channel)
			d.metrics.Channels.Dec()
		}
	}
	queue := d.postRemoves[p]
	delete(d.postRemoves, p)
	d.mu.Unlock()

	d.metrics.Participants.Dec()
	d.metrics.PostRemoves.Sub(float64(len(queue)))
	d.log.Info("participant disconnected",
		zap.Uint64("participant", p.id),
		zap.String("name", p.Name()),
		zap.Int("post_removes", len(queue)))

	for _, pr := range queue {
		routed, err := datagram.ParseRouted(pr.body)
		if err != nil {
			d.log.Warn("discarding malformed post-remove",
				zap.Uint64("participant", p.id), zap.Error(err))
			continue
		}
		for _, channel := range routed.Recipients {
			d.deliver(channel, routed.Sender, routed.MsgType, routed.Payload)
		}
	}
}
