// Package ca implements the Client Agent: the trust boundary between
// untrusted game connections and the internal bus. Each connection gets a
// channel from the agent's allocated range, and everything the client is
// allowed to do on the bus goes through translation here.
package ca

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/peppythegod/OTP-Reboot/internal/alloc"
	"github.com/peppythegod/OTP-Reboot/internal/config"
	"github.com/peppythegod/OTP-Reboot/internal/datagram"
	"github.com/peppythegod/OTP-Reboot/internal/dc"
	"github.com/peppythegod/OTP-Reboot/internal/names"
	"github.com/peppythegod/OTP-Reboot/internal/tokenstore"
	"github.com/peppythegod/OTP-Reboot/internal/types"
	"github.com/peppythegod/OTP-Reboot/internal/zone"
)

// Agent accepts game clients and bridges them onto the internal bus.
type Agent struct {
	cfg     config.CAConfig
	log     *zap.Logger
	metrics *Metrics

	schema *dc.Schema
	vis    *zone.VisTable
	names  *names.Dictionary
	tokens *tokenstore.Store

	uplink     *Uplink
	operations *OperationManager
	listener   net.Listener

	closeCh    chan struct{}
	closeOnce  sync.Once
	closing    atomic.Bool
	uplinkLost atomic.Bool

	mu        sync.Mutex
	allocator *alloc.ChannelAllocator
	routes    map[uint64]*Client
	claims    map[uint64]int
}

// New loads the agent's data files, connects to the Message Director and
// opens the client listener.
func New(cfg config.CAConfig, log *zap.Logger, metrics *Metrics) (*Agent, error) {
	vis, err := zone.LoadVisTable(cfg.VisTable)
	if err != nil {
		return nil, err
	}
	dictionary, err := names.Load(cfg.NameDict)
	if err != nil {
		return nil, err
	}
	tokens, err := tokenstore.Open(cfg.TokenDBPath)
	if err != nil {
		return nil, err
	}
	allocator, err := alloc.NewChannelAllocator(cfg.MinChannel, cfg.MaxChannel)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:       cfg,
		log:       log.Named("ca"),
		metrics:   metrics,
		schema:    dc.Compile(),
		vis:       vis,
		names:     dictionary,
		tokens:    tokens,
		closeCh:   make(chan struct{}),
		allocator: allocator,
		routes:    make(map[uint64]*Client),
		claims:    make(map[uint64]int),
	}
	a.operations = newOperationManager(metrics, a.log)

	a.uplink, err = DialUplink(cfg.MDAddress, "client-agent", a.dispatch, a.handleUplinkLoss, a.log)
	if err != nil {
		tokens.Close()
		return nil, err
	}
	a.uplink.SetChannel(types.ClientAgentChannel)

	a.listener, err = net.Listen("tcp", cfg.BindAddress)
	if err != nil {
		a.uplink.Close()
		tokens.Close()
		return nil, fmt.Errorf("ca: listen %s: %w", cfg.BindAddress, err)
	}
	return a, nil
}

// Addr returns the client listener's address.
func (a *Agent) Addr() net.Addr {
	return a.listener.Addr()
}

// Serve accepts game clients until Shutdown. It blocks.
func (a *Agent) Serve() error {
	a.log.Info("listening for clients", zap.String("addr", a.listener.Addr().String()))
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.closeCh:
				return nil
			default:
			}
			if a.uplinkLost.Load() {
				return fmt.Errorf("ca: message director connection lost")
			}
			return fmt.Errorf("ca: accept: %w", err)
		}

		a.mu.Lock()
		channel, err := a.allocator.Allocate()
		a.mu.Unlock()
		if err != nil {
			a.log.Warn("refusing client, channel range exhausted",
				zap.String("addr", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		client := newClient(a, conn, channel)
		a.metrics.Clients.Inc()
		a.log.Info("client connected",
			zap.Uint64("channel", channel),
			zap.String("addr", conn.RemoteAddr().String()))
		client.start()
	}
}

// Shutdown closes the listener, the uplink and every client.
func (a *Agent) Shutdown() {
	a.closeOnce.Do(func() {
		a.closing.Store(true)
		close(a.closeCh)
		a.listener.Close()

		a.mu.Lock()
		clients := make(map[*Client]struct{}, len(a.routes))
		for _, c := range a.routes {
			clients[c] = struct{}{}
		}
		a.mu.Unlock()
		for c := range clients {
			c.close()
		}

		a.uplink.Close()
		a.tokens.Close()
	})
}

// dispatch fans a bus datagram out to the clients subscribed to its
// recipient channels. It runs on the uplink read goroutine, so delivery
// into each client is a non-blocking post.
func (a *Agent) dispatch(routed datagram.Routed) {
	for _, channel := range routed.Recipients {
		client := a.lookup(channel)
		if client == nil {
			a.log.Debug("datagram for unbound channel",
				zap.Uint64("channel", channel), zap.Uint16("msgtype", routed.MsgType))
			continue
		}
		msgType := routed.MsgType
		sender := routed.Sender
		payload := routed.Payload
		client.postFromBus(func() {
			client.handleInternalDatagram(msgType, sender, datagram.NewIterator(payload))
		})
	}
}

// handleUplinkLoss runs when the director connection dies. The shard is
// gone from this agent's point of view; every client is told so and
// dropped.
func (a *Agent) handleUplinkLoss() {
	if a.closing.Load() {
		return
	}
	a.log.Error("lost message director connection, closing shard")

	a.mu.Lock()
	clients := make(map[*Client]struct{}, len(a.routes))
	for _, c := range a.routes {
		clients[c] = struct{}{}
	}
	a.mu.Unlock()

	for c := range clients {
		c.postFromBus(func() {
			c.handleSendDisconnect(types.DisconnectShardClosed, "shard closed")
		})
	}

	// No way back onto the bus; stop accepting so Serve reports the loss.
	a.uplinkLost.Store(true)
	a.listener.Close()
}

// bind routes a channel to a client. Claims are counted because two
// clients hold the same account channel for a moment during an
// already-logged-in kick; the director subscription lives as long as any
// client claims the channel.
func (a *Agent) bind(channel uint64, c *Client) {
	a.mu.Lock()
	if existing, ok := a.routes[channel]; ok && existing != c {
		a.log.Warn("channel rebound to another client", zap.Uint64("channel", channel))
	}
	a.routes[channel] = c
	a.claims[channel]++
	first := a.claims[channel] == 1
	a.mu.Unlock()

	if first {
		a.uplink.SetChannel(channel)
	}
}

func (a *Agent) unbind(channel uint64, c *Client) {
	a.mu.Lock()
	if a.routes[channel] == c {
		delete(a.routes, channel)
	}
	remaining := a.claims[channel] - 1
	if remaining <= 0 {
		delete(a.claims, channel)
	} else {
		a.claims[channel] = remaining
	}
	a.mu.Unlock()

	if remaining == 0 {
		a.uplink.RemoveChannel(channel)
	}
}

func (a *Agent) lookup(channel uint64) *Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.routes[channel]
}

// release returns a dead client's allocated channel to the pool.
func (a *Agent) release(c *Client) {
	a.mu.Lock()
	a.allocator.Free(c.allocated)
	a.mu.Unlock()
	a.metrics.Clients.Dec()
}
