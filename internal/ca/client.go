package ca

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/peppythegod/OTP-Reboot/internal/datagram"
	"github.com/peppythegod/OTP-Reboot/internal/names"
	"github.com/peppythegod/OTP-Reboot/internal/types"
	"github.com/peppythegod/OTP-Reboot/internal/zone"
)

const (
	clientEventQueueSize = 128
	clientOutQueueSize   = 256
)

// Client is one game connection. Network I/O runs in dedicated goroutines;
// every piece of session state is confined to the event loop goroutine,
// which consumes closures posted by the reader, the bus dispatcher and
// timers.
type Client struct {
	agent *Agent
	conn  net.Conn
	log   *zap.Logger

	allocated uint64              // channel allocated for this connection, never changes
	identity  uint64              // current sender identity on the bus
	channels  map[uint64]struct{} // channels routed to this client

	events chan func()
	out    chan []byte

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	authenticated  bool
	disconnectSent bool
	accountID      uint32
	avatarID       uint32

	interests        *InterestManager
	seen             *zone.Store
	owned            map[uint32]struct{}
	pendingObjects   map[uint32]struct{}
	pendingInterests map[uint32]*Interest
	deferredContext  uint32
	deferredActive   bool

	nextContext      uint32
	locationContexts map[uint32]locationRequest

	postRemoves [][]byte

	db        *DatabaseInterface
	heartbeat *time.Timer
}

type locationRequest struct {
	doID   uint32
	zoneID uint32
}

func newClient(agent *Agent, conn net.Conn, channel uint64) *Client {
	c := &Client{
		agent:            agent,
		conn:             conn,
		log:              agent.log.With(zap.Uint64("client", channel)),
		allocated:        channel,
		identity:         channel,
		channels:         make(map[uint64]struct{}),
		events:           make(chan func(), clientEventQueueSize),
		out:              make(chan []byte, clientOutQueueSize),
		closeCh:          make(chan struct{}),
		interests:        newInterestManager(),
		seen:             zone.NewStore(),
		owned:            make(map[uint32]struct{}),
		pendingObjects:   make(map[uint32]struct{}),
		pendingInterests: make(map[uint32]*Interest),
		locationContexts: make(map[uint32]locationRequest),
	}
	c.db = newDatabaseInterface(agent.uplink, agent.cfg.DatabaseTimeout, c.post, c.log)
	return c
}

func (c *Client) start() {
	c.registerChannel(c.allocated)
	c.heartbeat = time.AfterFunc(c.agent.cfg.HeartbeatInterval, func() {
		c.post(func() {
			c.handleSendDisconnect(types.DisconnectNoHeartbeat, "no heartbeat received")
		})
	})

	go c.loop()
	go c.readLoop()
	go c.writeLoop()
}

// post schedules fn on the event loop. It blocks the caller if the queue
// is full; posters are per-client goroutines, so only this client stalls.
func (c *Client) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.closeCh:
	}
}

// postFromBus is the non-blocking variant used by the shared uplink
// dispatcher. A client that cannot keep up with its bus traffic is
// dropped rather than stalling every other client.
func (c *Client) postFromBus(fn func()) {
	select {
	case c.events <- fn:
	case <-c.closeCh:
	default:
		c.log.Warn("event queue full, dropping client")
		c.close()
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		c.conn.Close()
	})
}

func (c *Client) loop() {
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.closeCh:
			c.teardown()
			return
		}
	}
}

// teardown releases everything the connection held. Queued post-removes
// fire here: the toon leaves RAM and friends hear the client went
// offline no matter how the connection ended.
func (c *Client) teardown() {
	c.heartbeat.Stop()
	c.db.Cancel()
	c.agent.operations.Finish(c.allocated)

	for _, inner := range c.postRemoves {
		c.agent.uplink.Send(inner)
	}
	if len(c.postRemoves) > 0 {
		c.agent.uplink.ClearPostRemove(c.allocated)
	}
	c.postRemoves = nil

	for channel := range c.channels {
		c.agent.unbind(channel, c)
	}
	c.agent.release(c)

	if c.authenticated {
		c.agent.metrics.Authenticated.Dec()
	}
	c.log.Info("client disconnected")
}

func (c *Client) readLoop() {
	defer c.close()
	for {
		body, err := datagram.ReadFrame(c.conn)
		if err != nil {
			if !c.closed.Load() {
				c.log.Debug("client read error", zap.Error(err))
			}
			return
		}
		c.agent.metrics.DatagramsIn.Inc()
		c.post(func() { c.handleClientDatagram(body) })
	}
}

func (c *Client) writeLoop() {
	defer c.close()
	for {
		select {
		case body := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := datagram.WriteFrame(c.conn, body); err != nil {
				if !c.closed.Load() {
					c.log.Debug("client write error", zap.Error(err))
				}
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// sendToClient queues a datagram body for the game client.
func (c *Client) sendToClient(body []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.out <- body:
		c.agent.metrics.DatagramsOut.Inc()
	default:
		c.log.Warn("output queue full, dropping client")
		c.close()
	}
}

func (c *Client) registerChannel(channel uint64) {
	if _, ok := c.channels[channel]; ok {
		return
	}
	c.channels[channel] = struct{}{}
	c.agent.bind(channel, c)
}

func (c *Client) unregisterChannel(channel uint64) {
	if _, ok := c.channels[channel]; !ok {
		return
	}
	delete(c.channels, channel)
	c.agent.unbind(channel, c)
}

// setIdentity moves the client's bus sender identity. The allocated
// channel stays routed for the database interface.
func (c *Client) setIdentity(channel uint64) {
	old := c.identity
	if old == channel {
		return
	}
	c.identity = channel
	c.registerChannel(channel)
	if old != c.allocated {
		c.unregisterChannel(old)
	}
}

func (c *Client) setAuthenticated(accountID uint32) {
	if !c.authenticated {
		c.agent.metrics.Authenticated.Inc()
	}
	c.authenticated = true
	c.accountID = accountID
}

// addPostRemove queues inner both locally and on the director. The local
// copy fires on client teardown; the director's fires if this whole
// agent dies first.
func (c *Client) addPostRemove(inner []byte) {
	c.postRemoves = append(c.postRemoves, inner)
	c.agent.uplink.AddPostRemove(c.allocated, inner)
}

func (c *Client) allocContext() uint32 {
	c.nextContext++
	return c.nextContext
}

func (c *Client) handleSendDisconnect(code uint16, reason string) {
	if c.disconnectSent {
		return
	}
	c.disconnectSent = true
	c.log.Warn("disconnecting client", zap.Uint16("code", code), zap.String("reason", reason))
	c.agent.metrics.Disconnects.WithLabelValues(strconv.Itoa(int(code))).Inc()

	w := datagram.NewWriter()
	w.AddUint16(types.ClientGoGetLost)
	w.AddUint16(code)
	w.AddString(reason)
	c.sendToClient(w.Bytes())
	c.close()
}

func (c *Client) handleClientDatagram(body []byte) {
	it := datagram.NewIterator(body)
	msgType := it.ReadUint16()
	if it.Err() != nil {
		c.handleSendDisconnect(types.DisconnectTruncatedDatagram, "received truncated datagram")
		return
	}

	switch msgType {
	case types.ClientHeartbeat:
		c.heartbeat.Reset(c.agent.cfg.HeartbeatInterval)
	case types.ClientLogin2:
		c.handleLogin(it, false)
	case types.ClientLoginToontown:
		c.handleLogin(it, true)
	case types.ClientDisconnect:
		c.close()
	default:
		if !c.authenticated {
			c.handleSendDisconnect(types.DisconnectAnonymousViolation,
				"datagram sent before authentication")
			return
		}
		c.handleAuthenticatedDatagram(msgType, it)
	}
}

func (c *Client) handleAuthenticatedDatagram(msgType uint16, it *datagram.Iterator) {
	switch msgType {
	case types.ClientGetShardList:
		c.agent.uplink.Route([]uint64{types.StateServerChannel}, c.identity,
			types.StateServerGetShardAll, nil)
	case types.ClientGetAvatars:
		c.runOperation(newRetrieveAvatarsOperation(c, c.accountID, c.sendAvatarList(types.ClientGetAvatarsResp)))
	case types.ClientGetAvatarDetails:
		c.handleGetAvatarDetails(it)
	case types.ClientCreateAvatar:
		c.handleCreateAvatar(it)
	case types.ClientSetAvatar:
		c.handleSetAvatar(it)
	case types.ClientSetWishname:
		c.handleSetWishname(it)
	case types.ClientSetNamePattern:
		c.handleSetNamePattern(it)
	case types.ClientDeleteAvatar:
		c.handleDeleteAvatar(it)
	case types.ClientGetFriendList:
		c.runOperation(newLoadFriendsListOperation(c, c.accountID, c.avatarID, func() {}))
	case types.ClientRemoveFriend:
		// The friends system is database-side; removals come through
		// field updates.
	case types.ClientSetShard, types.ClientSetZone:
		// Superseded by the interest protocol.
	case types.ClientObjectUpdateField:
		c.handleClientUpdateField(it)
	case types.ClientAddInterest:
		c.handleAddInterest(it)
	case types.ClientRemoveInterest:
		c.handleRemoveInterest(it)
	case types.ClientObjectLocation:
		c.handleClientObjectLocation(it)
	default:
		c.handleSendDisconnect(types.DisconnectInvalidMsgType,
			"unknown datagram type "+strconv.Itoa(int(msgType)))
	}
}

// handleInternalDatagram dispatches traffic arriving from the bus for one
// of this client's channels.
func (c *Client) handleInternalDatagram(msgType uint16, sender uint64, it *datagram.Iterator) {
	switch msgType {
	case types.ClientAgentDisconnect:
		code := it.ReadUint16()
		reason := it.ReadString()
		if it.Err() == nil {
			c.handleSendDisconnect(code, reason)
		}
	case types.ClientAgentFriendOnline:
		c.relayFriendPresence(types.ClientFriendOnline, it)
	case types.ClientAgentFriendOffline:
		c.relayFriendPresence(types.ClientFriendOffline, it)
	case types.StateServerGetShardAllResp:
		w := datagram.NewWriter()
		w.AddUint16(types.ClientGetShardListResp)
		w.AppendData(it.RemainingBytes())
		c.sendToClient(w.Bytes())
	case types.StateServerObjectLocationAck:
		c.handleObjectLocationAck(it)
	case types.StateServerObjectGetZonesObjects2Resp:
		c.handleZonesObjectsResp(it)
	case types.StateServerObjectEnterOwnerWithRequired:
		c.handleObjectEnterOwner(false, it)
	case types.StateServerObjectEnterOwnerWithRequiredOther:
		c.handleObjectEnterOwner(true, it)
	case types.StateServerObjectEnterLocationWithRequired:
		c.handleObjectEnterLocation(false, it)
	case types.StateServerObjectEnterLocationWithRequiredOther:
		c.handleObjectEnterLocation(true, it)
	case types.StateServerObjectDeleteRAM:
		doID := it.ReadUint32()
		if it.Err() == nil {
			c.sendObjectDeleteResp(doID)
		}
	case types.StateServerObjectUpdateField:
		c.handleObjectUpdateFieldResp(sender, it)
	default:
		if !c.db.HandleDatagram(msgType, it) {
			c.log.Debug("unhandled internal datagram",
				zap.Uint16("msgtype", msgType), zap.Uint64("sender", sender))
		}
	}
}

func (c *Client) relayFriendPresence(respType uint16, it *datagram.Iterator) {
	friendID := it.ReadUint32()
	if it.Err() != nil {
		return
	}
	w := datagram.NewWriter()
	w.AddUint16(respType)
	w.AddUint32(friendID)
	c.sendToClient(w.Bytes())
}

func (c *Client) runOperation(op operation) {
	c.agent.operations.Run(c.allocated, op)
}

// --- login ---

func (c *Client) handleLogin(it *datagram.Iterator, toontown bool) {
	playToken := it.ReadString()
	serverVersion := it.ReadString()
	hashVal := it.ReadUint32()
	tokenType := it.ReadInt32()
	if it.Err() != nil {
		c.handleSendDisconnect(types.DisconnectTruncatedDatagram, "received truncated datagram")
		return
	}

	cfg := c.agent.cfg
	if serverVersion != cfg.ServerVersion {
		c.handleSendDisconnect(types.DisconnectBadVersion,
			"server version mismatch: "+serverVersion)
		return
	}
	if cfg.ValidateDCHash && hashVal != cfg.DCHash {
		c.handleSendDisconnect(types.DisconnectBadDCHash,
			"dc hash mismatch: "+strconv.FormatUint(uint64(hashVal), 10))
		return
	}
	if tokenType != types.LoginTokenBlue && tokenType != types.LoginTokenDISL {
		c.handleSendDisconnect(types.DisconnectInvalidPlayTokenType,
			"invalid play token type: "+strconv.Itoa(int(tokenType)))
		return
	}

	c.runOperation(newLoadAccountOperation(c, playToken, func() {
		c.sendLoginResp(playToken, toontown)
	}))
}

func (c *Client) sendLoginResp(playToken string, toontown bool) {
	now := time.Now()
	sec := uint32(now.Unix())
	usec := uint32(now.Nanosecond() / 1000)

	w := datagram.NewWriter()
	if toontown {
		w.AddUint16(types.ClientLoginToontownResp)
		w.AddUint8(0)
		w.AddString("All Ok")
		w.AddUint32(0)  // account number
		w.AddString("") // account name
		w.AddUint8(1)   // account name approved
		w.AddString("YES")
		w.AddString("YES")
		w.AddString("")
		w.AddUint32(sec)
		w.AddUint32(usec)
		w.AddString("FULL")
		w.AddString("YES")
		w.AddString("") // last logged in
		w.AddInt32(100000)
		w.AddString("WITH_PARENT_ACCOUNT")
		w.AddString("") // username
	} else {
		w.AddUint16(types.ClientLogin2Resp)
		w.AddUint8(0)
		w.AddString("All Ok")
		w.AddString(playToken)
		w.AddUint8(1)
		w.AddUint32(sec)
		w.AddUint32(usec)
		w.AddUint8(1)
		w.AddInt32(1000 * 60 * 60)
	}
	c.sendToClient(w.Bytes())
}

// --- avatar operations ---

// sendAvatarList answers both the avatar list and the delete-avatar
// response; they share a layout.
func (c *Client) sendAvatarList(respType uint16) func([]AvatarData) {
	return func(avatars []AvatarData) {
		w := datagram.NewWriter()
		w.AddUint16(respType)
		w.AddUint8(0)
		w.AddUint16(uint16(len(avatars)))
		for _, avatar := range avatars {
			w.AddUint32(avatar.DoID)
			w.AddString(avatar.Name)
			w.AddString("")
			w.AddString("")
			w.AddString("")
			w.AddString(avatar.DNA)
			w.AddUint8(avatar.Position)
			w.AddUint8(avatar.NameIndex)
		}
		c.sendToClient(w.Bytes())
	}
}

func (c *Client) handleGetAvatarDetails(it *datagram.Iterator) {
	avatarID := it.ReadUint32()
	if it.Err() != nil {
		c.handleSendDisconnect(types.DisconnectTruncatedDatagram, "received truncated datagram")
		return
	}
	c.runOperation(newGetAvatarDetailsOperation(c, avatarID, func(details *datagram.Iterator) {
		c.handleObjectEnterOwner(false, details)
	}))
}

func (c *Client) handleCreateAvatar(it *datagram.Iterator) {
	echoContext := it.ReadUint16()
	dna := it.ReadString()
	index := it.ReadUint8()
	if it.Err() != nil {
		c.handleSendDisconnect(types.DisconnectTruncatedDatagram, "received truncated datagram")
		return
	}
	c.runOperation(newCreateAvatarOperation(c, echoContext, c.accountID, dna, index, func(echo uint16, avatarID uint32) {
		w := datagram.NewWriter()
		w.AddUint16(types.ClientCreateAvatarResp)
		w.AddUint16(echo)
		w.AddUint8(0)
		w.AddUint32(avatarID)
		c.sendToClient(w.Bytes())
	}))
}

func (c *Client) handleSetAvatar(it *datagram.Iterator) {
	avatarID := it.ReadUint32()
	if it.Err() != nil {
		c.handleSendDisconnect(types.DisconnectTruncatedDatagram, "received truncated datagram")
		return
	}
	c.runOperation(newLoadAvatarOperation(c, c.accountID, avatarID, func(avatarID uint32) {
		c.avatarID = avatarID
	}))
}

func (c *Client) handleSetWishname(it *datagram.Iterator) {
	avatarID := it.ReadUint32()
	wishName := it.ReadString()
	if it.Err() != nil {
		c.handleSendDisconnect(types.DisconnectTruncatedDatagram, "received truncated datagram")
		return
	}
	c.runOperation(newSetNameOperation(c, avatarID, wishName, func(avatarID uint32, wishName string) {
		w := datagram.NewWriter()
		w.AddUint16(types.ClientSetWishnameResp)
		w.AddUint32(avatarID)
		w.AddUint16(0)
		w.AddString("")
		w.AddString(wishName)
		w.AddString("")
		c.sendToClient(w.Bytes())
	}))
}

func (c *Client) handleSetNamePattern(it *datagram.Iterator) {
	avatarID := it.ReadUint32()
	var pattern [4]names.PatternPart
	for n := range pattern {
		pattern[n].Index = int16(it.ReadUint16())
		pattern[n].Flag = uint8(it.ReadUint16())
	}
	if it.Err() != nil {
		c.handleSendDisconnect(types.DisconnectTruncatedDatagram, "received truncated datagram")
		return
	}
	c.runOperation(newSetNamePatternOperation(c, avatarID, pattern, func(avatarID uint32) {
		w := datagram.NewWriter()
		w.AddUint16(types.ClientSetNamePatternAnswer)
		w.AddUint32(avatarID)
		w.AddUint8(0)
		c.sendToClient(w.Bytes())
	}))
}

func (c *Client) handleDeleteAvatar(it *datagram.Iterator) {
	avatarID := it.ReadUint32()
	if it.Err() != nil {
		c.handleSendDisconnect(types.DisconnectTruncatedDatagram, "received truncated datagram")
		return
	}
	c.runOperation(newDeleteAvatarOperation(c, c.accountID, avatarID, c.sendAvatarList(types.ClientDeleteAvatarResp)))
}

// --- object traffic ---

func (c *Client) handleClientUpdateField(it *datagram.Iterator) {
	doID := it.ReadUint32()
	fieldID := it.ReadUint16()
	rest := it.RemainingBytes()
	if it.Err() != nil {
		c.handleSendDisconnect(types.DisconnectTruncatedDatagram, "received truncated datagram")
		return
	}
	w := datagram.NewWriter()
	w.AddServerHeader([]uint64{uint64(doID)}, c.identity, types.StateServerObjectUpdateField)
	w.AddUint32(doID)
	w.AddUint16(fieldID)
	w.AppendData(rest)
	c.agent.uplink.Send(w.Bytes())
}

func (c *Client) handleObjectUpdateFieldResp(sender uint64, it *datagram.Iterator) {
	doID := it.ReadUint32()
	fieldID := it.ReadUint16()
	rest := it.RemainingBytes()
	if it.Err() != nil {
		return
	}
	_, pending := c.pendingObjects[doID]
	_, owned := c.owned[doID]
	if !c.seen.Contains(doID) && !pending && !owned {
		return
	}
	w := datagram.NewWriter()
	w.AddUint16(types.ClientObjectUpdateFieldResp)
	w.AddUint32(doID)
	w.AddUint16(fieldID)
	w.AppendData(rest)
	c.sendToClient(w.Bytes())
}

func (c *Client) handleClientObjectLocation(it *datagram.Iterator) {
	doID := it.ReadUint32()
	parentID := it.ReadUint32()
	zoneID := it.ReadUint32()
	if it.Err() != nil {
		c.handleSendDisconnect(types.DisconnectTruncatedDatagram, "received truncated datagram")
		return
	}

	context := c.allocContext()
	c.locationContexts[context] = locationRequest{doID: doID, zoneID: zoneID}

	w := datagram.NewWriter()
	w.AddServerHeader([]uint64{uint64(doID)}, c.identity, types.StateServerObjectSetAI)
	w.AddUint64(uint64(parentID) - 1)
	w.AddUint32(context)
	w.AddUint32(zoneID)
	c.agent.uplink.Send(w.Bytes())
}

func (c *Client) handleObjectLocationAck(it *datagram.Iterator) {
	doID := it.ReadUint32()
	it.ReadUint32() // old parent
	it.ReadUint32() // old zone
	it.ReadUint32() // new parent
	newZone := it.ReadUint32()
	context := it.ReadUint32()
	if it.Err() != nil {
		return
	}
	req, ok := c.locationContexts[context]
	if !ok {
		return
	}
	delete(c.locationContexts, context)
	if req.doID != doID {
		c.log.Warn("location ack for a different object",
			zap.Uint32("object", doID), zap.Uint32("expected", req.doID))
		return
	}

	// Landing on a playground updates the avatar's spawn data.
	if req.doID == c.avatarID && c.avatarID != 0 && newZone%1000 == 0 {
		if !c.agent.operations.Has(c.allocated) {
			c.runOperation(newSetAvatarZonesOperation(c, c.avatarID, newZone, func() {}))
		}
	}
}

func (c *Client) handleObjectEnterOwner(hasOther bool, it *datagram.Iterator) {
	doID := it.ReadUint64()
	it.ReadUint64() // parent
	it.ReadUint32() // zone
	it.ReadUint16() // class
	rest := it.RemainingBytes()
	if it.Err() != nil {
		return
	}

	w := datagram.NewWriter()
	w.AddUint16(types.ClientGetAvatarDetailsResp)
	w.AddUint32(uint32(doID))
	w.AddUint8(0)
	w.AppendData(rest)
	c.sendToClient(w.Bytes())

	c.owned[uint32(doID)] = struct{}{}
}

func (c *Client) handleObjectEnterLocation(hasOther bool, it *datagram.Iterator) {
	doID64 := it.ReadUint64()
	parentID := it.ReadUint64()
	zoneID := it.ReadUint32()
	classID := it.ReadUint16()
	rest := it.RemainingBytes()
	if it.Err() != nil {
		return
	}
	doID := uint32(doID64)

	// Owned objects were generated through the owner path already.
	if _, owned := c.owned[doID]; owned {
		return
	}
	if seenZone, ok := c.seen.Zone(doID); ok && seenZone == zoneID {
		return
	}

	if c.interests.CoversZone(zoneID) {
		w := datagram.NewWriter()
		if hasOther {
			w.AddUint16(types.ClientCreateObjectRequiredOther)
		} else {
			w.AddUint16(types.ClientCreateObjectRequired)
		}
		w.AddUint32(uint32(parentID))
		w.AddUint32(zoneID)
		w.AddUint16(classID)
		w.AddUint32(doID)
		w.AppendData(rest)
		c.sendToClient(w.Bytes())

		c.seen.Add(doID, zoneID)
	}

	// Objects can cross branches while an interest is resolving; the
	// generate still satisfies the pending set wherever it lands.
	if _, pending := c.pendingObjects[doID]; pending {
		delete(c.pendingObjects, doID)
		if len(c.pendingObjects) == 0 {
			c.completeInterest()
		}
	}
}

func (c *Client) sendObjectDeleteResp(doID uint32) {
	if _, owned := c.owned[doID]; owned {
		return
	}
	if !c.seen.Remove(doID) {
		return
	}
	w := datagram.NewWriter()
	w.AddUint16(types.ClientObjectDelete)
	w.AddUint32(doID)
	c.sendToClient(w.Bytes())
}
