package ca

import (
	"go.uber.org/zap"

	"github.com/peppythegod/OTP-Reboot/internal/datagram"
	"github.com/peppythegod/OTP-Reboot/internal/dc"
	"github.com/peppythegod/OTP-Reboot/internal/names"
	"github.com/peppythegod/OTP-Reboot/internal/types"
)

// LoadAvatarOperation puts an avatar into play: the toon is generated on
// the State Server, the client takes ownership and the toon is torn down
// again by post-remove if the connection dies.
type LoadAvatarOperation struct {
	operationBase

	accountID uint32
	avatarID  uint32
	callback  func(avatarID uint32)

	class  *dc.Class
	fields map[string]any
}

func newLoadAvatarOperation(client *Client, accountID, avatarID uint32, callback func(uint32)) *LoadAvatarOperation {
	return &LoadAvatarOperation{
		operationBase: operationBase{client: client, name: "LoadAvatar"},
		accountID:     accountID,
		avatarID:      avatarID,
		callback:      callback,
	}
}

func (o *LoadAvatarOperation) Start() {
	c := o.client
	c.db.QueryObject(c.identity, o.avatarID, c.agent.schema.Class("DistributedToon"), func(class *dc.Class, fields map[string]any) {
		if fields == nil {
			o.finish(false)
			return
		}
		o.class = class
		o.fields = fields
		o.enterActivate()
	})
}

func (o *LoadAvatarOperation) enterActivate() {
	c := o.client

	c.registerChannel(types.PuppetConnectionChannel(o.avatarID))
	identity := types.AvatarChannel(o.accountID, o.avatarID)
	c.setIdentity(identity)

	// Generate the toon on the State Server: required fields in
	// field-number order, then the optional comfort fields with numbers.
	w := datagram.NewWriter()
	w.AddServerHeader([]uint64{types.StateServerChannel}, identity,
		types.StateServerObjectGenerateWithRequiredOther)
	w.AddUint32(o.avatarID)
	w.AddUint32(0) // parent
	w.AddUint32(0) // zone
	w.AddUint16(o.class.Number)
	if err := o.class.PackRequired(w, o.fields); err != nil {
		c.log.Error("avatar generate pack failed", zap.Uint32("avatar", o.avatarID), zap.Error(err))
		o.finish(false)
		return
	}
	other := map[string]any{
		"setCommonChatFlags": fieldUint8(o.fields, "setCommonChatFlags"),
		"setTrophyScore":     fieldUint16(o.fields, "setTrophyScore"),
	}
	if err := o.class.PackFieldBlock(w, other); err != nil {
		c.log.Error("avatar generate pack failed", zap.Uint32("avatar", o.avatarID), zap.Error(err))
		o.finish(false)
		return
	}
	c.agent.uplink.Send(w.Bytes())

	// Grant the connection ownership of the toon.
	w = datagram.NewWriter()
	w.AddServerHeader([]uint64{uint64(o.avatarID)}, identity, types.StateServerObjectSetOwner)
	w.AddUint64(identity)
	c.agent.uplink.Send(w.Bytes())

	// The toon leaves RAM when the connection dies.
	inner := datagram.NewWriter()
	inner.AddServerHeader([]uint64{uint64(o.avatarID)}, identity, types.StateServerObjectDeleteRAM)
	inner.AddUint32(o.avatarID)
	c.addPostRemove(inner.Bytes())

	if o.finish(true) {
		o.callback(o.avatarID)
	}
}

// LoadFriendsListOperation loads the avatar's friends, exchanges presence
// with the ones that are online and answers the friend list.
type LoadFriendsListOperation struct {
	operationBase

	accountID uint32
	avatarID  uint32
	callback  func()

	friendFields map[uint32]map[string]any
	friendOrder  []uint32
	pending      int
}

func newLoadFriendsListOperation(client *Client, accountID, avatarID uint32, callback func()) *LoadFriendsListOperation {
	return &LoadFriendsListOperation{
		operationBase: operationBase{client: client, name: "LoadFriendsList"},
		accountID:     accountID,
		avatarID:      avatarID,
		callback:      callback,
		friendFields:  make(map[uint32]map[string]any),
	}
}

func (o *LoadFriendsListOperation) Start() {
	c := o.client
	toon := c.agent.schema.Class("DistributedToon")
	c.db.QueryObject(c.identity, o.avatarID, toon, func(_ *dc.Class, fields map[string]any) {
		if fields == nil {
			o.finish(false)
			return
		}
		o.queryFriends(fieldFriends(fields, "setFriendsList"))
	})
}

func (o *LoadFriendsListOperation) queryFriends(friends []dc.FriendPair) {
	c := o.client
	if len(friends) == 0 {
		o.finish(false)
		return
	}

	toon := c.agent.schema.Class("DistributedToon")
	for _, friend := range friends {
		friendID := friend.ID
		o.friendOrder = append(o.friendOrder, friendID)
		o.pending++
		c.db.QueryObject(c.identity, friendID, toon, func(_ *dc.Class, fields map[string]any) {
			if fields != nil {
				o.friendFields[friendID] = fields
			}
			o.pending--
			if o.pending == 0 {
				o.enterLoadFriends()
			}
		})
	}
}

func (o *LoadFriendsListOperation) enterLoadFriends() {
	c := o.client
	ourChannel := types.PuppetConnectionChannel(o.avatarID)

	for _, friendID := range o.friendOrder {
		if _, ok := o.friendFields[friendID]; !ok {
			continue
		}
		friendChannel := types.PuppetConnectionChannel(friendID)
		friendOnline := c.agent.lookup(friendChannel) != nil

		// Tell our client whether the friend is around.
		w := datagram.NewWriter()
		if friendOnline {
			w.AddUint16(types.ClientFriendOnline)
		} else {
			w.AddUint16(types.ClientFriendOffline)
		}
		w.AddUint32(friendID)
		c.sendToClient(w.Bytes())

		// Tell them we are, if they are listening.
		if friendOnline {
			w = datagram.NewWriter()
			w.AddUint32(o.avatarID)
			c.agent.uplink.Route([]uint64{friendChannel}, ourChannel,
				types.ClientAgentFriendOnline, w.Bytes())
		}

		// And make sure they hear we left, however we leave.
		inner := datagram.NewWriter()
		inner.AddServerHeader([]uint64{friendChannel}, ourChannel, types.ClientAgentFriendOffline)
		inner.AddUint32(o.avatarID)
		c.addPostRemove(inner.Bytes())
	}

	w := datagram.NewWriter()
	w.AddUint16(types.ClientGetFriendListResp)
	w.AddUint8(0)
	w.AddUint16(uint16(len(o.friendFields)))
	for _, friendID := range o.friendOrder {
		fields, ok := o.friendFields[friendID]
		if !ok {
			continue
		}
		w.AddUint32(friendID)
		w.AddString(fieldString(fields, "setName"))
		w.AddString(fieldString(fields, "setDNAString"))
	}
	c.sendToClient(w.Bytes())

	if o.finish(true) {
		o.callback()
	}
}

// SetNameOperation stores a typed wish name.
type SetNameOperation struct {
	operationBase

	avatarID uint32
	wishName string
	callback func(avatarID uint32, wishName string)
}

func newSetNameOperation(client *Client, avatarID uint32, wishName string, callback func(uint32, string)) *SetNameOperation {
	return &SetNameOperation{
		operationBase: operationBase{client: client, name: "SetName"},
		avatarID:      avatarID,
		wishName:      wishName,
		callback:      callback,
	}
}

func (o *SetNameOperation) Start() {
	c := o.client
	toon := c.agent.schema.Class("DistributedToon")
	c.db.QueryObject(c.identity, o.avatarID, toon, func(_ *dc.Class, fields map[string]any) {
		if fields == nil {
			o.finish(false)
			return
		}
		// TODO: run the wish name through an approval queue instead of
		// applying it immediately.
		c.db.UpdateObject(c.identity, o.avatarID, toon, map[string]any{
			"setName": o.wishName,
		})
		if o.finish(true) {
			o.callback(o.avatarID, o.wishName)
		}
	})
}

// SetNamePatternOperation renders a pick-a-name pattern against the name
// dictionary and stores the result.
type SetNamePatternOperation struct {
	operationBase

	avatarID uint32
	pattern  [4]names.PatternPart
	callback func(avatarID uint32)
}

func newSetNamePatternOperation(client *Client, avatarID uint32, pattern [4]names.PatternPart, callback func(uint32)) *SetNamePatternOperation {
	return &SetNamePatternOperation{
		operationBase: operationBase{client: client, name: "SetNamePattern"},
		avatarID:      avatarID,
		pattern:       pattern,
		callback:      callback,
	}
}

func (o *SetNamePatternOperation) Start() {
	c := o.client
	toon := c.agent.schema.Class("DistributedToon")
	c.db.QueryObject(c.identity, o.avatarID, toon, func(_ *dc.Class, fields map[string]any) {
		if fields == nil {
			o.finish(false)
			return
		}
		name, err := c.agent.names.PatternName(o.pattern)
		if err != nil {
			c.log.Warn("rejected name pattern", zap.Uint32("avatar", o.avatarID), zap.Error(err))
			o.finish(false)
			return
		}
		c.db.UpdateObject(c.identity, o.avatarID, toon, map[string]any{
			"setName": name,
		})
		if o.finish(true) {
			o.callback(o.avatarID)
		}
	})
}

// GetAvatarDetailsOperation answers a detail query by synthesizing the
// datagram an owner generate would carry and replaying it through the
// normal owner-enter path.
type GetAvatarDetailsOperation struct {
	operationBase

	avatarID uint32
	callback func(it *datagram.Iterator)
}

func newGetAvatarDetailsOperation(client *Client, avatarID uint32, callback func(*datagram.Iterator)) *GetAvatarDetailsOperation {
	return &GetAvatarDetailsOperation{
		operationBase: operationBase{client: client, name: "GetAvatarDetails"},
		avatarID:      avatarID,
		callback:      callback,
	}
}

func (o *GetAvatarDetailsOperation) Start() {
	c := o.client
	toon := c.agent.schema.Class("DistributedToon")
	c.db.QueryObject(c.identity, o.avatarID, toon, func(class *dc.Class, fields map[string]any) {
		if fields == nil {
			o.finish(false)
			return
		}
		w := datagram.NewWriter()
		w.AddUint64(uint64(o.avatarID))
		w.AddUint64(0) // parent
		w.AddUint32(0) // zone
		w.AddUint16(class.Number)
		if err := class.PackAll(w, fields); err != nil {
			c.log.Error("detail pack failed", zap.Uint32("avatar", o.avatarID), zap.Error(err))
			o.finish(false)
			return
		}
		if o.finish(true) {
			o.callback(datagram.NewIterator(w.Bytes()))
		}
	})
}

// SetAvatarZonesOperation records a playground visit on the avatar: the
// hood list grows and the last hood and spawn zone move. The database
// server applies one field per update, so three updates go out.
type SetAvatarZonesOperation struct {
	operationBase

	avatarID uint32
	zoneID   uint32
	callback func()
}

func newSetAvatarZonesOperation(client *Client, avatarID, zoneID uint32, callback func()) *SetAvatarZonesOperation {
	return &SetAvatarZonesOperation{
		operationBase: operationBase{client: client, name: "SetAvatarZones"},
		avatarID:      avatarID,
		zoneID:        zoneID,
		callback:      callback,
	}
}

func (o *SetAvatarZonesOperation) Start() {
	c := o.client
	toon := c.agent.schema.Class("DistributedToon")
	c.db.QueryObject(c.identity, o.avatarID, toon, func(_ *dc.Class, fields map[string]any) {
		if fields == nil {
			o.finish(false)
			return
		}
		hoods := fieldUint32Slice(fields, "setHoodsVisited")
		visited := false
		for _, hood := range hoods {
			if hood == o.zoneID {
				visited = true
				break
			}
		}
		if !visited {
			hoods = append(hoods, o.zoneID)
		}

		c.db.UpdateObject(c.identity, o.avatarID, toon, map[string]any{"setHoodsVisited": hoods})
		c.db.UpdateObject(c.identity, o.avatarID, toon, map[string]any{"setLastHood": o.zoneID})
		c.db.UpdateObject(c.identity, o.avatarID, toon, map[string]any{"setDefaultZone": o.zoneID})

		if o.finish(true) {
			o.callback()
		}
	})
}
