package ca

import (
	"time"

	"go.uber.org/zap"

	"github.com/peppythegod/OTP-Reboot/internal/datagram"
	"github.com/peppythegod/OTP-Reboot/internal/dc"
	"github.com/peppythegod/OTP-Reboot/internal/types"
)

const avatarSlots = 6

// AvatarData is one avatar-slot summary carried by the avatar-list
// responses.
type AvatarData struct {
	DoID      uint32
	Name      string
	DNA       string
	Position  uint8
	NameIndex uint8
}

func fieldString(fields map[string]any, name string) string {
	s, _ := fields[name].(string)
	return s
}

func fieldUint8(fields map[string]any, name string) uint8 {
	v, _ := fields[name].(uint8)
	return v
}

func fieldUint16(fields map[string]any, name string) uint16 {
	v, _ := fields[name].(uint16)
	return v
}

func fieldUint32(fields map[string]any, name string) uint32 {
	v, _ := fields[name].(uint32)
	return v
}

func fieldUint32Slice(fields map[string]any, name string) []uint32 {
	v, _ := fields[name].([]uint32)
	return v
}

func fieldFriends(fields map[string]any, name string) []dc.FriendPair {
	v, _ := fields[name].([]dc.FriendPair)
	return v
}

// LoadAccountOperation resolves a play token to an account, creating the
// account on first sight, then binds the connection to it.
type LoadAccountOperation struct {
	operationBase

	playToken string
	accountID uint32
	state     loadAccountState
	retried   bool
	callback  func()
}

type loadAccountState int

const (
	loadAccountStart loadAccountState = iota
	loadAccountCreate
	loadAccountSetAccount
)

func newLoadAccountOperation(client *Client, playToken string, callback func()) *LoadAccountOperation {
	return &LoadAccountOperation{
		operationBase: operationBase{client: client, name: "LoadAccount"},
		playToken:     playToken,
		callback:      callback,
	}
}

func (o *LoadAccountOperation) Start() {
	c := o.client

	accountID, known, err := c.agent.tokens.AccountID(o.playToken)
	if err != nil {
		c.log.Error("token lookup failed", zap.Error(err))
		o.finish(false)
		return
	}
	if !known {
		o.enterCreate()
		return
	}

	o.accountID = accountID
	o.queryAccount()
}

func (o *LoadAccountOperation) queryAccount() {
	c := o.client
	c.db.QueryObject(c.identity, o.accountID, c.agent.schema.Class("Account"), func(_ *dc.Class, fields map[string]any) {
		if fields == nil {
			if !o.retried {
				o.retried = true
				c.log.Warn("account load failed, retrying",
					zap.Uint32("account", o.accountID))
				o.queryAccount()
				return
			}
			c.log.Warn("failed to load account",
				zap.Uint32("account", o.accountID), zap.String("token", o.playToken))
			o.finish(false)
			return
		}
		o.enterSetAccount()
	})
}

func (o *LoadAccountOperation) enterCreate() {
	if o.state != loadAccountStart {
		return
	}
	o.state = loadAccountCreate
	c := o.client

	fields := map[string]any{
		"ACCOUNT_AV_SET":        make([]uint32, avatarSlots),
		"BIRTH_DATE":            "",
		"BLAST_NAME":            o.playToken,
		"CREATED":               time.Now().Format(time.ANSIC),
		"FIRST_NAME":            "",
		"LAST_LOGIN":            "",
		"LAST_NAME":             "",
		"PLAYED_MINUTES":        "",
		"PLAYED_MINUTES_PERIOD": "",
		"HOUSE_ID_SET":          make([]uint32, avatarSlots),
		"ESTATE_ID":             uint32(0),
	}
	c.db.CreateObject(c.identity, c.agent.schema.Class("Account"), fields, func(accountID uint32) {
		if accountID == 0 {
			c.log.Warn("failed to create account", zap.String("token", o.playToken))
			o.finish(false)
			return
		}
		o.accountID = accountID
		if err := c.agent.tokens.SetAccountID(o.playToken, accountID); err != nil {
			c.log.Error("token persist failed", zap.Error(err))
			o.finish(false)
			return
		}
		o.enterSetAccount()
	})
}

func (o *LoadAccountOperation) enterSetAccount() {
	if o.state != loadAccountStart && o.state != loadAccountCreate {
		return
	}
	o.state = loadAccountSetAccount
	c := o.client

	// Kick any connection already bound to this account. A holder on this
	// agent is kicked directly; routing through the director would race
	// our own claim of the account channel and bounce back at us.
	accountConn := types.AccountConnectionChannel(o.accountID)
	if holder := c.agent.lookup(accountConn); holder != nil && holder != c {
		holder.postFromBus(func() {
			holder.handleSendDisconnect(types.DisconnectAlreadyLoggedIn,
				"This account has been logged in elsewhere.")
		})
	} else {
		w := datagram.NewWriter()
		w.AddUint16(types.DisconnectAlreadyLoggedIn)
		w.AddString("This account has been logged in elsewhere.")
		c.agent.uplink.Route([]uint64{accountConn},
			c.identity, types.ClientAgentDisconnect, w.Bytes())
	}

	c.setAuthenticated(o.accountID)
	c.registerChannel(types.AccountConnectionChannel(o.accountID))
	c.setIdentity(types.AccountChannel(o.accountID))

	if o.finish(true) {
		o.callback()
	}
}

// RetrieveAvatarsOperation loads every avatar on the account's slot list.
type RetrieveAvatarsOperation struct {
	operationBase

	accountID uint32
	callback  func([]AvatarData)

	avatarSet    []uint32
	avatarFields map[uint32]map[string]any
	pending      int
	failed       bool
}

func newRetrieveAvatarsOperation(client *Client, accountID uint32, callback func([]AvatarData)) *RetrieveAvatarsOperation {
	return &RetrieveAvatarsOperation{
		operationBase: operationBase{client: client, name: "RetrieveAvatars"},
		accountID:     accountID,
		callback:      callback,
		avatarFields:  make(map[uint32]map[string]any),
	}
}

func (o *RetrieveAvatarsOperation) Start() {
	c := o.client
	c.db.QueryObject(c.identity, o.accountID, c.agent.schema.Class("Account"), func(_ *dc.Class, fields map[string]any) {
		if fields == nil {
			o.finish(false)
			return
		}
		o.queryAvatars(fieldUint32Slice(fields, "ACCOUNT_AV_SET"))
	})
}

func (o *RetrieveAvatarsOperation) queryAvatars(avatarSet []uint32) {
	c := o.client
	o.avatarSet = avatarSet

	toon := c.agent.schema.Class("DistributedToon")
	for _, avatarID := range avatarSet {
		if avatarID == 0 {
			continue
		}
		o.pending++
		avatarID := avatarID
		c.db.QueryObject(c.identity, avatarID, toon, func(_ *dc.Class, fields map[string]any) {
			if fields == nil {
				o.failed = true
			} else {
				o.avatarFields[avatarID] = fields
			}
			o.pending--
			if o.pending == 0 {
				o.enterSetAvatars()
			}
		})
	}
	if o.pending == 0 {
		o.enterSetAvatars()
	}
}

func (o *RetrieveAvatarsOperation) enterSetAvatars() {
	if o.failed {
		o.finish(false)
		return
	}
	avatars := make([]AvatarData, 0, len(o.avatarFields))
	for _, avatarID := range o.avatarSet {
		fields, ok := o.avatarFields[avatarID]
		if !ok {
			continue
		}
		avatars = append(avatars, AvatarData{
			DoID:     avatarID,
			Name:     fieldString(fields, "setName"),
			DNA:      fieldString(fields, "setDNAString"),
			Position: fieldUint8(fields, "setPosIndex"),
		})
	}
	if o.finish(true) {
		o.callback(avatars)
	}
}

// CreateAvatarOperation creates a fresh toon in the requested slot.
type CreateAvatarOperation struct {
	operationBase

	echoContext uint16
	accountID   uint32
	dna         string
	index       uint8
	callback    func(echoContext uint16, avatarID uint32)
}

func newCreateAvatarOperation(client *Client, echoContext uint16, accountID uint32, dna string, index uint8, callback func(uint16, uint32)) *CreateAvatarOperation {
	return &CreateAvatarOperation{
		operationBase: operationBase{client: client, name: "CreateAvatar"},
		echoContext:   echoContext,
		accountID:     accountID,
		dna:           dna,
		index:         index,
		callback:      callback,
	}
}

func (o *CreateAvatarOperation) Start() {
	c := o.client
	if o.index >= avatarSlots {
		c.log.Warn("avatar slot out of range", zap.Uint8("index", o.index))
		o.finish(false)
		return
	}

	fields := map[string]any{
		"setDNAString": o.dna,
		"setPosIndex":  o.index,
		"setName":      "Toon",
	}
	c.db.CreateObject(c.identity, c.agent.schema.Class("DistributedToon"), fields, func(avatarID uint32) {
		if avatarID == 0 {
			o.finish(false)
			return
		}
		o.bindToAccount(avatarID)
	})
}

func (o *CreateAvatarOperation) bindToAccount(avatarID uint32) {
	c := o.client
	account := c.agent.schema.Class("Account")
	c.db.QueryObject(c.identity, o.accountID, account, func(_ *dc.Class, fields map[string]any) {
		if fields == nil {
			o.finish(false)
			return
		}
		avatarSet := fieldUint32Slice(fields, "ACCOUNT_AV_SET")
		if len(avatarSet) < avatarSlots {
			avatarSet = append(avatarSet, make([]uint32, avatarSlots-len(avatarSet))...)
		}
		avatarSet[o.index] = avatarID

		c.db.UpdateObject(c.identity, o.accountID, account, map[string]any{
			"ACCOUNT_AV_SET": avatarSet,
		})
		if o.finish(true) {
			o.callback(o.echoContext, avatarID)
		}
	})
}

// DeleteAvatarOperation clears an avatar's slot and reports the avatars
// that remain.
type DeleteAvatarOperation struct {
	operationBase

	accountID uint32
	avatarID  uint32
	callback  func([]AvatarData)

	avatarSet    []uint32
	avatarFields map[uint32]map[string]any
	pending      int
	failed       bool
}

func newDeleteAvatarOperation(client *Client, accountID, avatarID uint32, callback func([]AvatarData)) *DeleteAvatarOperation {
	return &DeleteAvatarOperation{
		operationBase: operationBase{client: client, name: "DeleteAvatar"},
		accountID:     accountID,
		avatarID:      avatarID,
		callback:      callback,
		avatarFields:  make(map[uint32]map[string]any),
	}
}

func (o *DeleteAvatarOperation) Start() {
	c := o.client
	c.db.QueryObject(c.identity, o.accountID, c.agent.schema.Class("Account"), func(_ *dc.Class, fields map[string]any) {
		if fields == nil {
			o.finish(false)
			return
		}
		o.queryRemaining(fieldUint32Slice(fields, "ACCOUNT_AV_SET"))
	})
}

func (o *DeleteAvatarOperation) queryRemaining(avatarSet []uint32) {
	c := o.client
	o.avatarSet = avatarSet

	toon := c.agent.schema.Class("DistributedToon")
	for _, avatarID := range avatarSet {
		if avatarID == 0 || avatarID == o.avatarID {
			continue
		}
		o.pending++
		avatarID := avatarID
		c.db.QueryObject(c.identity, avatarID, toon, func(_ *dc.Class, fields map[string]any) {
			if fields == nil {
				o.failed = true
			} else {
				o.avatarFields[avatarID] = fields
			}
			o.pending--
			if o.pending == 0 {
				o.enterApplyAvatars()
			}
		})
	}
	if o.pending == 0 {
		o.enterApplyAvatars()
	}
}

func (o *DeleteAvatarOperation) enterApplyAvatars() {
	if o.failed {
		o.finish(false)
		return
	}
	c := o.client

	for n, avatarID := range o.avatarSet {
		if avatarID == o.avatarID {
			o.avatarSet[n] = 0
			break
		}
	}
	c.db.UpdateObject(c.identity, o.accountID, c.agent.schema.Class("Account"), map[string]any{
		"ACCOUNT_AV_SET": o.avatarSet,
	})
	o.enterSetAvatars()
}

func (o *DeleteAvatarOperation) enterSetAvatars() {
	avatars := make([]AvatarData, 0, len(o.avatarFields))
	for _, avatarID := range o.avatarSet {
		fields, ok := o.avatarFields[avatarID]
		if !ok {
			continue
		}
		avatars = append(avatars, AvatarData{
			DoID:     avatarID,
			Name:     fieldString(fields, "setName"),
			DNA:      fieldString(fields, "setDNAString"),
			Position: fieldUint8(fields, "setPosIndex"),
		})
	}
	if o.finish(true) {
		o.callback(avatars)
	}
}
