// Package types holds the wire constants shared by the Message Director,
// the Client Agent and their peers. Every value here is a boundary contract
// with the game client or the State/Database servers and must not change.
package types

// Well-known internal channels.
const (
	ControlChannel     uint64 = 1
	ClientAgentChannel uint64 = 1000
	StateServerChannel uint64 = 1001
	DatabaseChannel    uint64 = 1002
)

// Broadcast channels.
const (
	ChannelClientBroadcast uint64 = 4014
	ChannelAIAndUDBroadcast uint64 = 4602
	ChannelUDBroadcast      uint64 = 4603
	ChannelAIBroadcast      uint64 = 4604
)

// Message Director control sub-types. Control datagrams are addressed to
// ControlChannel with the sub-type in the message-type slot.
const (
	ControlSetChannel      uint16 = 2002
	ControlRemoveChannel   uint16 = 2003
	ControlSetConName      uint16 = 2004
	ControlAddPostRemove   uint16 = 2008
	ControlClearPostRemove uint16 = 2009
)

// Client-facing message types.
const (
	ClientLogin                    uint16 = 1
	ClientLoginResp                uint16 = 2
	ClientGetAvatars               uint16 = 3
	ClientGoGetLost                uint16 = 4
	ClientGetAvatarsResp           uint16 = 5
	ClientCreateAvatar             uint16 = 6
	ClientCreateAvatarResp         uint16 = 7
	ClientGetShardList             uint16 = 8
	ClientGetShardListResp         uint16 = 9
	ClientGetFriendList            uint16 = 10
	ClientGetFriendListResp        uint16 = 11
	ClientGetAvatarDetails         uint16 = 14
	ClientGetAvatarDetailsResp     uint16 = 15
	ClientLogin2                   uint16 = 16
	ClientLogin2Resp               uint16 = 17
	ClientObjectUpdateField        uint16 = 24
	ClientObjectUpdateFieldResp    uint16 = 24
	ClientObjectDelete             uint16 = 27
	ClientObjectDeleteResp         uint16 = 27
	ClientSetZone                  uint16 = 29
	ClientRemoveZone               uint16 = 30
	ClientSetShard                 uint16 = 31
	ClientSetAvatar                uint16 = 32
	ClientCreateObjectRequired     uint16 = 34
	ClientCreateObjectRequiredOther uint16 = 35
	ClientDisconnect               uint16 = 37
	ClientDoneInterestResp         uint16 = 48
	ClientDeleteAvatar             uint16 = 49
	ClientDeleteAvatarResp         uint16 = 5
	ClientHeartbeat                uint16 = 52
	ClientFriendOnline             uint16 = 53
	ClientFriendOffline            uint16 = 54
	ClientRemoveFriend             uint16 = 56
	ClientSetNamePattern           uint16 = 67
	ClientSetNamePatternAnswer     uint16 = 68
	ClientSetWishname              uint16 = 70
	ClientSetWishnameResp          uint16 = 71
	ClientAddInterest              uint16 = 97
	ClientRemoveInterest           uint16 = 99
	ClientObjectLocation           uint16 = 102
	ClientLoginToontown            uint16 = 125
	ClientLoginToontownResp        uint16 = 126
)

// Login 2 token types.
const (
	LoginTokenGreen     int32 = 1
	LoginTokenPlayToken int32 = 2
	LoginTokenBlue      int32 = 3
	LoginTokenDISL      int32 = 4
)

// Disconnect codes carried by ClientGoGetLost.
const (
	DisconnectInvalidMsgType       uint16 = 108
	DisconnectTruncatedDatagram    uint16 = 109
	DisconnectAnonymousViolation   uint16 = 113
	DisconnectShardClosed          uint16 = 114
	DisconnectBadVersion           uint16 = 124
	DisconnectBadDCHash            uint16 = 125
	DisconnectInvalidPlayTokenType uint16 = 284
	DisconnectNoHeartbeat          uint16 = 345
	DisconnectAlreadyLoggedIn      uint16 = 346
)

// Client Agent internal message types, exchanged between CA nodes over the MD.
const (
	ClientAgentDisconnect    uint16 = 1000
	ClientAgentFriendOnline  uint16 = 1001
	ClientAgentFriendOffline uint16 = 1002
)

// State Server message types.
const (
	StateServerObjectGenerateWithRequired      uint16 = 2001
	StateServerObjectGenerateWithRequiredOther uint16 = 2003
	StateServerObjectUpdateField               uint16 = 2004
	StateServerObjectDeleteRAM                 uint16 = 2007

	StateServerObjectEnterLocationWithRequired      uint16 = 2090
	StateServerObjectEnterLocationWithRequiredOther uint16 = 2091
	StateServerObjectSetOwner                       uint16 = 2094
	StateServerObjectLocationAck                    uint16 = 2098
	StateServerObjectSetAI                          uint16 = 2099
	StateServerObjectEnterOwnerWithRequired         uint16 = 2102
	StateServerObjectEnterOwnerWithRequiredOther    uint16 = 2103
	StateServerObjectGetZonesObjects                uint16 = 2104
	StateServerObjectGetZonesObjectsResp            uint16 = 2105
	StateServerObjectGetZonesObjects2               uint16 = 2106
	StateServerObjectGetZonesObjects2Resp           uint16 = 2107
	StateServerObjectClearWatch                     uint16 = 2108
	StateServerGetShardAll                          uint16 = 2112
	StateServerGetShardAllResp                      uint16 = 2113
)

// Database Server message types.
const (
	DatabaseCreateObject     uint16 = 3000
	DatabaseCreateObjectResp uint16 = 3001
	DatabaseObjectGetAll     uint16 = 3006
	DatabaseObjectGetAllResp uint16 = 3007
	DatabaseObjectSetFields  uint16 = 3009
)

// AccountConnectionChannel is the channel a client's handler subscribes to
// once its account is bound; peer agents address account-scoped messages to
// it.
func AccountConnectionChannel(accountID uint32) uint64 {
	return uint64(accountID) | 3<<32
}

// PuppetConnectionChannel addresses the avatar object owned by a client.
// The bit layout is a wire contract with the State Server.
func PuppetConnectionChannel(avatarID uint32) uint64 {
	return uint64(avatarID) | 1<<32
}

// AccountChannel is the sender identity of an authenticated client with no
// avatar bound.
func AccountChannel(accountID uint32) uint64 {
	return uint64(accountID) << 32
}

// AvatarChannel is the sender identity of a playing client.
func AvatarChannel(accountID, avatarID uint32) uint64 {
	return uint64(accountID)<<32 | uint64(avatarID)
}

// AccountIDFromChannel recovers the account id from a sender identity.
func AccountIDFromChannel(channel uint64) uint32 {
	return uint32(channel >> 32)
}

// AvatarIDFromChannel recovers the avatar id from a sender identity.
func AvatarIDFromChannel(channel uint64) uint32 {
	return uint32(channel)
}
