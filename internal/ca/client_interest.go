package ca

import (
	"sort"

	"go.uber.org/zap"

	"github.com/peppythegod/OTP-Reboot/internal/datagram"
	"github.com/peppythegod/OTP-Reboot/internal/types"
	"github.com/peppythegod/OTP-Reboot/internal/zone"
)

func (c *Client) buildInterest(it *datagram.Iterator) (*Interest, error) {
	interest := &Interest{
		ID:      it.ReadUint16(),
		Context: it.ReadUint32(),
		Parent:  it.ReadUint32(),
		Vis:     make(map[uint32]struct{}),
	}
	for it.Remaining() >= 4 {
		interest.Zones = append(interest.Zones, it.ReadUint32())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return interest, nil
}

func (c *Client) handleAddInterest(it *datagram.Iterator) {
	interest, err := c.buildInterest(it)
	if err != nil {
		c.handleSendDisconnect(types.DisconnectTruncatedDatagram, "received truncated datagram")
		return
	}
	c.agent.metrics.InterestsAdded.Inc()

	// A single-zone interest that is already covered is a no-op; letting
	// it run would tear down the zones the covering interest holds.
	if len(interest.Zones) == 1 && c.interests.Covers(interest.Parent, interest.Zones[0], false) {
		c.sendInterestDone(interest.ID, interest.Context)
		return
	}

	var newZones []uint32
	for _, zoneID := range interest.Zones {
		if !c.interests.Covers(interest.Parent, zoneID, false) {
			newZones = append(newZones, zoneID)
		}
	}

	// Street zones see into their neighbours; expand them through the
	// vis table.
	for _, zoneID := range newZones {
		if c.agent.vis.IsStreet(zoneID) {
			for _, visZone := range c.agent.vis.VisibleZones(zoneID) {
				interest.Vis[visZone] = struct{}{}
			}
		}
	}

	if previous := c.interests.ByID(interest.ID); previous != nil {
		var killedZones []uint32
		for _, zoneID := range previous.Zones {
			if c.interests.CountCovering(previous.Parent, zoneID) > 1 {
				continue
			}
			if interest.Parent != previous.Parent || !interest.HasZone(zoneID) {
				killedZones = append(killedZones, zoneID)
			}
		}
		for zoneID := range previous.Vis {
			if _, still := interest.Vis[zoneID]; !still {
				killedZones = append(killedZones, zoneID)
			}
		}
		for _, zoneID := range sortedZoneSet(interest.Vis) {
			if _, was := previous.Vis[zoneID]; was {
				continue
			}
			if !containsZone(newZones, zoneID) && !c.interests.Covers(interest.Parent, zoneID, false) {
				newZones = append(newZones, zoneID)
			}
		}
		c.closeZones(killedZones, interest.Parent)
		c.interests.Remove(previous)
	} else {
		for _, zoneID := range sortedZoneSet(interest.Vis) {
			if !containsZone(newZones, zoneID) {
				newZones = append(newZones, zoneID)
			}
		}
	}

	var finalZones []uint32
	for _, zoneID := range newZones {
		if !c.interests.Covers(interest.Parent, zoneID, true) {
			finalZones = append(finalZones, zoneID)
		}
	}

	c.interests.Add(interest)
	c.pendingInterests[interest.Context] = interest
	c.deferredContext = interest.Context
	c.deferredActive = true

	w := datagram.NewWriter()
	w.AddServerHeader([]uint64{uint64(interest.Parent)}, c.identity,
		types.StateServerObjectGetZonesObjects2)
	w.AddUint32(interest.Context)
	w.AddUint16(uint16(len(finalZones)))
	for _, zoneID := range finalZones {
		w.AddUint32(zoneID)
	}
	c.agent.uplink.Send(w.Bytes())
}

func (c *Client) handleRemoveInterest(it *datagram.Iterator) {
	interestID := it.ReadUint16()
	if it.Err() != nil {
		c.handleSendDisconnect(types.DisconnectTruncatedDatagram, "received truncated datagram")
		return
	}

	interest := c.interests.ByID(interestID)
	if interest == nil {
		c.log.Info("remove for unknown interest", zap.Uint16("interest", interestID))
		return
	}

	var killZones []uint32
	for _, zoneID := range interest.Zones {
		if c.interests.CountCovering(interest.Parent, zoneID) != 1 {
			continue
		}
		killZones = append(killZones, zoneID)
		if c.agent.vis.IsStreet(zoneID) {
			for _, visZone := range c.agent.vis.VisibleZones(zoneID) {
				if !containsZone(killZones, visZone) {
					killZones = append(killZones, visZone)
				}
			}
		}
	}

	c.closeZones(killZones, interest.Parent)
	c.sendInterestDone(interest.ID, interest.Context)
	c.interests.Remove(interest)
}

// closeZones deletes every non-owned object the client saw in the given
// zones and tells the State Server to stop watching them.
func (c *Client) closeZones(killZones []uint32, parent uint32) {
	for _, zoneID := range killZones {
		if zone.IsPerma(zoneID) {
			continue
		}
		if !c.seen.HasZone(zoneID) {
			continue
		}
		for _, doID := range c.seen.DropZone(zoneID) {
			if _, owned := c.owned[doID]; owned {
				continue
			}
			w := datagram.NewWriter()
			w.AddUint16(types.ClientObjectDelete)
			w.AddUint32(doID)
			c.sendToClient(w.Bytes())
		}

		w := datagram.NewWriter()
		w.AddServerHeader([]uint64{uint64(parent)}, c.identity,
			types.StateServerObjectClearWatch)
		w.AddUint32(zoneID)
		c.agent.uplink.Send(w.Bytes())
	}
}

func (c *Client) sendInterestDone(interestID uint16, context uint32) {
	w := datagram.NewWriter()
	w.AddUint16(types.ClientDoneInterestResp)
	w.AddUint16(interestID)
	w.AddUint32(context)
	c.sendToClient(w.Bytes())
}

// handleZonesObjectsResp receives the object census for an interest. The
// interest completes immediately when every listed object is already
// visible (or there are none); otherwise it waits for the generates.
func (c *Client) handleZonesObjectsResp(it *datagram.Iterator) {
	context := it.ReadUint32()
	if _, pending := c.pendingInterests[context]; !pending {
		c.log.Info("census for unknown interest context", zap.Uint32("context", context))
		return
	}
	count := it.ReadUint16()
	if it.Err() != nil {
		return
	}

	actual := 0
	for n := 0; n < int(count); n++ {
		doID := uint32(it.ReadUint64())
		if it.Err() != nil {
			return
		}
		if c.isPermaObject(doID) || doID == c.avatarID || c.seen.Contains(doID) {
			continue
		}
		c.pendingObjects[doID] = struct{}{}
		actual++
	}

	if actual == 0 {
		c.completeInterest()
	}
}

// completeInterest finishes the deferred interest once its pending
// objects have all arrived.
func (c *Client) completeInterest() {
	if !c.deferredActive {
		return
	}
	context := c.deferredContext
	interest, ok := c.pendingInterests[context]
	if !ok {
		c.deferredActive = false
		return
	}
	c.sendInterestDone(interest.ID, context)
	delete(c.pendingInterests, context)
	c.deferredActive = false
}

func (c *Client) isPermaObject(doID uint32) bool {
	zoneID, ok := c.seen.Zone(doID)
	return ok && zone.IsPerma(zoneID)
}

func containsZone(zones []uint32, zoneID uint32) bool {
	for _, z := range zones {
		if z == zoneID {
			return true
		}
	}
	return false
}

func sortedZoneSet(set map[uint32]struct{}) []uint32 {
	zones := make([]uint32, 0, len(set))
	for zoneID := range set {
		zones = append(zones, zoneID)
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i] < zones[j] })
	return zones
}
