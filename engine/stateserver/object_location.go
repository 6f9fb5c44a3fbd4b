package stateserver

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/consts"
	"github.com/xiaonanln/gostate/engine/gwlog"
	"github.com/xiaonanln/gostate/engine/netutil"
	"github.com/xiaonanln/gostate/engine/proto"
)

// SetLocation moves the object under a new (parent, zone)
func (obj *DistributedObject) SetLocation(parent common.DoID, zone common.ZoneID) error {
	return obj.setLocation(parent, zone)
}

func (obj *DistributedObject) setLocation(newParent common.DoID, newZone common.ZoneID) error {
	if newParent == obj.parent && newZone == obj.zone {
		return nil
	}
	if newParent == obj.ID {
		return ErrSelfParent
	}
	if obj.parent.IsNil() || newParent.IsNil() {
		return errors.Wrapf(ErrInvalidLocation, "%s can not move to (%s, %d)", obj, newParent, newZone)
	}
	if obj.state != objLive {
		return errors.Wrapf(ErrObjectDeleting, "%s can not move", obj)
	}

	oldParent, oldZone := obj.parent, obj.zone
	if consts.DEBUG_LOCATION {
		gwlog.Debugf("%s: move (%s, %d) => (%s, %d)", obj, oldParent, oldZone, newParent, newZone)
	}

	targets := common.ChannelSet{}
	if newParent != oldParent {
		obj.tree.unsubscribe(obj, common.ChildrenChannel(oldParent))
		targets.Add(obj.ai)
		targets.Add(obj.owner)
	}
	targets.Add(common.ObjectChannel(oldParent))
	targets.Add(common.LocationChannel(oldParent, oldZone))
	targets.Add(common.ObjectAtParentChannel(oldParent))
	targets.Add(common.ObjectChannel(newParent))

	obj.parent, obj.zone = newParent, newZone
	obj.parentSynchronized = false
	obj.send(targets, obj.channel(), proto.MT_CHANGING_LOCATION, func(pkt *netutil.Packet) {
		pkt.AppendDoID(obj.ID)
		pkt.AppendLocation(newParent, newZone)
		pkt.AppendLocation(oldParent, oldZone)
	})

	if newParent != oldParent {
		obj.tree.subscribe(obj, common.ChildrenChannel(newParent))
		if !obj.aiExplicit {
			obj.queryParentAI()
		}
	}
	obj.announceLocation()
	return nil
}

// announceLocation sends the snapshot of the object to its location and its parent
func (obj *DistributedObject) announceLocation() {
	if obj.parent.IsNil() {
		return
	}

	msgtype := proto.MT_ENTER_LOCATION_WITH_REQUIRED
	ramFilter := broadcastRAM
	if !obj.hasBroadcastRAM() {
		ramFilter = nil
	} else {
		msgtype = proto.MT_ENTER_LOCATION_WITH_REQUIRED_OTHER
	}

	targets := common.ChannelSet{}
	targets.Add(common.LocationChannel(obj.parent, obj.zone))
	targets.Add(common.ObjectAtParentChannel(obj.parent))
	obj.send(targets, obj.channel(), msgtype, func(pkt *netutil.Packet) {
		obj.appendSnapshot(pkt, ramFilter)
	})
}

func (obj *DistributedObject) addChild(child common.DoID, zone common.ZoneID) {
	if oldZone, ok := obj.children[child]; ok {
		if oldZone == zone {
			return
		}
		obj.removeChild(child)
	}
	obj.children[child] = zone
	ids := obj.zoneObjects[zone]
	if ids == nil {
		ids = common.DoIDSet{}
		obj.zoneObjects[zone] = ids
	}
	ids.Add(child)
}

func (obj *DistributedObject) removeChild(child common.DoID) {
	zone, ok := obj.children[child]
	if !ok {
		return
	}
	delete(obj.children, child)
	ids := obj.zoneObjects[zone]
	ids.Del(child)
	if len(ids) == 0 {
		delete(obj.zoneObjects, zone)
	}
}

func (obj *DistributedObject) handleSetLocation(hdr proto.Header, pkt *netutil.Packet) error {
	if !obj.readTarget(pkt) {
		return nil
	}
	parent, zone := pkt.ReadLocation()
	return obj.setLocation(parent, zone)
}

func (obj *DistributedObject) handleChangingLocation(hdr proto.Header, pkt *netutil.Packet) error {
	child := pkt.ReadDoID()
	if child == obj.ID {
		return nil
	}
	newParent, newZone := pkt.ReadLocation()
	oldParent, _ := pkt.ReadLocation()

	if newParent == obj.ID {
		obj.addChild(child, newZone)
	} else if oldParent == obj.ID {
		obj.removeChild(child)
		obj.resolveChild(child)
	}
	return nil
}

func (obj *DistributedObject) handleLeavingLocation(hdr proto.Header, pkt *netutil.Packet) error {
	child := pkt.ReadDoID()
	parent, _ := pkt.ReadLocation()
	if parent == obj.ID {
		obj.removeChild(child)
	}
	return nil
}

func (obj *DistributedObject) handleEnterLocation(hdr proto.Header, pkt *netutil.Packet) error {
	child := pkt.ReadDoID()
	parent, zone := pkt.ReadLocation()
	if parent != obj.ID || child == obj.ID {
		return nil
	}

	obj.addChild(child, zone)
	obj.sendTo(common.ObjectChannel(child), proto.MT_LOCATION_ACK, func(pkt *netutil.Packet) {
		pkt.AppendDoID(child)
		pkt.AppendLocation(parent, zone)
	})

	if obj.state == objDeleting && !obj.pendingChildren.Contains(child) {
		// entered after the deletion started, so it missed the DELETE_CHILDREN broadcast
		obj.pendingChildren.Add(child)
		obj.sendTo(common.ObjectChannel(child), proto.MT_DELETE_CHILDREN, func(pkt *netutil.Packet) {
			pkt.AppendDoID(obj.ID)
			pkt.AppendBool(obj.aiDeletion)
		})
	}
	return nil
}

func (obj *DistributedObject) handleLocationAck(hdr proto.Header, pkt *netutil.Packet) error {
	if !obj.readTarget(pkt) {
		return nil
	}
	parent, zone := pkt.ReadLocation()
	if parent == obj.parent && zone == obj.zone {
		obj.parentSynchronized = true
	}
	return nil
}

func (obj *DistributedObject) handleGetLocation(hdr proto.Header, pkt *netutil.Packet) error {
	context := pkt.ReadUint32()
	if !obj.readTarget(pkt) {
		return nil
	}
	obj.sendTo(hdr.Sender, proto.MT_GET_LOCATION_RESP, func(pkt *netutil.Packet) {
		pkt.AppendUint32(context)
		pkt.AppendDoID(obj.ID)
		pkt.AppendLocation(obj.parent, obj.zone)
	})
	return nil
}

// handleGetObjects serves GET_ZONE_OBJECTS, GET_ZONES_OBJECTS and GET_CHILDREN
//
// The parent answers the number of matching children and forwards the query to its
// children, and every matching child enters the requester on its own.
func (obj *DistributedObject) handleGetObjects(hdr proto.Header, pkt *netutil.Packet, payloadStart uint32) error {
	context := pkt.ReadUint32()
	parent := pkt.ReadDoID()

	var zones common.ZoneSet
	switch hdr.MsgType {
	case proto.MT_GET_ZONE_OBJECTS:
		zones = common.NewZoneSet(pkt.ReadZoneID())
	case proto.MT_GET_ZONES_OBJECTS:
		zones = pkt.ReadZoneList()
	}

	if parent == obj.ID {
		count := obj.countChildren(zones)
		respType := proto.MT_GET_ZONES_OBJECTS_RESP
		if hdr.MsgType == proto.MT_GET_CHILDREN {
			respType = proto.MT_GET_CHILDREN_RESP
		}
		obj.sendTo(hdr.Sender, respType, func(pkt *netutil.Packet) {
			pkt.AppendUint32(context)
			pkt.AppendUint32(uint32(count))
		})

		forward := proto.NewDatagram([]common.Channel{common.ChildrenChannel(obj.ID)}, hdr.Sender, hdr.MsgType)
		forward.AppendBytes(pkt.Payload()[payloadStart:])
		obj.tree.route(forward)
		return nil
	}

	if parent != obj.parent || parent.IsNil() {
		return nil
	}
	if zones != nil && !zones.Contains(obj.zone) {
		return nil
	}

	msgtype := proto.MT_ENTER_INTEREST_WITH_REQUIRED
	ramFilter := broadcastRAM
	if !obj.hasBroadcastRAM() {
		ramFilter = nil
	} else {
		msgtype = proto.MT_ENTER_INTEREST_WITH_REQUIRED_OTHER
	}
	obj.sendTo(hdr.Sender, msgtype, func(pkt *netutil.Packet) {
		pkt.AppendUint32(context)
		obj.appendSnapshot(pkt, ramFilter)
	})

	if !obj.parentSynchronized {
		// the parent may not have counted this object yet
		obj.announceLocation()
	}
	return nil
}

func (obj *DistributedObject) handleGetCount(hdr proto.Header, pkt *netutil.Packet) error {
	context := pkt.ReadUint32()
	parent := pkt.ReadDoID()
	if parent != obj.ID {
		return nil
	}

	var zones common.ZoneSet
	respType := proto.MT_GET_CHILD_COUNT_RESP
	if hdr.MsgType == proto.MT_GET_ZONES_COUNT {
		zones = pkt.ReadZoneList()
		respType = proto.MT_GET_ZONES_COUNT_RESP
	}
	count := obj.countChildren(zones)
	obj.sendTo(hdr.Sender, respType, func(pkt *netutil.Packet) {
		pkt.AppendUint32(context)
		pkt.AppendUint32(uint32(count))
	})
	return nil
}

// countChildren counts the children in the zones, or all children when zones is nil
func (obj *DistributedObject) countChildren(zones common.ZoneSet) int {
	if zones == nil {
		return len(obj.children)
	}
	count := 0
	for zone := range zones {
		count += len(obj.zoneObjects[zone])
	}
	return count
}
