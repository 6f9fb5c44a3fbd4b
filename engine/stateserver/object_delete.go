package stateserver

import (
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/consts"
	"github.com/xiaonanln/gostate/engine/gwlog"
	"github.com/xiaonanln/gostate/engine/netutil"
	"github.com/xiaonanln/gostate/engine/proto"
)

// Delete starts the deletion of the object and its subtree
func (obj *DistributedObject) Delete() {
	obj.startDeletion(false)
}

// startDeletion leaves the location, asks every child to delete itself, and finishes once
// every child known at this point, or entering later, has been deleted or moved away
func (obj *DistributedObject) startDeletion(aiDeletion bool) {
	if obj.state != objLive {
		return
	}
	obj.state = objDeleting
	obj.aiDeletion = aiDeletion

	if !obj.parent.IsNil() {
		obj.sendTo(common.ObjectChannel(obj.parent), proto.MT_LEAVING_LOCATION, func(pkt *netutil.Packet) {
			pkt.AppendDoID(obj.ID)
			pkt.AppendLocation(obj.parent, obj.zone)
		})
	}

	obj.pendingChildren = make(common.DoIDSet, len(obj.children))
	for child := range obj.children {
		obj.pendingChildren.Add(child)
	}
	obj.resolvedChildren = common.DoIDSet{}
	if consts.DEBUG_DELETE {
		gwlog.Debugf("%s: deleting, waiting for %d children", obj, len(obj.pendingChildren))
	}

	obj.sendTo(common.ChildrenChannel(obj.ID), proto.MT_DELETE_CHILDREN, func(pkt *netutil.Packet) {
		pkt.AppendDoID(obj.ID)
		pkt.AppendBool(aiDeletion)
	})
	obj.checkDeletionDone()
}

// resolveChild marks a child of a deleting object as gone
func (obj *DistributedObject) resolveChild(child common.DoID) {
	if obj.state != objDeleting || !obj.pendingChildren.Contains(child) {
		return
	}
	obj.resolvedChildren.Add(child)
	if consts.DEBUG_DELETE {
		gwlog.Debugf("%s: child %s resolved, %d/%d", obj, child, len(obj.resolvedChildren), len(obj.pendingChildren))
	}
	obj.checkDeletionDone()
}

func (obj *DistributedObject) checkDeletionDone() {
	if obj.state != objDeleting || len(obj.resolvedChildren) < len(obj.pendingChildren) {
		return
	}

	targets := common.ChannelSet{}
	if !obj.parent.IsNil() {
		targets.Add(common.ObjectChannel(obj.parent))
		targets.Add(common.LocationChannel(obj.parent, obj.zone))
		targets.Add(common.ObjectAtParentChannel(obj.parent))
	}
	targets.Add(obj.owner)
	targets.Add(obj.ai)
	obj.send(targets, obj.channel(), proto.MT_DELETE_RAM, func(pkt *netutil.Packet) {
		pkt.AppendDoID(obj.ID)
		pkt.AppendBool(obj.aiDeletion)
	})

	obj.state = objGone
	obj.tree.removeObject(obj)
	gwlog.Debugf("%s: deleted", obj)
}

func (obj *DistributedObject) handleDeleteRAM(hdr proto.Header, pkt *netutil.Packet) error {
	id := pkt.ReadDoID()
	aiDeletion := pkt.ReadBool()
	if id == obj.ID {
		obj.startDeletion(aiDeletion)
		return nil
	}

	if _, ok := obj.children[id]; ok || obj.pendingChildren.Contains(id) {
		obj.removeChild(id)
		obj.resolveChild(id)
	}
	return nil
}

func (obj *DistributedObject) handleDeleteChildren(hdr proto.Header, pkt *netutil.Packet) error {
	parent := pkt.ReadDoID()
	aiDeletion := pkt.ReadBool()
	if parent == obj.ID {
		// delete the subtree but keep the object itself
		obj.sendTo(common.ChildrenChannel(obj.ID), proto.MT_DELETE_CHILDREN, func(pkt *netutil.Packet) {
			pkt.AppendDoID(obj.ID)
			pkt.AppendBool(aiDeletion)
		})
		return nil
	}
	if parent == obj.parent && !parent.IsNil() {
		obj.startDeletion(aiDeletion)
	}
	return nil
}
