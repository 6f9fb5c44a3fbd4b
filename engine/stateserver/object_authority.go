package stateserver

import (
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/gwlog"
	"github.com/xiaonanln/gostate/engine/netutil"
	"github.com/xiaonanln/gostate/engine/proto"
)

// SetAI sets the AI channel of the object explicitly, 0 drops the explicit AI
func (obj *DistributedObject) SetAI(ai common.Channel) {
	obj.setAI(ai, true)
}

// setAI changes the AI channel
//
// An explicit AI pins the object: inherited values are ignored until it is set back to 0.
func (obj *DistributedObject) setAI(newAI common.Channel, explicit bool) {
	if explicit {
		wasExplicit := obj.aiExplicit
		obj.aiExplicit = newAI != 0
		if wasExplicit && !obj.aiExplicit && !obj.parent.IsNil() {
			// fall back to the AI of the parent
			defer obj.queryParentAI()
		}
	} else if obj.aiExplicit {
		return
	}

	oldAI := obj.ai
	if newAI == oldAI {
		return
	}
	obj.ai = newAI
	gwlog.Debugf("%s: AI %d => %d (explicit=%v)", obj, oldAI, newAI, obj.aiExplicit)

	targets := common.ChannelSet{}
	targets.Add(oldAI)
	targets.Add(common.ChildrenChannel(obj.ID))
	obj.send(targets, obj.channel(), proto.MT_CHANGING_AI, func(pkt *netutil.Packet) {
		pkt.AppendDoID(obj.ID)
		pkt.AppendChannel(newAI)
		pkt.AppendChannel(oldAI)
	})

	if newAI != 0 {
		obj.sendTo(newAI, proto.MT_ENTER_AI_WITH_REQUIRED_OTHER, func(pkt *netutil.Packet) {
			obj.appendSnapshot(pkt, allRAM)
		})
	}
}

// queryParentAI asks the parent for its AI channel, only the answer to a pending query is applied
func (obj *DistributedObject) queryParentAI() {
	context := obj.newContext()
	obj.aiQueries[context] = struct{}{}
	obj.sendTo(common.ObjectChannel(obj.parent), proto.MT_GET_AI, func(pkt *netutil.Packet) {
		pkt.AppendUint32(context)
		pkt.AppendDoID(obj.parent)
	})
}

// SetOwner sets the owner channel of the object
func (obj *DistributedObject) SetOwner(owner common.Channel) {
	obj.setOwner(owner)
}

func (obj *DistributedObject) setOwner(newOwner common.Channel) {
	oldOwner := obj.owner
	if newOwner == oldOwner {
		return
	}
	obj.owner = newOwner

	if oldOwner != 0 {
		obj.sendTo(oldOwner, proto.MT_CHANGING_OWNER, func(pkt *netutil.Packet) {
			pkt.AppendDoID(obj.ID)
			pkt.AppendChannel(newOwner)
			pkt.AppendChannel(oldOwner)
		})
	}
	if newOwner != 0 {
		obj.sendTo(newOwner, proto.MT_ENTER_OWNER_WITH_REQUIRED_OTHER, func(pkt *netutil.Packet) {
			obj.appendSnapshot(pkt, allRAM)
		})
	}
}

func (obj *DistributedObject) handleSetAI(hdr proto.Header, pkt *netutil.Packet) error {
	if !obj.readTarget(pkt) {
		return nil
	}
	obj.setAI(pkt.ReadChannel(), true)
	return nil
}

func (obj *DistributedObject) handleChangingAI(hdr proto.Header, pkt *netutil.Packet) error {
	from := pkt.ReadDoID()
	if from == obj.ID || from != obj.parent {
		return nil
	}
	obj.setAI(pkt.ReadChannel(), false)
	return nil
}

func (obj *DistributedObject) handleGetAI(hdr proto.Header, pkt *netutil.Packet) error {
	context := pkt.ReadUint32()
	if !obj.readTarget(pkt) {
		return nil
	}
	obj.sendTo(hdr.Sender, proto.MT_GET_AI_RESP, func(pkt *netutil.Packet) {
		pkt.AppendUint32(context)
		pkt.AppendDoID(obj.ID)
		pkt.AppendChannel(obj.ai)
	})
	return nil
}

func (obj *DistributedObject) handleGetAIResp(hdr proto.Header, pkt *netutil.Packet) error {
	context := pkt.ReadUint32()
	if _, ok := obj.aiQueries[context]; !ok {
		return nil
	}
	delete(obj.aiQueries, context)

	from := pkt.ReadDoID()
	ai := pkt.ReadChannel()
	if obj.aiExplicit || from != obj.parent {
		// answered by a former parent
		return nil
	}
	obj.setAI(ai, false)
	return nil
}

func (obj *DistributedObject) handleSetOwner(hdr proto.Header, pkt *netutil.Packet) error {
	if !obj.readTarget(pkt) {
		return nil
	}
	obj.setOwner(pkt.ReadChannel())
	return nil
}
