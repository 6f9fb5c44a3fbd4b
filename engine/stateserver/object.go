package stateserver

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/dclass"
	"github.com/xiaonanln/gostate/engine/netutil"
	"github.com/xiaonanln/gostate/engine/proto"
)

type objectState uint8

const (
	objLive objectState = iota
	objDeleting
	objGone
)

// DistributedObject is an object owned by the state tree
//
// It listens to its own channel and the object-at-parent channel of its id, and to the
// children channel of its parent.
type DistributedObject struct {
	tree  *StateTree
	ID    common.DoID
	Class *dclass.Class

	parent   common.DoID
	zone     common.ZoneID
	required map[common.FieldID][]byte
	ram      map[common.FieldID][]byte

	ai         common.Channel
	aiExplicit bool
	owner      common.Channel

	children           map[common.DoID]common.ZoneID
	zoneObjects        map[common.ZoneID]common.DoIDSet
	parentSynchronized bool

	state            objectState
	aiDeletion       bool
	pendingChildren  common.DoIDSet
	resolvedChildren common.DoIDSet

	nextContext uint32
	aiQueries   map[uint32]struct{}
}

func newDistributedObject(tree *StateTree, id common.DoID, cls *dclass.Class, required, ram map[common.FieldID][]byte) *DistributedObject {
	if ram == nil {
		ram = map[common.FieldID][]byte{}
	}
	return &DistributedObject{
		tree:        tree,
		ID:          id,
		Class:       cls,
		required:    required,
		ram:         ram,
		children:    map[common.DoID]common.ZoneID{},
		zoneObjects: map[common.ZoneID]common.DoIDSet{},
		aiQueries:   map[uint32]struct{}{},
	}
}

func (obj *DistributedObject) String() string {
	if obj == nil {
		return "DistributedObject<nil>"
	}
	return fmt.Sprintf("%s<%d>", obj.Class.Name, obj.ID)
}

func (obj *DistributedObject) init(parent common.DoID, zone common.ZoneID) {
	obj.tree.subscribe(obj, common.ObjectChannel(obj.ID))
	obj.tree.subscribe(obj, common.ObjectAtParentChannel(obj.ID))
	if parent.IsNil() {
		return
	}

	obj.parent, obj.zone = parent, zone
	obj.tree.subscribe(obj, common.ChildrenChannel(parent))
	obj.queryParentAI()
	obj.announceLocation()
}

func (obj *DistributedObject) channel() common.Channel {
	return common.ObjectChannel(obj.ID)
}

// Parent returns the parent of the object, 0 for the root
func (obj *DistributedObject) Parent() common.DoID {
	return obj.parent
}

// Zone returns the zone of the object under its parent
func (obj *DistributedObject) Zone() common.ZoneID {
	return obj.zone
}

// AI returns the AI channel of the object
func (obj *DistributedObject) AI() common.Channel {
	return obj.ai
}

// IsAIExplicit returns if the AI channel was set explicitly instead of inherited from the parent
func (obj *DistributedObject) IsAIExplicit() bool {
	return obj.aiExplicit
}

// Owner returns the owner channel of the object
func (obj *DistributedObject) Owner() common.Channel {
	return obj.owner
}

// IsDeleting returns if the object waits for its children to be deleted
func (obj *DistributedObject) IsDeleting() bool {
	return obj.state == objDeleting
}

// IsParentSynchronized returns if the parent acknowledged the current location
func (obj *DistributedObject) IsParentSynchronized() bool {
	return obj.parentSynchronized
}

// NumChildren returns the number of children indexed by the object
func (obj *DistributedObject) NumChildren() int {
	return len(obj.children)
}

// ChildrenInZone returns the children in the zone in ascending order
func (obj *DistributedObject) ChildrenInZone(zone common.ZoneID) []common.DoID {
	return obj.zoneObjects[zone].ToList()
}

// Field returns the stored value of an atomic field
func (obj *DistributedObject) Field(fid common.FieldID) ([]byte, bool) {
	if v, ok := obj.required[fid]; ok {
		return v, true
	}
	v, ok := obj.ram[fid]
	return v, ok
}

func (obj *DistributedObject) send(targets common.ChannelSet, sender common.Channel, msgtype proto.MsgType, appendPayload func(pkt *netutil.Packet)) {
	if len(targets) == 0 {
		return
	}
	pkt := proto.NewDatagramTo(targets, sender, msgtype)
	if appendPayload != nil {
		appendPayload(pkt)
	}
	obj.tree.route(pkt)
}

func (obj *DistributedObject) sendTo(target common.Channel, msgtype proto.MsgType, appendPayload func(pkt *netutil.Packet)) {
	targets := common.ChannelSet{}
	targets.Add(target)
	obj.send(targets, obj.channel(), msgtype, appendPayload)
}

func (obj *DistributedObject) newContext() uint32 {
	obj.nextContext++
	return obj.nextContext
}

// appendSnapshot writes the id, location, class and required fields of the object,
// followed by the ram fields selected by ramFilter when ramFilter is not nil
func (obj *DistributedObject) appendSnapshot(pkt *netutil.Packet, ramFilter func(f *dclass.Field) bool) {
	pkt.AppendDoID(obj.ID)
	pkt.AppendLocation(obj.parent, obj.zone)
	pkt.AppendUint16(uint16(obj.Class.ID))
	for _, f := range obj.Class.RequiredFields() {
		pkt.AppendBytes(obj.required[f.ID])
	}
	if ramFilter == nil {
		return
	}
	fids := obj.ramFieldIDs(ramFilter)
	pkt.AppendUint16(uint16(len(fids)))
	for _, fid := range fids {
		pkt.AppendUint16(uint16(fid))
		pkt.AppendBytes(obj.ram[fid])
	}
}

func (obj *DistributedObject) ramFieldIDs(filter func(f *dclass.Field) bool) []common.FieldID {
	fids := make([]common.FieldID, 0, len(obj.ram))
	for fid := range obj.ram {
		f, err := obj.Class.Field(fid)
		if err != nil || !filter(f) {
			continue
		}
		fids = append(fids, fid)
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })
	return fids
}

func allRAM(f *dclass.Field) bool {
	return true
}

func broadcastRAM(f *dclass.Field) bool {
	return f.HasKeyword(dclass.KW_BROADCAST)
}

func (obj *DistributedObject) hasBroadcastRAM() bool {
	return len(obj.ramFieldIDs(broadcastRAM)) > 0
}

// handleDatagram handles one datagram whose read cursor is at the payload
func (obj *DistributedObject) handleDatagram(hdr proto.Header, pkt *netutil.Packet) error {
	payloadStart := pkt.ReadCursor()

	switch hdr.MsgType {
	case proto.MT_SET_FIELD:
		return obj.handleSetField(hdr, pkt)
	case proto.MT_SET_FIELDS:
		return obj.handleSetFields(hdr, pkt)
	case proto.MT_DELETE_FIELD_RAM:
		return obj.handleDeleteFieldRAM(hdr, pkt)
	case proto.MT_GET_FIELD:
		return obj.handleGetField(hdr, pkt)
	case proto.MT_GET_FIELDS:
		return obj.handleGetFields(hdr, pkt)
	case proto.MT_GET_ALL:
		return obj.handleGetAll(hdr, pkt)

	case proto.MT_DELETE_RAM:
		return obj.handleDeleteRAM(hdr, pkt)
	case proto.MT_DELETE_CHILDREN:
		return obj.handleDeleteChildren(hdr, pkt)

	case proto.MT_SET_LOCATION:
		return obj.handleSetLocation(hdr, pkt)
	case proto.MT_CHANGING_LOCATION:
		return obj.handleChangingLocation(hdr, pkt)
	case proto.MT_LEAVING_LOCATION:
		return obj.handleLeavingLocation(hdr, pkt)
	case proto.MT_ENTER_LOCATION_WITH_REQUIRED, proto.MT_ENTER_LOCATION_WITH_REQUIRED_OTHER:
		return obj.handleEnterLocation(hdr, pkt)
	case proto.MT_LOCATION_ACK:
		return obj.handleLocationAck(hdr, pkt)
	case proto.MT_GET_LOCATION:
		return obj.handleGetLocation(hdr, pkt)

	case proto.MT_SET_AI:
		return obj.handleSetAI(hdr, pkt)
	case proto.MT_CHANGING_AI:
		return obj.handleChangingAI(hdr, pkt)
	case proto.MT_GET_AI:
		return obj.handleGetAI(hdr, pkt)
	case proto.MT_GET_AI_RESP:
		return obj.handleGetAIResp(hdr, pkt)
	case proto.MT_SET_OWNER:
		return obj.handleSetOwner(hdr, pkt)

	case proto.MT_GET_ZONE_OBJECTS, proto.MT_GET_ZONES_OBJECTS, proto.MT_GET_CHILDREN:
		return obj.handleGetObjects(hdr, pkt, payloadStart)
	case proto.MT_GET_ZONES_COUNT, proto.MT_GET_CHILD_COUNT:
		return obj.handleGetCount(hdr, pkt)

	case proto.MT_CHANGING_OWNER, proto.MT_ENTER_AI_WITH_REQUIRED_OTHER, proto.MT_ENTER_OWNER_WITH_REQUIRED_OTHER,
		proto.MT_GET_ZONES_OBJECTS_RESP, proto.MT_GET_CHILDREN_RESP, proto.MT_ENTER_INTEREST_WITH_REQUIRED,
		proto.MT_ENTER_INTEREST_WITH_REQUIRED_OTHER:
		// notifications for AI and owner channels passing by the object-at-parent channel
		return nil
	}
	return errors.Wrapf(ErrMalformed, "unexpected message %s", hdr.MsgType)
}

// readTarget reads the leading object id of the payload and returns if it addresses this object
func (obj *DistributedObject) readTarget(pkt *netutil.Packet) bool {
	return pkt.ReadDoID() == obj.ID
}
