// Package stateserver owns the distributed objects of one authority domain
//
// The StateTree is the only bus participant of a state server. It subscribes the channels
// its objects listen to, and dispatches each datagram to the objects listening to any of
// its targets, at most once per object, in ascending object id order.
package stateserver

import (
	"fmt"
	"sort"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/xiaonanln/gostate/engine/bus"
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/consts"
	"github.com/xiaonanln/gostate/engine/dclass"
	"github.com/xiaonanln/gostate/engine/gwlog"
	"github.com/xiaonanln/gostate/engine/gwutils"
	"github.com/xiaonanln/gostate/engine/idalloc"
	"github.com/xiaonanln/gostate/engine/netutil"
	"github.com/xiaonanln/gostate/engine/opmon"
	"github.com/xiaonanln/gostate/engine/proto"
)

type objectItem common.DoID

func (it objectItem) Less(other btree.Item) bool {
	return it < other.(objectItem)
}

// StateTree owns the live objects of one state server
//
// StateTree is not goroutine-safe: datagrams are handled one by one by the loop owning the bus.
type StateTree struct {
	channel common.Channel
	bus     bus.Bus
	schema  *dclass.Schema
	ids     *idalloc.Allocator

	objects   ObjectMap
	index     *btree.BTree // live object ids in ascending order
	listeners map[common.Channel]common.DoIDSet
	root      common.DoID
}

// NewStateTree creates a state tree handling the control channel
func NewStateTree(channel common.Channel, b bus.Bus, schema *dclass.Schema, ids *idalloc.Allocator) *StateTree {
	tree := &StateTree{
		channel:   channel,
		bus:       b,
		schema:    schema,
		ids:       ids,
		objects:   ObjectMap{},
		index:     btree.New(32),
		listeners: map[common.Channel]common.DoIDSet{},
	}
	b.Subscribe(tree, channel)
	return tree
}

func (tree *StateTree) String() string {
	return fmt.Sprintf("StateTree<%d>", tree.channel)
}

// Channel returns the control channel of the tree
func (tree *StateTree) Channel() common.Channel {
	return tree.channel
}

// Schema returns the schema shared by the objects of the tree
func (tree *StateTree) Schema() *dclass.Schema {
	return tree.schema
}

// Object returns the live object of the id, or nil
func (tree *StateTree) Object(id common.DoID) *DistributedObject {
	return tree.objects.Get(id)
}

// Root returns the id of the root object, 0 if there is no root
func (tree *StateTree) Root() common.DoID {
	return tree.root
}

// NumObjects returns the number of live objects, including deleting ones
func (tree *StateTree) NumObjects() int {
	return len(tree.objects)
}

// ObjectIDs returns a snapshot of live object ids in ascending order
func (tree *StateTree) ObjectIDs() []common.DoID {
	ids := make([]common.DoID, 0, tree.index.Len())
	tree.index.Ascend(func(i btree.Item) bool {
		ids = append(ids, common.DoID(i.(objectItem)))
		return true
	})
	return ids
}

func (tree *StateTree) subscribe(obj *DistributedObject, ch common.Channel) {
	if ch == common.INVALID_CHANNEL {
		return
	}
	ids := tree.listeners[ch]
	if ids == nil {
		ids = common.DoIDSet{}
		tree.listeners[ch] = ids
		tree.bus.Subscribe(tree, ch)
	}
	ids.Add(obj.ID)
}

func (tree *StateTree) unsubscribe(obj *DistributedObject, ch common.Channel) {
	ids := tree.listeners[ch]
	if ids == nil || !ids.Contains(obj.ID) {
		return
	}
	ids.Del(obj.ID)
	if len(ids) == 0 {
		delete(tree.listeners, ch)
		if ch != tree.channel {
			tree.bus.Unsubscribe(tree, ch)
		}
	}
}

func (tree *StateTree) route(pkt *netutil.Packet) {
	if consts.DEBUG_PACKETS {
		if hdr, err := proto.PeekHeader(pkt); err == nil {
			gwlog.Debugf("%s: route %s from %d to %v", tree, hdr.MsgType, hdr.Sender, hdr.Targets)
		}
	}
	tree.bus.Route(pkt)
}

// HandleDatagram dispatches one datagram to the tree and the listening objects
func (tree *StateTree) HandleDatagram(pkt *netutil.Packet) {
	hdr, err := proto.ReadHeader(pkt)
	if err != nil {
		gwlog.Errorf("%s: drop datagram: %v", tree, err)
		opmon.CountDropped("malformed")
		return
	}
	payloadStart := pkt.ReadCursor()

	op := opmon.StartOperation("stateserver." + hdr.MsgType.String())
	defer op.Finish(consts.DISPATCH_WARN_THRESHOLD)

	var receivers []common.DoID
	seen := common.DoIDSet{}
	for _, ch := range hdr.Targets {
		if ch == tree.channel {
			tree.handleControl(hdr, pkt)
			pkt.SetReadCursor(payloadStart)
			continue
		}
		for id := range tree.listeners[ch] {
			if !seen.Contains(id) {
				seen.Add(id)
				receivers = append(receivers, id)
			}
		}
	}
	sort.Slice(receivers, func(i, j int) bool { return receivers[i] < receivers[j] })

	for _, id := range receivers {
		obj := tree.objects.Get(id)
		if obj == nil || obj.state == objGone {
			// destroyed by an earlier receiver of the same datagram
			continue
		}
		pkt.SetReadCursor(payloadStart)
		err := gwutils.CatchPanic(func() error {
			return obj.handleDatagram(hdr, pkt)
		})
		if err != nil {
			tree.logDropped(obj.String(), hdr, err)
		}
	}
}

func (tree *StateTree) handleControl(hdr proto.Header, pkt *netutil.Packet) {
	err := gwutils.CatchPanic(func() error {
		switch hdr.MsgType {
		case proto.MT_GENERATE_WITH_REQUIRED:
			tree.handleGenerate(hdr, pkt, false)
		case proto.MT_GENERATE_WITH_REQUIRED_OTHER:
			tree.handleGenerate(hdr, pkt, true)
		case proto.MT_DELETE_AI_OBJECTS:
			tree.DeleteAIObjects(pkt.ReadChannel())
		default:
			return errors.Wrapf(ErrMalformed, "unexpected control message %s", hdr.MsgType)
		}
		return nil
	})
	if err != nil {
		tree.logDropped(tree.String(), hdr, err)
	}
}

func (tree *StateTree) logDropped(receiver string, hdr proto.Header, err error) {
	cause := errors.Cause(err)
	reason := "protocol"
	if cause == netutil.ErrPacketTruncated || cause == ErrMalformed || cause == dclass.ErrMalformedValue {
		reason = "malformed"
	} else if cause == ErrSelfParent || cause == ErrInvalidLocation || cause == ErrObjectDeleting {
		reason = "invariant"
	}
	gwlog.Errorf("%s: drop %s from %d: %v", receiver, hdr.MsgType, hdr.Sender, err)
	opmon.CountDropped(reason)
}

func (tree *StateTree) handleGenerate(hdr proto.Header, pkt *netutil.Packet, withOther bool) {
	context := pkt.ReadUint32()
	parent, zone := pkt.ReadLocation()
	classID := common.ClassID(pkt.ReadUint16())

	id, err := tree.generateFromDatagram(parent, zone, classID, pkt, withOther)
	if err != nil {
		gwlog.Warnf("%s: generate %d at (%s, %d) failed: %v", tree, classID, parent, zone, err)
	}

	resp := proto.NewDatagram([]common.Channel{hdr.Sender}, tree.channel, proto.MT_GENERATE_RESP)
	resp.AppendUint32(context)
	resp.AppendUint8(uint8(errCode(err)))
	resp.AppendDoID(id)
	tree.route(resp)
}

func (tree *StateTree) generateFromDatagram(parent common.DoID, zone common.ZoneID, classID common.ClassID, pkt *netutil.Packet, withOther bool) (common.DoID, error) {
	if err := tree.checkGenerateLocation(parent, zone); err != nil {
		return 0, err
	}
	cls, err := tree.schema.ClassByID(classID)
	if err != nil {
		return 0, err
	}

	required := make(map[common.FieldID][]byte, len(cls.RequiredFields()))
	for _, f := range cls.RequiredFields() {
		v, err := f.Unpack(pkt)
		if err != nil {
			return 0, errors.Wrap(ErrMalformed, err.Error())
		}
		required[f.ID] = v
	}

	var other map[common.FieldID][]byte
	if withOther {
		n := int(pkt.ReadUint16())
		other = make(map[common.FieldID][]byte, n)
		for i := 0; i < n; i++ {
			f, err := cls.Field(common.FieldID(pkt.ReadUint16()))
			if err != nil {
				return 0, err
			}
			v, err := f.Unpack(pkt)
			if err != nil {
				return 0, errors.Wrap(ErrMalformed, err.Error())
			}
			other[f.ID] = v
		}
	}

	return tree.Generate(parent, zone, classID, required, other)
}

// checkGenerateLocation allows only the root at (0, 0) until the root exists
func (tree *StateTree) checkGenerateLocation(parent common.DoID, zone common.ZoneID) error {
	if tree.root.IsNil() {
		if !parent.IsNil() || zone != 0 {
			return ErrNoRootYet
		}
		return nil
	}
	if parent.IsNil() {
		if zone != 0 {
			return errors.Wrapf(ErrInvalidLocation, "zone %d of no parent", zone)
		}
		return ErrRootAlreadyExists
	}
	return nil
}

// Generate creates an object from prebuilt required and ram fields and places it
//
// The first object generated at (0, 0) is the root, objects can only be generated under a parent after that.
// Failed generations never consume an id.
func (tree *StateTree) Generate(parent common.DoID, zone common.ZoneID, classID common.ClassID, required, other map[common.FieldID][]byte) (common.DoID, error) {
	if err := tree.checkGenerateLocation(parent, zone); err != nil {
		return 0, err
	}
	cls, err := tree.schema.ClassByID(classID)
	if err != nil {
		return 0, err
	}

	requiredFields := make(map[common.FieldID][]byte, len(cls.RequiredFields()))
	for _, f := range cls.RequiredFields() {
		v, ok := required[f.ID]
		if !ok {
			return 0, errors.Wrapf(ErrMalformed, "required field %s is missing", f)
		}
		if err := f.Validate(v); err != nil {
			return 0, errors.Wrap(ErrMalformed, err.Error())
		}
		requiredFields[f.ID] = v
	}
	ramFields := make(map[common.FieldID][]byte, len(other))
	for fid, v := range other {
		f, err := cls.Field(fid)
		if err != nil {
			return 0, errors.Wrap(ErrUnknownField, err.Error())
		}
		if f.IsMolecular() || !f.HasKeyword(dclass.KW_RAM) || f.HasKeyword(dclass.KW_REQUIRED) {
			return 0, errors.Wrapf(ErrUnknownField, "%s is not an atomic ram field", f)
		}
		if err := f.Validate(v); err != nil {
			return 0, errors.Wrap(ErrMalformed, err.Error())
		}
		ramFields[fid] = v
	}

	id, err := tree.ids.Allocate()
	if err != nil {
		return 0, err
	}

	obj := newDistributedObject(tree, id, cls, requiredFields, ramFields)
	tree.objects.Add(obj)
	tree.index.ReplaceOrInsert(objectItem(id))
	if parent.IsNil() {
		tree.root = id
	}
	obj.init(parent, zone)
	gwlog.Debugf("%s: generated %s at (%s, %d)", tree, obj, parent, zone)
	return id, nil
}

// DeleteAIObjects deletes every object whose AI channel was explicitly set to the channel
//
// It is used to reclaim the objects of a crashed AI process.
func (tree *StateTree) DeleteAIObjects(ai common.Channel) {
	n := 0
	for _, id := range tree.ObjectIDs() {
		obj := tree.objects.Get(id)
		if obj != nil && obj.ai == ai && obj.aiExplicit {
			obj.startDeletion(true)
			n++
		}
	}
	gwlog.Infof("%s: deleting %d objects of AI %d", tree, n, ai)
}

func (tree *StateTree) removeObject(obj *DistributedObject) {
	for ch, ids := range tree.listeners {
		if ids.Contains(obj.ID) {
			tree.unsubscribe(obj, ch)
		}
	}
	tree.objects.Del(obj.ID)
	tree.index.Delete(objectItem(obj.ID))
	if tree.root == obj.ID {
		tree.root = 0
	}
	if err := tree.ids.Free(obj.ID); err != nil {
		gwlog.Errorf("%s: free %s failed: %v", tree, obj, err)
	}
}

// Shutdown unsubscribes all channels of the tree
func (tree *StateTree) Shutdown() {
	tree.bus.UnsubscribeAll(tree)
	tree.listeners = map[common.Channel]common.DoIDSet{}
	gwlog.Infof("%s: shutdown with %d objects", tree, len(tree.objects))
}

// DumpStats logs the statistics of the tree
func (tree *StateTree) DumpStats() {
	deleting := 0
	for _, obj := range tree.objects {
		if obj.state == objDeleting {
			deleting++
		}
	}
	gwlog.Infof("%s: %d objects (%d deleting), root %s, %d channels, %d ids available",
		tree, len(tree.objects), deleting, tree.root, len(tree.listeners), tree.ids.Available())
}
