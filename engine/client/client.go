// Package client keeps the interests of a viewer and the objects visible through them
package client

import (
	"context"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/xiaonanln/gostate/engine/bus"
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/consts"
	"github.com/xiaonanln/gostate/engine/dclass"
	"github.com/xiaonanln/gostate/engine/gwlog"
	"github.com/xiaonanln/gostate/engine/gwutils"
	"github.com/xiaonanln/gostate/engine/netutil"
	"github.com/xiaonanln/gostate/engine/opmon"
	"github.com/xiaonanln/gostate/engine/post"
	"github.com/xiaonanln/gostate/engine/proto"
)

// ErrUnknownObject is returned for an update of an object the client has never seen
var ErrUnknownObject = errors.New("unknown object")

// IClientDelegate receives the changes of the visible object set
type IClientDelegate interface {
	OnObjectEnter(obj *VisibleObject)
	// OnObjectLeave is called when an object is no longer visible through any interest
	OnObjectLeave(obj *VisibleObject)
	OnObjectDeleted(obj *VisibleObject, aiDeletion bool)
	OnObjectLocation(obj *VisibleObject, oldParent common.DoID, oldZone common.ZoneID)
	OnFieldUpdate(obj *VisibleObject, fid common.FieldID, value []byte)
	OnFieldDeleted(obj *VisibleObject, fid common.FieldID)
	// OnInterestDone is called when an interest operation requested without a requester channel is done
	OnInterestDone(interestID uint16, context uint32)
}

// Client is a bus participant viewing distributed objects through interests
//
// Client is not goroutine-safe: every method must be called by the goroutine running the client,
// other goroutines use Post and InjectDatagram.
type Client struct {
	channel  common.Channel
	bus      bus.Bus
	schema   *dclass.Schema
	delegate IClientDelegate
	queue    *post.Queue

	interests      map[uint16]*Interest
	visible        map[common.DoID]*VisibleObject
	sessionObjects common.DoIDSet
	history        *lru.Cache[common.DoID, struct{}]
	pending        map[uint32]*InterestOperation
	nextContext    uint32
}

// NewClient creates a client listening to its channel
func NewClient(channel common.Channel, b bus.Bus, schema *dclass.Schema, delegate IClientDelegate, historySize int) (*Client, error) {
	if historySize <= 0 {
		historySize = consts.CLIENT_HISTORY_SIZE
	}
	history, err := lru.New[common.DoID, struct{}](historySize)
	if err != nil {
		return nil, errors.Wrap(err, "create history")
	}

	c := &Client{
		channel:        channel,
		bus:            b,
		schema:         schema,
		delegate:       delegate,
		queue:          post.NewQueue(),
		interests:      map[uint16]*Interest{},
		visible:        map[common.DoID]*VisibleObject{},
		sessionObjects: common.DoIDSet{},
		history:        history,
		pending:        map[uint32]*InterestOperation{},
	}
	b.Subscribe(c, channel)
	return c, nil
}

func (c *Client) String() string {
	return fmt.Sprintf("Client<%d>", c.channel)
}

// Channel returns the channel of the client
func (c *Client) Channel() common.Channel {
	return c.channel
}

// Post runs f on the goroutine running the client
func (c *Client) Post(f post.PostCallback) {
	c.queue.Post(f)
}

// InjectDatagram handles a datagram on the goroutine running the client, the client takes the packet
func (c *Client) InjectDatagram(pkt *netutil.Packet) {
	c.queue.Post(func() {
		c.HandleDatagram(pkt)
		pkt.Release()
	})
}

// Tick runs the posted callbacks
func (c *Client) Tick() {
	c.queue.Tick()
}

// Run flushes the bus and runs posted callbacks until the context is done
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.bus.Ready():
			c.bus.Flush()
		case <-c.queue.C():
			c.queue.Tick()
		}
	}
}

// Close unsubscribes every channel of the client, pending operations are abandoned
func (c *Client) Close() {
	c.bus.UnsubscribeAll(c)
	for _, op := range c.pending {
		for _, pkt := range op.queued {
			pkt.Release()
		}
	}
	c.pending = map[uint32]*InterestOperation{}
}

// Interest returns the interest of the id, or nil
func (c *Client) Interest(id uint16) *Interest {
	return c.interests[id]
}

// Object returns the visible object of the id, or nil
func (c *Client) Object(id common.DoID) *VisibleObject {
	return c.visible[id]
}

// VisibleObjects returns the ids of visible objects in ascending order
func (c *Client) VisibleObjects() []common.DoID {
	ids := make([]common.DoID, 0, len(c.visible))
	for id := range c.visible {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NumPendingOperations returns the number of interest operations in progress
func (c *Client) NumPendingOperations() int {
	return len(c.pending)
}

func (c *Client) isInteresting(parent common.DoID, zone common.ZoneID) bool {
	for _, it := range c.interests {
		if it.Covers(parent, zone) {
			return true
		}
	}
	return false
}

// coveredByOthers returns if an interest other than the excluded one includes the (parent, zone)
func (c *Client) coveredByOthers(exclude uint16, parent common.DoID, zone common.ZoneID) bool {
	for id, it := range c.interests {
		if id != exclude && it.Covers(parent, zone) {
			return true
		}
	}
	return false
}

func (c *Client) send(target common.Channel, msgtype proto.MsgType, appendPayload func(pkt *netutil.Packet)) {
	pkt := proto.NewDatagram([]common.Channel{target}, c.channel, msgtype)
	appendPayload(pkt)
	c.bus.Route(pkt)
}

// AddInterest opens an interest, or alters it when the id is in use
//
// An alteration removes the zones no longer wanted first, then adds the new ones.
// The requester is notified with DONE_INTEREST_RESP when the new zones are resolved,
// OnInterestDone of the delegate is called instead when requester is 0.
func (c *Client) AddInterest(interest Interest, context uint32, requester common.Channel) {
	newInterest := interest.copy()
	oldInterest, exists := c.interests[interest.ID]

	kind := opOpen
	added := newInterest.Zones
	if exists {
		kind = opAlter
		removed := oldInterest.Zones
		if oldInterest.Parent == newInterest.Parent {
			removed = oldInterest.Zones.Diff(newInterest.Zones)
			added = newInterest.Zones.Diff(oldInterest.Zones)
		}
		delete(c.interests, interest.ID)
		for _, zone := range removed.ToList() {
			if !c.coveredByOthers(interest.ID, oldInterest.Parent, zone) {
				c.killZone(oldInterest.Parent, zone)
			}
		}
	}

	delta := common.ZoneSet{}
	for zone := range added {
		if !c.coveredByOthers(interest.ID, newInterest.Parent, zone) {
			delta.Add(zone)
		}
	}
	c.interests[interest.ID] = newInterest
	gwlog.Debugf("%s: %s %s, new zones %v", c, kind, newInterest, delta.ToList())

	if len(delta) == 0 {
		c.completeInterest(interest.ID, context, requester)
		return
	}

	for zone := range delta {
		c.bus.Subscribe(c, common.LocationChannel(newInterest.Parent, zone))
	}
	c.nextContext++
	op := newInterestOperation(c, kind, newInterest, delta, context, c.nextContext, requester)
	c.pending[op.requestContext] = op
	c.send(common.ObjectChannel(newInterest.Parent), proto.MT_GET_ZONES_OBJECTS, func(pkt *netutil.Packet) {
		pkt.AppendUint32(op.requestContext)
		pkt.AppendDoID(newInterest.Parent)
		pkt.AppendZoneList(delta)
	})
}

// RemoveInterest closes an interest, objects only visible through it leave at once
func (c *Client) RemoveInterest(id uint16, context uint32, requester common.Channel) {
	interest := c.interests[id]
	if interest == nil {
		gwlog.Warnf("%s: remove interest %d: not found", c, id)
	} else {
		delete(c.interests, id)
		for _, zone := range interest.Zones.ToList() {
			if !c.isInteresting(interest.Parent, zone) {
				c.killZone(interest.Parent, zone)
			}
		}
	}
	c.completeInterest(id, context, requester)
}

func (c *Client) completeInterest(id uint16, context uint32, requester common.Channel) {
	if requester == 0 {
		c.delegate.OnInterestDone(id, context)
		return
	}
	c.send(requester, proto.MT_DONE_INTEREST_RESP, func(pkt *netutil.Packet) {
		pkt.AppendUint32(context)
		pkt.AppendUint16(id)
	})
}

// killZone disables the objects in the zone and stops listening to it
func (c *Client) killZone(parent common.DoID, zone common.ZoneID) {
	for _, id := range c.VisibleObjects() {
		obj := c.visible[id]
		if obj.Parent == parent && obj.Zone == zone && !c.sessionObjects.Contains(id) {
			c.disable(obj)
		}
	}
	c.bus.Unsubscribe(c, common.LocationChannel(parent, zone))
}

func (c *Client) disable(obj *VisibleObject) {
	delete(c.visible, obj.ID)
	c.history.Add(obj.ID, struct{}{})
	c.delegate.OnObjectLeave(obj)
}

func (c *Client) enterObject(obj *VisibleObject) {
	if visible := c.visible[obj.ID]; visible != nil {
		visible.Parent, visible.Zone = obj.Parent, obj.Zone
		return
	}
	c.history.Remove(obj.ID)
	c.visible[obj.ID] = obj
	c.delegate.OnObjectEnter(obj)
}

// DeclareObject makes the object a session object of the client
//
// Session objects stay visible when interests change, until they are deleted or undeclared.
func (c *Client) DeclareObject(id common.DoID, classID common.ClassID) error {
	if _, err := c.schema.ClassByID(classID); err != nil {
		return err
	}
	c.sessionObjects.Add(id)
	return nil
}

// UndeclareObject drops a session object, it leaves if no interest covers its location
func (c *Client) UndeclareObject(id common.DoID) {
	c.sessionObjects.Del(id)
	if obj := c.visible[id]; obj != nil && !c.isInteresting(obj.Parent, obj.Zone) {
		c.disable(obj)
	}
}

// pendingOperationFor returns the operation holding the entrance of the object or covering a target
func (c *Client) pendingOperationFor(id common.DoID, targets []common.Channel) *InterestOperation {
	contexts := make([]uint32, 0, len(c.pending))
	for ctx := range c.pending {
		contexts = append(contexts, ctx)
	}
	sort.Slice(contexts, func(i, j int) bool { return contexts[i] < contexts[j] })
	for _, ctx := range contexts {
		op := c.pending[ctx]
		if op.entered.Contains(id) || op.coversTargets(targets) {
			return op
		}
	}
	return nil
}

// HandleDatagram handles one datagram routed to the client or to an interesting location
func (c *Client) HandleDatagram(pkt *netutil.Packet) {
	hdr, err := proto.ReadHeader(pkt)
	if err != nil {
		gwlog.Errorf("%s: drop datagram: %v", c, err)
		opmon.CountDropped("malformed")
		return
	}
	if consts.DEBUG_PACKETS {
		gwlog.Debugf("%s: recv %s from %d", c, hdr.MsgType, hdr.Sender)
	}

	err = gwutils.CatchPanic(func() error {
		return c.handleDatagram(hdr, pkt)
	})
	if err != nil {
		gwlog.Errorf("%s: drop %s from %d: %v", c, hdr.MsgType, hdr.Sender, err)
		opmon.CountDropped("client")
	}
}

func (c *Client) handleDatagram(hdr proto.Header, pkt *netutil.Packet) error {
	switch hdr.MsgType {
	case proto.MT_ADD_INTEREST:
		context := pkt.ReadUint32()
		interest := Interest{ID: pkt.ReadUint16(), Parent: pkt.ReadDoID()}
		interest.Zones = pkt.ReadZoneList()
		c.AddInterest(interest, context, hdr.Sender)
	case proto.MT_REMOVE_INTEREST:
		context := pkt.ReadUint32()
		c.RemoveInterest(pkt.ReadUint16(), context, hdr.Sender)
	case proto.MT_DECLARE_OBJECT:
		id := pkt.ReadDoID()
		return c.DeclareObject(id, common.ClassID(pkt.ReadUint16()))
	case proto.MT_UNDECLARE_OBJECT:
		c.UndeclareObject(pkt.ReadDoID())

	case proto.MT_GET_ZONES_OBJECTS_RESP:
		context := pkt.ReadUint32()
		if op := c.pending[context]; op != nil {
			op.setExpected(int(pkt.ReadUint32()))
		}
	case proto.MT_ENTER_INTEREST_WITH_REQUIRED, proto.MT_ENTER_INTEREST_WITH_REQUIRED_OTHER:
		context := pkt.ReadUint32()
		obj, err := readSnapshot(c.schema, pkt, hdr.MsgType == proto.MT_ENTER_INTEREST_WITH_REQUIRED_OTHER)
		if err != nil {
			return err
		}
		if op := c.pending[context]; op != nil {
			op.addEntrance(obj, true)
		} else {
			c.handleEnterLocation(obj)
		}
	case proto.MT_ENTER_LOCATION_WITH_REQUIRED, proto.MT_ENTER_LOCATION_WITH_REQUIRED_OTHER:
		obj, err := readSnapshot(c.schema, pkt, hdr.MsgType == proto.MT_ENTER_LOCATION_WITH_REQUIRED_OTHER)
		if err != nil {
			return err
		}
		c.handleEnterLocation(obj)
	case proto.MT_ENTER_OWNER_WITH_REQUIRED_OTHER:
		obj, err := readSnapshot(c.schema, pkt, true)
		if err != nil {
			return err
		}
		// owned objects are session objects of their owner
		c.sessionObjects.Add(obj.ID)
		c.enterObject(obj)

	case proto.MT_SET_FIELD, proto.MT_DELETE_FIELD_RAM, proto.MT_CHANGING_LOCATION, proto.MT_DELETE_RAM:
		return c.handleObjectUpdate(hdr, pkt)

	case proto.MT_DONE_INTEREST_RESP, proto.MT_CHANGING_OWNER:
	default:
		return errors.Errorf("unexpected message %s", hdr.MsgType)
	}
	return nil
}

func (c *Client) handleEnterLocation(obj *VisibleObject) {
	if visible := c.visible[obj.ID]; visible != nil {
		visible.Parent, visible.Zone = obj.Parent, obj.Zone
		return
	}
	for _, op := range c.pending {
		if op.covers(obj.Parent, obj.Zone) {
			op.addEntrance(obj, false)
			return
		}
	}
	if c.isInteresting(obj.Parent, obj.Zone) || c.sessionObjects.Contains(obj.ID) {
		c.enterObject(obj)
	}
}

// handleObjectUpdate applies an update of an object, updates of objects not visible yet
// are queued into the pending operation they belong to
func (c *Client) handleObjectUpdate(hdr proto.Header, pkt *netutil.Packet) error {
	payloadStart := pkt.ReadCursor()
	id := pkt.ReadDoID()
	obj := c.visible[id]
	if obj == nil {
		if op := c.pendingOperationFor(id, hdr.Targets); op != nil {
			pkt.SetReadCursor(payloadStart)
			op.queue(pkt)
		} else if c.history.Contains(id) {
			gwlog.Debugf("%s: drop stale %s of disabled object %s", c, hdr.MsgType, id)
		} else {
			return errors.Wrapf(ErrUnknownObject, "%s of %s", hdr.MsgType, id)
		}
		return nil
	}

	switch hdr.MsgType {
	case proto.MT_SET_FIELD:
		f, err := obj.Class.Field(common.FieldID(pkt.ReadUint16()))
		if err != nil {
			return err
		}
		v, err := f.Unpack(pkt)
		if err != nil {
			return err
		}
		obj.Fields[f.ID] = v
		c.delegate.OnFieldUpdate(obj, f.ID, v)
	case proto.MT_DELETE_FIELD_RAM:
		fid := common.FieldID(pkt.ReadUint16())
		delete(obj.Fields, fid)
		c.delegate.OnFieldDeleted(obj, fid)
	case proto.MT_CHANGING_LOCATION:
		newParent, newZone := pkt.ReadLocation()
		oldParent, oldZone := obj.Parent, obj.Zone
		obj.Parent, obj.Zone = newParent, newZone
		if c.isInteresting(newParent, newZone) || c.sessionObjects.Contains(id) {
			c.delegate.OnObjectLocation(obj, oldParent, oldZone)
		} else {
			c.disable(obj)
		}
	case proto.MT_DELETE_RAM:
		aiDeletion := pkt.ReadBool()
		delete(c.visible, id)
		c.sessionObjects.Del(id)
		c.history.Add(id, struct{}{})
		c.delegate.OnObjectDeleted(obj, aiDeletion)
	}
	return nil
}
