package client

import (
	"fmt"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xiaonanln/gostate/engine/bus"
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/dclass"
	"github.com/xiaonanln/gostate/engine/idalloc"
	"github.com/xiaonanln/gostate/engine/netutil"
	"github.com/xiaonanln/gostate/engine/proto"
	"github.com/xiaonanln/gostate/engine/stateserver"
)

const (
	treeChannel      common.Channel = 4002
	clientChannel    common.Channel = 9000
	requesterChannel common.Channel = 7000
)

type recorder struct {
	events  []string
	classes []common.ClassID
	done    []uint32
}

func (r *recorder) OnObjectEnter(obj *VisibleObject) {
	r.events = append(r.events, fmt.Sprintf("enter %d", obj.ID))
	r.classes = append(r.classes, obj.Class.ID)
}

func (r *recorder) OnObjectLeave(obj *VisibleObject) {
	r.events = append(r.events, fmt.Sprintf("leave %d", obj.ID))
}

func (r *recorder) OnObjectDeleted(obj *VisibleObject, aiDeletion bool) {
	r.events = append(r.events, fmt.Sprintf("deleted %d", obj.ID))
}

func (r *recorder) OnObjectLocation(obj *VisibleObject, oldParent common.DoID, oldZone common.ZoneID) {
	r.events = append(r.events, fmt.Sprintf("move %d %d=>%d", obj.ID, oldZone, obj.Zone))
}

func (r *recorder) OnFieldUpdate(obj *VisibleObject, fid common.FieldID, value []byte) {
	r.events = append(r.events, fmt.Sprintf("field %d %d", obj.ID, fid))
}

func (r *recorder) OnFieldDeleted(obj *VisibleObject, fid common.FieldID) {
	r.events = append(r.events, fmt.Sprintf("delfield %d %d", obj.ID, fid))
}

func (r *recorder) OnInterestDone(interestID uint16, context uint32) {
	r.events = append(r.events, fmt.Sprintf("done %d", interestID))
	r.done = append(r.done, context)
}

func (r *recorder) clear() {
	r.events = nil
	r.classes = nil
	r.done = nil
}

type sink struct {
	msgs []*netutil.Packet
	hdrs []proto.Header
}

func (p *sink) HandleDatagram(pkt *netutil.Packet) {
	hdr, err := proto.ReadHeader(pkt)
	if err != nil {
		panic(err)
	}
	p.hdrs = append(p.hdrs, hdr)
	p.msgs = append(p.msgs, pkt.Copy())
}

func (p *sink) take(msgtype proto.MsgType) []*netutil.Packet {
	var res []*netutil.Packet
	for i, hdr := range p.hdrs {
		if hdr.MsgType == msgtype {
			res = append(res, p.msgs[i])
		}
	}
	return res
}

type fixture struct {
	t        *testing.T
	bus      *bus.LocalBus
	schema   *dclass.Schema
	tree     *stateserver.StateTree
	client   *Client
	delegate *recorder
	root     common.DoID
}

func newFixture(t *testing.T) *fixture {
	schema, err := dclass.LoadFile("../dclass/testdata/gostate_test.yaml")
	if err != nil {
		t.Fatal(err)
	}
	ids, err := idalloc.New(100000000, 100000999)
	if err != nil {
		t.Fatal(err)
	}
	b := bus.NewLocalBus()
	f := &fixture{
		t:        t,
		bus:      b,
		schema:   schema,
		tree:     stateserver.NewStateTree(treeChannel, b, schema, ids),
		delegate: &recorder{},
	}
	f.client, err = NewClient(clientChannel, b, schema, f.delegate, 16)
	if err != nil {
		t.Fatal(err)
	}
	f.root = f.generate(0, 0, "DistributedRoot", "root")
	return f
}

func (f *fixture) class(name string) *dclass.Class {
	cls, err := f.schema.ClassByName(name)
	if err != nil {
		f.t.Fatal(err)
	}
	return cls
}

func (f *fixture) field(name string) *dclass.Field {
	fd, err := f.schema.FieldByName(name)
	if err != nil {
		f.t.Fatal(err)
	}
	return fd
}

func (f *fixture) generate(parent common.DoID, zone common.ZoneID, className string, required ...interface{}) common.DoID {
	cls := f.class(className)
	values := map[common.FieldID][]byte{}
	for i, rf := range cls.RequiredFields() {
		values[rf.ID] = rf.MustEncode(required[i])
	}
	id, err := f.tree.Generate(parent, zone, cls.ID, values, nil)
	if err != nil {
		f.t.Fatal(err)
	}
	f.bus.Flush()
	return id
}

func (f *fixture) addInterest(id uint16, parent common.DoID, zones ...common.ZoneID) {
	f.client.AddInterest(Interest{ID: id, Parent: parent, Zones: common.NewZoneSet(zones...)}, uint32(id)*10, 0)
	f.bus.Flush()
}

func (f *fixture) watch(chs ...common.Channel) *sink {
	p := &sink{}
	for _, ch := range chs {
		f.bus.Subscribe(p, ch)
	}
	return p
}

func (f *fixture) sendTo(target, sender common.Channel, msgtype proto.MsgType, build func(pkt *netutil.Packet)) {
	pkt := proto.NewDatagram([]common.Channel{target}, sender, msgtype)
	build(pkt)
	f.bus.Route(pkt)
	f.bus.Flush()
}

func (f *fixture) appendSnapshot(pkt *netutil.Packet, id, parent common.DoID, zone common.ZoneID, className string, required ...interface{}) {
	cls := f.class(className)
	pkt.AppendDoID(id)
	pkt.AppendLocation(parent, zone)
	pkt.AppendUint16(uint16(cls.ID))
	for i, rf := range cls.RequiredFields() {
		pkt.AppendBytes(rf.MustEncode(required[i]))
	}
}

func TestOpenInterest(t *testing.T) {
	f := newFixture(t)
	p := f.generate(f.root, 1, "DistributedTestObject", 1)
	a := f.generate(p, 10, "DistributedTestObject", 2)
	b := f.generate(p, 10, "DistributedChest", 3)
	f.generate(p, 11, "DistributedTestObject", 4)

	f.addInterest(1, p, 10)
	assert.Equal(t, []common.DoID{a, b}, f.client.VisibleObjects())
	assert.Equal(t, []uint32{10}, f.delegate.done)
	assert.Equal(t, 0, f.client.NumPendingOperations())
	assert.T(t, f.bus.IsSubscribed(f.client, common.LocationChannel(p, 10)))

	// an empty zone completes once the count is known
	f.delegate.clear()
	f.addInterest(2, p, 20)
	assert.Equal(t, []string{"done 2"}, f.delegate.events)
}

func TestAlterInterest(t *testing.T) {
	f := newFixture(t)
	p := f.generate(f.root, 1, "DistributedTestObject", 1)
	a := f.generate(p, 10, "DistributedTestObject", 2)
	b := f.generate(p, 11, "DistributedTestObject", 3)
	c := f.generate(p, 12, "DistributedTestObject", 4)

	f.addInterest(1, p, 10, 11)
	assert.Equal(t, []common.DoID{a, b}, f.client.VisibleObjects())

	f.delegate.clear()
	f.addInterest(1, p, 11, 12)
	assert.Equal(t, []string{
		fmt.Sprintf("leave %d", a),
		fmt.Sprintf("enter %d", c),
		"done 1",
	}, f.delegate.events)
	assert.Equal(t, []common.DoID{b, c}, f.client.VisibleObjects())
	assert.T(t, !f.bus.IsSubscribed(f.client, common.LocationChannel(p, 10)))
	assert.T(t, f.bus.IsSubscribed(f.client, common.LocationChannel(p, 11)))

	// changing the parent drops every old zone
	q := f.generate(f.root, 2, "DistributedTestObject", 5)
	d := f.generate(q, 11, "DistributedTestObject", 6)
	f.delegate.clear()
	f.addInterest(1, q, 11)
	assert.Equal(t, []common.DoID{d}, f.client.VisibleObjects())
	assert.T(t, !f.bus.IsSubscribed(f.client, common.LocationChannel(p, 11)))
}

func TestOverlappingInterests(t *testing.T) {
	f := newFixture(t)
	p := f.generate(f.root, 1, "DistributedTestObject", 1)
	a := f.generate(p, 10, "DistributedTestObject", 2)
	b := f.generate(p, 11, "DistributedTestObject", 3)

	f.addInterest(1, p, 10)
	getZones := f.watch(common.ObjectChannel(p))
	f.addInterest(2, p, 10, 11)
	// only the zone not covered yet is queried
	queries := getZones.take(proto.MT_GET_ZONES_OBJECTS)
	assert.Equal(t, 1, len(queries))
	queries[0].ReadUint32()
	queries[0].ReadDoID()
	assert.Equal(t, common.NewZoneSet(11), queries[0].ReadZoneList())

	f.delegate.clear()
	f.client.RemoveInterest(1, 100, 0)
	assert.Equal(t, []string{"done 1"}, f.delegate.events)
	assert.T(t, f.bus.IsSubscribed(f.client, common.LocationChannel(p, 10)))
	assert.Equal(t, []common.DoID{a, b}, f.client.VisibleObjects())

	f.delegate.clear()
	f.client.RemoveInterest(2, 200, 0)
	assert.Equal(t, 0, len(f.client.VisibleObjects()))
	assert.T(t, !f.bus.IsSubscribed(f.client, common.LocationChannel(p, 10)))
	assert.T(t, !f.bus.IsSubscribed(f.client, common.LocationChannel(p, 11)))
	assert.Equal(t, 3, len(f.delegate.events))
}

func TestEmptyDeltaCompletesSynchronously(t *testing.T) {
	f := newFixture(t)
	p := f.generate(f.root, 1, "DistributedTestObject", 1)
	f.generate(p, 10, "DistributedTestObject", 2)
	f.addInterest(1, p, 10)

	f.delegate.clear()
	f.client.AddInterest(Interest{ID: 2, Parent: p, Zones: common.NewZoneSet(10)}, 7, 0)
	assert.Equal(t, []uint32{7}, f.delegate.done)
	assert.Equal(t, 0, f.client.NumPendingOperations())
	assert.Equal(t, 0, f.bus.Pending())
}

func TestClassOrderedReplay(t *testing.T) {
	f := newFixture(t)
	fakeParent := common.DoID(500)
	parent := f.watch(common.ObjectChannel(fakeParent))
	f.addInterest(1, fakeParent, 3)

	queries := parent.take(proto.MT_GET_ZONES_OBJECTS)
	assert.Equal(t, 1, len(queries))
	context := queries[0].ReadUint32()

	// the count is raised, never lowered
	for _, n := range []uint32{3, 1} {
		f.sendTo(clientChannel, common.ObjectChannel(fakeParent), proto.MT_GET_ZONES_OBJECTS_RESP, func(pkt *netutil.Packet) {
			pkt.AppendUint32(context)
			pkt.AppendUint32(n)
		})
	}

	avatar := f.class("DistributedAvatar")
	object := f.class("DistributedTestObject")
	f.sendTo(clientChannel, common.ObjectChannel(601), proto.MT_ENTER_INTEREST_WITH_REQUIRED, func(pkt *netutil.Packet) {
		pkt.AppendUint32(context)
		f.appendSnapshot(pkt, 601, fakeParent, 3, "DistributedAvatar", 1, "bob")
	})
	f.sendTo(clientChannel, common.ObjectChannel(602), proto.MT_ENTER_INTEREST_WITH_REQUIRED, func(pkt *netutil.Packet) {
		pkt.AppendUint32(context)
		f.appendSnapshot(pkt, 602, fakeParent, 3, "DistributedTestObject", 2)
	})
	// duplicates are counted once
	f.sendTo(clientChannel, common.ObjectChannel(602), proto.MT_ENTER_INTEREST_WITH_REQUIRED, func(pkt *netutil.Packet) {
		pkt.AppendUint32(context)
		f.appendSnapshot(pkt, 602, fakeParent, 3, "DistributedTestObject", 2)
	})
	assert.Equal(t, 0, len(f.delegate.classes))
	assert.Equal(t, 1, f.client.NumPendingOperations())

	f.sendTo(clientChannel, common.ObjectChannel(603), proto.MT_ENTER_INTEREST_WITH_REQUIRED, func(pkt *netutil.Packet) {
		pkt.AppendUint32(context)
		f.appendSnapshot(pkt, 603, fakeParent, 3, "DistributedAvatar", 3, "alice")
	})
	assert.Equal(t, []common.ClassID{object.ID, avatar.ID, avatar.ID}, f.delegate.classes)
	assert.Equal(t, []string{"enter 602", "enter 601", "enter 603", "done 1"}, f.delegate.events)
	assert.Equal(t, 0, f.client.NumPendingOperations())
}

func TestQueuedUpdatesReplayed(t *testing.T) {
	f := newFixture(t)
	fakeParent := common.DoID(500)
	parent := f.watch(common.ObjectChannel(fakeParent))
	f.addInterest(1, fakeParent, 3)
	context := parent.take(proto.MT_GET_ZONES_OBJECTS)[0].ReadUint32()
	setB1 := f.field("setB1")
	location := common.LocationChannel(fakeParent, 3)

	f.sendTo(clientChannel, common.ObjectChannel(601), proto.MT_ENTER_INTEREST_WITH_REQUIRED, func(pkt *netutil.Packet) {
		pkt.AppendUint32(context)
		f.appendSnapshot(pkt, 601, fakeParent, 3, "DistributedTestObject", 1)
	})
	// announced to the location while the query is pending, it is not counted
	f.sendTo(location, common.ObjectChannel(602), proto.MT_ENTER_LOCATION_WITH_REQUIRED, func(pkt *netutil.Packet) {
		f.appendSnapshot(pkt, 602, fakeParent, 3, "DistributedTestObject", 2)
	})
	for _, id := range []common.DoID{601, 602} {
		f.sendTo(location, clientChannel+1, proto.MT_SET_FIELD, func(pkt *netutil.Packet) {
			pkt.AppendDoID(id)
			pkt.AppendUint16(uint16(setB1.ID))
			pkt.AppendBytes(setB1.MustEncode(5))
		})
	}
	assert.Equal(t, 0, len(f.delegate.events))

	f.sendTo(clientChannel, common.ObjectChannel(fakeParent), proto.MT_GET_ZONES_OBJECTS_RESP, func(pkt *netutil.Packet) {
		pkt.AppendUint32(context)
		pkt.AppendUint32(1)
	})
	assert.Equal(t, []string{
		"enter 601", "enter 602", "done 1",
		fmt.Sprintf("field 601 %d", setB1.ID),
		fmt.Sprintf("field 602 %d", setB1.ID),
	}, f.delegate.events)
	assert.Equal(t, setB1.MustEncode(5), f.client.Object(602).Fields[setB1.ID])
}

func TestStaleUpdatesDropped(t *testing.T) {
	f := newFixture(t)
	p := f.generate(f.root, 1, "DistributedTestObject", 1)
	a := f.generate(p, 10, "DistributedTestObject", 2)
	f.addInterest(1, p, 10)
	f.client.RemoveInterest(1, 0, 0)
	f.delegate.clear()

	setB1 := f.field("setB1")
	pkt := proto.NewDatagram([]common.Channel{common.LocationChannel(p, 10)}, clientChannel+1, proto.MT_SET_FIELD)
	pkt.AppendDoID(a)
	pkt.AppendUint16(uint16(setB1.ID))
	pkt.AppendBytes(setB1.MustEncode(1))
	f.client.InjectDatagram(pkt)
	f.client.Tick()

	assert.Equal(t, 0, len(f.delegate.events))
	assert.Equal(t, (*VisibleObject)(nil), f.client.Object(a))
}

// droppedCount reads the dropped datagram counter of the reason from the default registry
func droppedCount(t *testing.T, reason string) float64 {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "gostate_dropped_datagrams_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "reason" && l.GetValue() == reason {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestUnknownUpdatesCounted(t *testing.T) {
	f := newFixture(t)
	p := f.generate(f.root, 1, "DistributedTestObject", 1)
	a := f.generate(p, 10, "DistributedTestObject", 2)
	f.addInterest(1, p, 10)
	f.client.RemoveInterest(1, 0, 0)
	f.delegate.clear()

	setB1 := f.field("setB1")
	inject := func(id common.DoID) {
		pkt := proto.NewDatagram([]common.Channel{common.LocationChannel(p, 10)}, clientChannel+1, proto.MT_SET_FIELD)
		pkt.AppendDoID(id)
		pkt.AppendUint16(uint16(setB1.ID))
		pkt.AppendBytes(setB1.MustEncode(1))
		f.client.InjectDatagram(pkt)
		f.client.Tick()
	}

	// a late update of an object that left is expected
	before := droppedCount(t, "client")
	inject(a)
	assert.Equal(t, before, droppedCount(t, "client"))

	inject(a + 1000)
	assert.Equal(t, before+1, droppedCount(t, "client"))
	assert.Equal(t, 0, len(f.delegate.events))
	assert.Equal(t, 0, len(f.client.VisibleObjects()))
}

func TestObjectUpdates(t *testing.T) {
	f := newFixture(t)
	p := f.generate(f.root, 1, "DistributedTestObject", 1)
	a := f.generate(p, 10, "DistributedTestObject", 2)
	f.addInterest(1, p, 10, 11)
	f.delegate.clear()

	obj := f.tree.Object(a)
	setB1 := f.field("setB1")
	assert.Equal(t, nil, obj.SetField(setB1.ID, setB1.MustEncode(4), clientChannel+1))
	f.bus.Flush()
	assert.Equal(t, setB1.MustEncode(4), f.client.Object(a).Fields[setB1.ID])

	assert.Equal(t, nil, obj.SetLocation(p, 11))
	f.bus.Flush()
	assert.Equal(t, common.ZoneID(11), f.client.Object(a).Zone)

	assert.Equal(t, nil, obj.SetLocation(p, 12))
	f.bus.Flush()
	assert.Equal(t, (*VisibleObject)(nil), f.client.Object(a))

	assert.Equal(t, nil, obj.SetLocation(p, 10))
	f.bus.Flush()
	obj.Delete()
	f.bus.Flush()
	assert.Equal(t, []string{
		fmt.Sprintf("field %d %d", a, setB1.ID),
		fmt.Sprintf("move %d 10=>11", a),
		fmt.Sprintf("leave %d", a),
		fmt.Sprintf("enter %d", a),
		fmt.Sprintf("deleted %d", a),
	}, f.delegate.events)
}

func TestSessionObjects(t *testing.T) {
	f := newFixture(t)
	p := f.generate(f.root, 1, "DistributedTestObject", 1)
	a := f.generate(p, 10, "DistributedTestObject", 2)
	b := f.generate(p, 10, "DistributedTestObject", 3)
	f.addInterest(1, p, 10)

	assert.Equal(t, nil, f.client.DeclareObject(a, f.class("DistributedTestObject").ID))
	f.client.RemoveInterest(1, 0, 0)
	assert.Equal(t, []common.DoID{a}, f.client.VisibleObjects())

	// moving out of every interest keeps it too
	assert.Equal(t, nil, f.tree.Object(a).SetLocation(p, 11))
	f.addInterest(2, p, 11)
	f.client.RemoveInterest(2, 0, 0)
	assert.Equal(t, []common.DoID{a}, f.client.VisibleObjects())

	f.client.UndeclareObject(a)
	assert.Equal(t, 0, len(f.client.VisibleObjects()))

	// owned objects are session objects
	f.tree.Object(b).SetOwner(clientChannel)
	f.bus.Flush()
	assert.Equal(t, []common.DoID{b}, f.client.VisibleObjects())
	f.addInterest(3, p, 10)
	f.client.RemoveInterest(3, 0, 0)
	assert.Equal(t, []common.DoID{b}, f.client.VisibleObjects())
}

func TestSessionObjectsSurviveAlteration(t *testing.T) {
	f := newFixture(t)
	p := f.generate(f.root, 1, "DistributedTestObject", 1)
	a := f.generate(p, 10, "DistributedTestObject", 2)
	b := f.generate(p, 10, "DistributedTestObject", 3)
	c := f.generate(p, 11, "DistributedTestObject", 4)
	f.addInterest(1, p, 10)
	assert.Equal(t, nil, f.client.DeclareObject(a, f.class("DistributedTestObject").ID))

	// same parent, zone 10 replaced by zone 11
	f.delegate.clear()
	f.addInterest(1, p, 11)
	assert.Equal(t, []string{
		fmt.Sprintf("leave %d", b),
		fmt.Sprintf("enter %d", c),
		"done 1",
	}, f.delegate.events)
	assert.Equal(t, []common.DoID{a, c}, f.client.VisibleObjects())

	// new parent, every old zone is dropped
	q := f.generate(f.root, 2, "DistributedTestObject", 5)
	d := f.generate(q, 5, "DistributedTestObject", 6)
	f.delegate.clear()
	f.addInterest(1, q, 5)
	assert.Equal(t, []string{
		fmt.Sprintf("leave %d", c),
		fmt.Sprintf("enter %d", d),
		"done 1",
	}, f.delegate.events)
	assert.Equal(t, []common.DoID{a, d}, f.client.VisibleObjects())
	assert.T(t, !f.bus.IsSubscribed(f.client, common.LocationChannel(p, 10)))
	assert.T(t, !f.bus.IsSubscribed(f.client, common.LocationChannel(p, 11)))
}

func TestBusControlledInterest(t *testing.T) {
	f := newFixture(t)
	p := f.generate(f.root, 1, "DistributedTestObject", 1)
	a := f.generate(p, 10, "DistributedTestObject", 2)
	requester := f.watch(requesterChannel)

	f.sendTo(clientChannel, requesterChannel, proto.MT_ADD_INTEREST, func(pkt *netutil.Packet) {
		pkt.AppendUint32(42)
		pkt.AppendUint16(7)
		pkt.AppendDoID(p)
		pkt.AppendZoneList(common.NewZoneSet(10))
	})
	assert.Equal(t, []common.DoID{a}, f.client.VisibleObjects())
	resps := requester.take(proto.MT_DONE_INTEREST_RESP)
	assert.Equal(t, 1, len(resps))
	assert.Equal(t, uint32(42), resps[0].ReadUint32())
	assert.Equal(t, uint16(7), resps[0].ReadUint16())

	f.sendTo(clientChannel, requesterChannel, proto.MT_REMOVE_INTEREST, func(pkt *netutil.Packet) {
		pkt.AppendUint32(43)
		pkt.AppendUint16(7)
	})
	assert.Equal(t, 0, len(f.client.VisibleObjects()))
	assert.Equal(t, 2, len(requester.take(proto.MT_DONE_INTEREST_RESP)))
	// the delegate is not involved when a requester is given
	assert.Equal(t, 0, len(f.delegate.done))
}
