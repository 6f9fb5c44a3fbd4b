package stateserver

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/gostate/engine/bus"
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/dclass"
	"github.com/xiaonanln/gostate/engine/idalloc"
	"github.com/xiaonanln/gostate/engine/netutil"
	"github.com/xiaonanln/gostate/engine/proto"
)

const (
	testChannel   common.Channel = 4002
	testMinID     common.DoID    = 100000000
	testMaxID     common.DoID    = 100000099
	clientChannel common.Channel = 9000
	aiChannel     common.Channel = 9100
	ownerChannel  common.Channel = 9200
)

type message struct {
	hdr proto.Header
	pkt *netutil.Packet
}

// sink records every datagram it receives
type sink struct {
	msgs []message
}

func (p *sink) HandleDatagram(pkt *netutil.Packet) {
	hdr, err := proto.ReadHeader(pkt)
	if err != nil {
		panic(err)
	}
	p.msgs = append(p.msgs, message{hdr: hdr, pkt: pkt.Copy()})
}

func (p *sink) take(msgtype proto.MsgType) []message {
	var res []message
	for _, m := range p.msgs {
		if m.hdr.MsgType == msgtype {
			res = append(res, m)
		}
	}
	return res
}

func (p *sink) clear() {
	p.msgs = nil
}

type fixture struct {
	t      *testing.T
	bus    *bus.LocalBus
	schema *dclass.Schema
	tree   *StateTree
	client *sink
}

func newFixture(t *testing.T, maxID common.DoID) *fixture {
	schema, err := dclass.LoadFile("../dclass/testdata/gostate_test.yaml")
	if err != nil {
		t.Fatal(err)
	}
	ids, err := idalloc.New(testMinID, maxID)
	if err != nil {
		t.Fatal(err)
	}
	b := bus.NewLocalBus()
	f := &fixture{
		t:      t,
		bus:    b,
		schema: schema,
		tree:   NewStateTree(testChannel, b, schema, ids),
		client: &sink{},
	}
	b.Subscribe(f.client, clientChannel)
	return f
}

func (f *fixture) field(name string) *dclass.Field {
	fd, err := f.schema.FieldByName(name)
	if err != nil {
		f.t.Fatal(err)
	}
	return fd
}

func (f *fixture) class(name string) *dclass.Class {
	cls, err := f.schema.ClassByName(name)
	if err != nil {
		f.t.Fatal(err)
	}
	return cls
}

func (f *fixture) watch(chs ...common.Channel) *sink {
	p := &sink{}
	for _, ch := range chs {
		f.bus.Subscribe(p, ch)
	}
	return p
}

// send routes a datagram from the client channel and flushes the bus
func (f *fixture) send(target common.Channel, msgtype proto.MsgType, build func(pkt *netutil.Packet)) {
	f.sendFrom(clientChannel, target, msgtype, build)
}

func (f *fixture) sendFrom(sender, target common.Channel, msgtype proto.MsgType, build func(pkt *netutil.Packet)) {
	pkt := proto.NewDatagram([]common.Channel{target}, sender, msgtype)
	build(pkt)
	f.bus.Route(pkt)
	f.bus.Flush()
}

// generateRaw sends GENERATE_WITH_REQUIRED and returns the response
func (f *fixture) generateRaw(parent common.DoID, zone common.ZoneID, className string, required ...interface{}) (proto.ErrCode, common.DoID) {
	cls := f.class(className)
	f.client.clear()
	f.send(testChannel, proto.MT_GENERATE_WITH_REQUIRED, func(pkt *netutil.Packet) {
		pkt.AppendUint32(77)
		pkt.AppendLocation(parent, zone)
		pkt.AppendUint16(uint16(cls.ID))
		for i, rf := range cls.RequiredFields() {
			pkt.AppendBytes(rf.MustEncode(required[i]))
		}
	})
	resps := f.client.take(proto.MT_GENERATE_RESP)
	assert.Equal(f.t, 1, len(resps))
	pkt := resps[0].pkt
	assert.Equal(f.t, uint32(77), pkt.ReadUint32())
	code := proto.ErrCode(pkt.ReadUint8())
	id := pkt.ReadDoID()
	f.client.clear()
	return code, id
}

func (f *fixture) generate(parent common.DoID, zone common.ZoneID, className string, required ...interface{}) common.DoID {
	code, id := f.generateRaw(parent, zone, className, required...)
	assert.Equal(f.t, proto.ERR_OK, code)
	return id
}

func (f *fixture) generateRoot() common.DoID {
	return f.generate(0, 0, "DistributedRoot", "root")
}

func (f *fixture) setField(id common.DoID, sender common.Channel, name string, v interface{}) {
	fd := f.field(name)
	f.sendFrom(sender, common.ObjectChannel(id), proto.MT_SET_FIELD, func(pkt *netutil.Packet) {
		pkt.AppendDoID(id)
		pkt.AppendUint16(uint16(fd.ID))
		pkt.AppendBytes(fd.MustEncode(v))
	})
}

func (f *fixture) setLocation(id, parent common.DoID, zone common.ZoneID) {
	f.send(common.ObjectChannel(id), proto.MT_SET_LOCATION, func(pkt *netutil.Packet) {
		pkt.AppendDoID(id)
		pkt.AppendLocation(parent, zone)
	})
}

func (f *fixture) setAI(id common.DoID, ai common.Channel) {
	f.send(common.ObjectChannel(id), proto.MT_SET_AI, func(pkt *netutil.Packet) {
		pkt.AppendDoID(id)
		pkt.AppendChannel(ai)
	})
}

func (f *fixture) deleteRAM(id common.DoID) {
	f.send(common.ObjectChannel(id), proto.MT_DELETE_RAM, func(pkt *netutil.Packet) {
		pkt.AppendDoID(id)
		pkt.AppendBool(false)
	})
}

func (f *fixture) object(id common.DoID) *DistributedObject {
	obj := f.tree.Object(id)
	if obj == nil {
		f.t.Fatalf("object %s not found", id)
	}
	return obj
}

// readSnapshotHead reads the id, location and class of a snapshot
func readSnapshotHead(pkt *netutil.Packet) (common.DoID, common.DoID, common.ZoneID, common.ClassID) {
	id := pkt.ReadDoID()
	parent, zone := pkt.ReadLocation()
	return id, parent, zone, common.ClassID(pkt.ReadUint16())
}
